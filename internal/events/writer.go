package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	CustomerCreated            = "customer.created"
	CustomerUpdated            = "customer.updated"
	TaskCreated                = "task.created"
	TaskUpdated                = "task.updated"
	TaskDeleted                = "task.deleted"
	TaskProgressSet            = "task.progress.set"
	SubtaskCreated             = "subtask.created"
	SubtaskUpdated             = "subtask.updated"
	SubtaskDeleted             = "subtask.deleted"
	TaskProgressRecomputed     = "task.progress.recomputed"
	CustomerProgressRecomputed = "customer.progress.recomputed"
	CascadeFailed              = "cascade.failed"
	SubtreeRecalculated        = "subtree.recalculated"
)

// Execer is the part of *sql.Tx an event append needs.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Emitter records state changes alongside the write that caused them.
type Emitter interface {
	Append(ctx context.Context, tx Execer, evtType, customerID, entityKind, entityID, actorID string, payload Payload) error
}

type Payload map[string]any

// Writer appends events to the events table.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx Execer, evtType, customerID, entityKind, entityID, actorID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,customer_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(customerID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
