package repo

import (
	"context"
	"database/sql"

	"rollup/internal/domain"
)

type EventFilter struct {
	CustomerID string
	Type       string
	EntityKind string
	EntityID   string
	// Cursor pages backwards: only events with id < Cursor are returned.
	Cursor int64
	Limit  int
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var customerID, entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &customerID, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, wrapDBError("scan event", err)
		}
		e.CustomerID = customerID.String
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, wrapDBError("scan events", rows.Err())
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, q DBTX, f EventFilter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	var clauses []string
	var args []any
	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id=?")
		args = append(args, f.CustomerID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	args = append(args, f.Limit)
	rows, err := r.q(q).QueryContext(ctx, `SELECT id,ts,type,customer_id,entity_kind,entity_id,actor_id,payload_json FROM events`+where(clauses)+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, wrapDBError("latest events", err)
	}
	return scanEvents(rows)
}

// EventsAfter returns events with ids greater than cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, q DBTX, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q(q).QueryContext(ctx, `SELECT id,ts,type,customer_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, wrapDBError("events after", err)
	}
	return scanEvents(rows)
}
