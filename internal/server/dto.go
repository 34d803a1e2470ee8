package server

import (
	"encoding/json"

	"rollup/internal/domain"
	"rollup/internal/engine"
)

// Request payloads

type CreateCustomerRequest struct {
	ID        *string `json:"id,omitempty"`
	Name      string  `json:"name" minLength:"1"`
	Status    *string `json:"status,omitempty" enum:"planning,active,on-hold,completed,cancelled"`
	Priority  *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	StartDate *string `json:"start_date,omitempty"`
	DueDate   *string `json:"due_date,omitempty"`
}

type UpdateCustomerRequest struct {
	Name            *string `json:"name,omitempty"`
	Status          *string `json:"status,omitempty" enum:"planning,active,on-hold,completed,cancelled"`
	Priority        *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	StartDate       *string `json:"start_date,omitempty"`
	DueDate         *string `json:"due_date,omitempty"`
	ExpectedVersion int     `json:"expected_version,omitempty"`
}

// CreateChildRequest creates a task under a customer or a subtask under a task.
type CreateChildRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title" minLength:"1"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"pending,in-progress,completed,cancelled"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate     string  `json:"due_date"`
	Sequence    int     `json:"sequence,omitempty" doc:"Position among siblings; omitted means next free slot"`
}

type UpdateTaskRequest struct {
	CustomerID      *string `json:"customer_id,omitempty" doc:"Move the task to another customer"`
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	Status          *string `json:"status,omitempty" enum:"pending,in-progress,completed,cancelled"`
	Priority        *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate         *string `json:"due_date,omitempty"`
	Sequence        *int    `json:"sequence,omitempty"`
	ExpectedVersion int     `json:"expected_version,omitempty"`
}

type UpdateSubtaskRequest struct {
	TaskID          *string `json:"task_id,omitempty" doc:"Move the subtask under another task"`
	Title           *string `json:"title,omitempty"`
	Description     *string `json:"description,omitempty"`
	Status          *string `json:"status,omitempty" enum:"pending,in-progress,completed,cancelled"`
	Priority        *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate         *string `json:"due_date,omitempty"`
	Sequence        *int    `json:"sequence,omitempty"`
	ExpectedVersion int     `json:"expected_version,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"pending,in-progress,completed,cancelled"`
}

type SetProgressRequest struct {
	Progress int `json:"progress" minimum:"0" maximum:"100"`
}

// Response payloads

type CascadeFailureResponse struct {
	Step     string `json:"step"`
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

type PropagationResponse struct {
	Steps   []engine.Step           `json:"steps"`
	Failure *CascadeFailureResponse `json:"failure,omitempty"`
}

type TaskWriteResponse struct {
	Task        domain.Task         `json:"task"`
	Propagation PropagationResponse `json:"propagation"`
}

type SubtaskWriteResponse struct {
	Subtask     domain.Subtask      `json:"subtask"`
	Propagation PropagationResponse `json:"propagation"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CustomerID string         `json:"customer_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DriftResponse struct {
	CustomerID string               `json:"customer_id"`
	Items      []engine.DriftReport `json:"items"`
}

func propagationResponse(p engine.Propagation) PropagationResponse {
	resp := PropagationResponse{Steps: nonNilSlice(p.Steps)}
	if p.Failure != nil {
		resp.Failure = &CascadeFailureResponse{
			Step:     string(p.Failure.Step),
			EntityID: p.Failure.EntityID,
			Error:    p.Failure.Err.Error(),
		}
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CustomerID: e.CustomerID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
