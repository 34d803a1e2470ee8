package engine

import (
	"context"

	"rollup/internal/domain"
)

// Child is a task or a subtask, depending on Kind.
type Child struct {
	Kind    domain.Kind     `json:"kind"`
	Task    *domain.Task    `json:"task,omitempty"`
	Subtask *domain.Subtask `json:"subtask,omitempty"`
}

// ChildFields are the creation fields shared by tasks and subtasks.
// CustomerID only applies to subtasks: the customer the parent task is
// expected to belong to.
type ChildFields struct {
	ID          string
	CustomerID  string
	Title       string
	Description string
	Status      domain.WorkStatus
	Priority    domain.Priority
	DueDate     string
	Sequence    int
}

// CreateChild creates a task under a customer or a subtask under a task.
func (e Engine) CreateChild(ctx context.Context, kind domain.Kind, parentID string, data ChildFields, actorID string) (Child, Propagation, error) {
	switch kind {
	case domain.KindTask:
		t, p, err := e.CreateTask(ctx, TaskCreateOptions{
			ID: data.ID, CustomerID: parentID, Title: data.Title, Description: data.Description,
			Status: data.Status, Priority: data.Priority, DueDate: data.DueDate, Sequence: data.Sequence, ActorID: actorID,
		})
		if err != nil {
			return Child{}, p, err
		}
		return Child{Kind: kind, Task: &t}, p, nil
	case domain.KindSubtask:
		st, p, err := e.CreateSubtask(ctx, SubtaskCreateOptions{
			ID: data.ID, TaskID: parentID, CustomerID: data.CustomerID, Title: data.Title, Description: data.Description,
			Status: data.Status, Priority: data.Priority, DueDate: data.DueDate, Sequence: data.Sequence, ActorID: actorID,
		})
		if err != nil {
			return Child{}, p, err
		}
		return Child{Kind: kind, Subtask: &st}, p, nil
	}
	return Child{}, Propagation{}, invalid("kind", "%s cannot be created as a child", kind)
}

// UpdateChildStatus moves a task or subtask to status and cascades.
func (e Engine) UpdateChildStatus(ctx context.Context, kind domain.Kind, id string, status domain.WorkStatus, actorID string) (Child, Propagation, error) {
	switch kind {
	case domain.KindTask:
		t, p, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: id, Status: &status, ActorID: actorID})
		if err != nil {
			return Child{}, p, err
		}
		return Child{Kind: kind, Task: &t}, p, nil
	case domain.KindSubtask:
		st, p, err := e.UpdateSubtask(ctx, SubtaskUpdateOptions{ID: id, Status: &status, ActorID: actorID})
		if err != nil {
			return Child{}, p, err
		}
		return Child{Kind: kind, Subtask: &st}, p, nil
	}
	return Child{}, Propagation{}, invalid("kind", "%s has no work status", kind)
}

// DeleteChild deletes a task or subtask and cascades. The returned Child
// holds the row as it was before deletion.
func (e Engine) DeleteChild(ctx context.Context, kind domain.Kind, id, actorID string) (Child, Propagation, error) {
	switch kind {
	case domain.KindTask:
		t, p, err := e.DeleteTask(ctx, id, actorID)
		if err != nil {
			return Child{}, p, err
		}
		return Child{Kind: kind, Task: &t}, p, nil
	case domain.KindSubtask:
		st, p, err := e.DeleteSubtask(ctx, id, actorID)
		if err != nil {
			return Child{}, p, err
		}
		return Child{Kind: kind, Subtask: &st}, p, nil
	}
	return Child{}, Propagation{}, invalid("kind", "%s cannot be deleted", kind)
}
