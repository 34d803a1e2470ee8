package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"rollup/internal/domain"
	"rollup/internal/events"
	"rollup/internal/repo"
)

// SubtaskCreateOptions are parameters for creating a subtask. The customer is
// taken from the owning task; when CustomerID is set the task must belong to
// it or the create fails with a NotFoundError for the task.
type SubtaskCreateOptions struct {
	ID          string
	TaskID      string
	CustomerID  string
	Title       string
	Description string
	Status      domain.WorkStatus
	Priority    domain.Priority
	DueDate     string
	Sequence    int
	ActorID     string
}

func (e Engine) CreateSubtask(ctx context.Context, opts SubtaskCreateOptions) (domain.Subtask, Propagation, error) {
	title := strings.TrimSpace(opts.Title)
	switch {
	case opts.TaskID == "":
		return domain.Subtask{}, Propagation{}, invalid("task_id", "is required")
	case title == "":
		return domain.Subtask{}, Propagation{}, invalid("title", "is required")
	case opts.DueDate == "":
		return domain.Subtask{}, Propagation{}, invalid("due_date", "is required")
	}
	if err := validateDate("due_date", opts.DueDate); err != nil {
		return domain.Subtask{}, Propagation{}, err
	}
	if opts.Status == "" {
		opts.Status = domain.StatusPending
	}
	if err := validateWorkStatus(opts.Status); err != nil {
		return domain.Subtask{}, Propagation{}, err
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if err := validatePriority(opts.Priority); err != nil {
		return domain.Subtask{}, Propagation{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.stamp()
	st := domain.Subtask{
		ID:          opts.ID,
		TaskID:      opts.TaskID,
		Title:       title,
		Description: opts.Description,
		Status:      domain.StatusPending,
		Priority:    opts.Priority,
		DueDate:     opts.DueDate,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	comp := subtaskCompletion(&st)
	ApplyStatusTransition(&comp, opts.Status, opts.ActorID, e.now())
	comp.applySubtask(&st)

	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Tasks.GetTask(ctx, tx, st.TaskID)
		if err != nil {
			return storeErr(domain.KindTask, st.TaskID, 0, err)
		}
		if opts.CustomerID != "" && opts.CustomerID != t.CustomerID {
			return &NotFoundError{Kind: domain.KindTask, ID: st.TaskID}
		}
		st.CustomerID = t.CustomerID
		seq, err := e.resolveSequence(ctx, tx, domain.KindSubtask, st.TaskID, opts.Sequence, "")
		if err != nil {
			return err
		}
		st.Sequence = seq
		if err := e.Subtasks.InsertSubtask(ctx, tx, st); err != nil {
			return sequenceErr(domain.KindSubtask, st.TaskID, seq, err)
		}
		return e.Events.Append(ctx, tx, events.SubtaskCreated, st.CustomerID, string(domain.KindSubtask), st.ID, actorOrSystem(opts.ActorID),
			events.Payload{"task_id": st.TaskID, "title": st.Title, "sequence": st.Sequence, "status": st.Status})
	})
	if err != nil {
		return domain.Subtask{}, Propagation{}, err
	}
	return st, e.cascadeFromTask(ctx, st.TaskID, opts.ActorID, domain.KindSubtask), nil
}

// SubtaskUpdateOptions carries the fields to change; nil leaves a field as is.
// Setting TaskID moves the subtask under another task, possibly of another
// customer; both the old and the new task are recomputed.
type SubtaskUpdateOptions struct {
	ID              string
	TaskID          *string
	Title           *string
	Description     *string
	Status          *domain.WorkStatus
	Priority        *domain.Priority
	DueDate         *string
	Sequence        *int
	ExpectedVersion int
	ActorID         string
}

func (e Engine) UpdateSubtask(ctx context.Context, opts SubtaskUpdateOptions) (domain.Subtask, Propagation, error) {
	var (
		st      domain.Subtask
		oldTask string
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		st, err = e.Subtasks.GetSubtask(ctx, tx, opts.ID)
		if err != nil {
			return storeErr(domain.KindSubtask, opts.ID, 0, err)
		}
		if opts.ExpectedVersion > 0 && opts.ExpectedVersion != st.Version {
			return &VersionConflictError{Kind: domain.KindSubtask, ID: st.ID, Expected: opts.ExpectedVersion}
		}
		version := st.Version
		oldTask = st.TaskID
		changes := events.Payload{}

		if opts.Title != nil {
			title := strings.TrimSpace(*opts.Title)
			if title == "" {
				return invalid("title", "must not be empty")
			}
			st.Title = title
			changes["title"] = title
		}
		if opts.Description != nil {
			st.Description = *opts.Description
			changes["description"] = st.Description
		}
		if opts.Priority != nil {
			if err := validatePriority(*opts.Priority); err != nil {
				return err
			}
			st.Priority = *opts.Priority
			changes["priority"] = st.Priority
		}
		if opts.DueDate != nil {
			if err := validateDate("due_date", *opts.DueDate); err != nil {
				return err
			}
			st.DueDate = *opts.DueDate
			changes["due_date"] = st.DueDate
		}
		if opts.Status != nil {
			if err := validateWorkStatus(*opts.Status); err != nil {
				return err
			}
			if *opts.Status != st.Status {
				changes["status"] = map[string]any{"from": st.Status, "to": *opts.Status}
			}
			comp := subtaskCompletion(&st)
			ApplyStatusTransition(&comp, *opts.Status, opts.ActorID, e.now())
			comp.applySubtask(&st)
		}

		moved := opts.TaskID != nil && *opts.TaskID != st.TaskID
		if moved {
			t, err := e.Tasks.GetTask(ctx, tx, *opts.TaskID)
			if err != nil {
				return storeErr(domain.KindTask, *opts.TaskID, 0, err)
			}
			st.TaskID = t.ID
			st.CustomerID = t.CustomerID
			changes["task_id"] = map[string]any{"from": oldTask, "to": st.TaskID}
		}
		switch {
		case opts.Sequence != nil && (*opts.Sequence != st.Sequence || moved):
			if err := e.ValidateSequence(ctx, tx, domain.KindSubtask, st.TaskID, *opts.Sequence, st.ID); err != nil {
				return err
			}
			st.Sequence = *opts.Sequence
			changes["sequence"] = st.Sequence
		case moved:
			seq, err := e.Subtasks.NextSubtaskSequence(ctx, tx, st.TaskID)
			if err != nil {
				return err
			}
			st.Sequence = seq
			changes["sequence"] = st.Sequence
		}

		st.UpdatedAt = e.stamp()
		if err := e.Subtasks.UpdateSubtask(ctx, tx, st, version); err != nil {
			return sequenceErr(domain.KindSubtask, st.TaskID, st.Sequence, storeErr(domain.KindSubtask, st.ID, version, err))
		}
		st.Version = version + 1
		return e.Events.Append(ctx, tx, events.SubtaskUpdated, st.CustomerID, string(domain.KindSubtask), st.ID, actorOrSystem(opts.ActorID), changes)
	})
	if err != nil {
		return domain.Subtask{}, Propagation{}, err
	}
	p := e.cascadeFromTask(ctx, st.TaskID, opts.ActorID, domain.KindSubtask)
	if oldTask != st.TaskID {
		p.merge(e.cascadeFromTask(ctx, oldTask, opts.ActorID, domain.KindSubtask))
	}
	return st, p, nil
}

// DeleteSubtask removes a subtask and recomputes the task it belonged to.
func (e Engine) DeleteSubtask(ctx context.Context, id, actorID string) (domain.Subtask, Propagation, error) {
	var st domain.Subtask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		st, err = e.Subtasks.DeleteSubtask(ctx, tx, id)
		if err != nil {
			return storeErr(domain.KindSubtask, id, 0, err)
		}
		return e.Events.Append(ctx, tx, events.SubtaskDeleted, st.CustomerID, string(domain.KindSubtask), st.ID, actorOrSystem(actorID),
			events.Payload{"task_id": st.TaskID, "title": st.Title, "status": st.Status})
	})
	if err != nil {
		return domain.Subtask{}, Propagation{}, err
	}
	return st, e.OnChildDeleted(ctx, domain.KindSubtask, st.TaskID, actorID), nil
}

func (e Engine) GetSubtask(ctx context.Context, id string) (domain.Subtask, error) {
	st, err := e.Subtasks.GetSubtask(ctx, nil, id)
	return st, storeErr(domain.KindSubtask, id, 0, err)
}

// ListSubtasks returns subtasks in sequence order.
func (e Engine) ListSubtasks(ctx context.Context, f repo.SubtaskFilter) ([]domain.Subtask, error) {
	if f.Status != "" {
		if err := validateWorkStatus(f.Status); err != nil {
			return nil, err
		}
	}
	return e.Subtasks.ListSubtasks(ctx, nil, f)
}
