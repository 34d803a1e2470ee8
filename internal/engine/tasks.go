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

// TaskCreateOptions are parameters for creating a task. A zero Sequence is
// assigned the next free slot under the customer.
type TaskCreateOptions struct {
	ID          string
	CustomerID  string
	Title       string
	Description string
	Status      domain.WorkStatus
	Priority    domain.Priority
	DueDate     string
	Sequence    int
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, Propagation, error) {
	title := strings.TrimSpace(opts.Title)
	switch {
	case opts.CustomerID == "":
		return domain.Task{}, Propagation{}, invalid("customer_id", "is required")
	case title == "":
		return domain.Task{}, Propagation{}, invalid("title", "is required")
	case opts.DueDate == "":
		return domain.Task{}, Propagation{}, invalid("due_date", "is required")
	}
	if err := validateDate("due_date", opts.DueDate); err != nil {
		return domain.Task{}, Propagation{}, err
	}
	if opts.Status == "" {
		opts.Status = domain.StatusPending
	}
	if err := validateWorkStatus(opts.Status); err != nil {
		return domain.Task{}, Propagation{}, err
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if err := validatePriority(opts.Priority); err != nil {
		return domain.Task{}, Propagation{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.stamp()
	t := domain.Task{
		ID:          opts.ID,
		CustomerID:  opts.CustomerID,
		Title:       title,
		Description: opts.Description,
		Status:      domain.StatusPending,
		Priority:    opts.Priority,
		DueDate:     opts.DueDate,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	comp := taskCompletion(&t)
	ApplyStatusTransition(&comp, opts.Status, opts.ActorID, e.now())
	comp.applyTask(&t)

	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Customers.GetCustomer(ctx, tx, t.CustomerID); err != nil {
			return storeErr(domain.KindCustomer, t.CustomerID, 0, err)
		}
		seq, err := e.resolveSequence(ctx, tx, domain.KindTask, t.CustomerID, opts.Sequence, "")
		if err != nil {
			return err
		}
		t.Sequence = seq
		if err := e.Tasks.InsertTask(ctx, tx, t); err != nil {
			return sequenceErr(domain.KindTask, t.CustomerID, seq, err)
		}
		return e.Events.Append(ctx, tx, events.TaskCreated, t.CustomerID, string(domain.KindTask), t.ID, actorOrSystem(opts.ActorID),
			events.Payload{"title": t.Title, "sequence": t.Sequence, "status": t.Status})
	})
	if err != nil {
		return domain.Task{}, Propagation{}, err
	}
	return t, e.cascadeFromCustomer(ctx, t.CustomerID, opts.ActorID, domain.KindTask), nil
}

// TaskUpdateOptions carries the fields to change; nil leaves a field as is.
// Setting CustomerID moves the task (and its subtasks) to another customer;
// without an explicit Sequence the task takes the next free slot there.
type TaskUpdateOptions struct {
	ID              string
	CustomerID      *string
	Title           *string
	Description     *string
	Status          *domain.WorkStatus
	Priority        *domain.Priority
	DueDate         *string
	Sequence        *int
	ExpectedVersion int
	ActorID         string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, Propagation, error) {
	var (
		t           domain.Task
		oldCustomer string
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Tasks.GetTask(ctx, tx, opts.ID)
		if err != nil {
			return storeErr(domain.KindTask, opts.ID, 0, err)
		}
		if opts.ExpectedVersion > 0 && opts.ExpectedVersion != t.Version {
			return &VersionConflictError{Kind: domain.KindTask, ID: t.ID, Expected: opts.ExpectedVersion}
		}
		version := t.Version
		oldCustomer = t.CustomerID
		changes := events.Payload{}

		if opts.Title != nil {
			title := strings.TrimSpace(*opts.Title)
			if title == "" {
				return invalid("title", "must not be empty")
			}
			t.Title = title
			changes["title"] = title
		}
		if opts.Description != nil {
			t.Description = *opts.Description
			changes["description"] = t.Description
		}
		if opts.Priority != nil {
			if err := validatePriority(*opts.Priority); err != nil {
				return err
			}
			t.Priority = *opts.Priority
			changes["priority"] = t.Priority
		}
		if opts.DueDate != nil {
			if err := validateDate("due_date", *opts.DueDate); err != nil {
				return err
			}
			t.DueDate = *opts.DueDate
			changes["due_date"] = t.DueDate
		}
		if opts.Status != nil {
			if err := validateWorkStatus(*opts.Status); err != nil {
				return err
			}
			if *opts.Status != t.Status {
				changes["status"] = map[string]any{"from": t.Status, "to": *opts.Status}
			}
			comp := taskCompletion(&t)
			ApplyStatusTransition(&comp, *opts.Status, opts.ActorID, e.now())
			comp.applyTask(&t)
		}

		moved := opts.CustomerID != nil && *opts.CustomerID != t.CustomerID
		if moved {
			if _, err := e.Customers.GetCustomer(ctx, tx, *opts.CustomerID); err != nil {
				return storeErr(domain.KindCustomer, *opts.CustomerID, 0, err)
			}
			t.CustomerID = *opts.CustomerID
			changes["customer_id"] = map[string]any{"from": oldCustomer, "to": t.CustomerID}
		}
		switch {
		case opts.Sequence != nil && (*opts.Sequence != t.Sequence || moved):
			if err := e.ValidateSequence(ctx, tx, domain.KindTask, t.CustomerID, *opts.Sequence, t.ID); err != nil {
				return err
			}
			t.Sequence = *opts.Sequence
			changes["sequence"] = t.Sequence
		case moved:
			seq, err := e.Tasks.NextTaskSequence(ctx, tx, t.CustomerID)
			if err != nil {
				return err
			}
			t.Sequence = seq
			changes["sequence"] = t.Sequence
		}

		t.UpdatedAt = e.stamp()
		if err := e.Tasks.UpdateTask(ctx, tx, t, version); err != nil {
			return sequenceErr(domain.KindTask, t.CustomerID, t.Sequence, storeErr(domain.KindTask, t.ID, version, err))
		}
		t.Version = version + 1
		if moved {
			if err := e.Subtasks.SetSubtaskCustomer(ctx, tx, t.ID, t.CustomerID); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, events.TaskUpdated, t.CustomerID, string(domain.KindTask), t.ID, actorOrSystem(opts.ActorID), changes)
	})
	if err != nil {
		return domain.Task{}, Propagation{}, err
	}
	p := e.cascadeFromCustomer(ctx, t.CustomerID, opts.ActorID, domain.KindTask)
	if oldCustomer != t.CustomerID {
		p.merge(e.cascadeFromCustomer(ctx, oldCustomer, opts.ActorID, domain.KindTask))
	}
	return t, p, nil
}

// DeleteTask removes a task with its subtasks and recomputes the customer.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) (domain.Task, Propagation, error) {
	var t domain.Task
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		subtasks, err := e.Subtasks.CountSubtasks(ctx, tx, repo.SubtaskFilter{TaskID: id})
		if err != nil {
			return err
		}
		t, err = e.Tasks.DeleteTask(ctx, tx, id)
		if err != nil {
			return storeErr(domain.KindTask, id, 0, err)
		}
		return e.Events.Append(ctx, tx, events.TaskDeleted, t.CustomerID, string(domain.KindTask), t.ID, actorOrSystem(actorID),
			events.Payload{"title": t.Title, "sequence": t.Sequence, "subtasks_deleted": subtasks})
	})
	if err != nil {
		return domain.Task{}, Propagation{}, err
	}
	return t, e.OnChildDeleted(ctx, domain.KindTask, t.CustomerID, actorID), nil
}

// SetTaskProgress sets the progress of a task that has no subtasks. Once a
// task has subtasks its progress is derived and cannot be set.
func (e Engine) SetTaskProgress(ctx context.Context, id string, progress int, actorID string) (domain.Task, Propagation, error) {
	if progress < 0 || progress > 100 {
		return domain.Task{}, Propagation{}, invalid("progress", "must be between 0 and 100, got %d", progress)
	}
	var t domain.Task
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Tasks.GetTask(ctx, tx, id)
		if err != nil {
			return storeErr(domain.KindTask, id, 0, err)
		}
		n, err := e.Subtasks.CountSubtasks(ctx, tx, repo.SubtaskFilter{TaskID: id})
		if err != nil {
			return err
		}
		if n > 0 {
			return invalid("progress", "task %s has %d subtasks; its progress is derived from them", id, n)
		}
		from := t.Progress
		t.Progress = progress
		t.UpdatedAt = e.stamp()
		if err := e.Tasks.UpdateTaskProgress(ctx, tx, id, progress, t.UpdatedAt); err != nil {
			return storeErr(domain.KindTask, id, 0, err)
		}
		return e.Events.Append(ctx, tx, events.TaskProgressSet, t.CustomerID, string(domain.KindTask), id, actorOrSystem(actorID),
			events.Payload{"from": from, "to": progress})
	})
	if err != nil {
		return domain.Task{}, Propagation{}, err
	}
	return t, e.cascadeFromCustomer(ctx, t.CustomerID, actorID, domain.KindTask), nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Tasks.GetTask(ctx, nil, id)
	return t, storeErr(domain.KindTask, id, 0, err)
}

// ListTasks returns a customer's tasks in sequence order.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilter) ([]domain.Task, error) {
	if f.Status != "" {
		if err := validateWorkStatus(f.Status); err != nil {
			return nil, err
		}
	}
	return e.Tasks.ListTasks(ctx, nil, f)
}
