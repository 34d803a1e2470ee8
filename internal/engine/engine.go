// Package engine keeps customer, task and subtask progress consistent. Every
// primary write commits in its own transaction together with its event, then
// cascades the change upward: subtask to task, task to customer.
package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"rollup/internal/config"
	"rollup/internal/domain"
	"rollup/internal/events"
	"rollup/internal/repo"
	"rollup/internal/telemetry"
)

type CustomerRepository interface {
	GetCustomer(ctx context.Context, q repo.DBTX, id string) (domain.Customer, error)
	ListCustomers(ctx context.Context, q repo.DBTX, f repo.CustomerFilter) ([]domain.Customer, error)
	InsertCustomer(ctx context.Context, q repo.DBTX, c domain.Customer) error
	UpdateCustomer(ctx context.Context, q repo.DBTX, c domain.Customer, expectedVersion int) error
	UpdateCustomerProgress(ctx context.Context, q repo.DBTX, id string, progress int, updatedAt string) error
}

type TaskRepository interface {
	GetTask(ctx context.Context, q repo.DBTX, id string) (domain.Task, error)
	ListTasks(ctx context.Context, q repo.DBTX, f repo.TaskFilter) ([]domain.Task, error)
	CountTasks(ctx context.Context, q repo.DBTX, f repo.TaskFilter) (int, error)
	TaskAtSequence(ctx context.Context, q repo.DBTX, customerID string, sequence int) (string, error)
	NextTaskSequence(ctx context.Context, q repo.DBTX, customerID string) (int, error)
	InsertTask(ctx context.Context, q repo.DBTX, t domain.Task) error
	UpdateTask(ctx context.Context, q repo.DBTX, t domain.Task, expectedVersion int) error
	UpdateTaskProgress(ctx context.Context, q repo.DBTX, id string, progress int, updatedAt string) error
	DeleteTask(ctx context.Context, q repo.DBTX, id string) (domain.Task, error)
}

type SubtaskRepository interface {
	GetSubtask(ctx context.Context, q repo.DBTX, id string) (domain.Subtask, error)
	ListSubtasks(ctx context.Context, q repo.DBTX, f repo.SubtaskFilter) ([]domain.Subtask, error)
	CountSubtasks(ctx context.Context, q repo.DBTX, f repo.SubtaskFilter) (int, error)
	SubtaskAtSequence(ctx context.Context, q repo.DBTX, taskID string, sequence int) (string, error)
	NextSubtaskSequence(ctx context.Context, q repo.DBTX, taskID string) (int, error)
	InsertSubtask(ctx context.Context, q repo.DBTX, st domain.Subtask) error
	UpdateSubtask(ctx context.Context, q repo.DBTX, st domain.Subtask, expectedVersion int) error
	SetSubtaskCustomer(ctx context.Context, q repo.DBTX, taskID, customerID string) error
	DeleteSubtask(ctx context.Context, q repo.DBTX, id string) (domain.Subtask, error)
}

type EventRepository interface {
	LatestEvents(ctx context.Context, q repo.DBTX, f repo.EventFilter) ([]domain.Event, error)
	EventsAfter(ctx context.Context, q repo.DBTX, cursor int64, limit int) ([]domain.Event, error)
}

type Engine struct {
	DB        *sql.DB
	Customers CustomerRepository
	Tasks     TaskRepository
	Subtasks  SubtaskRepository
	EventLog  EventRepository
	Events    events.Emitter
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *telemetry.Cascade
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:        db,
		Customers: r,
		Tasks:     r,
		Subtasks:  r,
		EventLog:  r,
		Config:    cfg,
		Logger:    slog.Default(),
		Metrics:   telemetry.NewCascade(nil),
		Now:       time.Now,
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) zeroChildPolicy() config.ZeroChildPolicy {
	if e.Config == nil {
		return config.ZeroChildrenKeep
	}
	return e.Config.Progress.ZeroChildren
}

func (e Engine) recalcConcurrency() int {
	if e.Config == nil || e.Config.Cascade.RecalcConcurrency < 1 {
		return 1
	}
	return e.Config.Cascade.RecalcConcurrency
}

// withTx runs fn in a transaction and commits when fn returns nil.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func validateDate(field, v string) error {
	if _, err := time.Parse(time.RFC3339, v); err == nil {
		return nil
	}
	if _, err := time.Parse(time.DateOnly, v); err == nil {
		return nil
	}
	return invalid(field, "%q is not an RFC 3339 timestamp or YYYY-MM-DD date", v)
}

func validatePriority(p domain.Priority) error {
	_, err := ParsePriority(string(p))
	return err
}

func validateWorkStatus(s domain.WorkStatus) error {
	_, err := ParseWorkStatus(string(s))
	return err
}
