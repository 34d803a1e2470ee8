package repo

import (
	"context"
	"database/sql"
	"errors"

	"rollup/internal/domain"
)

const taskColumns = `id,customer_id,title,description,status,priority,due_date,sequence,progress,completed_at,completed_by,version,created_at,updated_at`

type TaskFilter struct {
	CustomerID string
	Status     domain.WorkStatus
	Limit      int
}

func (f TaskFilter) clauses() ([]string, []any) {
	var clauses []string
	var args []any
	if f.CustomerID != "" {
		clauses = append(clauses, "customer_id=?")
		args = append(args, f.CustomerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	return clauses, args
}

func scanTask(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var desc, completedAt, completedBy sql.NullString
	err := s.Scan(&t.ID, &t.CustomerID, &t.Title, &desc, &t.Status, &t.Priority, &t.DueDate, &t.Sequence,
		&t.Progress, &completedAt, &completedBy, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	t.Description = desc.String
	t.CompletedAt = stringPtr(completedAt)
	t.CompletedBy = stringPtr(completedBy)
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, q DBTX, t domain.Task) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CustomerID, t.Title, nullable(t.Description), t.Status, t.Priority, t.DueDate, t.Sequence,
		t.Progress, nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy), t.Version, t.CreatedAt, t.UpdatedAt)
	return wrapDBError("insert task", err)
}

func (r Repo) GetTask(ctx context.Context, q DBTX, id string) (domain.Task, error) {
	t, err := scanTask(r.q(q).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	return t, wrapDBError("get task", err)
}

// ListTasks returns tasks ordered by customer then sequence.
func (r Repo) ListTasks(ctx context.Context, q DBTX, f TaskFilter) ([]domain.Task, error) {
	clauses, args := f.clauses()
	query := `SELECT ` + taskColumns + ` FROM tasks` + where(clauses) + ` ORDER BY customer_id, sequence`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list tasks", err)
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapDBError("scan task", err)
		}
		res = append(res, t)
	}
	return res, wrapDBError("list tasks", rows.Err())
}

func (r Repo) CountTasks(ctx context.Context, q DBTX, f TaskFilter) (int, error) {
	clauses, args := f.clauses()
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM tasks`+where(clauses), args...).Scan(&n)
	return n, wrapDBError("count tasks", err)
}

// TaskAtSequence returns the id of the task holding sequence under the
// customer, or "" when the slot is free.
func (r Repo) TaskAtSequence(ctx context.Context, q DBTX, customerID string, sequence int) (string, error) {
	var id string
	err := r.q(q).QueryRowContext(ctx, `SELECT id FROM tasks WHERE customer_id=? AND sequence=?`, customerID, sequence).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, wrapDBError("task at sequence", err)
}

func (r Repo) NextTaskSequence(ctx context.Context, q DBTX, customerID string) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence),0)+1 FROM tasks WHERE customer_id=?`, customerID).Scan(&n)
	return n, wrapDBError("next task sequence", err)
}

// UpdateTask writes the caller-owned fields of t when the stored version
// equals expectedVersion, and bumps the version. Progress is never written here.
func (r Repo) UpdateTask(ctx context.Context, q DBTX, t domain.Task, expectedVersion int) error {
	q = r.q(q)
	res, err := q.ExecContext(ctx, `UPDATE tasks SET customer_id=?,title=?,description=?,status=?,priority=?,due_date=?,sequence=?,completed_at=?,completed_by=?,updated_at=?,version=version+1 WHERE id=? AND version=?`,
		t.CustomerID, t.Title, nullable(t.Description), t.Status, t.Priority, t.DueDate, t.Sequence,
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy), t.UpdatedAt, t.ID, expectedVersion)
	if err != nil {
		return wrapDBError("update task", err)
	}
	return versionedUpdate(ctx, q, "update task", "tasks", t.ID, res)
}

// UpdateTaskProgress is the cascade's write path. It ignores version.
func (r Repo) UpdateTaskProgress(ctx context.Context, q DBTX, id string, progress int, updatedAt string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE tasks SET progress=?,updated_at=? WHERE id=?`, progress, updatedAt, id)
	if err != nil {
		return wrapDBError("update task progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapDBError("update task progress", sql.ErrNoRows)
	}
	return nil
}

// DeleteTask removes the task and, through the foreign key, its subtasks.
// It returns the row as it was before deletion.
func (r Repo) DeleteTask(ctx context.Context, q DBTX, id string) (domain.Task, error) {
	q = r.q(q)
	t, err := scanTask(q.QueryRowContext(ctx, `DELETE FROM tasks WHERE id=? RETURNING `+taskColumns, id))
	return t, wrapDBError("delete task", err)
}
