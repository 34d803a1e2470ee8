package repo

import (
	"context"
	"database/sql"
	"errors"

	"rollup/internal/domain"
)

const subtaskColumns = `id,task_id,customer_id,title,description,status,priority,due_date,sequence,completed_at,completed_by,version,created_at,updated_at`

type SubtaskFilter struct {
	TaskID     string
	CustomerID string
	Status     domain.WorkStatus
	Limit      int
}

func (f SubtaskFilter) clauses() ([]string, []any) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
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

func scanSubtask(s rowScanner) (domain.Subtask, error) {
	var st domain.Subtask
	var desc, completedAt, completedBy sql.NullString
	err := s.Scan(&st.ID, &st.TaskID, &st.CustomerID, &st.Title, &desc, &st.Status, &st.Priority, &st.DueDate,
		&st.Sequence, &completedAt, &completedBy, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	st.Description = desc.String
	st.CompletedAt = stringPtr(completedAt)
	st.CompletedBy = stringPtr(completedBy)
	return st, err
}

func (r Repo) InsertSubtask(ctx context.Context, q DBTX, st domain.Subtask) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO subtasks(`+subtaskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.TaskID, st.CustomerID, st.Title, nullable(st.Description), st.Status, st.Priority, st.DueDate,
		st.Sequence, nullableStringPtr(st.CompletedAt), nullableStringPtr(st.CompletedBy), st.Version, st.CreatedAt, st.UpdatedAt)
	return wrapDBError("insert subtask", err)
}

func (r Repo) GetSubtask(ctx context.Context, q DBTX, id string) (domain.Subtask, error) {
	st, err := scanSubtask(r.q(q).QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id=?`, id))
	return st, wrapDBError("get subtask", err)
}

// ListSubtasks returns subtasks ordered by task then sequence.
func (r Repo) ListSubtasks(ctx context.Context, q DBTX, f SubtaskFilter) ([]domain.Subtask, error) {
	clauses, args := f.clauses()
	query := `SELECT ` + subtaskColumns + ` FROM subtasks` + where(clauses) + ` ORDER BY task_id, sequence`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list subtasks", err)
	}
	defer rows.Close()
	var res []domain.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, wrapDBError("scan subtask", err)
		}
		res = append(res, st)
	}
	return res, wrapDBError("list subtasks", rows.Err())
}

func (r Repo) CountSubtasks(ctx context.Context, q DBTX, f SubtaskFilter) (int, error) {
	clauses, args := f.clauses()
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM subtasks`+where(clauses), args...).Scan(&n)
	return n, wrapDBError("count subtasks", err)
}

// SubtaskAtSequence returns the id of the subtask holding sequence under the
// task, or "" when the slot is free.
func (r Repo) SubtaskAtSequence(ctx context.Context, q DBTX, taskID string, sequence int) (string, error) {
	var id string
	err := r.q(q).QueryRowContext(ctx, `SELECT id FROM subtasks WHERE task_id=? AND sequence=?`, taskID, sequence).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, wrapDBError("subtask at sequence", err)
}

func (r Repo) NextSubtaskSequence(ctx context.Context, q DBTX, taskID string) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence),0)+1 FROM subtasks WHERE task_id=?`, taskID).Scan(&n)
	return n, wrapDBError("next subtask sequence", err)
}

// UpdateSubtask writes st when the stored version equals expectedVersion,
// and bumps the version.
func (r Repo) UpdateSubtask(ctx context.Context, q DBTX, st domain.Subtask, expectedVersion int) error {
	q = r.q(q)
	res, err := q.ExecContext(ctx, `UPDATE subtasks SET task_id=?,customer_id=?,title=?,description=?,status=?,priority=?,due_date=?,sequence=?,completed_at=?,completed_by=?,updated_at=?,version=version+1 WHERE id=? AND version=?`,
		st.TaskID, st.CustomerID, st.Title, nullable(st.Description), st.Status, st.Priority, st.DueDate, st.Sequence,
		nullableStringPtr(st.CompletedAt), nullableStringPtr(st.CompletedBy), st.UpdatedAt, st.ID, expectedVersion)
	if err != nil {
		return wrapDBError("update subtask", err)
	}
	return versionedUpdate(ctx, q, "update subtask", "subtasks", st.ID, res)
}

// SetSubtaskCustomer rewrites the denormalized customer of every subtask
// under a task after the task moved.
func (r Repo) SetSubtaskCustomer(ctx context.Context, q DBTX, taskID, customerID string) error {
	_, err := r.q(q).ExecContext(ctx, `UPDATE subtasks SET customer_id=? WHERE task_id=?`, customerID, taskID)
	return wrapDBError("set subtask customer", err)
}

// DeleteSubtask removes the subtask and returns the row as it was.
func (r Repo) DeleteSubtask(ctx context.Context, q DBTX, id string) (domain.Subtask, error) {
	st, err := scanSubtask(r.q(q).QueryRowContext(ctx, `DELETE FROM subtasks WHERE id=? RETURNING `+subtaskColumns, id))
	return st, wrapDBError("delete subtask", err)
}
