package repo

import (
	"context"
	"database/sql"

	"rollup/internal/domain"
)

const customerColumns = `id,name,status,priority,start_date,due_date,completed_at,progress,version,created_at,updated_at`

type CustomerFilter struct {
	Status domain.CustomerStatus
	Limit  int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(s rowScanner) (domain.Customer, error) {
	var c domain.Customer
	var start, due, completed sql.NullString
	err := s.Scan(&c.ID, &c.Name, &c.Status, &c.Priority, &start, &due, &completed, &c.Progress, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	c.StartDate = stringPtr(start)
	c.DueDate = stringPtr(due)
	c.CompletedAt = stringPtr(completed)
	return c, err
}

func (r Repo) InsertCustomer(ctx context.Context, q DBTX, c domain.Customer) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO customers(`+customerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.Status, c.Priority, nullableStringPtr(c.StartDate), nullableStringPtr(c.DueDate),
		nullableStringPtr(c.CompletedAt), c.Progress, c.Version, c.CreatedAt, c.UpdatedAt)
	return wrapDBError("insert customer", err)
}

func (r Repo) GetCustomer(ctx context.Context, q DBTX, id string) (domain.Customer, error) {
	c, err := scanCustomer(r.q(q).QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id=?`, id))
	return c, wrapDBError("get customer", err)
}

func (r Repo) ListCustomers(ctx context.Context, q DBTX, f CustomerFilter) ([]domain.Customer, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + customerColumns + ` FROM customers` + where(clauses) + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list customers", err)
	}
	defer rows.Close()
	var res []domain.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, wrapDBError("scan customer", err)
		}
		res = append(res, c)
	}
	return res, wrapDBError("list customers", rows.Err())
}

// UpdateCustomer writes the caller-owned fields of c when the stored version
// equals expectedVersion, and bumps the version. Progress is never written here.
func (r Repo) UpdateCustomer(ctx context.Context, q DBTX, c domain.Customer, expectedVersion int) error {
	q = r.q(q)
	res, err := q.ExecContext(ctx, `UPDATE customers SET name=?,status=?,priority=?,start_date=?,due_date=?,completed_at=?,updated_at=?,version=version+1 WHERE id=? AND version=?`,
		c.Name, c.Status, c.Priority, nullableStringPtr(c.StartDate), nullableStringPtr(c.DueDate),
		nullableStringPtr(c.CompletedAt), c.UpdatedAt, c.ID, expectedVersion)
	if err != nil {
		return wrapDBError("update customer", err)
	}
	return versionedUpdate(ctx, q, "update customer", "customers", c.ID, res)
}

// UpdateCustomerProgress is the cascade's write path. It ignores version.
func (r Repo) UpdateCustomerProgress(ctx context.Context, q DBTX, id string, progress int, updatedAt string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE customers SET progress=?,updated_at=? WHERE id=?`, progress, updatedAt, id)
	if err != nil {
		return wrapDBError("update customer progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapDBError("update customer progress", sql.ErrNoRows)
	}
	return nil
}
