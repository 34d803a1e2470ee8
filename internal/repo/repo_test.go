package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup/internal/db"
	"rollup/internal/domain"
	"rollup/internal/events"
	"rollup/internal/migrate"
	"rollup/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func seed(t *testing.T, r repo.Repo) (domain.Customer, domain.Task) {
	t.Helper()
	ctx := context.Background()
	c := domain.Customer{ID: "c1", Name: "Acme", Status: domain.CustomerActive, Priority: domain.PriorityHigh, Version: 1, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, r.InsertCustomer(ctx, nil, c))
	task := domain.Task{ID: "t1", CustomerID: c.ID, Title: "Onboard", Status: domain.StatusPending, Priority: domain.PriorityMedium,
		DueDate: "2024-02-01", Sequence: 1, Version: 1, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, r.InsertTask(ctx, nil, task))
	return c, task
}

func TestCustomerRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	c, _ := seed(t, r)

	got, err := r.GetCustomer(ctx, nil, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = r.GetCustomer(ctx, nil, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	list, err := r.ListCustomers(ctx, nil, repo.CustomerFilter{Status: domain.CustomerActive})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = r.ListCustomers(ctx, nil, repo.CustomerFilter{Status: domain.CustomerOnHold})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestVersionedUpdate(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, task := seed(t, r)

	task.Title = "Renamed"
	require.NoError(t, r.UpdateTask(ctx, nil, task, 1))
	err := r.UpdateTask(ctx, nil, task, 1)
	assert.ErrorIs(t, err, repo.ErrConflict)

	task.ID = "missing"
	err = r.UpdateTask(ctx, nil, task, 1)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// progress writes do not bump the version
	require.NoError(t, r.UpdateTaskProgress(ctx, nil, "t1", 40, ts))
	got, err := r.GetTask(ctx, nil, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "Renamed", got.Title)
}

func TestSequencesAndCounts(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, task := seed(t, r)

	next, err := r.NextSubtaskSequence(ctx, nil, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	for i, status := range []domain.WorkStatus{domain.StatusCompleted, domain.StatusPending, domain.StatusCompleted} {
		st := domain.Subtask{ID: string(rune('a' + i)), TaskID: task.ID, CustomerID: task.CustomerID, Title: "s", Status: status,
			Priority: domain.PriorityLow, DueDate: "2024-02-01", Sequence: i + 1, Version: 1, CreatedAt: ts, UpdatedAt: ts}
		require.NoError(t, r.InsertSubtask(ctx, nil, st))
	}
	total, err := r.CountSubtasks(ctx, nil, repo.SubtaskFilter{TaskID: task.ID})
	require.NoError(t, err)
	done, err := r.CountSubtasks(ctx, nil, repo.SubtaskFilter{TaskID: task.ID, Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, done)

	holder, err := r.SubtaskAtSequence(ctx, nil, task.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "b", holder)
	holder, err = r.SubtaskAtSequence(ctx, nil, task.ID, 9)
	require.NoError(t, err)
	assert.Empty(t, holder)

	dup := domain.Subtask{ID: "z", TaskID: task.ID, CustomerID: task.CustomerID, Title: "dup", Status: domain.StatusPending,
		Priority: domain.PriorityLow, DueDate: "2024-02-01", Sequence: 2, Version: 1, CreatedAt: ts, UpdatedAt: ts}
	assert.ErrorIs(t, r.InsertSubtask(ctx, nil, dup), repo.ErrDuplicate)

	deleted, err := r.DeleteSubtask(ctx, nil, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, deleted.Status)
	_, err = r.DeleteSubtask(ctx, nil, "a")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	list, err := r.ListSubtasks(ctx, nil, repo.SubtaskFilter{TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []int{2, 3}, []int{list[0].Sequence, list[1].Sequence})
}

func TestDeleteTaskRemovesSubtasks(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, task := seed(t, r)
	st := domain.Subtask{ID: "s1", TaskID: task.ID, CustomerID: task.CustomerID, Title: "s", Status: domain.StatusPending,
		Priority: domain.PriorityLow, DueDate: "2024-02-01", Sequence: 1, Version: 1, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, r.InsertSubtask(ctx, nil, st))

	deleted, err := r.DeleteTask(ctx, nil, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Title, deleted.Title)
	_, err = r.GetSubtask(ctx, nil, st.ID)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestEventsPaging(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{}
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(ctx, tx, events.TaskUpdated, "c1", "task", "t1", "tester", events.Payload{"n": i}))
	}
	require.NoError(t, w.Append(ctx, tx, events.CustomerCreated, "c2", "customer", "c2", "tester", nil))
	require.NoError(t, tx.Commit())

	latest, err := r.LatestEvents(ctx, nil, repo.EventFilter{CustomerID: "c1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Greater(t, latest[0].ID, latest[1].ID)

	older, err := r.LatestEvents(ctx, nil, repo.EventFilter{CustomerID: "c1", Cursor: latest[1].ID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, older, 3)

	after, err := r.EventsAfter(ctx, nil, latest[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, events.CustomerCreated, after[0].Type)
	assert.Equal(t, "{}", after[0].Payload)
}
