package rollupsdk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup/internal/config"
	"rollup/internal/db"
	"rollup/internal/engine"
	"rollup/internal/migrate"
	"rollup/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, config.Default())
	e.Logger = logger
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Logger: logger})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c := New(ts.URL, "sdk-test")
	c.HTTPClient = ts.Client()
	return c
}

func TestClientHierarchyRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	customer, err := c.CreateCustomer(ctx, "Acme", "active")
	require.NoError(t, err)
	first, err := c.CreateTask(ctx, customer.ID, ChildInput{Title: "Setup", DueDate: "2024-03-01"})
	require.NoError(t, err)
	second, err := c.CreateTask(ctx, customer.ID, ChildInput{Title: "Training", DueDate: "2024-03-15"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Task.Sequence)
	assert.Equal(t, 2, second.Task.Sequence)

	st, err := c.CreateSubtask(ctx, first.Task.ID, ChildInput{Title: "Accounts", DueDate: "2024-02-20"})
	require.NoError(t, err)
	done, err := c.SetSubtaskStatus(ctx, st.Subtask.ID, "completed")
	require.NoError(t, err)
	assert.Nil(t, done.Propagation.Failure)
	require.NotNil(t, done.Subtask.CompletedBy)
	assert.Equal(t, "sdk-test", *done.Subtask.CompletedBy)

	task, err := c.GetTask(ctx, first.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, task.Progress)

	_, err = c.SetTaskStatus(ctx, first.Task.ID, "completed")
	require.NoError(t, err)
	got, err := c.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)

	moved, err := c.MoveSubtask(ctx, st.Subtask.ID, second.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Task.ID, moved.Subtask.TaskID)
	subtasks, err := c.ListSubtasks(ctx, second.Task.ID)
	require.NoError(t, err)
	assert.Len(t, subtasks, 1)

	drift, err := c.Drift(ctx, customer.ID)
	require.NoError(t, err)
	assert.Empty(t, drift)

	res, err := c.Recalculate(ctx, "customer", customer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Changed)

	page, err := c.EventsPage(ctx, customer.ID, 5, "")
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.NotEmpty(t, page.NextCursor)
}

func TestClientManualProgressAndDelete(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	customer, err := c.CreateCustomer(ctx, "Globex", "")
	require.NoError(t, err)
	tw, err := c.CreateTask(ctx, customer.ID, ChildInput{Title: "Audit", DueDate: "2024-03-01"})
	require.NoError(t, err)

	set, err := c.SetTaskProgress(ctx, tw.Task.ID, 40)
	require.NoError(t, err)
	assert.Equal(t, 40, set.Task.Progress)

	deleted, err := c.DeleteTask(ctx, tw.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, tw.Task.ID, deleted.Task.ID)
	tasks, err := c.ListTasks(ctx, customer.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClientAPIError(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	_, err := c.GetTask(ctx, "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	customer, err := c.CreateCustomer(ctx, "Initech", "")
	require.NoError(t, err)
	_, err = c.CreateTask(ctx, customer.ID, ChildInput{Title: "A", DueDate: "2024-03-01", Sequence: 1})
	require.NoError(t, err)
	_, err = c.CreateTask(ctx, customer.ID, ChildInput{Title: "B", DueDate: "2024-03-01", Sequence: 1})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "sequence_conflict", apiErr.Code)

	tasks, err := c.ListTasks(ctx, customer.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	_, err = c.CreateSubtaskForCustomer(ctx, "other-customer", tasks[0].ID, ChildInput{Title: "X", DueDate: "2024-03-01"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	subtasks, err := c.ListSubtasks(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Empty(t, subtasks)

	st, err := c.CreateSubtaskForCustomer(ctx, customer.ID, tasks[0].ID, ChildInput{Title: "Y", DueDate: "2024-03-01"})
	require.NoError(t, err)
	assert.Equal(t, customer.ID, st.Subtask.CustomerID)
}
