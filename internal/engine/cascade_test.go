package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"rollup/internal/domain"
	"rollup/internal/engine"
	"rollup/internal/repo"
)

func TestRecalculateSubtreeRepairsAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "Acme")
	t1 := env.task(t, c.ID, "one")
	t2, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{CustomerID: c.ID, Title: "two", DueDate: "2024-02-01", Status: domain.StatusCompleted})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	env.subtask(t, t1.ID, "a", domain.StatusCompleted)
	env.subtask(t, t1.ID, "b", domain.StatusPending)
	env.subtask(t, t1.ID, "c", domain.StatusPending)
	env.subtask(t, t2.ID, "d", domain.StatusCompleted)

	// simulate drift left by a failed cascade
	if _, err := env.DB.Exec(`UPDATE tasks SET progress=77`); err != nil {
		t.Fatal(err)
	}
	if _, err := env.DB.Exec(`UPDATE customers SET progress=5`); err != nil {
		t.Fatal(err)
	}
	drift, err := env.Engine.Drift(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("drift: %v", err)
	}
	if len(drift) != 3 {
		t.Fatalf("drift entries = %d, want 3: %+v", len(drift), drift)
	}

	res, err := env.Engine.RecalculateSubtree(env.Ctx, domain.KindCustomer, c.ID, "operator")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if res.TotalRecalculated != 3 || res.Changed != 3 {
		t.Fatalf("result = %+v", res)
	}
	if got := env.taskProgress(t, t1.ID); got != 33 {
		t.Fatalf("t1 progress = %d, want 33", got)
	}
	if got := env.taskProgress(t, t2.ID); got != 100 {
		t.Fatalf("t2 progress = %d, want 100", got)
	}
	if got := env.customerProgress(t, c.ID); got != 50 {
		t.Fatalf("customer progress = %d, want 50", got)
	}

	again, err := env.Engine.RecalculateSubtree(env.Ctx, domain.KindCustomer, c.ID, "operator")
	if err != nil {
		t.Fatalf("second recalculate: %v", err)
	}
	if again.TotalRecalculated != 3 || again.Changed != 0 {
		t.Fatalf("second result = %+v", again)
	}
	if drift, _ := env.Engine.Drift(env.Ctx, c.ID); len(drift) != 0 {
		t.Fatalf("drift after recalculation: %+v", drift)
	}
}

func TestRecalculateFromTaskAndSubtask(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "Acme")
	task := env.task(t, c.ID, "one")
	st := env.subtask(t, task.ID, "a", domain.StatusCompleted)
	if _, err := env.DB.Exec(`UPDATE tasks SET progress=0`); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.RecalculateSubtree(env.Ctx, domain.KindSubtask, st.ID, "operator")
	if err != nil {
		t.Fatalf("recalculate subtask: %v", err)
	}
	if res.TotalRecalculated != 2 || res.Changed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := env.taskProgress(t, task.ID); got != 100 {
		t.Fatalf("task progress = %d", got)
	}
	res, err = env.Engine.RecalculateSubtree(env.Ctx, domain.KindTask, task.ID, "operator")
	if err != nil || res.Changed != 0 {
		t.Fatalf("recalculate task: %+v, %v", res, err)
	}
	if _, err := env.Engine.RecalculateSubtree(env.Ctx, domain.KindTask, "missing", "operator"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecalculateAll(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"Acme", "Globex"} {
		c := env.customer(t, name)
		task := env.task(t, c.ID, "work")
		env.subtask(t, task.ID, "a", domain.StatusCompleted)
	}
	if _, err := env.DB.Exec(`UPDATE tasks SET progress=1`); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.RecalculateAll(env.Ctx, "repair")
	if err != nil {
		t.Fatalf("recalculate all: %v", err)
	}
	if res.TotalRecalculated != 4 || res.Changed != 2 {
		t.Fatalf("result = %+v", res)
	}
}

type failingCustomers struct {
	engine.CustomerRepository
	err error
}

func (f failingCustomers) UpdateCustomerProgress(ctx context.Context, q repo.DBTX, id string, progress int, updatedAt string) error {
	return f.err
}

func TestCascadeFailureDoesNotFailWrite(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "Acme")
	task := env.task(t, c.ID, "only")

	broken := env.Engine
	broken.Customers = failingCustomers{CustomerRepository: env.Engine.Customers, err: errors.New("disk full")}
	child, p, err := broken.UpdateChildStatus(env.Ctx, domain.KindTask, task.ID, domain.StatusCompleted, "owner")
	if err != nil {
		t.Fatalf("write should succeed despite cascade failure: %v", err)
	}
	if child.Task.Status != domain.StatusCompleted {
		t.Fatalf("task status = %s", child.Task.Status)
	}
	if p.Failure == nil || p.Failure.Step != domain.KindCustomer || p.Failure.EntityID != c.ID {
		t.Fatalf("expected customer step failure, got %+v", p.Failure)
	}
	stored, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if stored.Status != domain.StatusCompleted || stored.CompletedAt == nil {
		t.Fatalf("primary write not persisted: %+v", stored)
	}
	if got := env.customerProgress(t, c.ID); got != 0 {
		t.Fatalf("customer progress = %d, want stale 0", got)
	}
	failures, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{Type: "cascade.failed"})
	if err != nil || len(failures) != 1 {
		t.Fatalf("cascade.failed events = %d, %v", len(failures), err)
	}

	// the next healthy pass heals the customer
	if _, err := env.Engine.RecalculateSubtree(env.Ctx, domain.KindCustomer, c.ID, "repair"); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if got := env.customerProgress(t, c.ID); got != 100 {
		t.Fatalf("customer progress after repair = %d, want 100", got)
	}
}

func TestConcurrentSiblingCompletionsConverge(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "Acme")
	task := env.task(t, c.ID, "busy")
	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = env.subtask(t, task.ID, "s", domain.StatusPending).ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, p, err := env.Engine.UpdateChildStatus(env.Ctx, domain.KindSubtask, id, domain.StatusCompleted, "worker")
			if err == nil && p.Failure != nil {
				err = p.Failure
			}
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
	}
	if got := env.taskProgress(t, task.ID); got != 100 {
		t.Fatalf("task progress = %d, want 100", got)
	}
}

func TestGenericChildOperations(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "Acme")
	child, _, err := env.Engine.CreateChild(env.Ctx, domain.KindTask, c.ID, engine.ChildFields{Title: "t", DueDate: "2024-02-01T10:00:00Z"}, "owner")
	if err != nil || child.Task == nil {
		t.Fatalf("create task child: %+v, %v", child, err)
	}
	sub, p, err := env.Engine.CreateChild(env.Ctx, domain.KindSubtask, child.Task.ID, engine.ChildFields{Title: "s", DueDate: "2024-02-01", Status: domain.StatusCompleted}, "owner")
	if err != nil || sub.Subtask == nil {
		t.Fatalf("create subtask child: %+v, %v", sub, err)
	}
	if got, _ := p.Progress(domain.KindTask, child.Task.ID); got != 100 {
		t.Fatalf("propagated progress = %d", got)
	}
	if _, _, err := env.Engine.CreateChild(env.Ctx, domain.KindCustomer, "", engine.ChildFields{Title: "x"}, "owner"); err == nil {
		t.Fatalf("customer is not a child kind")
	}
	if _, _, err := env.Engine.UpdateChildStatus(env.Ctx, domain.KindTask, child.Task.ID, domain.StatusCompleted, "owner"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if got := env.customerProgress(t, c.ID); got != 100 {
		t.Fatalf("customer progress = %d", got)
	}
	deleted, _, err := env.Engine.DeleteChild(env.Ctx, domain.KindTask, child.Task.ID, "owner")
	if err != nil || deleted.Task.ID != child.Task.ID {
		t.Fatalf("delete task: %+v, %v", deleted, err)
	}
	if _, err := env.Engine.GetSubtask(env.Ctx, sub.Subtask.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("subtask should be deleted with its task, got %v", err)
	}
}

func TestOnChildWrittenPropagatesOutOfBandChange(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "Acme")
	task := env.task(t, c.ID, "one")
	st := env.subtask(t, task.ID, "a", domain.StatusPending)
	env.subtask(t, task.ID, "b", domain.StatusPending)

	latest, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{Limit: 1})
	if err != nil || len(latest) != 1 {
		t.Fatalf("latest event: %v %v", latest, err)
	}

	// a bulk import updated the row directly
	if _, err := env.DB.Exec(`UPDATE subtasks SET status='completed' WHERE id=?`, st.ID); err != nil {
		t.Fatal(err)
	}
	p := env.Engine.OnChildWritten(env.Ctx, domain.KindSubtask, st.ID, "importer")
	if p.Failure != nil {
		t.Fatalf("cascade failure: %v", p.Failure)
	}
	if got, ok := p.Progress(domain.KindTask, task.ID); !ok || got != 50 {
		t.Fatalf("task step = %d %v, want 50", got, ok)
	}
	if got := env.taskProgress(t, task.ID); got != 50 {
		t.Fatalf("task progress = %d, want 50", got)
	}

	p = env.Engine.OnChildWritten(env.Ctx, domain.KindTask, task.ID, "importer")
	if len(p.Steps) != 1 || p.Steps[0].Kind != domain.KindCustomer || p.Steps[0].Changed {
		t.Fatalf("customer step = %+v", p.Steps)
	}

	p = env.Engine.OnChildWritten(env.Ctx, domain.KindSubtask, "missing", "importer")
	var nf *engine.NotFoundError
	if p.Failure == nil || !errors.As(p.Failure, &nf) {
		t.Fatalf("failure = %v, want not found", p.Failure)
	}

	after, err := env.Engine.EventsAfter(env.Ctx, latest[0].ID, 10)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	var types []string
	for _, evt := range after {
		types = append(types, evt.Type)
	}
	if len(types) < 2 || types[0] != "task.progress.recomputed" || types[len(types)-1] != "cascade.failed" {
		t.Fatalf("events after = %v", types)
	}
}

func TestOnChildDeletedRecomputesFormerParents(t *testing.T) {
	env := newTestEnv(t)
	c := env.customer(t, "Acme")
	t1 := env.task(t, c.ID, "one")
	t2, _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{CustomerID: c.ID, Title: "two", DueDate: "2024-02-01", Status: domain.StatusCompleted})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	env.subtask(t, t1.ID, "a", domain.StatusPending)
	done := env.subtask(t, t1.ID, "b", domain.StatusCompleted)
	if got := env.taskProgress(t, t1.ID); got != 50 {
		t.Fatalf("t1 progress = %d, want 50", got)
	}

	// rows removed by another process; only the former parent is known
	store := repo.Repo{DB: env.DB}
	if _, err := store.DeleteSubtask(env.Ctx, nil, done.ID); err != nil {
		t.Fatalf("delete subtask: %v", err)
	}
	if p := env.Engine.OnChildWritten(env.Ctx, domain.KindSubtask, done.ID, "sync"); p.Failure == nil {
		t.Fatalf("a deleted row cannot be routed by its own id")
	}
	p := env.Engine.OnChildDeleted(env.Ctx, domain.KindSubtask, t1.ID, "sync")
	if p.Failure != nil {
		t.Fatalf("cascade failure: %v", p.Failure)
	}
	if got, ok := p.Progress(domain.KindTask, t1.ID); !ok || got != 0 {
		t.Fatalf("task step = %d %v, want 0", got, ok)
	}
	if _, ok := p.Progress(domain.KindCustomer, c.ID); !ok {
		t.Fatalf("customer step missing: %+v", p.Steps)
	}
	if got := env.taskProgress(t, t1.ID); got != 0 {
		t.Fatalf("t1 progress = %d, want 0", got)
	}

	if _, err := store.DeleteTask(env.Ctx, nil, t2.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	p = env.Engine.OnChildDeleted(env.Ctx, domain.KindTask, c.ID, "sync")
	if p.Failure != nil {
		t.Fatalf("cascade failure: %v", p.Failure)
	}
	if len(p.Steps) != 1 || p.Steps[0].Kind != domain.KindCustomer || p.Steps[0].Progress != 0 || !p.Steps[0].Changed {
		t.Fatalf("customer step = %+v", p.Steps)
	}
	if got := env.customerProgress(t, c.ID); got != 0 {
		t.Fatalf("customer progress = %d, want 0", got)
	}

	p = env.Engine.OnChildDeleted(env.Ctx, domain.KindSubtask, "gone", "sync")
	var nf *engine.NotFoundError
	if p.Failure == nil || !errors.As(p.Failure, &nf) {
		t.Fatalf("failure = %v, want not found", p.Failure)
	}
}
