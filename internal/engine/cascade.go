package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"rollup/internal/domain"
	"rollup/internal/events"
	"rollup/internal/repo"
	"rollup/internal/telemetry"
)

const tracerName = "rollup/engine"

// Step is one parent recomputation performed by a cascade.
type Step struct {
	Kind     domain.Kind `json:"kind"`
	ID       string      `json:"id"`
	Progress int         `json:"progress"`
	Changed  bool        `json:"changed"`
}

// Propagation describes what a write cascaded into. Failure is set when a
// step failed after the write committed; the write itself still succeeded.
type Propagation struct {
	Steps   []Step          `json:"steps,omitempty"`
	Failure *CascadeFailure `json:"-"`
}

// Progress returns the progress computed for the given entity, if any step
// touched it.
func (p Propagation) Progress(kind domain.Kind, id string) (int, bool) {
	for i := len(p.Steps) - 1; i >= 0; i-- {
		if p.Steps[i].Kind == kind && p.Steps[i].ID == id {
			return p.Steps[i].Progress, true
		}
	}
	return 0, false
}

func (p *Propagation) merge(o Propagation) {
	p.Steps = append(p.Steps, o.Steps...)
	if p.Failure == nil {
		p.Failure = o.Failure
	}
}

// RecalcResult summarises a subtree recalculation.
type RecalcResult struct {
	Kind              domain.Kind `json:"kind"`
	ID                string      `json:"id"`
	TotalRecalculated int         `json:"total_recalculated"`
	Changed           int         `json:"changed"`
}

// DriftReport names an entity whose stored progress differs from what its
// children say it should be.
type DriftReport struct {
	Kind     domain.Kind `json:"kind"`
	ID       string      `json:"id"`
	Stored   int         `json:"stored"`
	Expected int         `json:"expected"`
	Total    int         `json:"total"`
	Done     int         `json:"completed"`
}

// RecomputeTask recounts a task's subtasks and persists the derived progress
// when it changed. Its own transaction commits before it returns.
func (e Engine) RecomputeTask(ctx context.Context, taskID, actorID string) (Step, string, error) {
	var (
		step       = Step{Kind: domain.KindTask, ID: taskID}
		customerID string
	)
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Tasks.GetTask(ctx, tx, taskID)
		if err != nil {
			return storeErr(domain.KindTask, taskID, 0, err)
		}
		customerID = t.CustomerID
		total, err := e.Subtasks.CountSubtasks(ctx, tx, repo.SubtaskFilter{TaskID: taskID})
		if err != nil {
			return err
		}
		done, err := e.Subtasks.CountSubtasks(ctx, tx, repo.SubtaskFilter{TaskID: taskID, Status: domain.StatusCompleted})
		if err != nil {
			return err
		}
		step.Progress = Rollup(t.Progress, total, done, e.zeroChildPolicy())
		if step.Progress == t.Progress {
			return nil
		}
		step.Changed = true
		if err := e.Tasks.UpdateTaskProgress(ctx, tx, taskID, step.Progress, e.stamp()); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskProgressRecomputed, t.CustomerID, string(domain.KindTask), taskID, actorOrSystem(actorID),
			events.Payload{"from": t.Progress, "to": step.Progress, "total": total, "completed": done})
	})
	if err == nil {
		e.Metrics.Step(ctx, string(domain.KindTask))
	}
	return step, customerID, err
}

// RecomputeCustomer recounts a customer's tasks and persists the derived
// progress when it changed.
func (e Engine) RecomputeCustomer(ctx context.Context, customerID, actorID string) (Step, error) {
	step := Step{Kind: domain.KindCustomer, ID: customerID}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Customers.GetCustomer(ctx, tx, customerID)
		if err != nil {
			return storeErr(domain.KindCustomer, customerID, 0, err)
		}
		total, err := e.Tasks.CountTasks(ctx, tx, repo.TaskFilter{CustomerID: customerID})
		if err != nil {
			return err
		}
		done, err := e.Tasks.CountTasks(ctx, tx, repo.TaskFilter{CustomerID: customerID, Status: domain.StatusCompleted})
		if err != nil {
			return err
		}
		step.Progress = Rollup(c.Progress, total, done, e.zeroChildPolicy())
		if step.Progress == c.Progress {
			return nil
		}
		step.Changed = true
		if err := e.Customers.UpdateCustomerProgress(ctx, tx, customerID, step.Progress, e.stamp()); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.CustomerProgressRecomputed, customerID, string(domain.KindCustomer), customerID, actorOrSystem(actorID),
			events.Payload{"from": c.Progress, "to": step.Progress, "total": total, "completed": done})
	})
	if err == nil {
		e.Metrics.Step(ctx, string(domain.KindCustomer))
	}
	return step, err
}

// OnChildWritten cascades a committed write upward. A subtask write
// recomputes its task and then the task's customer; a task write recomputes
// its customer only. The child must still exist; after a delete use
// OnChildDeleted with the parent the row belonged to.
func (e Engine) OnChildWritten(ctx context.Context, kind domain.Kind, id, actorID string) Propagation {
	switch kind {
	case domain.KindSubtask:
		st, err := e.Subtasks.GetSubtask(ctx, nil, id)
		if err != nil {
			return Propagation{Failure: e.cascadeFailed(ctx, domain.KindSubtask, id, "", actorID, storeErr(kind, id, 0, err))}
		}
		return e.cascadeFromTask(ctx, st.TaskID, actorID, kind)
	case domain.KindTask:
		t, err := e.Tasks.GetTask(ctx, nil, id)
		if err != nil {
			return Propagation{Failure: e.cascadeFailed(ctx, domain.KindTask, id, "", actorID, storeErr(kind, id, 0, err))}
		}
		return e.cascadeFromCustomer(ctx, t.CustomerID, actorID, kind)
	}
	return Propagation{}
}

// OnChildDeleted cascades the removal of a child from parentID. A removed
// subtask recomputes its former task and that task's customer; a removed
// task recomputes its former customer.
func (e Engine) OnChildDeleted(ctx context.Context, kind domain.Kind, parentID, actorID string) Propagation {
	switch kind {
	case domain.KindSubtask:
		return e.cascadeFromTask(ctx, parentID, actorID, kind)
	case domain.KindTask:
		return e.cascadeFromCustomer(ctx, parentID, actorID, kind)
	}
	return Propagation{}
}

// cascadeFromTask runs the task step then the customer step. The task's
// progress is committed before the customer step starts.
func (e Engine) cascadeFromTask(ctx context.Context, taskID, actorID string, origin domain.Kind) Propagation {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "cascade.task",
		trace.WithAttributes(attribute.String("task.id", taskID), attribute.String("origin", string(origin))))
	defer span.End()
	start := time.Now()
	defer e.Metrics.Observe(ctx, start, string(origin))

	var p Propagation
	step, customerID, err := e.RecomputeTask(ctx, taskID, actorID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.Failure = e.cascadeFailed(ctx, domain.KindTask, taskID, customerID, actorID, err)
		return p
	}
	p.Steps = append(p.Steps, step)
	p.merge(e.customerStep(ctx, customerID, actorID))
	if p.Failure != nil {
		span.SetStatus(codes.Error, p.Failure.Error())
	}
	return p
}

func (e Engine) cascadeFromCustomer(ctx context.Context, customerID, actorID string, origin domain.Kind) Propagation {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "cascade.customer",
		trace.WithAttributes(attribute.String("customer.id", customerID), attribute.String("origin", string(origin))))
	defer span.End()
	start := time.Now()
	defer e.Metrics.Observe(ctx, start, string(origin))

	p := e.customerStep(ctx, customerID, actorID)
	if p.Failure != nil {
		span.SetStatus(codes.Error, p.Failure.Error())
	}
	return p
}

func (e Engine) customerStep(ctx context.Context, customerID, actorID string) Propagation {
	step, err := e.RecomputeCustomer(ctx, customerID, actorID)
	if err != nil {
		return Propagation{Failure: e.cascadeFailed(ctx, domain.KindCustomer, customerID, customerID, actorID, err)}
	}
	return Propagation{Steps: []Step{step}}
}

// cascadeFailed logs, counts and records a failed step. Recording the event
// is best effort: the store that just failed may fail again.
func (e Engine) cascadeFailed(ctx context.Context, step domain.Kind, entityID, customerID, actorID string, err error) *CascadeFailure {
	f := &CascadeFailure{Step: step, EntityID: entityID, Err: err}
	e.logger().WarnContext(ctx, "cascade step failed",
		"step", string(step), "id", entityID, "customer_id", customerID, "err", err)
	e.Metrics.Failure(ctx, string(step))
	if ctx.Err() != nil {
		return f
	}
	evErr := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.CascadeFailed, customerID, string(step), entityID, actorOrSystem(actorID),
			events.Payload{"error": err.Error()})
	})
	if evErr != nil {
		e.logger().WarnContext(ctx, "record cascade failure", "id", entityID, "err", evErr)
	}
	return f
}

// RecalculateSubtree recomputes progress beneath and above the given root
// from stored child states, ignoring any cached parent progress. Running it
// twice in a row changes nothing the second time.
func (e Engine) RecalculateSubtree(ctx context.Context, kind domain.Kind, id, actorID string) (RecalcResult, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "recalculate."+string(kind),
		trace.WithAttributes(attribute.String("id", id)))
	defer span.End()

	res := RecalcResult{Kind: kind, ID: id}
	var (
		customerID string
		err        error
	)
	switch kind {
	case domain.KindCustomer:
		customerID = id
		err = e.recalcCustomer(ctx, id, actorID, &res)
	case domain.KindTask:
		customerID, err = e.recalcTask(ctx, id, actorID, &res)
	case domain.KindSubtask:
		var st domain.Subtask
		st, err = e.Subtasks.GetSubtask(ctx, nil, id)
		if err != nil {
			err = storeErr(kind, id, 0, err)
			break
		}
		customerID, err = e.recalcTask(ctx, st.TaskID, actorID, &res)
	default:
		_, err = ParseKind(string(kind))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	e.Metrics.Recalculated(ctx, res.TotalRecalculated)
	evErr := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.SubtreeRecalculated, customerID, string(kind), id, actorOrSystem(actorID),
			events.Payload{"total_recalculated": res.TotalRecalculated, "changed": res.Changed})
	})
	if evErr != nil {
		e.logger().WarnContext(ctx, "record recalculation", "kind", string(kind), "id", id, "err", evErr)
	}
	return res, nil
}

func (e Engine) recalcTask(ctx context.Context, taskID, actorID string, res *RecalcResult) (string, error) {
	step, customerID, err := e.RecomputeTask(ctx, taskID, actorID)
	if err != nil {
		return customerID, err
	}
	res.add(step)
	cstep, err := e.RecomputeCustomer(ctx, customerID, actorID)
	if err != nil {
		return customerID, err
	}
	res.add(cstep)
	return customerID, nil
}

// recalcCustomer recomputes every task of the customer in parallel, bounded
// by cascade.recalc_concurrency, then the customer itself.
func (e Engine) recalcCustomer(ctx context.Context, customerID, actorID string, res *RecalcResult) error {
	if _, err := e.Customers.GetCustomer(ctx, nil, customerID); err != nil {
		return storeErr(domain.KindCustomer, customerID, 0, err)
	}
	tasks, err := e.Tasks.ListTasks(ctx, nil, repo.TaskFilter{CustomerID: customerID})
	if err != nil {
		return err
	}
	steps := make([]Step, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.recalcConcurrency())
	for i, t := range tasks {
		g.Go(func() error {
			step, _, err := e.RecomputeTask(gctx, t.ID, actorID)
			if err != nil {
				// A task deleted since the listing no longer counts.
				if errors.Is(err, repo.ErrNotFound) {
					return nil
				}
				return err
			}
			steps[i] = step
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, s := range steps {
		if s.ID != "" {
			res.add(s)
		}
	}
	step, err := e.RecomputeCustomer(ctx, customerID, actorID)
	if err != nil {
		return err
	}
	res.add(step)
	return nil
}

func (r *RecalcResult) add(s Step) {
	r.TotalRecalculated++
	if s.Changed {
		r.Changed++
	}
}

// RecalculateAll recalculates every customer. A failing customer does not
// stop the others; all failures are joined into the returned error.
func (e Engine) RecalculateAll(ctx context.Context, actorID string) (RecalcResult, error) {
	total := RecalcResult{}
	customers, err := e.Customers.ListCustomers(ctx, nil, repo.CustomerFilter{})
	if err != nil {
		return total, err
	}
	var errs []error
	for _, c := range customers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := e.RecalculateSubtree(ctx, domain.KindCustomer, c.ID, actorID)
		total.TotalRecalculated += res.TotalRecalculated
		total.Changed += res.Changed
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Drift lists entities under the customer whose stored progress disagrees
// with their children. It reads only.
func (e Engine) Drift(ctx context.Context, customerID string) ([]DriftReport, error) {
	c, err := e.Customers.GetCustomer(ctx, nil, customerID)
	if err != nil {
		return nil, storeErr(domain.KindCustomer, customerID, 0, err)
	}
	tasks, err := e.Tasks.ListTasks(ctx, nil, repo.TaskFilter{CustomerID: customerID})
	if err != nil {
		return nil, err
	}
	policy := e.zeroChildPolicy()
	var out []DriftReport
	done := 0
	for _, t := range tasks {
		if t.Status.Completed() {
			done++
		}
		total, err := e.Subtasks.CountSubtasks(ctx, nil, repo.SubtaskFilter{TaskID: t.ID})
		if err != nil {
			return nil, err
		}
		completed, err := e.Subtasks.CountSubtasks(ctx, nil, repo.SubtaskFilter{TaskID: t.ID, Status: domain.StatusCompleted})
		if err != nil {
			return nil, err
		}
		if want := Rollup(t.Progress, total, completed, policy); want != t.Progress {
			out = append(out, DriftReport{Kind: domain.KindTask, ID: t.ID, Stored: t.Progress, Expected: want, Total: total, Done: completed})
		}
	}
	if want := Rollup(c.Progress, len(tasks), done, policy); want != c.Progress {
		out = append(out, DriftReport{Kind: domain.KindCustomer, ID: c.ID, Stored: c.Progress, Expected: want, Total: len(tasks), Done: done})
	}
	return out, nil
}
