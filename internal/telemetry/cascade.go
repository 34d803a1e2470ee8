package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const cascadeScopeName = "rollup/cascade"

// Cascade holds the instruments the progress cascade reports into.
type Cascade struct {
	steps    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
	recalcs  metric.Int64Counter
}

// NewCascade builds instruments from m, or from the global meter when m is nil.
func NewCascade(m metric.Meter) *Cascade {
	if m == nil {
		m = Meter(cascadeScopeName)
	}
	steps, _ := m.Int64Counter("rollup.cascade.steps",
		metric.WithDescription("Parent progress recomputations performed"),
	)
	failures, _ := m.Int64Counter("rollup.cascade.failures",
		metric.WithDescription("Cascade steps that failed after the primary write committed"),
	)
	duration, _ := m.Float64Histogram("rollup.cascade.duration",
		metric.WithDescription("Duration of a full cascade in milliseconds"),
		metric.WithUnit("ms"),
	)
	recalcs, _ := m.Int64Counter("rollup.recalc.entities",
		metric.WithDescription("Entities recomputed by subtree recalculation"),
	)
	return &Cascade{steps: steps, failures: failures, duration: duration, recalcs: recalcs}
}

func (c *Cascade) Step(ctx context.Context, kind string) {
	if c == nil {
		return
	}
	c.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (c *Cascade) Failure(ctx context.Context, step string) {
	if c == nil {
		return
	}
	c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

func (c *Cascade) Observe(ctx context.Context, start time.Time, origin string) {
	if c == nil {
		return
	}
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("origin", origin)))
}

func (c *Cascade) Recalculated(ctx context.Context, n int) {
	if c == nil || n == 0 {
		return
	}
	c.recalcs.Add(ctx, int64(n))
}
