// Package repair periodically recalculates every customer so progress left
// stale by a failed cascade heals without operator action.
package repair

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rollup/internal/config"
	"rollup/internal/engine"
)

const (
	defaultInterval    = 15 * time.Minute
	defaultMaxAttempts = 3
	actorID            = "repair"
)

// Recalculator is the slice of engine.Engine a repair pass needs.
type Recalculator interface {
	RecalculateAll(ctx context.Context, actorID string) (engine.RecalcResult, error)
}

type Scheduler struct {
	Engine      Recalculator
	Interval    time.Duration
	MaxAttempts int
	// InitialBackoff is the wait before the first retry of a failed pass.
	InitialBackoff time.Duration
	Logger         *slog.Logger
}

func New(e Recalculator, cfg *config.Config, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		Engine:         e,
		Interval:       defaultInterval,
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: time.Second,
		Logger:         logger,
	}
	if cfg != nil {
		if cfg.Repair.Interval > 0 {
			s.Interval = cfg.Repair.Interval
		}
		if cfg.Repair.MaxAttempts > 0 {
			s.MaxAttempts = cfg.Repair.MaxAttempts
		}
	}
	return s
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run executes a pass immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Pass(ctx); err != nil && ctx.Err() == nil {
			s.logger().Warn("repair pass failed", "err", err, "attempts", s.MaxAttempts)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pass runs one full recalculation, retrying with exponential backoff up to
// MaxAttempts times.
func (s *Scheduler) Pass(ctx context.Context) (engine.RecalcResult, error) {
	bo := backoff.NewExponentialBackOff()
	if s.InitialBackoff > 0 {
		bo.InitialInterval = s.InitialBackoff
	}
	bo.MaxElapsedTime = 0
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var res engine.RecalcResult
	start := time.Now()
	err := backoff.RetryNotify(func() error {
		var err error
		res, err = s.Engine.RecalculateAll(ctx, actorID)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx), func(err error, wait time.Duration) {
		s.logger().Info("repair pass retrying", "err", err, "wait", wait)
	})
	if err != nil {
		return res, err
	}
	s.logger().Info("repair pass complete",
		"recalculated", res.TotalRecalculated, "changed", res.Changed, "elapsed", time.Since(start))
	return res, nil
}
