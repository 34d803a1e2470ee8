package repair

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollup/internal/config"
	"rollup/internal/engine"
)

type flakyRecalculator struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyRecalculator) RecalculateAll(ctx context.Context, actor string) (engine.RecalcResult, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return engine.RecalcResult{}, errors.New("database is locked")
	}
	return engine.RecalcResult{TotalRecalculated: 4, Changed: 1}, nil
}

func quietScheduler(r Recalculator, attempts int) *Scheduler {
	return &Scheduler{
		Engine:         r,
		Interval:       5 * time.Millisecond,
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestPassRetriesUntilSuccess(t *testing.T) {
	r := &flakyRecalculator{failures: 2}
	res, err := quietScheduler(r, 3).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), r.calls.Load())
	assert.Equal(t, 4, res.TotalRecalculated)
}

func TestPassGivesUpAfterMaxAttempts(t *testing.T) {
	r := &flakyRecalculator{failures: 10}
	_, err := quietScheduler(r, 2).Pass(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	r := &flakyRecalculator{}
	s := quietScheduler(r, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewUsesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Repair.Interval = time.Minute
	cfg.Repair.MaxAttempts = 7
	s := New(&flakyRecalculator{}, cfg, nil)
	assert.Equal(t, time.Minute, s.Interval)
	assert.Equal(t, 7, s.MaxAttempts)
}
