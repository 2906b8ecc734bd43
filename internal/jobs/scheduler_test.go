package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaintainer struct {
	sweeps     atomic.Int32
	reconciles atomic.Int32
	err        error
}

func (f *fakeMaintainer) Sweep(ctx context.Context) (int, error) {
	f.sweeps.Add(1)
	return 1, f.err
}

func (f *fakeMaintainer) ReconcilePending(ctx context.Context) (int, error) {
	f.reconciles.Add(1)
	return 2, f.err
}

func TestScheduler_StartRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(&fakeMaintainer{}, "not a schedule", "@every 5m")
	assert.Error(t, s.Start(context.Background()))

	s = NewScheduler(&fakeMaintainer{}, "@every 1h", "@every nonsense")
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(&fakeMaintainer{}, "@every 1h", "@every 5m")
	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, s.cron.Entries(), 2)
	s.Stop()
}

func TestScheduler_JobsCallMaintainer(t *testing.T) {
	m := &fakeMaintainer{}
	s := NewScheduler(m, "@every 1h", "@every 5m")
	ctx := context.Background()

	s.runSweep(ctx)
	s.runReconcile(ctx)
	assert.Equal(t, int32(1), m.sweeps.Load())
	assert.Equal(t, int32(1), m.reconciles.Load())

	// Failures are logged, not propagated.
	m.err = errors.New("store down")
	s.runSweep(ctx)
	s.runReconcile(ctx)
	assert.Equal(t, int32(2), m.sweeps.Load())
}

func TestScheduler_JobsSkipAfterCancel(t *testing.T) {
	m := &fakeMaintainer{}
	s := NewScheduler(m, "@every 1h", "@every 5m")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.runSweep(ctx)
	s.runReconcile(ctx)
	assert.Zero(t, m.sweeps.Load())
	assert.Zero(t, m.reconciles.Load())
}
