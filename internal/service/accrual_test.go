package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"mining-engine/internal/model"
	"mining-engine/internal/repository"
)

func TestAccrual_AdContractScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner = int64(1001)

	require.NoError(t, h.engine.UpdateProfile(ctx, owner, 4, "US"))
	summary, err := h.engine.CreateOrExtendContract(ctx, owner, model.KindAd, Trigger{})
	require.NoError(t, err)
	assert.True(t, summary.RatePerSecond.Equal(dec("0.00000000000022518")))
	assert.True(t, summary.RemainingSeconds.Equal(dec("7200")))

	h.clock.Advance(time.Hour)
	res := h.tick(t)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.Completed)
	assert.True(t, h.balance(t, owner).Equal(dec("0.000000000810648")))

	// The second tick lands after the end; only time up to the end counts.
	h.clock.Advance(2 * time.Hour)
	res = h.tick(t)
	assert.Equal(t, 1, res.Completed)
	assert.True(t, h.balance(t, owner).Equal(dec("0.000000001621296")), h.balance(t, owner).String())

	c, err := h.store.GetContract(ctx, summary.ContractID)
	require.NoError(t, err)
	assert.Equal(t, model.ContractCompleted, c.Status)
	assert.Equal(t, c.EndsAt, c.LastAccruedAt)

	// Completed contracts are never visited again.
	h.clock.Advance(time.Hour)
	res = h.tick(t)
	assert.Equal(t, 0, res.Contracts)
	assert.True(t, h.balance(t, owner).Equal(dec("0.000000001621296")))

	records, err := h.engine.ListAccruals(ctx, owner, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// TestAccrualTickIndependenceProperty checks that the total accrued over a
// contract's life does not depend on how many ticks ran or when.
func TestAccrualTickIndependenceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(rt)
		ctx := context.Background()
		const owner = int64(7)

		level := rapid.IntRange(1, 5).Draw(rt, "level")
		if err := h.engine.UpdateProfile(ctx, owner, level, "NG"); err != nil {
			rt.Fatalf("update profile: %v", err)
		}
		if _, err := h.engine.CreateOrExtendContract(ctx, owner, model.KindAd, Trigger{}); err != nil {
			rt.Fatalf("create contract: %v", err)
		}

		offsets := rapid.SliceOfN(rapid.Int64Range(0, int64(3*time.Hour/time.Millisecond)), 0, 15).Draw(rt, "offsets")
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		for _, ms := range offsets {
			h.clock.Set(t0.Add(time.Duration(ms) * time.Millisecond))
			if _, err := h.scheduler.Tick(ctx); err != nil {
				rt.Fatalf("tick: %v", err)
			}
		}
		h.clock.Set(t0.Add(3 * time.Hour))
		if _, err := h.scheduler.Tick(ctx); err != nil {
			rt.Fatalf("tick: %v", err)
		}

		table := h.rates.Table()
		rule, _ := table.Kind(model.KindAd)
		rate := rule.BaseRate.Mul(table.LevelMultiplier(level)).Mul(table.CountryMultiplier("NG"))
		want := rate.Mul(dec("7200"))

		got := h.balance(rt, owner)
		if !got.Equal(want) {
			rt.Fatalf("balance %s after %d ticks, want %s", got, len(offsets)+1, want)
		}
	})
}

func TestAccrual_CheckInAppliesDailyBonus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner = int64(55)

	summary, err := h.engine.CreateOrExtendContract(ctx, owner, model.KindCheckIn, Trigger{})
	require.NoError(t, err)
	assert.True(t, summary.RatePerSecond.Equal(dec("0.00000000000018904")), summary.RatePerSecond.String())

	h.clock.Advance(10 * time.Second)
	h.tick(t)
	assert.True(t, h.balance(t, owner).Equal(dec("0.0000000000018904")))

	b, err := h.engine.GetBalance(ctx, owner)
	require.NoError(t, err)
	assert.True(t, b.AccrualRatePerSecond.Equal(dec("0.00000000000018904")))
}

func TestAccrual_ClockSkewSkipsContract(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner = int64(9)

	_, err := h.engine.CreateOrExtendContract(ctx, owner, model.KindAd, Trigger{})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	h.tick(t)
	before := h.balance(t, owner)

	h.clock.Set(t0.Add(30 * time.Second))
	res := h.tick(t)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Applied)
	assert.True(t, h.balance(t, owner).Equal(before))

	h.clock.Set(t0.Add(2 * time.Minute))
	res = h.tick(t)
	assert.Equal(t, 1, res.Applied)
	assert.True(t, h.balance(t, owner).GreaterThan(before))
}

func TestAccrue_ClockSkew(t *testing.T) {
	c := &model.Contract{
		ID:            1,
		Status:        model.ContractMining,
		LastAccruedAt: t0.Add(time.Second),
		EndsAt:        t0.Add(time.Hour),
	}
	_, err := accrue(c, dec("1"), t0)
	assert.ErrorIs(t, err, ErrClockSkewDetected)
}

func TestAccrual_RetriesFailedBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner = int64(3)

	_, err := h.engine.CreateOrExtendContract(ctx, owner, model.KindAd, Trigger{})
	require.NoError(t, err)
	h.clock.Advance(100 * time.Second)

	h.store.FailNext("ApplyAccruals", errors.New("connection reset"), errors.New("connection reset"))
	res := h.tick(t)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.FailedBatches)
	assert.True(t, h.balance(t, owner).Equal(dec("0.0000000000139")))
}

func TestAccrual_ExhaustedRetriesCatchUpNextTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const owner = int64(4)

	_, err := h.engine.CreateOrExtendContract(ctx, owner, model.KindAd, Trigger{})
	require.NoError(t, err)
	h.clock.Advance(100 * time.Second)

	failures := make([]error, testRetry.MaxRetries+1)
	for i := range failures {
		failures[i] = errors.New("database unavailable")
	}
	h.store.FailNext("ApplyAccruals", failures...)
	res := h.tick(t)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, h.balance(t, owner).IsZero())

	h.clock.Advance(100 * time.Second)
	res = h.tick(t)
	assert.Equal(t, 1, res.Applied)
	assert.True(t, h.balance(t, owner).Equal(dec("0.0000000000278")))
}

func TestAccrual_OverlappingTickIsSkipped(t *testing.T) {
	h := newHarness(t)

	h.scheduler.tick.Lock()
	_, err := h.scheduler.Tick(context.Background())
	h.scheduler.tick.Unlock()
	assert.ErrorIs(t, err, ErrTickInProgress)

	_, err = h.scheduler.Tick(context.Background())
	assert.NoError(t, err)
}

func TestAccrual_ManyOwnersAcrossBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owners := []int64{11, 12, 13, 14, 15}
	for _, owner := range owners {
		_, err := h.engine.CreateOrExtendContract(ctx, owner, model.KindAd, Trigger{})
		require.NoError(t, err)
	}
	h.clock.Advance(time.Second)
	res := h.tick(t)
	assert.Equal(t, len(owners), res.Contracts)
	assert.Equal(t, len(owners), res.Applied)
	for _, owner := range owners {
		assert.True(t, h.balance(t, owner).Equal(dec("0.000000000000139")))
	}
}

func TestAccrual_FailedBatchDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// One worker runs the batches in contract id order, so the injected
	// failures all land on the first batch.
	scheduler := NewAccrualScheduler(h.ledger, h.profiles, h.store, h.clock, SchedulerOptions{
		Interval:     time.Second,
		BatchSize:    2,
		Workers:      1,
		BatchTimeout: time.Second,
		Retry:        testRetry,
	})

	owners := []int64{21, 22, 23, 24, 25}
	for _, owner := range owners {
		_, err := h.engine.CreateOrExtendContract(ctx, owner, model.KindAd, Trigger{})
		require.NoError(t, err)
	}
	h.clock.Advance(time.Second)

	failures := make([]error, testRetry.MaxRetries+1)
	for i := range failures {
		failures[i] = errors.New("deadlock detected")
	}
	h.store.FailNext("ApplyAccruals", failures...)

	res, err := scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(owners), res.Contracts)
	assert.Equal(t, 1, res.FailedBatches)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 3, res.Applied)

	oneSecond := dec("0.000000000000139")
	for _, owner := range owners[:2] {
		assert.True(t, h.balance(t, owner).IsZero(), "owner %d", owner)
	}
	for _, owner := range owners[2:] {
		assert.True(t, h.balance(t, owner).Equal(oneSecond), "owner %d", owner)
	}

	// The failed batch catches up on the next tick; the others do not double count.
	h.clock.Advance(time.Second)
	res, err = scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.FailedBatches)
	for _, owner := range owners {
		assert.True(t, h.balance(t, owner).Equal(oneSecond.Mul(dec("2"))), "owner %d", owner)
	}
}

// gatedAccruals parks ApplyAccruals until released and fails like a
// database driver would when its context is already canceled.
type gatedAccruals struct {
	repository.AccrualStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAccruals) ApplyAccruals(ctx context.Context, entries []model.AccrualEntry) (int, int, error) {
	close(g.entered)
	<-g.release
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	return g.AccrualStore.ApplyAccruals(ctx, entries)
}

func TestAccrual_CancelDuringWriteKeepsBatch(t *testing.T) {
	h := newHarness(t)
	const owner = int64(31)

	_, err := h.engine.CreateOrExtendContract(context.Background(), owner, model.KindAd, Trigger{})
	require.NoError(t, err)
	h.clock.Advance(100 * time.Second)

	gate := &gatedAccruals{AccrualStore: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	scheduler := NewAccrualScheduler(h.ledger, h.profiles, gate, h.clock, SchedulerOptions{
		Interval:     time.Second,
		BatchSize:    2,
		Workers:      1,
		BatchTimeout: 5 * time.Second,
		Retry:        testRetry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	type tickOut struct {
		res *TickResult
		err error
	}
	out := make(chan tickOut, 1)
	go func() {
		res, err := scheduler.Tick(ctx)
		out <- tickOut{res, err}
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("batch write never started")
	}
	cancel()
	close(gate.release)

	var got tickOut
	select {
	case got = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not finish")
	}
	require.NoError(t, got.err)
	assert.Equal(t, 1, got.res.Applied)
	assert.Zero(t, got.res.FailedBatches)
	assert.True(t, h.balance(t, owner).Equal(dec("0.0000000000139")))
}

func TestAccrual_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.scheduler.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
