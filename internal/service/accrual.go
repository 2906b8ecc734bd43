package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"mining-engine/internal/metrics"
	"mining-engine/internal/model"
	"mining-engine/internal/pkg/clock"
	"mining-engine/internal/repository"
)

// SchedulerOptions holds the accrual tick configuration.
type SchedulerOptions struct {
	Interval     time.Duration
	BatchSize    int
	Workers      int
	BatchTimeout time.Duration
	Retry        RetryPolicy
}

// TickResult summarizes one accrual tick.
type TickResult struct {
	TickID        uuid.UUID
	At            time.Time
	Contracts     int
	Applied       int
	Skipped       int
	Completed     int
	Failed        int
	FailedBatches int
}

// AccrualScheduler converts elapsed time into persisted balance.
type AccrualScheduler struct {
	ledger   *ContractLedger
	profiles ProfileSource
	accruals repository.AccrualStore
	clock    clock.Clock
	opts     SchedulerOptions

	// tick is the single-flight token: a tick runs only while holding it.
	tick sync.Mutex
}

// NewAccrualScheduler creates a new AccrualScheduler instance.
func NewAccrualScheduler(
	ledger *ContractLedger,
	profiles ProfileSource,
	accruals repository.AccrualStore,
	clk clock.Clock,
	opts SchedulerOptions,
) *AccrualScheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &AccrualScheduler{
		ledger:   ledger,
		profiles: profiles,
		accruals: accruals,
		clock:    clk,
		opts:     opts,
	}
}

// Run ticks every interval until ctx is canceled. A tick that is still
// running when ctx is canceled finishes its in-flight batch writes before
// Run returns.
func (s *AccrualScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.opts.Interval).Msg("Accrual scheduler started")
	for {
		select {
		case <-ctx.Done():
			// Wait for a tick started by another caller.
			s.tick.Lock()
			s.tick.Unlock()
			log.Info().Msg("Accrual scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				log.Error().Err(err).Msg("Accrual tick failed")
			}
		}
	}
}

// Tick runs one accrual pass over every accruable contract against a single
// snapshot of now. It returns ErrTickInProgress without doing anything if
// another tick holds the token.
func (s *AccrualScheduler) Tick(ctx context.Context) (*TickResult, error) {
	if !s.tick.TryLock() {
		metrics.RecordTick("skipped", 0)
		log.Warn().Msg("Previous accrual tick still running, skipping")
		return nil, ErrTickInProgress
	}
	defer s.tick.Unlock()

	start := time.Now()
	res := &TickResult{TickID: uuid.New(), At: s.clock.Now()}
	logger := log.With().Str("tick_id", res.TickID.String()).Logger()

	contracts, err := s.ledger.ListAccruable(ctx)
	if err != nil {
		metrics.RecordTick("failed", time.Since(start))
		metrics.RecordOperationalError("accrual")
		return nil, err
	}
	res.Contracts = len(contracts)

	profiles := newProfileMemo(s.profiles, res.At)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for begin := 0; begin < len(contracts); begin += s.opts.BatchSize {
		if gctx.Err() != nil {
			break
		}
		end := min(begin+s.opts.BatchSize, len(contracts))
		batch := contracts[begin:end]

		g.Go(func() error {
			out := s.runBatch(gctx, res, batch, profiles)
			mu.Lock()
			res.Applied += out.applied
			res.Skipped += out.skipped
			res.Completed += out.completed
			if out.err != nil {
				res.Failed += len(batch)
				res.FailedBatches++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result := "ok"
	if res.FailedBatches > 0 {
		result = "partial"
	}
	metrics.RecordTick(result, time.Since(start))
	metrics.RecordContracts("applied", res.Applied)
	metrics.RecordContracts("skipped", res.Skipped)
	metrics.RecordContracts("completed", res.Completed)
	metrics.RecordContracts("failed", res.Failed)

	if res.Contracts > 0 {
		logger.Debug().
			Int("contracts", res.Contracts).
			Int("applied", res.Applied).
			Int("skipped", res.Skipped).
			Int("completed", res.Completed).
			Int("failed_batches", res.FailedBatches).
			Dur("took", time.Since(start)).
			Msg("Accrual tick finished")
	}
	return res, nil
}

type batchOutcome struct {
	applied   int
	skipped   int
	completed int
	err       error
}

// runBatch computes and writes one batch, retrying with backoff. Every retry
// reloads the batch so deltas are recomputed from the persisted last accrual
// time. The write itself is detached from ctx so a shutdown never cuts a
// batch in half.
func (s *AccrualScheduler) runBatch(ctx context.Context, res *TickResult, batch []*model.Contract, profiles *profileMemo) batchOutcome {
	ids := make([]int64, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}

	var out batchOutcome
	attempt := 0
	err := s.opts.Retry.retry(ctx, always, func() error {
		attempt++
		current := batch
		if attempt > 1 {
			fresh, err := s.ledger.Refresh(ctx, ids)
			if err != nil {
				return err
			}
			current = fresh
		}

		entries, completed, skipped := s.entries(ctx, res, current, profiles)
		out.skipped = skipped
		out.completed = completed
		if len(entries) == 0 {
			return nil
		}

		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.BatchTimeout)
		defer cancel()
		applied, stale, err := s.accruals.ApplyAccruals(writeCtx, entries)
		if err != nil {
			metrics.RecordBatch("retry")
			log.Warn().
				Err(err).
				Str("tick_id", res.TickID.String()).
				Int("attempt", attempt).
				Msg("Accrual batch write failed")
			return err
		}
		out.applied = applied
		out.skipped += stale
		return nil
	})
	if err != nil {
		out.err = err
		metrics.RecordBatch("failed")
		metrics.RecordOperationalError("accrual")
		log.Error().
			Err(err).
			Str("tick_id", res.TickID.String()).
			Int("contracts", len(batch)).
			Msg("Accrual batch abandoned until next tick")
		return out
	}
	metrics.RecordBatch("ok")
	return out
}

// entries computes the accrual entry of every contract in batch.
func (s *AccrualScheduler) entries(ctx context.Context, res *TickResult, batch []*model.Contract, profiles *profileMemo) ([]model.AccrualEntry, int, int) {
	now := res.At
	entries := make([]model.AccrualEntry, 0, len(batch))
	completed, skipped := 0, 0

	for _, c := range batch {
		if c.Status != model.ContractMining {
			skipped++
			continue
		}

		profile, err := profiles.get(ctx, c.OwnerID)
		if err != nil {
			skipped++
			log.Warn().Err(err).Int64("contract_id", c.ID).Int64("owner_id", c.OwnerID).Msg("Profile unavailable, deferring accrual")
			continue
		}
		rate, err := rateFor(c, profile)
		if err != nil {
			skipped++
			log.Error().Err(err).Int64("contract_id", c.ID).Msg("Invalid rate, deferring accrual")
			continue
		}

		entry, err := accrue(c, rate, now)
		if err != nil {
			skipped++
			metrics.RecordOperationalError("clock_skew")
			log.Error().
				Err(err).
				Int64("contract_id", c.ID).
				Time("last_accrued_at", c.LastAccruedAt).
				Time("now", now).
				Msg("Skipping contract accrual")
			continue
		}
		if !entry.Complete && entry.AccruedAt.Equal(entry.PrevAccruedAt) {
			continue
		}
		entry.TickID = res.TickID
		entry.TickAt = now
		if entry.Complete {
			completed++
		}
		entries = append(entries, entry)
	}
	return entries, completed, skipped
}

// accrue computes the delta of c from its last accrual up to now, bounded by
// its end. The returned entry advances last_accrued_at to the bound and
// completes the contract once it has ended.
func accrue(c *model.Contract, rate decimal.Decimal, now time.Time) (model.AccrualEntry, error) {
	if c.LastAccruedAt.After(now) {
		return model.AccrualEntry{}, fmt.Errorf("contract %d: %w", c.ID, ErrClockSkewDetected)
	}

	until := now
	if c.EndsAt.Before(until) {
		until = c.EndsAt
	}
	accruedAt := c.LastAccruedAt
	delta := decimal.Zero
	if until.After(c.LastAccruedAt) {
		accruedAt = until
		delta = rate.Mul(ElapsedSeconds(c.LastAccruedAt, until))
	}

	return model.AccrualEntry{
		ContractID:    c.ID,
		OwnerID:       c.OwnerID,
		Delta:         delta,
		PrevAccruedAt: c.LastAccruedAt,
		AccruedAt:     accruedAt,
		Complete:      !c.EndsAt.After(now),
	}, nil
}

// ElapsedSeconds returns to - from in seconds as an exact decimal, or zero
// if to is not after from.
func ElapsedSeconds(from, to time.Time) decimal.Decimal {
	if !to.After(from) {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(to.Sub(from))).Shift(-9)
}

// profileMemo loads each owner's profile at most once per tick.
type profileMemo struct {
	source ProfileSource
	now    time.Time

	mu       sync.Mutex
	profiles map[int64]*Profile
}

func newProfileMemo(source ProfileSource, now time.Time) *profileMemo {
	return &profileMemo{source: source, now: now, profiles: make(map[int64]*Profile)}
}

func (m *profileMemo) get(ctx context.Context, ownerID int64) (*Profile, error) {
	m.mu.Lock()
	p, ok := m.profiles[ownerID]
	m.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := m.source.Profile(ctx, ownerID, m.now)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.profiles[ownerID] = p
	m.mu.Unlock()
	return p, nil
}
