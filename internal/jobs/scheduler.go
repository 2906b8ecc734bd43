// Package jobs runs the periodic subscription maintenance jobs.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Maintainer is the subscription work driven by the scheduler.
type Maintainer interface {
	// Sweep finalizes subscriptions whose grace, hold or canceled
	// period has lapsed.
	Sweep(ctx context.Context) (int, error)
	// ReconcilePending retries notifications that arrived before
	// their subscription existed.
	ReconcilePending(ctx context.Context) (int, error)
}

// Scheduler wraps a cron instance running the maintenance jobs.
type Scheduler struct {
	cron              *cron.Cron
	subs              Maintainer
	sweepSchedule     string
	reconcileSchedule string
	timeout           time.Duration
}

// NewScheduler creates a scheduler. Schedules use the robfig/cron syntax,
// including descriptors such as "@every 1h".
func NewScheduler(subs Maintainer, sweepSchedule, reconcileSchedule string) *Scheduler {
	logger := cronLogger{log.With().Str("component", "jobs").Logger()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		subs:              subs,
		sweepSchedule:     sweepSchedule,
		reconcileSchedule: reconcileSchedule,
		timeout:           5 * time.Minute,
	}
}

// Start registers the jobs and starts the cron loop. Jobs stop picking up
// new work once ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.sweepSchedule, func() { s.runSweep(ctx) }); err != nil {
		return fmt.Errorf("add sweep job %q: %w", s.sweepSchedule, err)
	}
	if _, err := s.cron.AddFunc(s.reconcileSchedule, func() { s.runReconcile(ctx) }); err != nil {
		return fmt.Errorf("add reconcile job %q: %w", s.reconcileSchedule, err)
	}

	s.cron.Start()
	log.Info().
		Str("sweep", s.sweepSchedule).
		Str("reconcile", s.reconcileSchedule).
		Msg("Maintenance jobs started")
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("Maintenance jobs stopped")
}

func (s *Scheduler) runSweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.subs.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Int("finalized", n).Msg("Subscription sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int("finalized", n).Msg("Subscription sweep completed")
	}
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.subs.ReconcilePending(ctx)
	if err != nil {
		log.Error().Err(err).Int("applied", n).Msg("Notification reconcile failed")
		return
	}
	if n > 0 {
		log.Info().Int("applied", n).Msg("Pending notifications reconciled")
	}
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
