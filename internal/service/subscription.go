package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"mining-engine/internal/metrics"
	"mining-engine/internal/model"
	"mining-engine/internal/pkg/clock"
	"mining-engine/internal/repository"
)

// Outcomes reported in an Ack in addition to the stored inbox outcomes.
const (
	OutcomeDuplicate = "duplicate"
	OutcomeDeferred  = "deferred"
)

// Transition reasons written to the status history.
const (
	ReasonGraceElapsed    = "grace_period_elapsed"
	ReasonHoldElapsed     = "account_hold_elapsed"
	ReasonCanceledElapsed = "canceled_period_ended"
)

// notificationTargets maps each recognized provider notification to the
// single status it requests. Types missing here are no-ops.
var notificationTargets = map[model.NotificationType]model.SubscriptionStatus{
	model.NotificationRecovered:     model.SubscriptionActive,
	model.NotificationRenewed:       model.SubscriptionActive,
	model.NotificationCanceled:      model.SubscriptionCanceled,
	model.NotificationPurchased:     model.SubscriptionActive,
	model.NotificationOnHold:        model.SubscriptionAccountHold,
	model.NotificationInGracePeriod: model.SubscriptionGracePeriod,
	model.NotificationRestarted:     model.SubscriptionActive,
	model.NotificationPaused:        model.SubscriptionPaused,
	model.NotificationRevoked:       model.SubscriptionExpired,
	model.NotificationExpired:       model.SubscriptionExpired,
}

// allowedTransitions lists the edges of the subscription state machine.
// active -> active is a renewal.
var allowedTransitions = map[model.SubscriptionStatus][]model.SubscriptionStatus{
	model.SubscriptionActive: {
		model.SubscriptionActive, model.SubscriptionGracePeriod, model.SubscriptionAccountHold,
		model.SubscriptionPaused, model.SubscriptionCanceled, model.SubscriptionExpired,
	},
	model.SubscriptionGracePeriod: {
		model.SubscriptionActive, model.SubscriptionAccountHold, model.SubscriptionCanceled, model.SubscriptionExpired,
	},
	model.SubscriptionAccountHold: {
		model.SubscriptionActive, model.SubscriptionCanceled, model.SubscriptionExpired,
	},
	model.SubscriptionPaused: {
		model.SubscriptionActive, model.SubscriptionCanceled, model.SubscriptionExpired,
	},
	model.SubscriptionCanceled: {
		model.SubscriptionActive, model.SubscriptionExpired,
	},
	model.SubscriptionExpired: {
		model.SubscriptionCanceled,
	},
}

// CanMine reports whether a subscription in status may accrue.
func CanMine(status model.SubscriptionStatus) bool {
	return status.CanMine()
}

// Allowed reports whether from -> to is an edge of the state machine.
func Allowed(from, to model.SubscriptionStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// isCharge reports whether the notification means the provider collected a
// payment, which moves the billing date forward.
func isCharge(t model.NotificationType) bool {
	return t == model.NotificationRenewed || t == model.NotificationRecovered
}

// NextStatus returns the status a notification moves from into. It is total:
// unrecognized types, disallowed edges and active -> active without a charge
// return from unchanged with changed == false.
func NextStatus(from model.SubscriptionStatus, t model.NotificationType) (to model.SubscriptionStatus, changed bool) {
	target, ok := notificationTargets[t]
	if !ok || !Allowed(from, target) {
		return from, false
	}
	if target == from && !isCharge(t) {
		return from, false
	}
	return target, true
}

// Ack is the acknowledgment returned to the notification provider.
type Ack struct {
	NotificationID string
	Outcome        string
}

// SubscriptionStateMachine applies provider notifications and timeouts to
// subscriptions.
type SubscriptionStateMachine struct {
	store          repository.SubscriptionStore
	rates          *RateBook
	clock          clock.Clock
	gracePeriod    time.Duration
	accountHold    time.Duration
	billingPeriod  time.Duration
	reconcileBatch int
	maxAttempts    int
	backoff        time.Duration
	maxBackoff     time.Duration
	retry          RetryPolicy
}

// SubscriptionOptions holds the state machine's timing configuration.
// A pending notification is retried after ReconcileBackoff, doubling per
// attempt up to ReconcileMaxBackoff, and finalized as failed once it has
// been attempted ReconcileMaxAttempts times.
type SubscriptionOptions struct {
	GracePeriod          time.Duration
	AccountHold          time.Duration
	BillingPeriod        time.Duration
	ReconcileBatch       int
	ReconcileMaxAttempts int
	ReconcileBackoff     time.Duration
	ReconcileMaxBackoff  time.Duration
	Retry                RetryPolicy
}

// NewSubscriptionStateMachine creates a new SubscriptionStateMachine instance.
func NewSubscriptionStateMachine(store repository.SubscriptionStore, rates *RateBook, clk clock.Clock, opts SubscriptionOptions) *SubscriptionStateMachine {
	if opts.ReconcileBatch <= 0 {
		opts.ReconcileBatch = 100
	}
	if opts.ReconcileMaxAttempts <= 0 {
		opts.ReconcileMaxAttempts = 20
	}
	if opts.ReconcileBackoff <= 0 {
		opts.ReconcileBackoff = time.Minute
	}
	if opts.ReconcileMaxBackoff <= 0 {
		opts.ReconcileMaxBackoff = time.Hour
	}
	opts.ReconcileMaxBackoff = max(opts.ReconcileMaxBackoff, opts.ReconcileBackoff)
	return &SubscriptionStateMachine{
		store:          store,
		rates:          rates,
		clock:          clk,
		gracePeriod:    opts.GracePeriod,
		accountHold:    opts.AccountHold,
		billingPeriod:  opts.BillingPeriod,
		reconcileBatch: opts.ReconcileBatch,
		maxAttempts:    opts.ReconcileMaxAttempts,
		backoff:        opts.ReconcileBackoff,
		maxBackoff:     opts.ReconcileMaxBackoff,
		retry:          opts.Retry,
	}
}

// retryDelay is the wait after a reconciliation failure of a row that had
// already failed attempts times. The first retry waits the base backoff.
func (m *SubscriptionStateMachine) retryDelay(attempts int) time.Duration {
	d := m.backoff
	for i := 1; i < attempts && d < m.maxBackoff; i++ {
		d *= 2
	}
	return min(d, m.maxBackoff)
}

func (m *SubscriptionStateMachine) periodOf(sub *model.Subscription) time.Duration {
	if p, ok := m.rates.Table().Product(sub.ProductID); ok && p.Kind == model.KindPaidSubscription {
		return p.Duration
	}
	return m.billingPeriod
}

// transition builds the full write for sub moving to to at now.
func (m *SubscriptionStateMachine) transition(sub *model.Subscription, to model.SubscriptionStatus, reason, notificationID string, charged bool, now time.Time) *model.SubscriptionTransition {
	t := &model.SubscriptionTransition{
		SubscriptionID:       sub.SubscriptionID,
		ContractID:           sub.ContractID,
		From:                 sub.Status,
		To:                   to,
		Reason:               reason,
		NotificationID:       notificationID,
		At:                   now,
		NextBillingDate:      sub.NextBillingDate,
		GracePeriodStartedAt: sub.GracePeriodStartedAt,
		AccountHoldStartedAt: sub.AccountHoldStartedAt,
		AutoRenewing:         sub.AutoRenewing,
	}

	switch to {
	case model.SubscriptionGracePeriod:
		if sub.Status != model.SubscriptionGracePeriod {
			started := now
			t.GracePeriodStartedAt = &started
		}
	case model.SubscriptionAccountHold:
		if sub.Status != model.SubscriptionAccountHold {
			started := now
			// A hold reached through the grace timeout starts when grace ran out.
			if reason == ReasonGraceElapsed && sub.GracePeriodStartedAt != nil {
				if end := sub.GracePeriodStartedAt.Add(m.gracePeriod); end.Before(now) {
					started = end
				}
			}
			t.AccountHoldStartedAt = &started
		}
	case model.SubscriptionActive:
		t.AutoRenewing = true
	case model.SubscriptionCanceled:
		t.AutoRenewing = false
	case model.SubscriptionExpired:
		t.AutoRenewing = false
		endsAt := now
		t.ContractEndsAt = &endsAt
	}
	if to != model.SubscriptionGracePeriod {
		t.GracePeriodStartedAt = nil
	}
	if to != model.SubscriptionAccountHold {
		t.AccountHoldStartedAt = nil
	}

	if charged {
		period := m.periodOf(sub)
		next := sub.NextBillingDate.Add(period)
		for period > 0 && !next.After(now) {
			next = next.Add(period)
		}
		t.NextBillingDate = next
		endsAt := next
		t.ContractEndsAt = &endsAt
	}

	if !sub.Status.CanMine() {
		reset := now
		t.ResetAccrualAt = &reset
	}
	return t
}

// apply writes t, re-reading the subscription and rebuilding the transition
// when its status changed underneath. It returns false if the notification
// was already applied or no longer moves the subscription.
func (m *SubscriptionStateMachine) apply(ctx context.Context, sub *model.Subscription, build func(*model.Subscription) (*model.SubscriptionTransition, bool)) (*model.SubscriptionTransition, bool, error) {
	var (
		applied bool
		written *model.SubscriptionTransition
	)
	err := m.retry.retry(ctx, isConflict, func() error {
		t, ok := build(sub)
		if !ok {
			applied = false
			return nil
		}
		var err error
		applied, err = m.store.ApplyTransition(ctx, t)
		if errors.Is(err, repository.ErrConflict) {
			fresh, getErr := m.store.GetSubscription(ctx, sub.SubscriptionID)
			if getErr != nil {
				return getErr
			}
			sub = fresh
			return err
		}
		written = t
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return written, applied, nil
}

// HandleNotification records n in the inbox and applies it. Replays of a
// processed notification change nothing and report OutcomeDuplicate. A
// notification without an id cannot be deduplicated and is rejected with
// ErrInvalidNotification before anything is stored.
func (m *SubscriptionStateMachine) HandleNotification(ctx context.Context, n *model.Notification) (string, error) {
	if n.NotificationID == "" || n.SubscriptionID == "" {
		return "", ErrInvalidNotification
	}
	now := m.clock.Now()

	stored, err := m.store.SaveNotification(ctx, n, now)
	if err != nil {
		return "", fmt.Errorf("failed to store notification: %w", err)
	}
	if !stored {
		processed, err := m.store.NotificationProcessed(ctx, n.NotificationID)
		if err != nil {
			return "", fmt.Errorf("failed to check notification: %w", err)
		}
		if processed {
			return OutcomeDuplicate, nil
		}
		// Stored earlier but never finalized; process it again.
	}

	return m.process(ctx, n, now)
}

func (m *SubscriptionStateMachine) process(ctx context.Context, n *model.Notification, now time.Time) (string, error) {
	logger := log.With().
		Str("notification_id", n.NotificationID).
		Str("subscription_id", n.SubscriptionID).
		Str("type", n.Type.String()).
		Logger()

	if _, ok := notificationTargets[n.Type]; !ok {
		logger.Warn().Err(ErrUnrecognizedNotificationType).Msg("Ignoring notification")
		if err := m.store.MarkNotification(ctx, n.NotificationID, model.OutcomeUnrecognized, now); err != nil {
			return "", err
		}
		return model.OutcomeUnrecognized, nil
	}

	sub, err := m.store.GetSubscription(ctx, n.SubscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return "", fmt.Errorf("subscription %s: %w", n.SubscriptionID, ErrSubscriptionNotFound)
		}
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}

	t, applied, err := m.apply(ctx, sub, func(cur *model.Subscription) (*model.SubscriptionTransition, bool) {
		to, changed := NextStatus(cur.Status, n.Type)
		if !changed {
			return nil, false
		}
		return m.transition(cur, to, n.Type.String(), n.NotificationID, isCharge(n.Type), now), true
	})
	if err != nil {
		return "", fmt.Errorf("failed to apply notification: %w", err)
	}

	if t == nil {
		logger.Info().Str("status", string(sub.Status)).Msg("Notification does not move subscription")
		if err := m.store.MarkNotification(ctx, n.NotificationID, model.OutcomeIgnored, now); err != nil {
			return "", err
		}
		return model.OutcomeIgnored, nil
	}
	if !applied {
		return OutcomeDuplicate, nil
	}

	metrics.RecordTransition(string(t.From), string(t.To), "notification")
	logger.Info().
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("Subscription transitioned")
	return model.OutcomeApplied, nil
}

// ProcessNotification handles n and always acknowledges it. Failures are
// logged, counted and left pending in the inbox for ReconcilePending.
// Invalid notifications are acknowledged as rejected and never stored.
func (m *SubscriptionStateMachine) ProcessNotification(ctx context.Context, n *model.Notification) Ack {
	outcome, err := m.HandleNotification(ctx, n)
	switch {
	case errors.Is(err, ErrInvalidNotification):
		log.Warn().
			Err(err).
			Str("notification_id", n.NotificationID).
			Str("subscription_id", n.SubscriptionID).
			Str("type", n.Type.String()).
			Msg("Rejecting notification")
		outcome = model.OutcomeRejected
	case err != nil:
		metrics.RecordOperationalError("notification")
		log.Error().
			Err(err).
			Str("notification_id", n.NotificationID).
			Str("subscription_id", n.SubscriptionID).
			Str("type", n.Type.String()).
			Msg("Notification processing failed, deferred to reconciliation")
		if recErr := m.store.RecordNotificationFailure(ctx, n.NotificationID, err.Error(), m.clock.Now()); recErr != nil {
			log.Error().Err(recErr).Str("notification_id", n.NotificationID).Msg("Failed to record notification failure")
		}
		outcome = OutcomeDeferred
	}
	metrics.RecordNotification(n.Type.String(), outcome)
	return Ack{NotificationID: n.NotificationID, Outcome: outcome}
}

// ReconcilePending reprocesses inbox rows left pending by earlier failures.
// A row that fails again is held back with exponential backoff; a row that
// reaches the attempt limit is finalized with model.OutcomeFailed. It
// returns how many rows were finalized.
func (m *SubscriptionStateMachine) ReconcilePending(ctx context.Context) (int, error) {
	pending, err := m.store.ListPendingNotifications(ctx, m.clock.Now(), m.reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending notifications: %w", err)
	}

	var result *multierror.Error
	done := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			break
		}
		now := m.clock.Now()
		outcome, err := m.process(ctx, n, now)
		if err == nil {
			metrics.RecordNotification(n.Type.String(), outcome)
			done++
			continue
		}

		result = multierror.Append(result, fmt.Errorf("notification %s: %w", n.NotificationID, err))
		attempts := n.Attempts + 1
		if attempts >= m.maxAttempts {
			log.Error().
				Err(err).
				Str("notification_id", n.NotificationID).
				Str("subscription_id", n.SubscriptionID).
				Int("attempts", attempts).
				Msg("Notification exhausted reconciliation attempts")
			if markErr := m.store.MarkNotification(ctx, n.NotificationID, model.OutcomeFailed, now); markErr != nil {
				result = multierror.Append(result, markErr)
				continue
			}
			metrics.RecordNotification(n.Type.String(), model.OutcomeFailed)
			done++
			continue
		}
		if recErr := m.store.RecordNotificationFailure(ctx, n.NotificationID, err.Error(), now.Add(m.retryDelay(n.Attempts))); recErr != nil {
			result = multierror.Append(result, recErr)
		}
	}
	return done, result.ErrorOrNil()
}

// Sweep applies the time-based transitions due at now: grace_period to
// account_hold, account_hold to expired, and canceled to expired once the
// paid period is over. Every subscription is attempted; failures are
// collected into the returned error.
func (m *SubscriptionStateMachine) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	var result *multierror.Error
	moved := 0

	steps := []struct {
		list   func() ([]*model.Subscription, error)
		to     model.SubscriptionStatus
		reason string
	}{
		{
			list: func() ([]*model.Subscription, error) {
				return m.store.ListByStatusStartedBefore(ctx, model.SubscriptionGracePeriod, now.Add(-m.gracePeriod))
			},
			to:     model.SubscriptionAccountHold,
			reason: ReasonGraceElapsed,
		},
		{
			list: func() ([]*model.Subscription, error) {
				return m.store.ListByStatusStartedBefore(ctx, model.SubscriptionAccountHold, now.Add(-m.accountHold))
			},
			to:     model.SubscriptionExpired,
			reason: ReasonHoldElapsed,
		},
		{
			list: func() ([]*model.Subscription, error) {
				return m.store.ListCanceledEndedBefore(ctx, now)
			},
			to:     model.SubscriptionExpired,
			reason: ReasonCanceledElapsed,
		},
	}

	for _, step := range steps {
		subs, err := step.list()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, sub := range subs {
			from := sub.Status
			t, applied, err := m.apply(ctx, sub, func(cur *model.Subscription) (*model.SubscriptionTransition, bool) {
				if cur.Status != from {
					return nil, false
				}
				return m.transition(cur, step.to, step.reason, "", false, now), true
			})
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("subscription %s: %w", sub.SubscriptionID, err))
				continue
			}
			if t == nil || !applied {
				continue
			}
			moved++
			metrics.RecordTransition(string(t.From), string(t.To), "sweep")
			log.Info().
				Str("subscription_id", sub.SubscriptionID).
				Str("from", string(t.From)).
				Str("to", string(t.To)).
				Str("reason", step.reason).
				Msg("Subscription timed out")
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		metrics.RecordOperationalError("subscription_sweep")
		return moved, err
	}
	return moved, nil
}

// Get returns a subscription by provider id.
func (m *SubscriptionStateMachine) Get(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// History returns the status history of a subscription, oldest first.
func (m *SubscriptionStateMachine) History(ctx context.Context, subscriptionID string) ([]*model.SubscriptionHistory, error) {
	return m.store.History(ctx, subscriptionID)
}
