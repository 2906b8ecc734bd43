package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mining-engine/internal/model"
)

// SubscriptionRepository handles subscription, history and inbox persistence.
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

var _ SubscriptionStore = (*SubscriptionRepository)(nil)

// NewSubscriptionRepository creates a new SubscriptionRepository instance.
func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

const subscriptionColumns = `subscription_id, contract_id, owner_id, product_id, purchase_token, status,
	next_billing_date, grace_period_started_at, account_hold_started_at, auto_renewing, created_at, updated_at`

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var s model.Subscription
	err := row.Scan(
		&s.SubscriptionID,
		&s.ContractID,
		&s.OwnerID,
		&s.ProductID,
		&s.PurchaseToken,
		&s.Status,
		&s.NextBillingDate,
		&s.GracePeriodStartedAt,
		&s.AccountHoldStartedAt,
		&s.AutoRenewing,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.NextBillingDate = s.NextBillingDate.UTC()
	s.GracePeriodStartedAt = utcPtr(s.GracePeriodStartedAt)
	s.AccountHoldStartedAt = utcPtr(s.AccountHoldStartedAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*model.Subscription, error) {
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

// CreateSubscriptionContract inserts a PaidSubscription contract and its
// subscription row in one transaction.
func (r *SubscriptionRepository) CreateSubscriptionContract(ctx context.Context, c *model.Contract, s *model.Subscription) (*model.Contract, *model.Subscription, error) {
	const insertSub = `
		INSERT INTO subscriptions (subscription_id, contract_id, owner_id, product_id, purchase_token, status,
			next_billing_date, auto_renewing, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING ` + subscriptionColumns

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO accounts (owner_id) VALUES ($1) ON CONFLICT (owner_id) DO NOTHING`, c.OwnerID); err != nil {
		return nil, nil, fmt.Errorf("failed to ensure account: %w", err)
	}

	contract, err := insertContract(ctx, tx, c)
	if err != nil {
		return nil, nil, err
	}

	sub, err := scanSubscription(tx.QueryRow(ctx, insertSub,
		s.SubscriptionID,
		contract.ID,
		s.OwnerID,
		s.ProductID,
		s.PurchaseToken,
		s.Status,
		s.NextBillingDate,
		s.AutoRenewing,
		s.CreatedAt,
	))
	if err != nil {
		if isConflict(err) {
			return nil, nil, ErrConflict
		}
		return nil, nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit subscription: %w", err)
	}
	return contract, sub, nil
}

// GetSubscription retrieves a subscription by its provider ID.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE subscription_id = $1`

	s, err := scanSubscription(r.pool.QueryRow(ctx, query, subscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return s, nil
}

// GetSubscriptionByContract retrieves the subscription behind a contract.
func (r *SubscriptionRepository) GetSubscriptionByContract(ctx context.Context, contractID int64) (*model.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE contract_id = $1`

	s, err := scanSubscription(r.pool.QueryRow(ctx, query, contractID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription by contract: %w", err)
	}
	return s, nil
}

// ApplyTransition writes one status change atomically.
func (r *SubscriptionRepository) ApplyTransition(ctx context.Context, t *model.SubscriptionTransition) (bool, error) {
	const checkInbox = `
		SELECT processed_at IS NOT NULL
		FROM subscription_notifications
		WHERE notification_id = $1
		FOR UPDATE
	`
	const updateSub = `
		UPDATE subscriptions
		SET status = $3,
			next_billing_date = $4,
			grace_period_started_at = $5,
			account_hold_started_at = $6,
			auto_renewing = $7,
			updated_at = $8
		WHERE subscription_id = $1 AND status = $2
	`
	const moveEnd = `
		UPDATE contracts
		SET ends_at = GREATEST(created_at, $2),
			status = CASE WHEN $2 > $3 THEN 'mining' ELSE 'completed' END,
			updated_at = NOW()
		WHERE id = $1 AND status <> 'error'
	`
	const resetAccrual = `
		UPDATE contracts
		SET last_accrued_at = GREATEST(last_accrued_at, LEAST($2, ends_at)),
			updated_at = NOW()
		WHERE id = $1
	`
	const insertHistory = `
		INSERT INTO subscription_history (subscription_id, from_status, to_status, reason, notification_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	const markInbox = `
		UPDATE subscription_notifications
		SET processed_at = $2, outcome = $3, attempts = attempts + 1, last_error = NULL
		WHERE notification_id = $1
	`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var notificationID *string
	if t.NotificationID != "" {
		notificationID = &t.NotificationID

		var processed bool
		err := tx.QueryRow(ctx, checkInbox, t.NotificationID).Scan(&processed)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("failed to check notification inbox: %w", err)
		}
		if processed {
			return false, nil
		}
	}

	result, err := tx.Exec(ctx, updateSub,
		t.SubscriptionID,
		t.From,
		t.To,
		t.NextBillingDate,
		t.GracePeriodStartedAt,
		t.AccountHoldStartedAt,
		t.AutoRenewing,
		t.At,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, ErrConflict
	}

	if t.ContractEndsAt != nil {
		if _, err := tx.Exec(ctx, moveEnd, t.ContractID, *t.ContractEndsAt, t.At); err != nil {
			return false, fmt.Errorf("failed to move contract end: %w", err)
		}
	}
	if t.ResetAccrualAt != nil {
		if _, err := tx.Exec(ctx, resetAccrual, t.ContractID, *t.ResetAccrualAt); err != nil {
			return false, fmt.Errorf("failed to reset contract accrual: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, insertHistory, t.SubscriptionID, t.From, t.To, t.Reason, notificationID, t.At); err != nil {
		if isConflict(err) {
			// The history row for this notification already exists.
			return false, nil
		}
		return false, fmt.Errorf("failed to insert subscription history: %w", err)
	}

	if notificationID != nil {
		if _, err := tx.Exec(ctx, markInbox, t.NotificationID, t.At, model.OutcomeApplied); err != nil {
			return false, fmt.Errorf("failed to mark notification: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isConflict(err) {
			return false, ErrConflict
		}
		return false, fmt.Errorf("failed to commit transition: %w", err)
	}
	return true, nil
}

// ListByStatusStartedBefore returns subscriptions in grace_period or
// account_hold whose status started before the given time.
func (r *SubscriptionRepository) ListByStatusStartedBefore(ctx context.Context, status model.SubscriptionStatus, before time.Time) ([]*model.Subscription, error) {
	var query string
	switch status {
	case model.SubscriptionGracePeriod:
		query = `SELECT ` + subscriptionColumns + ` FROM subscriptions
			WHERE status = 'grace_period' AND grace_period_started_at <= $1 ORDER BY grace_period_started_at`
	case model.SubscriptionAccountHold:
		query = `SELECT ` + subscriptionColumns + ` FROM subscriptions
			WHERE status = 'account_hold' AND account_hold_started_at <= $1 ORDER BY account_hold_started_at`
	default:
		return nil, fmt.Errorf("status %q has no start timestamp", status)
	}

	rows, err := r.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListCanceledEndedBefore returns canceled subscriptions whose paid period
// ended before the given time.
func (r *SubscriptionRepository) ListCanceledEndedBefore(ctx context.Context, before time.Time) ([]*model.Subscription, error) {
	const query = `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = 'canceled' AND next_billing_date <= $1 ORDER BY next_billing_date`

	rows, err := r.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list canceled subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// History returns a subscription's status history, oldest first.
func (r *SubscriptionRepository) History(ctx context.Context, subscriptionID string) ([]*model.SubscriptionHistory, error) {
	const query = `
		SELECT id, subscription_id, from_status, to_status, reason, notification_id, created_at
		FROM subscription_history
		WHERE subscription_id = $1
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription history: %w", err)
	}
	defer rows.Close()

	var history []*model.SubscriptionHistory
	for rows.Next() {
		var h model.SubscriptionHistory
		err := rows.Scan(
			&h.ID,
			&h.SubscriptionID,
			&h.FromStatus,
			&h.ToStatus,
			&h.Reason,
			&h.NotificationID,
			&h.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription history: %w", err)
		}
		h.CreatedAt = h.CreatedAt.UTC()
		history = append(history, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscription history: %w", err)
	}

	return history, nil
}
