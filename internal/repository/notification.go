package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mining-engine/internal/model"
)

// SaveNotification stores a provider notification in the inbox.
func (r *SubscriptionRepository) SaveNotification(ctx context.Context, n *model.Notification, receivedAt time.Time) (bool, error) {
	const query = `
		INSERT INTO subscription_notifications (notification_id, subscription_id, type, purchase_token, event_time, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (notification_id) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		n.NotificationID,
		n.SubscriptionID,
		int(n.Type),
		n.PurchaseToken,
		n.EventTime,
		receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save notification: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// NotificationProcessed reports whether the inbox row was finalized.
// An unknown notification id is reported as not processed.
func (r *SubscriptionRepository) NotificationProcessed(ctx context.Context, notificationID string) (bool, error) {
	const query = `SELECT processed_at IS NOT NULL FROM subscription_notifications WHERE notification_id = $1`

	var processed bool
	if err := r.pool.QueryRow(ctx, query, notificationID).Scan(&processed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check notification: %w", err)
	}
	return processed, nil
}

// MarkNotification finalizes an inbox row.
func (r *SubscriptionRepository) MarkNotification(ctx context.Context, notificationID, outcome string, at time.Time) error {
	const query = `
		UPDATE subscription_notifications
		SET processed_at = $2, outcome = $3, attempts = attempts + 1, last_error = NULL
		WHERE notification_id = $1 AND processed_at IS NULL
	`
	if _, err := r.pool.Exec(ctx, query, notificationID, at, outcome); err != nil {
		return fmt.Errorf("failed to mark notification: %w", err)
	}
	return nil
}

// RecordNotificationFailure keeps the row pending for the reconciliation
// sweep and holds it back until retryAt.
func (r *SubscriptionRepository) RecordNotificationFailure(ctx context.Context, notificationID, lastError string, retryAt time.Time) error {
	const query = `
		UPDATE subscription_notifications
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE notification_id = $1 AND processed_at IS NULL
	`
	if _, err := r.pool.Exec(ctx, query, notificationID, lastError, retryAt); err != nil {
		return fmt.Errorf("failed to record notification failure: %w", err)
	}
	return nil
}

// ListPendingNotifications returns unprocessed inbox rows due at now. Rows
// with fewer attempts come first so a backlog of failing rows cannot starve
// newer ones.
func (r *SubscriptionRepository) ListPendingNotifications(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	const query = `
		SELECT notification_id, type, subscription_id, purchase_token, event_time, attempts
		FROM subscription_notifications
		WHERE processed_at IS NULL
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY attempts, received_at
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending notifications: %w", err)
	}
	defer rows.Close()

	var pending []*model.Notification
	for rows.Next() {
		var n model.Notification
		var notificationType int
		err := rows.Scan(
			&n.NotificationID,
			&notificationType,
			&n.SubscriptionID,
			&n.PurchaseToken,
			&n.EventTime,
			&n.Attempts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Type = model.NotificationType(notificationType)
		n.EventTime = n.EventTime.UTC()
		pending = append(pending, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return pending, nil
}
