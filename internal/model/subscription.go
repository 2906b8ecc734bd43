package model

import (
	"fmt"
	"time"
)

// SubscriptionStatus is the billing state of a paid subscription.
type SubscriptionStatus string

// Subscription statuses.
const (
	SubscriptionActive      SubscriptionStatus = "active"
	SubscriptionGracePeriod SubscriptionStatus = "grace_period"
	SubscriptionAccountHold SubscriptionStatus = "account_hold"
	SubscriptionPaused      SubscriptionStatus = "paused"
	SubscriptionCanceled    SubscriptionStatus = "canceled"
	SubscriptionExpired     SubscriptionStatus = "expired"
)

// AllSubscriptionStatuses returns every defined status.
func AllSubscriptionStatuses() []SubscriptionStatus {
	return []SubscriptionStatus{
		SubscriptionActive, SubscriptionGracePeriod, SubscriptionAccountHold,
		SubscriptionPaused, SubscriptionCanceled, SubscriptionExpired,
	}
}

// CanMine reports whether a subscription in this status may accrue.
func (s SubscriptionStatus) CanMine() bool {
	return s == SubscriptionActive || s == SubscriptionGracePeriod
}

// Subscription is the billing sidecar of a PaidSubscription contract.
type Subscription struct {
	SubscriptionID       string             `db:"subscription_id"`
	ContractID           int64              `db:"contract_id"`
	OwnerID              int64              `db:"owner_id"`
	ProductID            string             `db:"product_id"`
	PurchaseToken        string             `db:"purchase_token"`
	Status               SubscriptionStatus `db:"status"`
	NextBillingDate      time.Time          `db:"next_billing_date"`
	GracePeriodStartedAt *time.Time         `db:"grace_period_started_at"`
	AccountHoldStartedAt *time.Time         `db:"account_hold_started_at"`
	AutoRenewing         bool               `db:"auto_renewing"`
	CreatedAt            time.Time          `db:"created_at"`
	UpdatedAt            time.Time          `db:"updated_at"`
}

// SubscriptionHistory records one applied status change.
type SubscriptionHistory struct {
	ID             int64              `db:"id"`
	SubscriptionID string             `db:"subscription_id"`
	FromStatus     SubscriptionStatus `db:"from_status"`
	ToStatus       SubscriptionStatus `db:"to_status"`
	Reason         string             `db:"reason"`
	NotificationID *string            `db:"notification_id"`
	CreatedAt      time.Time          `db:"created_at"`
}

// SubscriptionTransition is everything one status change writes, applied
// atomically by the subscription store.
type SubscriptionTransition struct {
	SubscriptionID       string
	ContractID           int64
	From                 SubscriptionStatus
	To                   SubscriptionStatus
	Reason               string
	NotificationID       string
	At                   time.Time
	NextBillingDate      time.Time
	GracePeriodStartedAt *time.Time
	AccountHoldStartedAt *time.Time
	AutoRenewing         bool
	// ContractEndsAt, when set, moves the contract end. The contract mines
	// again if the new end is after At and is completed otherwise.
	ContractEndsAt *time.Time
	// ResetAccrualAt, when set, moves last_accrued_at forward so time spent in
	// a non-mining status is never accrued.
	ResetAccrualAt *time.Time
}

// NotificationType is the provider's subscription notification code.
type NotificationType int

// Provider notification types.
const (
	NotificationRecovered            NotificationType = 1
	NotificationRenewed              NotificationType = 2
	NotificationCanceled             NotificationType = 3
	NotificationPurchased            NotificationType = 4
	NotificationOnHold               NotificationType = 5
	NotificationInGracePeriod        NotificationType = 6
	NotificationRestarted            NotificationType = 7
	NotificationPriceChangeConfirmed NotificationType = 8
	NotificationDeferred             NotificationType = 9
	NotificationPaused               NotificationType = 10
	NotificationPauseScheduleChanged NotificationType = 11
	NotificationRevoked              NotificationType = 12
	NotificationExpired              NotificationType = 13
)

var notificationNames = map[NotificationType]string{
	NotificationRecovered:            "recovered",
	NotificationRenewed:              "renewed",
	NotificationCanceled:             "canceled",
	NotificationPurchased:            "purchased",
	NotificationOnHold:               "on_hold",
	NotificationInGracePeriod:        "in_grace_period",
	NotificationRestarted:            "restarted",
	NotificationPriceChangeConfirmed: "price_change_confirmed",
	NotificationDeferred:             "deferred",
	NotificationPaused:               "paused",
	NotificationPauseScheduleChanged: "pause_schedule_changed",
	NotificationRevoked:              "revoked",
	NotificationExpired:              "expired",
}

func (t NotificationType) String() string {
	if name, ok := notificationNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Notification is a provider subscription-status-change event.
type Notification struct {
	NotificationID string           `db:"notification_id"`
	Type           NotificationType `db:"type"`
	SubscriptionID string           `db:"subscription_id"`
	PurchaseToken  string           `db:"purchase_token"`
	EventTime      time.Time        `db:"event_time"`
	Attempts       int              `db:"attempts"` // failed attempts recorded in the inbox
}

// Notification processing outcomes stored in the inbox.
const (
	OutcomeApplied      = "applied"
	OutcomeIgnored      = "ignored"
	OutcomeUnrecognized = "unrecognized"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed" // reconciliation attempts exhausted
)
