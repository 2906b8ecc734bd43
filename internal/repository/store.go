// Package repository provides data access layer implementations.
// Each store method is one query shape; multi-row writes that must be
// atomic are single methods so both the PostgreSQL and in-memory
// implementations can run them in one transaction.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"mining-engine/internal/model"
)

// Common errors for repository operations.
var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrContractNotFound     = errors.New("contract not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrEdgeNotFound         = errors.New("invitation edge not found")
	// ErrConflict reports a unique violation or a lost optimistic update.
	ErrConflict = errors.New("persistence conflict")
)

// AccountStore persists owner balances and profile inputs.
type AccountStore interface {
	EnsureAccount(ctx context.Context, ownerID int64) (*model.Account, error)
	GetAccount(ctx context.Context, ownerID int64) (*model.Account, error)
	UpdateProfile(ctx context.Context, ownerID int64, level int, countryCode string) error
	SetDailyBonusUntil(ctx context.Context, ownerID int64, until time.Time) error
}

// ContractStore persists contracts.
type ContractStore interface {
	// CreateContract inserts c and returns the stored row. A second one-shot
	// contract for the same owner, or a reused transaction id, is ErrConflict.
	CreateContract(ctx context.Context, c *model.Contract) (*model.Contract, error)
	// ExtendContract moves ends_at and refreshes the rate fields.
	ExtendContract(ctx context.Context, id int64, endsAt time.Time, baseRate decimal.Decimal, dailyBonus bool) (*model.Contract, error)
	GetContract(ctx context.Context, id int64) (*model.Contract, error)
	GetContractsByIDs(ctx context.Context, ids []int64) ([]*model.Contract, error)
	GetContractByTransaction(ctx context.Context, transactionID string) (*model.Contract, error)
	// FindActiveContract returns the latest-ending mining contract of kind
	// whose end is after now.
	FindActiveContract(ctx context.Context, ownerID int64, kind model.ContractKind, now time.Time) (*model.Contract, error)
	// HasContract reports whether the owner ever had a contract of kind.
	HasContract(ctx context.Context, ownerID int64, kind model.ContractKind) (bool, error)
	ListContractsByOwner(ctx context.Context, ownerID int64) ([]*model.Contract, error)
	// ListMiningContracts returns every contract still in mining status that
	// the accrual tick must visit: free and one-time contracts, and
	// subscription contracts whose subscription can mine.
	ListMiningContracts(ctx context.Context) ([]*model.Contract, error)
}

// AccrualStore applies accrual batches.
type AccrualStore interface {
	// ApplyAccruals writes every entry in one transaction. Entries whose
	// contract moved on since PrevAccruedAt are skipped and counted.
	ApplyAccruals(ctx context.Context, entries []model.AccrualEntry) (applied, skipped int, err error)
	ListAccruals(ctx context.Context, ownerID int64, limit int) ([]*model.AccrualRecord, error)
}

// ReferralStore persists the invitation graph.
type ReferralStore interface {
	// GetReferrer returns the referrer of invitee or ErrEdgeNotFound.
	GetReferrer(ctx context.Context, inviteeID int64) (int64, error)
	// InsertEdge stores the edge; an existing edge for the invitee is ErrConflict.
	InsertEdge(ctx context.Context, edge *model.InvitationEdge) error
}

// SubscriptionStore persists subscriptions, their history and the
// provider notification inbox.
type SubscriptionStore interface {
	// CreateSubscriptionContract inserts the contract and its subscription together.
	CreateSubscriptionContract(ctx context.Context, c *model.Contract, s *model.Subscription) (*model.Contract, *model.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	GetSubscriptionByContract(ctx context.Context, contractID int64) (*model.Subscription, error)
	// ApplyTransition writes the subscription, contract, history row and inbox
	// mark atomically. It returns false without writing when the notification
	// was already processed. A status that changed underneath is ErrConflict.
	ApplyTransition(ctx context.Context, t *model.SubscriptionTransition) (bool, error)
	ListByStatusStartedBefore(ctx context.Context, status model.SubscriptionStatus, before time.Time) ([]*model.Subscription, error)
	ListCanceledEndedBefore(ctx context.Context, before time.Time) ([]*model.Subscription, error)
	History(ctx context.Context, subscriptionID string) ([]*model.SubscriptionHistory, error)

	// SaveNotification stores n in the inbox. It reports false if the
	// notification id was already stored.
	SaveNotification(ctx context.Context, n *model.Notification, receivedAt time.Time) (bool, error)
	// NotificationProcessed reports whether the inbox row was finalized.
	NotificationProcessed(ctx context.Context, notificationID string) (bool, error)
	// MarkNotification finalizes an inbox row with outcome.
	MarkNotification(ctx context.Context, notificationID, outcome string, at time.Time) error
	// RecordNotificationFailure keeps the row pending, stores the error and
	// holds the row back from reconciliation until retryAt.
	RecordNotificationFailure(ctx context.Context, notificationID, lastError string, retryAt time.Time) error
	// ListPendingNotifications returns unprocessed rows due at now, fewest
	// attempts first and then oldest first.
	ListPendingNotifications(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
}
