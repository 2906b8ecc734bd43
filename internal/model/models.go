// Package model defines the data models for the mining engine.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContractKind identifies the reward mechanism that granted a contract.
type ContractKind string

// Contract kinds.
const (
	KindAd               ContractKind = "ad"
	KindCheckIn          ContractKind = "check_in"
	KindInvite           ContractKind = "invite"
	KindRefereeBind      ContractKind = "referee_bind"
	KindPaidOneTime      ContractKind = "paid_one_time"
	KindPaidSubscription ContractKind = "paid_subscription"
)

// AllKinds returns every contract kind.
func AllKinds() []ContractKind {
	return []ContractKind{KindAd, KindCheckIn, KindInvite, KindRefereeBind, KindPaidOneTime, KindPaidSubscription}
}

// Valid reports whether k is a known kind.
func (k ContractKind) Valid() bool {
	switch k {
	case KindAd, KindCheckIn, KindInvite, KindRefereeBind, KindPaidOneTime, KindPaidSubscription:
		return true
	}
	return false
}

// Extendable reports whether a repeat trigger extends the active contract
// instead of creating a new one.
func (k ContractKind) Extendable() bool {
	return k == KindAd || k == KindInvite
}

// OneShot reports whether the kind may be claimed only once per owner.
func (k ContractKind) OneShot() bool {
	return k == KindRefereeBind
}

// Paid reports whether the kind comes from a verified purchase.
func (k ContractKind) Paid() bool {
	return k == KindPaidOneTime || k == KindPaidSubscription
}

// ContractStatus is the accrual status of a contract.
type ContractStatus string

// Contract statuses.
const (
	ContractMining    ContractStatus = "mining"
	ContractCompleted ContractStatus = "completed"
	ContractError     ContractStatus = "error"
)

// Contract is a time-bounded grant of an accrual rate to one owner.
type Contract struct {
	ID                int64           `db:"id"`
	OwnerID           int64           `db:"owner_id"`
	Kind              ContractKind    `db:"kind"`
	BaseRate          decimal.Decimal `db:"base_rate"`
	AppliesDailyBonus bool            `db:"applies_daily_bonus"`
	ProductID         *string         `db:"product_id"`
	TransactionID     *string         `db:"transaction_id"`
	Status            ContractStatus  `db:"status"`
	CreatedAt         time.Time       `db:"created_at"`
	EndsAt            time.Time       `db:"ends_at"`
	LastAccruedAt     time.Time       `db:"last_accrued_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// Active reports whether the contract is still mining at now.
func (c *Contract) Active(now time.Time) bool {
	return c.Status == ContractMining && c.EndsAt.After(now)
}

// Remaining returns the time left until the contract ends, never negative.
func (c *Contract) Remaining(now time.Time) time.Duration {
	if !c.EndsAt.After(now) {
		return 0
	}
	return c.EndsAt.Sub(now)
}

// Account holds an owner's persisted balance and the profile inputs used
// for rate composition.
type Account struct {
	OwnerID         int64           `db:"owner_id"`
	Balance         decimal.Decimal `db:"balance"`
	Level           int             `db:"level"`
	CountryCode     string          `db:"country_code"`
	DailyBonusUntil *time.Time      `db:"daily_bonus_until"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// DailyBonusActive reports whether the check-in bonus window covers now.
func (a *Account) DailyBonusActive(now time.Time) bool {
	return a.DailyBonusUntil != nil && a.DailyBonusUntil.After(now)
}

// InvitationEdge is the immutable invitee -> referrer relation.
type InvitationEdge struct {
	InviteeID  int64     `db:"invitee_id"`
	ReferrerID int64     `db:"referrer_id"`
	CreatedAt  time.Time `db:"created_at"`
}

// AccrualRecord is an append-only ledger entry written by an accrual tick.
type AccrualRecord struct {
	ID         int64           `db:"id"`
	ContractID int64           `db:"contract_id"`
	OwnerID    int64           `db:"owner_id"`
	Delta      decimal.Decimal `db:"delta"`
	TickID     uuid.UUID       `db:"tick_id"`
	TickAt     time.Time       `db:"tick_at"`
}

// AccrualEntry is one contract's pending write inside an accrual batch.
// The write applies only while the contract's persisted last_accrued_at
// still equals PrevAccruedAt.
type AccrualEntry struct {
	ContractID    int64
	OwnerID       int64
	Delta         decimal.Decimal
	PrevAccruedAt time.Time
	AccruedAt     time.Time
	Complete      bool
	TickID        uuid.UUID
	TickAt        time.Time
}

// PurchaseEvent is a verified one-time purchase or subscription creation.
type PurchaseEvent struct {
	OwnerID        int64
	ProductID      string
	TransactionID  string
	SubscriptionID string
	PurchaseToken  string
	PurchasedAt    time.Time
}
