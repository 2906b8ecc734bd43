package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"mining-engine/internal/config"
	"mining-engine/internal/model"
	"mining-engine/internal/pkg/clock"
	"mining-engine/internal/repository"
)

// Trigger carries what a contract-granting action needs besides its owner.
type Trigger struct {
	// InviteeID is the invited owner when the owner earns an Invite contract.
	InviteeID int64
	// ReferrerID is the referrer when the owner claims a RefereeBind contract.
	ReferrerID int64
	// Duration overrides the configured duration of Ad and Invite contracts.
	Duration time.Duration
	// Purchase is the verified purchase behind a paid contract.
	Purchase *model.PurchaseEvent
}

// ContractSummary describes one contract at a point in time.
type ContractSummary struct {
	ContractID       int64
	OwnerID          int64
	Kind             model.ContractKind
	Status           model.ContractStatus
	Active           bool
	RatePerSecond    decimal.Decimal
	RemainingSeconds decimal.Decimal
	CreatedAt        time.Time
	EndsAt           time.Time
}

// Balance is an owner's persisted balance and current total rate.
type Balance struct {
	OwnerID              int64
	Balance              decimal.Decimal
	AccrualRatePerSecond decimal.Decimal
}

// ReferralDecision is the answer to a referral validation.
type ReferralDecision struct {
	Accepted bool
	Code     string
	Reason   string
}

// BindResult is what binding a referrer created.
type BindResult struct {
	RefereeContract *ContractSummary
	InviteContract  *ContractSummary
}

// Engine is the entry point used by the surrounding application.
type Engine struct {
	ledger        *ContractLedger
	graph         *InvitationGraphValidator
	subscriptions *SubscriptionStateMachine
	profiles      *ProfileService
	accounts      repository.AccountStore
	accruals      repository.AccrualStore
	rates         *RateBook
	clock         clock.Clock
}

// NewEngine creates a new Engine instance.
func NewEngine(
	ledger *ContractLedger,
	graph *InvitationGraphValidator,
	subscriptions *SubscriptionStateMachine,
	profiles *ProfileService,
	accounts repository.AccountStore,
	accruals repository.AccrualStore,
	rates *RateBook,
	clk clock.Clock,
) *Engine {
	return &Engine{
		ledger:        ledger,
		graph:         graph,
		subscriptions: subscriptions,
		profiles:      profiles,
		accounts:      accounts,
		accruals:      accruals,
		rates:         rates,
		clock:         clk,
	}
}

func (e *Engine) summarize(ctx context.Context, c *model.Contract, now time.Time) (*ContractSummary, error) {
	rate, err := e.ledger.Rate(ctx, c, now)
	if err != nil {
		return nil, err
	}
	eligible, err := e.ledger.Eligible(ctx, c, now)
	if err != nil {
		return nil, err
	}
	return &ContractSummary{
		ContractID:       c.ID,
		OwnerID:          c.OwnerID,
		Kind:             c.Kind,
		Status:           c.Status,
		Active:           eligible,
		RatePerSecond:    rate,
		RemainingSeconds: ElapsedSeconds(now, c.EndsAt),
		CreatedAt:        c.CreatedAt,
		EndsAt:           c.EndsAt,
	}, nil
}

// CreateOrExtendContract grants the owner a contract of kind.
//
// Ad and CheckIn need nothing else. Invite needs the invitee and RefereeBind
// the referrer; both bind the referral edge first and create nothing if the
// edge is rejected. Paid kinds need a verified purchase for the owner.
func (e *Engine) CreateOrExtendContract(ctx context.Context, ownerID int64, kind model.ContractKind, trigger Trigger) (*ContractSummary, error) {
	switch kind {
	case model.KindAd, model.KindCheckIn:
		c, err := e.ledger.CreateOrExtend(ctx, ownerID, kind, trigger.Duration)
		if err != nil {
			return nil, err
		}
		return e.summarize(ctx, c, e.clock.Now())

	case model.KindInvite:
		if trigger.InviteeID == 0 {
			return nil, fmt.Errorf("invite without invitee: %w", ErrInvalidTrigger)
		}
		res, err := e.bind(ctx, trigger.InviteeID, ownerID, trigger.Duration)
		if err != nil {
			return nil, err
		}
		return res.InviteContract, nil

	case model.KindRefereeBind:
		if trigger.ReferrerID == 0 {
			return nil, fmt.Errorf("referee bind without referrer: %w", ErrInvalidTrigger)
		}
		res, err := e.bind(ctx, ownerID, trigger.ReferrerID, 0)
		if err != nil {
			return nil, err
		}
		return res.RefereeContract, nil

	case model.KindPaidOneTime, model.KindPaidSubscription:
		if trigger.Purchase == nil || trigger.Purchase.OwnerID != ownerID {
			return nil, fmt.Errorf("paid contract without purchase of owner %d: %w", ownerID, ErrInvalidTrigger)
		}
		c, err := e.ledger.GrantPurchase(ctx, *trigger.Purchase)
		if err != nil {
			return nil, err
		}
		if c.Kind != kind {
			return nil, fmt.Errorf("product %q grants %s, not %s: %w", trigger.Purchase.ProductID, c.Kind, kind, ErrInvalidTrigger)
		}
		return e.summarize(ctx, c, e.clock.Now())

	default:
		return nil, fmt.Errorf("unknown contract kind %q: %w", kind, ErrInvalidTrigger)
	}
}

// BindReferrer stores invitee -> referrer, grants the invitee its one-shot
// RefereeBind contract and grants or extends the referrer's Invite contract.
func (e *Engine) BindReferrer(ctx context.Context, inviteeID, referrerID int64) (*BindResult, error) {
	return e.bind(ctx, inviteeID, referrerID, 0)
}

func (e *Engine) bind(ctx context.Context, inviteeID, referrerID int64, inviteDuration time.Duration) (*BindResult, error) {
	if err := e.graph.Link(ctx, inviteeID, referrerID); err != nil {
		return nil, err
	}

	referee, err := e.ledger.CreateOrExtend(ctx, inviteeID, model.KindRefereeBind, 0)
	if err != nil {
		log.Error().Err(err).Int64("invitee_id", inviteeID).Int64("referrer_id", referrerID).Msg("Edge stored but referee contract failed")
		return nil, fmt.Errorf("failed to grant referee contract: %w", err)
	}
	invite, err := e.ledger.CreateOrExtend(ctx, referrerID, model.KindInvite, inviteDuration)
	if err != nil {
		log.Error().Err(err).Int64("invitee_id", inviteeID).Int64("referrer_id", referrerID).Msg("Edge stored but invite contract failed")
		return nil, fmt.Errorf("failed to grant invite contract: %w", err)
	}

	now := e.clock.Now()
	refereeSummary, err := e.summarize(ctx, referee, now)
	if err != nil {
		return nil, err
	}
	inviteSummary, err := e.summarize(ctx, invite, now)
	if err != nil {
		return nil, err
	}
	return &BindResult{RefereeContract: refereeSummary, InviteContract: inviteSummary}, nil
}

// HandlePurchase grants the paid contract of a verified purchase.
func (e *Engine) HandlePurchase(ctx context.Context, event model.PurchaseEvent) (*ContractSummary, error) {
	c, err := e.ledger.GrantPurchase(ctx, event)
	if err != nil {
		return nil, err
	}
	return e.summarize(ctx, c, e.clock.Now())
}

// GetContractStatus returns the owner's active contract of kind, or the most
// recent one with Active false. ErrContractNotFound means none ever existed.
func (e *Engine) GetContractStatus(ctx context.Context, ownerID int64, kind model.ContractKind) (*ContractSummary, error) {
	now := e.clock.Now()
	c, err := e.ledger.Latest(ctx, ownerID, kind, now)
	if err != nil {
		return nil, err
	}
	return e.summarize(ctx, c, now)
}

// GetBalance returns the owner's persisted balance and the summed rate of
// every contract currently mining for them.
func (e *Engine) GetBalance(ctx context.Context, ownerID int64) (*Balance, error) {
	now := e.clock.Now()
	b := &Balance{OwnerID: ownerID, Balance: decimal.Zero, AccrualRatePerSecond: decimal.Zero}

	account, err := e.accounts.GetAccount(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return b, nil
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	b.Balance = account.Balance

	contracts, err := e.ledger.contracts.ListContractsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	for _, c := range contracts {
		eligible, err := e.ledger.Eligible(ctx, c, now)
		if err != nil {
			return nil, err
		}
		if !eligible {
			continue
		}
		rate, err := e.ledger.Rate(ctx, c, now)
		if err != nil {
			return nil, err
		}
		b.AccrualRatePerSecond = b.AccrualRatePerSecond.Add(rate)
	}
	return b, nil
}

// ProcessSubscriptionNotification applies a provider notification. It always
// acknowledges; failures stay pending for the reconciliation sweep.
func (e *Engine) ProcessSubscriptionNotification(ctx context.Context, n *model.Notification) Ack {
	return e.subscriptions.ProcessNotification(ctx, n)
}

// ValidateReferral reports whether invitee -> referrer would be accepted.
// Only infrastructure failures are returned as errors.
func (e *Engine) ValidateReferral(ctx context.Context, inviteeID, referrerID int64) (ReferralDecision, error) {
	err := e.graph.Validate(ctx, inviteeID, referrerID)
	switch {
	case err == nil:
		return ReferralDecision{Accepted: true}, nil
	case errors.Is(err, ErrSelfInvitation),
		errors.Is(err, ErrAlreadyHasReferrer),
		errors.Is(err, ErrCircularInvitation):
		return ReferralDecision{Code: ErrorCode(err), Reason: err.Error()}, nil
	default:
		return ReferralDecision{}, err
	}
}

// ListAccruals returns the owner's most recent accrual records.
func (e *Engine) ListAccruals(ctx context.Context, ownerID int64, limit int) ([]*model.AccrualRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.accruals.ListAccruals(ctx, ownerID, limit)
}

// UpdateProfile stores the owner's level and country.
func (e *Engine) UpdateProfile(ctx context.Context, ownerID int64, level int, countryCode string) error {
	return e.profiles.UpdateProfile(ctx, ownerID, level, countryCode)
}

// ReloadRates swaps in a new rate table built from cfg.
func (e *Engine) ReloadRates(cfg *config.Config) error {
	if err := e.rates.Reload(cfg.Mining, cfg.Products); err != nil {
		return err
	}
	log.Info().Msg("Rate table reloaded")
	return nil
}
