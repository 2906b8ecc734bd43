package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"mining-engine/internal/metrics"
	"mining-engine/internal/model"
	"mining-engine/internal/pkg/clock"
	"mining-engine/internal/pkg/lock"
	"mining-engine/internal/repository"
)

// DailyBonusActivator turns on the CheckIn bonus for an owner.
type DailyBonusActivator interface {
	ActivateDailyBonus(ctx context.Context, ownerID int64, until time.Time) error
}

type contractKey struct {
	ownerID int64
	kind    model.ContractKind
}

// ContractLedger is the only writer of contract creation and extension.
// Writes for one (owner, kind) pair are serialized in process; the one-shot
// and transaction-id unique indexes back this up across processes.
type ContractLedger struct {
	contracts     repository.ContractStore
	subscriptions repository.SubscriptionStore
	profiles      ProfileSource
	bonus         DailyBonusActivator
	rates         *RateBook
	clock         clock.Clock
	locks         *lock.KeyLock[contractKey]
	lockTimeout   time.Duration
}

// NewContractLedger creates a new ContractLedger instance.
func NewContractLedger(
	contracts repository.ContractStore,
	subscriptions repository.SubscriptionStore,
	profiles ProfileSource,
	bonus DailyBonusActivator,
	rates *RateBook,
	clk clock.Clock,
	lockTimeout time.Duration,
) *ContractLedger {
	return &ContractLedger{
		contracts:     contracts,
		subscriptions: subscriptions,
		profiles:      profiles,
		bonus:         bonus,
		rates:         rates,
		clock:         clk,
		locks:         lock.New[contractKey](),
		lockTimeout:   lockTimeout,
	}
}

func (l *ContractLedger) withKey(ctx context.Context, ownerID int64, kind model.ContractKind, fn func() error) error {
	err := l.locks.WithLockContext(ctx, contractKey{ownerID: ownerID, kind: kind}, l.lockTimeout, fn)
	if errors.Is(err, lock.ErrLockTimeout) {
		return fmt.Errorf("%s contract of owner %d is busy: %w", kind, ownerID, err)
	}
	return err
}

// CreateOrExtend grants a free contract of kind to the owner.
//
// Ad and Invite extend the owner's active contract by duration and refresh
// its rate. CheckIn always creates a new contract and activates the daily
// bonus. RefereeBind is created at most once per owner with its configured
// duration; a second claim fails with ErrAlreadyClaimed. A non-positive
// duration selects the configured duration of the kind.
func (l *ContractLedger) CreateOrExtend(ctx context.Context, ownerID int64, kind model.ContractKind, duration time.Duration) (*model.Contract, error) {
	table := l.rates.Table()
	rule, ok := table.Kind(kind)
	if !ok {
		return nil, fmt.Errorf("%s cannot be granted without a purchase: %w", kind, ErrInvalidTrigger)
	}
	if duration <= 0 || kind.OneShot() {
		duration = rule.Duration
	}

	var result *model.Contract
	err := l.withKey(ctx, ownerID, kind, func() error {
		now := l.clock.Now()

		if kind.OneShot() {
			claimed, err := l.contracts.HasContract(ctx, ownerID, kind)
			if err != nil {
				return fmt.Errorf("failed to check claim: %w", err)
			}
			if claimed {
				return ErrAlreadyClaimed
			}
		}

		if kind.Extendable() {
			active, err := l.contracts.FindActiveContract(ctx, ownerID, kind, now)
			switch {
			case err == nil:
				extended, err := l.contracts.ExtendContract(ctx, active.ID, active.EndsAt.Add(duration), rule.BaseRate, false)
				if err == nil {
					result = extended
					metrics.RecordContract(string(kind), "extended")
					log.Info().
						Int64("owner_id", ownerID).
						Int64("contract_id", extended.ID).
						Str("kind", string(kind)).
						Time("ends_at", extended.EndsAt).
						Msg("Contract extended")
					return nil
				}
				if !errors.Is(err, repository.ErrContractNotFound) {
					return fmt.Errorf("failed to extend contract: %w", err)
				}
				// Completed by the accrual tick in the meantime; start a new one.
			case !errors.Is(err, repository.ErrContractNotFound):
				return fmt.Errorf("failed to find active contract: %w", err)
			}
		}

		// The bonus window only affects CheckIn contracts, so activating it
		// before the contract exists is harmless if the insert fails.
		if kind == model.KindCheckIn && l.bonus != nil {
			if err := l.bonus.ActivateDailyBonus(ctx, ownerID, now.Add(table.DailyBonusWindow())); err != nil {
				return err
			}
		}

		created, err := l.contracts.CreateContract(ctx, &model.Contract{
			OwnerID:           ownerID,
			Kind:              kind,
			BaseRate:          rule.BaseRate,
			AppliesDailyBonus: kind == model.KindCheckIn,
			Status:            model.ContractMining,
			CreatedAt:         now,
			EndsAt:            now.Add(duration),
			LastAccruedAt:     now,
		})
		if err != nil {
			if kind.OneShot() && errors.Is(err, repository.ErrConflict) {
				return ErrAlreadyClaimed
			}
			return fmt.Errorf("failed to create contract: %w", err)
		}

		result = created
		metrics.RecordContract(string(kind), "created")
		log.Info().
			Int64("owner_id", ownerID).
			Int64("contract_id", created.ID).
			Str("kind", string(kind)).
			Time("ends_at", created.EndsAt).
			Msg("Contract created")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GrantPurchase creates the paid contract of a verified purchase. A
// transaction id that already granted a contract returns that contract,
// so redelivered purchase events are harmless.
func (l *ContractLedger) GrantPurchase(ctx context.Context, event model.PurchaseEvent) (*model.Contract, error) {
	if event.TransactionID == "" {
		return nil, fmt.Errorf("purchase without transaction id: %w", ErrInvalidTrigger)
	}

	product, ok := l.rates.Table().Product(event.ProductID)
	if !ok {
		return nil, fmt.Errorf("product %q: %w", event.ProductID, ErrUnknownProduct)
	}
	if product.Kind == model.KindPaidSubscription && event.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription purchase without subscription id: %w", ErrInvalidTrigger)
	}

	existing, err := l.contracts.GetContractByTransaction(ctx, event.TransactionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrContractNotFound) {
		return nil, fmt.Errorf("failed to check purchase: %w", err)
	}

	var result *model.Contract
	err = l.withKey(ctx, event.OwnerID, product.Kind, func() error {
		now := l.clock.Now()
		productID := product.ID
		transactionID := event.TransactionID
		c := &model.Contract{
			OwnerID:       event.OwnerID,
			Kind:          product.Kind,
			BaseRate:      product.BaseRate,
			ProductID:     &productID,
			TransactionID: &transactionID,
			Status:        model.ContractMining,
			CreatedAt:     now,
			EndsAt:        now.Add(product.Duration),
			LastAccruedAt: now,
		}

		var err error
		if product.Kind == model.KindPaidSubscription {
			result, _, err = l.subscriptions.CreateSubscriptionContract(ctx, c, &model.Subscription{
				SubscriptionID:  event.SubscriptionID,
				OwnerID:         event.OwnerID,
				ProductID:       product.ID,
				PurchaseToken:   event.PurchaseToken,
				Status:          model.SubscriptionActive,
				NextBillingDate: c.EndsAt,
				AutoRenewing:    true,
				CreatedAt:       now,
			})
		} else {
			result, err = l.contracts.CreateContract(ctx, c)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// A concurrent delivery of the same purchase won the insert.
			if existing, getErr := l.contracts.GetContractByTransaction(ctx, event.TransactionID); getErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to grant purchase: %w", err)
	}

	metrics.RecordContract(string(product.Kind), "created")
	log.Info().
		Int64("owner_id", event.OwnerID).
		Int64("contract_id", result.ID).
		Str("kind", string(product.Kind)).
		Str("product_id", product.ID).
		Str("transaction_id", event.TransactionID).
		Msg("Paid contract granted")
	return result, nil
}

// Rate returns the contract's effective per-second rate at now.
func (l *ContractLedger) Rate(ctx context.Context, c *model.Contract, now time.Time) (decimal.Decimal, error) {
	profile, err := l.profiles.Profile(ctx, c.OwnerID, now)
	if err != nil {
		return decimal.Zero, err
	}
	return rateFor(c, profile)
}

func rateFor(c *model.Contract, p *Profile) (decimal.Decimal, error) {
	return EffectiveRate(
		c.BaseRate,
		p.LevelMultiplier,
		p.CountryMultiplier,
		p.DailyBonusMultiplier,
		c.AppliesDailyBonus && p.DailyBonusActive,
		c.Kind,
	)
}

// Eligible reports whether c may accrue at now. Subscription contracts also
// need a subscription status that can mine.
func (l *ContractLedger) Eligible(ctx context.Context, c *model.Contract, now time.Time) (bool, error) {
	if !c.Active(now) {
		return false, nil
	}
	if c.Kind != model.KindPaidSubscription {
		return true, nil
	}
	sub, err := l.subscriptions.GetSubscriptionByContract(ctx, c.ID)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load subscription: %w", err)
	}
	return CanMine(sub.Status), nil
}

// ListActive returns the contracts mining at now: status mining, end after
// now, and for subscription contracts a status that can mine.
func (l *ContractLedger) ListActive(ctx context.Context, now time.Time) ([]*model.Contract, error) {
	all, err := l.ListAccruable(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, c := range all {
		if c.Active(now) {
			active = append(active, c)
		}
	}
	return active, nil
}

// ListAccruable returns every contract an accrual tick must visit, including
// contracts that ended since the last tick and still owe a final accrual.
func (l *ContractLedger) ListAccruable(ctx context.Context) ([]*model.Contract, error) {
	contracts, err := l.contracts.ListMiningContracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mining contracts: %w", err)
	}
	return contracts, nil
}

// Refresh reloads contracts by ID so a retried batch sees the persisted
// last accrual times.
func (l *ContractLedger) Refresh(ctx context.Context, ids []int64) ([]*model.Contract, error) {
	contracts, err := l.contracts.GetContractsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh contracts: %w", err)
	}
	return contracts, nil
}

// Latest returns the owner's active contract of kind, or the most recent
// one if none is active. ErrContractNotFound means the owner never had one.
func (l *ContractLedger) Latest(ctx context.Context, ownerID int64, kind model.ContractKind, now time.Time) (*model.Contract, error) {
	active, err := l.contracts.FindActiveContract(ctx, ownerID, kind, now)
	if err == nil {
		return active, nil
	}
	if !errors.Is(err, repository.ErrContractNotFound) {
		return nil, fmt.Errorf("failed to find active contract: %w", err)
	}

	all, err := l.contracts.ListContractsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	for _, c := range all {
		if c.Kind == kind {
			return c, nil
		}
	}
	return nil, ErrContractNotFound
}
