package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"mining-engine/internal/config"
	"mining-engine/internal/model"
	"mining-engine/internal/pkg/cache"
	"mining-engine/internal/pkg/clock"
	"mining-engine/internal/repository/memory"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	oneTimeProduct      = "boost_7d"
	subscriptionProduct = "miner_monthly"
)

// testConfig returns the default configuration plus two products and a
// country table.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Mining.Countries = map[string]string{"us": "1.20", "ng": "0.90"}
	cfg.Products = []config.ProductConfig{
		{ID: oneTimeProduct, Type: config.ProductOneTime, BaseRate: "0.000000000000417", Duration: 7 * 24 * time.Hour},
		{ID: subscriptionProduct, Type: config.ProductSubscription, BaseRate: "0.000000000000278", Duration: 30 * 24 * time.Hour},
	}
	return cfg
}

var testRetry = RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

type harness struct {
	cfg       *config.Config
	store     *memory.Store
	clock     *clock.Fake
	rates     *RateBook
	profiles  *ProfileService
	ledger    *ContractLedger
	graph     *InvitationGraphValidator
	subs      *SubscriptionStateMachine
	scheduler *AccrualScheduler
	engine    *Engine
}

func newHarness(t require.TestingT) *harness {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	table, err := NewRateTable(cfg.Mining, cfg.Products)
	require.NoError(t, err)

	fake := clock.NewFake(t0)
	h := &harness{
		cfg:   cfg,
		store: memory.NewWithClock(fake),
		clock: fake,
		rates: NewRateBook(table),
	}
	h.profiles = NewProfileService(h.store, h.rates, cache.NewLocalCache(128, time.Minute), time.Minute)
	h.ledger = NewContractLedger(h.store, h.store, h.profiles, h.profiles, h.rates, h.clock, time.Second)
	h.graph = NewInvitationGraphValidator(h.store, h.clock, cfg.Referral.MaxDepth)
	h.subs = NewSubscriptionStateMachine(h.store, h.rates, h.clock, SubscriptionOptions{
		GracePeriod:          cfg.Subscription.GracePeriod(),
		AccountHold:          cfg.Subscription.AccountHold(),
		BillingPeriod:        cfg.Subscription.BillingPeriod,
		ReconcileBatch:       cfg.Subscription.ReconcileBatch,
		ReconcileMaxAttempts: cfg.Subscription.ReconcileMaxAttempts,
		ReconcileBackoff:     cfg.Subscription.ReconcileBackoff,
		ReconcileMaxBackoff:  cfg.Subscription.ReconcileMaxBackoff,
		Retry:                testRetry,
	})
	h.scheduler = NewAccrualScheduler(h.ledger, h.profiles, h.store, h.clock, SchedulerOptions{
		Interval:     time.Second,
		BatchSize:    2,
		Workers:      2,
		BatchTimeout: time.Second,
		Retry:        testRetry,
	})
	h.engine = NewEngine(h.ledger, h.graph, h.subs, h.profiles, h.store, h.store, h.rates, h.clock)
	return h
}

func (h *harness) tick(t require.TestingT) *TickResult {
	res, err := h.scheduler.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) balance(t require.TestingT, ownerID int64) decimal.Decimal {
	b, err := h.engine.GetBalance(context.Background(), ownerID)
	require.NoError(t, err)
	return b.Balance
}

// subscribe grants a subscription contract to owner and returns it.
func (h *harness) subscribe(t require.TestingT, ownerID int64, subscriptionID string) *model.Contract {
	c, err := h.ledger.GrantPurchase(context.Background(), model.PurchaseEvent{
		OwnerID:        ownerID,
		ProductID:      subscriptionProduct,
		TransactionID:  "tx-" + subscriptionID,
		SubscriptionID: subscriptionID,
		PurchaseToken:  "token-" + subscriptionID,
		PurchasedAt:    h.clock.Now(),
	})
	require.NoError(t, err)
	return c
}

func (h *harness) notify(id string, typ model.NotificationType, subscriptionID string) Ack {
	return h.engine.ProcessSubscriptionNotification(context.Background(), &model.Notification{
		NotificationID: id,
		Type:           typ,
		SubscriptionID: subscriptionID,
		EventTime:      h.clock.Now(),
	})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
