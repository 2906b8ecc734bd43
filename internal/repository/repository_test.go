// Package repository provides data access layer implementations.
// Tests use testcontainers-go to spin up a PostgreSQL container.
package repository

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"mining-engine/internal/model"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container, applies the schema and returns
// a connection pool. Skips the test if Docker is not available.
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, Migrate(ctx, pool))
	// Migrations are idempotent.
	require.NoError(t, Migrate(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return pool, cleanup
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newContract(owner int64, kind model.ContractKind, d time.Duration) *model.Contract {
	return &model.Contract{
		OwnerID:       owner,
		Kind:          kind,
		BaseRate:      decimal.RequireFromString("0.000000000000139"),
		Status:        model.ContractMining,
		CreatedAt:     base,
		EndsAt:        base.Add(d),
		LastAccruedAt: base,
	}
}

// ============================================================================
// Accounts
// ============================================================================

func TestAccountRepository(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()

	_, err := repo.GetAccount(ctx, 1)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	a, err := repo.EnsureAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Level)
	assert.True(t, a.Balance.IsZero())

	// Ensuring twice keeps the row.
	_, err = repo.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateProfile(ctx, 1, 4, "US"))
	until := base.Add(24 * time.Hour)
	require.NoError(t, repo.SetDailyBonusUntil(ctx, 1, until))

	a, err = repo.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Level)
	assert.Equal(t, "US", a.CountryCode)
	require.NotNil(t, a.DailyBonusUntil)
	assert.True(t, until.Equal(*a.DailyBonusUntil))

	assert.ErrorIs(t, repo.UpdateProfile(ctx, 2, 1, ""), ErrAccountNotFound)
}

// ============================================================================
// Contracts and accruals
// ============================================================================

func TestContractRepository_CreateAndFind(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewContractRepository(pool)
	ctx := context.Background()

	c, err := repo.CreateContract(ctx, newContract(10, model.KindAd, 2*time.Hour))
	require.NoError(t, err)
	assert.NotZero(t, c.ID)
	assert.True(t, c.BaseRate.Equal(decimal.RequireFromString("0.000000000000139")))

	found, err := repo.FindActiveContract(ctx, 10, model.KindAd, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, c.ID, found.ID)

	_, err = repo.FindActiveContract(ctx, 10, model.KindAd, base.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrContractNotFound)

	extended, err := repo.ExtendContract(ctx, c.ID, base.Add(4*time.Hour), c.BaseRate, false)
	require.NoError(t, err)
	assert.True(t, base.Add(4*time.Hour).Equal(extended.EndsAt))

	has, err := repo.HasContract(ctx, 10, model.KindAd)
	require.NoError(t, err)
	assert.True(t, has)

	byIDs, err := repo.GetContractsByIDs(ctx, []int64{c.ID, 999})
	require.NoError(t, err)
	assert.Len(t, byIDs, 1)
}

func TestContractRepository_OneShotAndTransactionUnique(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewContractRepository(pool)
	ctx := context.Background()

	_, err := repo.CreateContract(ctx, newContract(11, model.KindRefereeBind, 2*time.Hour))
	require.NoError(t, err)
	_, err = repo.CreateContract(ctx, newContract(11, model.KindRefereeBind, 2*time.Hour))
	assert.ErrorIs(t, err, ErrConflict)

	tx := "GPA.1"
	paid := newContract(12, model.KindPaidOneTime, 24*time.Hour)
	paid.TransactionID = &tx
	first, err := repo.CreateContract(ctx, paid)
	require.NoError(t, err)
	_, err = repo.CreateContract(ctx, paid)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := repo.GetContractByTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestAccrualRepository_ApplyAccruals(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	contracts := NewContractRepository(pool)
	accruals := NewAccrualRepository(pool)
	accounts := NewAccountRepository(pool)
	ctx := context.Background()

	c, err := contracts.CreateContract(ctx, newContract(20, model.KindAd, 2*time.Hour))
	require.NoError(t, err)

	tickID := uuid.New()
	delta := decimal.RequireFromString("0.000000000810648")
	entry := model.AccrualEntry{
		ContractID:    c.ID,
		OwnerID:       20,
		Delta:         delta,
		PrevAccruedAt: base,
		AccruedAt:     base.Add(time.Hour),
		TickID:        tickID,
		TickAt:        base.Add(time.Hour),
	}
	applied, skipped, err := accruals.ApplyAccruals(ctx, []model.AccrualEntry{entry})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Zero(t, skipped)

	// Replaying the same entry is rejected by the last_accrued_at guard.
	applied, skipped, err = accruals.ApplyAccruals(ctx, []model.AccrualEntry{entry})
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, 1, skipped)

	a, err := accounts.GetAccount(ctx, 20)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(delta), a.Balance.String())

	final := entry
	final.PrevAccruedAt = base.Add(time.Hour)
	final.AccruedAt = base.Add(2 * time.Hour)
	final.Complete = true
	_, _, err = accruals.ApplyAccruals(ctx, []model.AccrualEntry{final})
	require.NoError(t, err)

	stored, err := contracts.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContractCompleted, stored.Status)

	mining, err := contracts.ListMiningContracts(ctx)
	require.NoError(t, err)
	assert.Empty(t, mining)

	records, err := accruals.ListAccruals(ctx, 20, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, tickID, records[0].TickID)
}

// ============================================================================
// Referrals
// ============================================================================

func TestReferralRepository(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewReferralRepository(pool)
	ctx := context.Background()

	_, err := repo.GetReferrer(ctx, 2)
	assert.ErrorIs(t, err, ErrEdgeNotFound)

	require.NoError(t, repo.InsertEdge(ctx, &model.InvitationEdge{InviteeID: 2, ReferrerID: 1, CreatedAt: base}))
	referrer, err := repo.GetReferrer(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), referrer)

	err = repo.InsertEdge(ctx, &model.InvitationEdge{InviteeID: 2, ReferrerID: 3, CreatedAt: base})
	assert.ErrorIs(t, err, ErrConflict)
}

// ============================================================================
// Subscriptions and notifications
// ============================================================================

func createSubscription(t *testing.T, repo *SubscriptionRepository, owner int64, id string) (*model.Contract, *model.Subscription) {
	t.Helper()
	tx := "tx-" + id
	c := newContract(owner, model.KindPaidSubscription, 30*24*time.Hour)
	c.TransactionID = &tx
	stored, sub, err := repo.CreateSubscriptionContract(context.Background(), c, &model.Subscription{
		SubscriptionID:  id,
		OwnerID:         owner,
		ProductID:       "miner_monthly",
		PurchaseToken:   "token",
		Status:          model.SubscriptionActive,
		NextBillingDate: c.EndsAt,
		AutoRenewing:    true,
		CreatedAt:       base,
	})
	require.NoError(t, err)
	return stored, sub
}

func TestSubscriptionRepository_ApplyTransitionOnce(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewSubscriptionRepository(pool)
	contracts := NewContractRepository(pool)
	ctx := context.Background()

	c, sub := createSubscription(t, repo, 30, "sub-30")
	assert.Equal(t, c.ID, sub.ContractID)

	byContract, err := repo.GetSubscriptionByContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "sub-30", byContract.SubscriptionID)

	n := &model.Notification{NotificationID: "n-1", Type: model.NotificationOnHold, SubscriptionID: "sub-30", EventTime: base}
	stored, err := repo.SaveNotification(ctx, n, base)
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = repo.SaveNotification(ctx, n, base)
	require.NoError(t, err)
	assert.False(t, stored)

	pending, err := repo.ListPendingNotifications(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	holdAt := base.Add(time.Hour)
	transition := &model.SubscriptionTransition{
		SubscriptionID:       "sub-30",
		ContractID:           c.ID,
		From:                 model.SubscriptionActive,
		To:                   model.SubscriptionAccountHold,
		Reason:               "on_hold",
		NotificationID:       "n-1",
		At:                   holdAt,
		NextBillingDate:      sub.NextBillingDate,
		AccountHoldStartedAt: &holdAt,
		AutoRenewing:         true,
	}
	applied, err := repo.ApplyTransition(ctx, transition)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.ApplyTransition(ctx, transition)
	require.NoError(t, err)
	assert.False(t, applied)

	processed, err := repo.NotificationProcessed(ctx, "n-1")
	require.NoError(t, err)
	assert.True(t, processed)

	history, err := repo.History(ctx, "sub-30")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// A subscription on hold does not mine.
	mining, err := contracts.ListMiningContracts(ctx)
	require.NoError(t, err)
	assert.Empty(t, mining)

	held, err := repo.ListByStatusStartedBefore(ctx, model.SubscriptionAccountHold, holdAt)
	require.NoError(t, err)
	assert.Len(t, held, 1)

	// A stale From is a conflict.
	stale := *transition
	stale.NotificationID = ""
	_, err = repo.ApplyTransition(ctx, &stale)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSubscriptionRepository_ExpiryCompletesContract(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewSubscriptionRepository(pool)
	contracts := NewContractRepository(pool)
	ctx := context.Background()

	c, sub := createSubscription(t, repo, 31, "sub-31")
	at := base.Add(24 * time.Hour)
	_, err := repo.ApplyTransition(ctx, &model.SubscriptionTransition{
		SubscriptionID:  "sub-31",
		ContractID:      c.ID,
		From:            model.SubscriptionActive,
		To:              model.SubscriptionExpired,
		Reason:          "expired",
		At:              at,
		NextBillingDate: sub.NextBillingDate,
		ContractEndsAt:  &at,
	})
	require.NoError(t, err)

	stored, err := contracts.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ContractCompleted, stored.Status)
	assert.True(t, at.Equal(stored.EndsAt))
}

func TestSubscriptionRepository_NotificationFailures(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewSubscriptionRepository(pool)
	ctx := context.Background()

	n := &model.Notification{NotificationID: "n-2", Type: model.NotificationCanceled, SubscriptionID: "missing", EventTime: base}
	_, err := repo.SaveNotification(ctx, n, base)
	require.NoError(t, err)

	retryAt := base.Add(time.Minute)
	require.NoError(t, repo.RecordNotificationFailure(ctx, "n-2", "subscription not found", retryAt))
	processed, err := repo.NotificationProcessed(ctx, "n-2")
	require.NoError(t, err)
	assert.False(t, processed)

	pending, err := repo.ListPendingNotifications(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "row is held back until its retry time")

	pending, err = repo.ListPendingNotifications(ctx, retryAt, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	require.NoError(t, repo.MarkNotification(ctx, "n-2", model.OutcomeFailed, retryAt))
	pending, err = repo.ListPendingNotifications(ctx, retryAt, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	processed, err = repo.NotificationProcessed(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestSubscriptionRepository_PendingFewestAttemptsFirst(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewSubscriptionRepository(pool)
	ctx := context.Background()

	for i, id := range []string{"n-old", "n-new"} {
		n := &model.Notification{NotificationID: id, Type: model.NotificationPaused, SubscriptionID: "sub-" + id, EventTime: base}
		_, err := repo.SaveNotification(ctx, n, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	require.NoError(t, repo.RecordNotificationFailure(ctx, "n-old", "subscription not found", base))
	require.NoError(t, repo.RecordNotificationFailure(ctx, "n-old", "subscription not found", base))

	pending, err := repo.ListPendingNotifications(ctx, base, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "n-new", pending[0].NotificationID)
}

func TestContractRepository_ConcurrentOneShot(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewContractRepository(pool)
	ctx := context.Background()

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	wg.Add(callers)
	for range callers {
		go func() {
			defer wg.Done()
			_, err := repo.CreateContract(ctx, newContract(40, model.KindRefereeBind, time.Hour))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if assert.ErrorIs(t, err, ErrConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, conflicts)
}
