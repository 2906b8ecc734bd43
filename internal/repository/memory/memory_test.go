package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mining-engine/internal/model"
	"mining-engine/internal/pkg/clock"
	"mining-engine/internal/repository"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func contract(owner int64, kind model.ContractKind) *model.Contract {
	return &model.Contract{
		OwnerID:       owner,
		Kind:          kind,
		BaseRate:      decimal.RequireFromString("0.000000000000139"),
		Status:        model.ContractMining,
		CreatedAt:     base,
		EndsAt:        base.Add(time.Hour),
		LastAccruedAt: base,
	}
}

func TestStore_ApplyAccrualsIsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()

	c, err := s.CreateContract(ctx, contract(1, model.KindAd))
	require.NoError(t, err)

	entries := []model.AccrualEntry{
		{ContractID: c.ID, OwnerID: 1, Delta: decimal.NewFromInt(1), PrevAccruedAt: base, AccruedAt: base.Add(time.Minute), TickID: uuid.New()},
		// Owner 2 has no account, so the whole batch fails.
		{ContractID: c.ID + 100, OwnerID: 2, Delta: decimal.NewFromInt(1), PrevAccruedAt: base, AccruedAt: base.Add(time.Minute)},
	}
	s.contracts[c.ID+100] = model.Contract{ID: c.ID + 100, OwnerID: 2, Status: model.ContractMining, LastAccruedAt: base, EndsAt: base.Add(time.Hour)}

	_, _, err = s.ApplyAccruals(ctx, entries)
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)

	stored, err := s.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, base, stored.LastAccruedAt)

	a, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
}

func TestStore_ApplyAccrualsSkipsStaleEntries(t *testing.T) {
	s := New()
	ctx := context.Background()

	c, err := s.CreateContract(ctx, contract(1, model.KindAd))
	require.NoError(t, err)

	entry := model.AccrualEntry{ContractID: c.ID, OwnerID: 1, Delta: decimal.NewFromInt(2), PrevAccruedAt: base, AccruedAt: base.Add(time.Minute)}
	applied, skipped, err := s.ApplyAccruals(ctx, []model.AccrualEntry{entry})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Zero(t, skipped)

	applied, skipped, err = s.ApplyAccruals(ctx, []model.AccrualEntry{entry})
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, 1, skipped)

	a, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(2)))
}

func TestStore_FailNext(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	s.FailNext("CreateContract", boom)
	_, err := s.CreateContract(ctx, contract(1, model.KindAd))
	assert.ErrorIs(t, err, boom)

	_, err = s.CreateContract(ctx, contract(1, model.KindAd))
	assert.NoError(t, err)
}

func TestStore_UniqueRules(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateContract(ctx, contract(1, model.KindRefereeBind))
	require.NoError(t, err)
	_, err = s.CreateContract(ctx, contract(1, model.KindRefereeBind))
	assert.ErrorIs(t, err, repository.ErrConflict)

	tx := "GPA.9"
	paid := contract(2, model.KindPaidOneTime)
	paid.TransactionID = &tx
	_, err = s.CreateContract(ctx, paid)
	require.NoError(t, err)
	_, err = s.CreateContract(ctx, paid)
	assert.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, s.InsertEdge(ctx, &model.InvitationEdge{InviteeID: 5, ReferrerID: 6}))
	assert.ErrorIs(t, s.InsertEdge(ctx, &model.InvitationEdge{InviteeID: 5, ReferrerID: 7}), repository.ErrConflict)
}

func TestStore_ApplyTransitionOncePerNotification(t *testing.T) {
	s := New()
	ctx := context.Background()

	c, sub, err := s.CreateSubscriptionContract(ctx, contract(3, model.KindPaidSubscription), &model.Subscription{
		SubscriptionID:  "sub-3",
		OwnerID:         3,
		Status:          model.SubscriptionActive,
		NextBillingDate: base.Add(time.Hour),
		CreatedAt:       base,
	})
	require.NoError(t, err)
	assert.Equal(t, c.ID, sub.ContractID)

	stored, err := s.SaveNotification(ctx, &model.Notification{NotificationID: "n", SubscriptionID: "sub-3"}, base)
	require.NoError(t, err)
	require.True(t, stored)

	tr := &model.SubscriptionTransition{
		SubscriptionID: "sub-3",
		ContractID:     c.ID,
		From:           model.SubscriptionActive,
		To:             model.SubscriptionPaused,
		NotificationID: "n",
		At:             base,
	}
	applied, err := s.ApplyTransition(ctx, tr)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.ApplyTransition(ctx, tr)
	require.NoError(t, err)
	assert.False(t, applied)

	outcome, attempts, ok := s.NotificationOutcome("n")
	require.True(t, ok)
	assert.Equal(t, model.OutcomeApplied, outcome)
	assert.Equal(t, 1, attempts)

	history, err := s.History(ctx, "sub-3")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	mining, err := s.ListMiningContracts(ctx)
	require.NoError(t, err)
	assert.Empty(t, mining, "paused subscriptions do not mine")
}

func TestStore_StampsUpdatesFromClock(t *testing.T) {
	clk := clock.NewFake(base)
	s := NewWithClock(clk)
	ctx := context.Background()

	a, err := s.EnsureAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, base, a.CreatedAt)

	later := clk.Advance(time.Hour)
	require.NoError(t, s.UpdateProfile(ctx, 1, 3, "us"))
	a, err = s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, later, a.UpdatedAt)

	later = clk.Advance(time.Hour)
	require.NoError(t, s.SetDailyBonusUntil(ctx, 1, later.Add(24*time.Hour)))
	a, err = s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, later, a.UpdatedAt)
}

func TestStore_PendingNotificationsRespectRetrySchedule(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, id := range []string{"n-1", "n-2", "n-3"} {
		_, err := s.SaveNotification(ctx, &model.Notification{NotificationID: id, SubscriptionID: "sub-" + id}, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	require.NoError(t, s.RecordNotificationFailure(ctx, "n-1", "subscription not found", base))
	require.NoError(t, s.RecordNotificationFailure(ctx, "n-2", "subscription not found", base.Add(time.Minute)))

	pending, err := s.ListPendingNotifications(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "n-3", pending[0].NotificationID, "fewest attempts first")
	assert.Equal(t, "n-1", pending[1].NotificationID)
	assert.Equal(t, 1, pending[1].Attempts)

	pending, err = s.ListPendingNotifications(ctx, base.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "n-3", pending[0].NotificationID)

	require.NoError(t, s.MarkNotification(ctx, "n-1", model.OutcomeFailed, base))
	outcome, attempts, ok := s.NotificationOutcome("n-1")
	require.True(t, ok)
	assert.Equal(t, model.OutcomeFailed, outcome)
	assert.Equal(t, 2, attempts)
}
