// Package memory is an in-memory implementation of the repository stores.
// It is safe for concurrent use and is intended for tests and local runs.
// Every multi-row write happens under one lock, matching the transactional
// behaviour of the PostgreSQL repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mining-engine/internal/model"
	"mining-engine/internal/pkg/clock"
	"mining-engine/internal/repository"
)

type inboxRow struct {
	n           model.Notification
	receivedAt  time.Time
	processedAt *time.Time
	outcome     string
	attempts    int
	lastError   string
	retryAt     *time.Time
}

// Store holds every table in maps guarded by one RWMutex.
type Store struct {
	mu    sync.RWMutex
	clock clock.Clock

	nextContractID int64
	nextHistoryID  int64
	nextAccrualID  int64

	accounts      map[int64]model.Account
	contracts     map[int64]model.Contract
	subscriptions map[string]model.Subscription
	history       []model.SubscriptionHistory
	inbox         map[string]*inboxRow
	inboxOrder    []string
	edges         map[int64]model.InvitationEdge
	accruals      []model.AccrualRecord

	failures map[string][]error
}

var (
	_ repository.AccountStore      = (*Store)(nil)
	_ repository.ContractStore     = (*Store)(nil)
	_ repository.AccrualStore      = (*Store)(nil)
	_ repository.ReferralStore     = (*Store)(nil)
	_ repository.SubscriptionStore = (*Store)(nil)
)

// New creates an empty store stamping updated_at from the system clock.
func New() *Store {
	return NewWithClock(clock.System{})
}

// NewWithClock creates an empty store stamping updated_at from clk.
func NewWithClock(clk clock.Clock) *Store {
	return &Store{
		clock:          clk,
		nextContractID: 1,
		nextHistoryID:  1,
		nextAccrualID:  1,
		accounts:       make(map[int64]model.Account),
		contracts:      make(map[int64]model.Contract),
		subscriptions:  make(map[string]model.Subscription),
		inbox:          make(map[string]*inboxRow),
		edges:          make(map[int64]model.InvitationEdge),
		failures:       make(map[string][]error),
	}
}

// FailNext makes the next calls of the named method return errs, one per call.
func (s *Store) FailNext(method string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], errs...)
}

func (s *Store) injectedLocked(method string) error {
	queue := s.failures[method]
	if len(queue) == 0 {
		return nil
	}
	s.failures[method] = queue[1:]
	return queue[0]
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func cloneContract(c model.Contract) *model.Contract {
	c.ProductID = copyString(c.ProductID)
	c.TransactionID = copyString(c.TransactionID)
	return &c
}

func cloneAccount(a model.Account) *model.Account {
	a.DailyBonusUntil = copyTime(a.DailyBonusUntil)
	return &a
}

func cloneSubscription(sub model.Subscription) *model.Subscription {
	sub.GracePeriodStartedAt = copyTime(sub.GracePeriodStartedAt)
	sub.AccountHoldStartedAt = copyTime(sub.AccountHoldStartedAt)
	return &sub
}

// Accounts --------------------------------------------------------------------

func (s *Store) ensureAccountLocked(ownerID int64) model.Account {
	if a, ok := s.accounts[ownerID]; ok {
		return a
	}
	now := s.clock.Now()
	a := model.Account{
		OwnerID:   ownerID,
		Balance:   decimal.Zero,
		Level:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[ownerID] = a
	return a
}

// EnsureAccount returns the account of ownerID, creating it at level 1.
func (s *Store) EnsureAccount(_ context.Context, ownerID int64) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAccount(s.ensureAccountLocked(ownerID)), nil
}

// GetAccount returns the account of ownerID or ErrAccountNotFound.
func (s *Store) GetAccount(_ context.Context, ownerID int64) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[ownerID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

// UpdateProfile stores the level and country of an existing account.
func (s *Store) UpdateProfile(_ context.Context, ownerID int64, level int, countryCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[ownerID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.Level = level
	a.CountryCode = countryCode
	a.UpdatedAt = s.clock.Now()
	s.accounts[ownerID] = a
	return nil
}

// SetDailyBonusUntil sets the end of the daily bonus window.
func (s *Store) SetDailyBonusUntil(_ context.Context, ownerID int64, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("SetDailyBonusUntil"); err != nil {
		return err
	}

	a, ok := s.accounts[ownerID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.DailyBonusUntil = &until
	a.UpdatedAt = s.clock.Now()
	s.accounts[ownerID] = a
	return nil
}

// Contracts -------------------------------------------------------------------

func (s *Store) insertContractLocked(c *model.Contract) (*model.Contract, error) {
	if c.EndsAt.Before(c.CreatedAt) {
		return nil, repository.ErrConflict
	}
	for _, existing := range s.contracts {
		if c.Kind.OneShot() && existing.Kind == c.Kind && existing.OwnerID == c.OwnerID {
			return nil, repository.ErrConflict
		}
		if c.TransactionID != nil && existing.TransactionID != nil && *existing.TransactionID == *c.TransactionID {
			return nil, repository.ErrConflict
		}
	}

	s.ensureAccountLocked(c.OwnerID)

	stored := *cloneContract(*c)
	stored.ID = s.nextContractID
	s.nextContractID++
	stored.UpdatedAt = s.clock.Now()
	s.contracts[stored.ID] = stored
	return cloneContract(stored), nil
}

// CreateContract inserts c. A second one-shot contract or a reused
// transaction id is ErrConflict.
func (s *Store) CreateContract(_ context.Context, c *model.Contract) (*model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("CreateContract"); err != nil {
		return nil, err
	}
	return s.insertContractLocked(c)
}

// ExtendContract moves the end of a mining contract.
func (s *Store) ExtendContract(_ context.Context, id int64, endsAt time.Time, baseRate decimal.Decimal, dailyBonus bool) (*model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok || c.Status != model.ContractMining {
		return nil, repository.ErrContractNotFound
	}
	c.EndsAt = endsAt
	c.BaseRate = baseRate
	c.AppliesDailyBonus = dailyBonus
	c.UpdatedAt = s.clock.Now()
	s.contracts[id] = c
	return cloneContract(c), nil
}

// GetContract returns a contract by id.
func (s *Store) GetContract(_ context.Context, id int64) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, repository.ErrContractNotFound
	}
	return cloneContract(c), nil
}

// GetContractsByIDs returns the existing contracts among ids, ordered by id.
func (s *Store) GetContractsByIDs(_ context.Context, ids []int64) ([]*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Contract
	for _, id := range ids {
		if c, ok := s.contracts[id]; ok {
			out = append(out, cloneContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetContractByTransaction returns the contract granted for a purchase.
func (s *Store) GetContractByTransaction(_ context.Context, transactionID string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.contracts {
		if c.TransactionID != nil && *c.TransactionID == transactionID {
			return cloneContract(c), nil
		}
	}
	return nil, repository.ErrContractNotFound
}

// FindActiveContract returns the active contract of kind ending last.
func (s *Store) FindActiveContract(_ context.Context, ownerID int64, kind model.ContractKind, now time.Time) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Contract
	for _, c := range s.contracts {
		if c.OwnerID != ownerID || c.Kind != kind || !c.Active(now) {
			continue
		}
		if best == nil || c.EndsAt.After(best.EndsAt) {
			best = cloneContract(c)
		}
	}
	if best == nil {
		return nil, repository.ErrContractNotFound
	}
	return best, nil
}

// HasContract reports whether ownerID ever held a contract of kind.
func (s *Store) HasContract(_ context.Context, ownerID int64, kind model.ContractKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.contracts {
		if c.OwnerID == ownerID && c.Kind == kind {
			return true, nil
		}
	}
	return false, nil
}

// ListContractsByOwner returns the contracts of ownerID, newest first.
func (s *Store) ListContractsByOwner(_ context.Context, ownerID int64) ([]*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Contract
	for _, c := range s.contracts {
		if c.OwnerID == ownerID {
			out = append(out, cloneContract(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) subscriptionForContractLocked(contractID int64) (model.Subscription, bool) {
	for _, sub := range s.subscriptions {
		if sub.ContractID == contractID {
			return sub, true
		}
	}
	return model.Subscription{}, false
}

// ListMiningContracts returns the contracts the scheduler should accrue.
// Subscription contracts whose subscription cannot mine are left out.
func (s *Store) ListMiningContracts(_ context.Context) ([]*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Contract
	for _, c := range s.contracts {
		if c.Status != model.ContractMining {
			continue
		}
		if c.Kind == model.KindPaidSubscription {
			sub, ok := s.subscriptionForContractLocked(c.ID)
			if !ok || !sub.Status.CanMine() {
				continue
			}
		}
		out = append(out, cloneContract(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Accruals --------------------------------------------------------------------

// ApplyAccruals applies entries all-or-nothing. Entries whose contract
// moved on since PrevAccruedAt are skipped.
func (s *Store) ApplyAccruals(_ context.Context, entries []model.AccrualEntry) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("ApplyAccruals"); err != nil {
		return 0, 0, err
	}

	// Validate against a staged copy so a failing entry leaves nothing behind.
	contracts := make(map[int64]model.Contract, len(entries))
	balances := make(map[int64]decimal.Decimal)
	var records []model.AccrualRecord
	applied, skipped := 0, 0
	nextID := s.nextAccrualID

	for _, e := range entries {
		c, ok := contracts[e.ContractID]
		if !ok {
			c, ok = s.contracts[e.ContractID]
		}
		if !ok || c.Status != model.ContractMining || !c.LastAccruedAt.Equal(e.PrevAccruedAt) {
			skipped++
			continue
		}
		c.LastAccruedAt = e.AccruedAt
		if e.Complete {
			c.Status = model.ContractCompleted
		}
		c.UpdatedAt = s.clock.Now()
		contracts[c.ID] = c

		if e.Delta.IsPositive() {
			bal, ok := balances[e.OwnerID]
			if !ok {
				a, exists := s.accounts[e.OwnerID]
				if !exists {
					return 0, 0, repository.ErrAccountNotFound
				}
				bal = a.Balance
			}
			balances[e.OwnerID] = bal.Add(e.Delta)
			records = append(records, model.AccrualRecord{
				ID:         nextID,
				ContractID: e.ContractID,
				OwnerID:    e.OwnerID,
				Delta:      e.Delta,
				TickID:     e.TickID,
				TickAt:     e.TickAt,
			})
			nextID++
		}
		applied++
	}

	for id, c := range contracts {
		s.contracts[id] = c
	}
	for owner, bal := range balances {
		a := s.accounts[owner]
		a.Balance = bal
		a.UpdatedAt = s.clock.Now()
		s.accounts[owner] = a
	}
	s.accruals = append(s.accruals, records...)
	s.nextAccrualID = nextID
	return applied, skipped, nil
}

// ListAccruals returns the latest accrual records of ownerID.
func (s *Store) ListAccruals(_ context.Context, ownerID int64, limit int) ([]*model.AccrualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.AccrualRecord
	for i := len(s.accruals) - 1; i >= 0 && len(out) < limit; i-- {
		if s.accruals[i].OwnerID == ownerID {
			rec := s.accruals[i]
			out = append(out, &rec)
		}
	}
	return out, nil
}

// Referrals -------------------------------------------------------------------

// GetReferrer returns the referrer of inviteeID or ErrEdgeNotFound.
func (s *Store) GetReferrer(_ context.Context, inviteeID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.edges[inviteeID]
	if !ok {
		return 0, repository.ErrEdgeNotFound
	}
	return e.ReferrerID, nil
}

// InsertEdge stores edge. An invitee with a referrer is ErrConflict.
func (s *Store) InsertEdge(_ context.Context, edge *model.InvitationEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.edges[edge.InviteeID]; ok {
		return repository.ErrConflict
	}
	s.edges[edge.InviteeID] = *edge
	return nil
}

// Subscriptions ---------------------------------------------------------------

// CreateSubscriptionContract inserts the contract and its subscription together.
func (s *Store) CreateSubscriptionContract(_ context.Context, c *model.Contract, sub *model.Subscription) (*model.Contract, *model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.SubscriptionID]; ok {
		return nil, nil, repository.ErrConflict
	}
	stored, err := s.insertContractLocked(c)
	if err != nil {
		return nil, nil, err
	}

	storedSub := *cloneSubscription(*sub)
	storedSub.ContractID = stored.ID
	storedSub.UpdatedAt = storedSub.CreatedAt
	s.subscriptions[storedSub.SubscriptionID] = storedSub
	return stored, cloneSubscription(storedSub), nil
}

// GetSubscription returns a subscription by provider id.
func (s *Store) GetSubscription(_ context.Context, subscriptionID string) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, repository.ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

// GetSubscriptionByContract returns the subscription backing contractID.
func (s *Store) GetSubscriptionByContract(_ context.Context, contractID int64) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptionForContractLocked(contractID)
	if !ok {
		return nil, repository.ErrSubscriptionNotFound
	}
	return cloneSubscription(sub), nil
}

// ApplyTransition writes the subscription, contract, history row and inbox
// mark under one lock.
func (s *Store) ApplyTransition(_ context.Context, t *model.SubscriptionTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("ApplyTransition"); err != nil {
		return false, err
	}

	if t.NotificationID != "" {
		if row, ok := s.inbox[t.NotificationID]; ok && row.processedAt != nil {
			return false, nil
		}
		for _, h := range s.history {
			if h.NotificationID != nil && *h.NotificationID == t.NotificationID {
				return false, nil
			}
		}
	}

	sub, ok := s.subscriptions[t.SubscriptionID]
	if !ok || sub.Status != t.From {
		return false, repository.ErrConflict
	}
	sub.Status = t.To
	sub.NextBillingDate = t.NextBillingDate
	sub.GracePeriodStartedAt = copyTime(t.GracePeriodStartedAt)
	sub.AccountHoldStartedAt = copyTime(t.AccountHoldStartedAt)
	sub.AutoRenewing = t.AutoRenewing
	sub.UpdatedAt = t.At
	s.subscriptions[sub.SubscriptionID] = sub

	if c, ok := s.contracts[t.ContractID]; ok {
		if t.ContractEndsAt != nil && c.Status != model.ContractError {
			c.EndsAt = *t.ContractEndsAt
			if c.EndsAt.Before(c.CreatedAt) {
				c.EndsAt = c.CreatedAt
			}
			if t.ContractEndsAt.After(t.At) {
				c.Status = model.ContractMining
			} else {
				c.Status = model.ContractCompleted
			}
		}
		if t.ResetAccrualAt != nil {
			reset := *t.ResetAccrualAt
			if c.EndsAt.Before(reset) {
				reset = c.EndsAt
			}
			if reset.After(c.LastAccruedAt) {
				c.LastAccruedAt = reset
			}
		}
		c.UpdatedAt = s.clock.Now()
		s.contracts[c.ID] = c
	}

	h := model.SubscriptionHistory{
		ID:             s.nextHistoryID,
		SubscriptionID: t.SubscriptionID,
		FromStatus:     t.From,
		ToStatus:       t.To,
		Reason:         t.Reason,
		CreatedAt:      t.At,
	}
	s.nextHistoryID++
	if t.NotificationID != "" {
		id := t.NotificationID
		h.NotificationID = &id
		if row, ok := s.inbox[id]; ok {
			at := t.At
			row.processedAt = &at
			row.outcome = model.OutcomeApplied
			row.attempts++
			row.lastError = ""
		}
	}
	s.history = append(s.history, h)
	return true, nil
}

// ListByStatusStartedBefore returns subscriptions in status whose grace or
// hold period started at or before before.
func (s *Store) ListByStatusStartedBefore(_ context.Context, status model.SubscriptionStatus, before time.Time) ([]*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status != status {
			continue
		}
		var started *time.Time
		switch status {
		case model.SubscriptionGracePeriod:
			started = sub.GracePeriodStartedAt
		case model.SubscriptionAccountHold:
			started = sub.AccountHoldStartedAt
		}
		if started != nil && !started.After(before) {
			out = append(out, cloneSubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out, nil
}

// ListCanceledEndedBefore returns canceled subscriptions whose paid period
// ended at or before before.
func (s *Store) ListCanceledEndedBefore(_ context.Context, before time.Time) ([]*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status == model.SubscriptionCanceled && !sub.NextBillingDate.After(before) {
			out = append(out, cloneSubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out, nil
}

// History returns the status history of a subscription, oldest first.
func (s *Store) History(_ context.Context, subscriptionID string) ([]*model.SubscriptionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.SubscriptionHistory
	for _, h := range s.history {
		if h.SubscriptionID == subscriptionID {
			h.NotificationID = copyString(h.NotificationID)
			out = append(out, &h)
		}
	}
	return out, nil
}

// Notification inbox ----------------------------------------------------------

// SaveNotification stores n in the inbox. It reports false for a known id.
func (s *Store) SaveNotification(_ context.Context, n *model.Notification, receivedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injectedLocked("SaveNotification"); err != nil {
		return false, err
	}
	if _, ok := s.inbox[n.NotificationID]; ok {
		return false, nil
	}
	s.inbox[n.NotificationID] = &inboxRow{n: *n, receivedAt: receivedAt}
	s.inboxOrder = append(s.inboxOrder, n.NotificationID)
	return true, nil
}

// NotificationProcessed reports whether the inbox row was finalized.
func (s *Store) NotificationProcessed(_ context.Context, notificationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.inbox[notificationID]
	return ok && row.processedAt != nil, nil
}

// MarkNotification finalizes a pending inbox row with outcome.
func (s *Store) MarkNotification(_ context.Context, notificationID, outcome string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.inbox[notificationID]
	if !ok || row.processedAt != nil {
		return nil
	}
	row.processedAt = &at
	row.outcome = outcome
	row.attempts++
	row.lastError = ""
	return nil
}

// RecordNotificationFailure keeps a pending row, stores the error and holds
// the row back until retryAt.
func (s *Store) RecordNotificationFailure(_ context.Context, notificationID, lastError string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.inbox[notificationID]
	if !ok || row.processedAt != nil {
		return nil
	}
	row.attempts++
	row.lastError = lastError
	row.retryAt = &retryAt
	return nil
}

// ListPendingNotifications returns unprocessed rows due at now, fewest
// attempts first and then in arrival order.
func (s *Store) ListPendingNotifications(_ context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*inboxRow
	for _, id := range s.inboxOrder {
		row := s.inbox[id]
		if row.processedAt != nil || (row.retryAt != nil && row.retryAt.After(now)) {
			continue
		}
		due = append(due, row)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].attempts < due[j].attempts })

	var out []*model.Notification
	for _, row := range due {
		if len(out) >= limit {
			break
		}
		n := row.n
		n.Attempts = row.attempts
		out = append(out, &n)
	}
	return out, nil
}

// NotificationOutcome returns the stored outcome and attempt count of an
// inbox row. It is not part of any store interface.
func (s *Store) NotificationOutcome(notificationID string) (string, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.inbox[notificationID]
	if !ok {
		return "", 0, false
	}
	return row.outcome, row.attempts, true
}
