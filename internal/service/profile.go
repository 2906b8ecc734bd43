package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"mining-engine/internal/pkg/cache"
	"mining-engine/internal/repository"
)

// Profile is an owner's multiplier inputs resolved against the current
// rate table.
type Profile struct {
	OwnerID              int64
	Level                int
	CountryCode          string
	LevelMultiplier      decimal.Decimal
	CountryMultiplier    decimal.Decimal
	DailyBonusMultiplier decimal.Decimal
	DailyBonusActive     bool
}

// ProfileSource supplies owner profiles at query time.
type ProfileSource interface {
	Profile(ctx context.Context, ownerID int64, now time.Time) (*Profile, error)
}

// profileInputs is the cached part of a profile. Multipliers are resolved on
// every read so a rate table reload takes effect immediately.
type profileInputs struct {
	Level           int        `json:"level"`
	CountryCode     string     `json:"country_code"`
	DailyBonusUntil *time.Time `json:"daily_bonus_until,omitempty"`
}

// ProfileService reads owner profiles through an optional cache.
type ProfileService struct {
	accounts repository.AccountStore
	rates    *RateBook
	cache    cache.Provider
	ttl      time.Duration
}

var _ ProfileSource = (*ProfileService)(nil)

// NewProfileService creates a new ProfileService instance.
func NewProfileService(accounts repository.AccountStore, rates *RateBook, c cache.Provider, ttl time.Duration) *ProfileService {
	if c == nil {
		c = cache.NullCache{}
	}
	return &ProfileService{
		accounts: accounts,
		rates:    rates,
		cache:    c,
		ttl:      ttl,
	}
}

func profileKey(ownerID int64) string {
	return fmt.Sprintf("profile:%d", ownerID)
}

// Profile returns the owner's profile at now. Owners without an account get
// the lowest level and the default country.
func (s *ProfileService) Profile(ctx context.Context, ownerID int64, now time.Time) (*Profile, error) {
	in, err := s.inputs(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	table := s.rates.Table()
	return &Profile{
		OwnerID:              ownerID,
		Level:                in.Level,
		CountryCode:          in.CountryCode,
		LevelMultiplier:      table.LevelMultiplier(in.Level),
		CountryMultiplier:    table.CountryMultiplier(in.CountryCode),
		DailyBonusMultiplier: table.DailyBonusMultiplier(),
		DailyBonusActive:     in.DailyBonusUntil != nil && in.DailyBonusUntil.After(now),
	}, nil
}

func (s *ProfileService) inputs(ctx context.Context, ownerID int64) (*profileInputs, error) {
	key := profileKey(ownerID)

	raw, err := s.cache.Get(ctx, key)
	if err == nil {
		var in profileInputs
		if err := json.Unmarshal(raw, &in); err == nil {
			return &in, nil
		}
		log.Warn().Int64("owner_id", ownerID).Msg("Discarding unreadable cached profile")
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Int64("owner_id", ownerID).Msg("Profile cache read failed")
	}

	in := &profileInputs{Level: 1}
	account, err := s.accounts.GetAccount(ctx, ownerID)
	switch {
	case err == nil:
		in.Level = account.Level
		in.CountryCode = account.CountryCode
		in.DailyBonusUntil = account.DailyBonusUntil
	case errors.Is(err, repository.ErrAccountNotFound):
		// Not cached: the account row appears with the owner's first contract.
		return in, nil
	default:
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	if raw, err := json.Marshal(in); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			log.Warn().Err(err).Int64("owner_id", ownerID).Msg("Profile cache write failed")
		}
	}
	return in, nil
}

func (s *ProfileService) invalidate(ctx context.Context, ownerID int64) {
	if err := s.cache.Delete(ctx, profileKey(ownerID)); err != nil {
		log.Warn().Err(err).Int64("owner_id", ownerID).Msg("Profile cache invalidation failed")
	}
}

// UpdateProfile stores the owner's level and country.
func (s *ProfileService) UpdateProfile(ctx context.Context, ownerID int64, level int, countryCode string) error {
	if _, err := s.accounts.EnsureAccount(ctx, ownerID); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	if err := s.accounts.UpdateProfile(ctx, ownerID, level, countryCode); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	s.invalidate(ctx, ownerID)
	return nil
}

// ActivateDailyBonus keeps the CheckIn bonus active until the given time,
// creating the account on first use.
func (s *ProfileService) ActivateDailyBonus(ctx context.Context, ownerID int64, until time.Time) error {
	if _, err := s.accounts.EnsureAccount(ctx, ownerID); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	if err := s.accounts.SetDailyBonusUntil(ctx, ownerID, until); err != nil {
		return fmt.Errorf("failed to activate daily bonus: %w", err)
	}
	s.invalidate(ctx, ownerID)
	return nil
}
