package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mining-engine/internal/model"
)

// AccountRepository handles account persistence.
type AccountRepository struct {
	pool *pgxpool.Pool
}

var _ AccountStore = (*AccountRepository)(nil)

// NewAccountRepository creates a new AccountRepository instance.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

const accountColumns = `owner_id, balance, level, country_code, daily_bonus_until, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.OwnerID,
		&a.Balance,
		&a.Level,
		&a.CountryCode,
		&a.DailyBonusUntil,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.DailyBonusUntil != nil {
		u := a.DailyBonusUntil.UTC()
		a.DailyBonusUntil = &u
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// EnsureAccount returns the owner's account, creating an empty one if needed.
func (r *AccountRepository) EnsureAccount(ctx context.Context, ownerID int64) (*model.Account, error) {
	const insert = `
		INSERT INTO accounts (owner_id)
		VALUES ($1)
		ON CONFLICT (owner_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, insert, ownerID); err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return r.GetAccount(ctx, ownerID)
}

// GetAccount retrieves an account by owner ID.
// Returns ErrAccountNotFound if the account does not exist.
func (r *AccountRepository) GetAccount(ctx context.Context, ownerID int64) (*model.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE owner_id = $1`

	a, err := scanAccount(r.pool.QueryRow(ctx, query, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// UpdateProfile sets the owner's level and country.
func (r *AccountRepository) UpdateProfile(ctx context.Context, ownerID int64, level int, countryCode string) error {
	const query = `
		UPDATE accounts
		SET level = $2, country_code = $3, updated_at = NOW()
		WHERE owner_id = $1
	`
	result, err := r.pool.Exec(ctx, query, ownerID, level, countryCode)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetDailyBonusUntil activates the daily bonus until the given time.
func (r *AccountRepository) SetDailyBonusUntil(ctx context.Context, ownerID int64, until time.Time) error {
	const query = `
		UPDATE accounts
		SET daily_bonus_until = $2, updated_at = NOW()
		WHERE owner_id = $1
	`
	result, err := r.pool.Exec(ctx, query, ownerID, until)
	if err != nil {
		return fmt.Errorf("failed to set daily bonus: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
