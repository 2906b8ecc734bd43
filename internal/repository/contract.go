package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"mining-engine/internal/model"
)

// ContractRepository handles contract persistence.
type ContractRepository struct {
	pool *pgxpool.Pool
}

var _ ContractStore = (*ContractRepository)(nil)

// NewContractRepository creates a new ContractRepository instance.
func NewContractRepository(pool *pgxpool.Pool) *ContractRepository {
	return &ContractRepository{pool: pool}
}

const contractColumns = `id, owner_id, kind, base_rate, applies_daily_bonus, product_id, transaction_id,
	status, created_at, ends_at, last_accrued_at, updated_at`

func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Kind,
		&c.BaseRate,
		&c.AppliesDailyBonus,
		&c.ProductID,
		&c.TransactionID,
		&c.Status,
		&c.CreatedAt,
		&c.EndsAt,
		&c.LastAccruedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.EndsAt = c.EndsAt.UTC()
	c.LastAccruedAt = c.LastAccruedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func collectContracts(rows pgx.Rows) ([]*model.Contract, error) {
	defer rows.Close()

	var contracts []*model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contracts: %w", err)
	}
	return contracts, nil
}

// insertContract inserts c inside tx.
func insertContract(ctx context.Context, tx pgx.Tx, c *model.Contract) (*model.Contract, error) {
	const query = `
		INSERT INTO contracts (owner_id, kind, base_rate, applies_daily_bonus, product_id, transaction_id,
			status, created_at, ends_at, last_accrued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING ` + contractColumns

	stored, err := scanContract(tx.QueryRow(ctx, query,
		c.OwnerID,
		c.Kind,
		c.BaseRate,
		c.AppliesDailyBonus,
		c.ProductID,
		c.TransactionID,
		c.Status,
		c.CreatedAt,
		c.EndsAt,
		c.LastAccruedAt,
	))
	if err != nil {
		if isConflict(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}
	return stored, nil
}

// CreateContract inserts a contract, making sure the owner's account exists.
func (r *ContractRepository) CreateContract(ctx context.Context, c *model.Contract) (*model.Contract, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO accounts (owner_id) VALUES ($1) ON CONFLICT (owner_id) DO NOTHING`, c.OwnerID); err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}

	stored, err := insertContract(ctx, tx, c)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit contract: %w", err)
	}
	return stored, nil
}

// ExtendContract moves the end of a mining contract and refreshes its rate.
func (r *ContractRepository) ExtendContract(ctx context.Context, id int64, endsAt time.Time, baseRate decimal.Decimal, dailyBonus bool) (*model.Contract, error) {
	const query = `
		UPDATE contracts
		SET ends_at = $2, base_rate = $3, applies_daily_bonus = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'mining'
		RETURNING ` + contractColumns

	c, err := scanContract(r.pool.QueryRow(ctx, query, id, endsAt, baseRate, dailyBonus))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("failed to extend contract: %w", err)
	}
	return c, nil
}

// GetContract retrieves a contract by ID.
func (r *ContractRepository) GetContract(ctx context.Context, id int64) (*model.Contract, error) {
	const query = `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`

	c, err := scanContract(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

// GetContractsByIDs retrieves the contracts with the given IDs, ordered by ID.
func (r *ContractRepository) GetContractsByIDs(ctx context.Context, ids []int64) ([]*model.Contract, error) {
	const query = `SELECT ` + contractColumns + ` FROM contracts WHERE id = ANY($1) ORDER BY id`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get contracts: %w", err)
	}
	return collectContracts(rows)
}

// GetContractByTransaction retrieves the contract granted by a purchase.
func (r *ContractRepository) GetContractByTransaction(ctx context.Context, transactionID string) (*model.Contract, error) {
	const query = `SELECT ` + contractColumns + ` FROM contracts WHERE transaction_id = $1`

	c, err := scanContract(r.pool.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("failed to get contract by transaction: %w", err)
	}
	return c, nil
}

// FindActiveContract returns the latest-ending active contract of a kind.
func (r *ContractRepository) FindActiveContract(ctx context.Context, ownerID int64, kind model.ContractKind, now time.Time) (*model.Contract, error) {
	const query = `
		SELECT ` + contractColumns + `
		FROM contracts
		WHERE owner_id = $1 AND kind = $2 AND status = 'mining' AND ends_at > $3
		ORDER BY ends_at DESC
		LIMIT 1
	`

	c, err := scanContract(r.pool.QueryRow(ctx, query, ownerID, kind, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, fmt.Errorf("failed to find active contract: %w", err)
	}
	return c, nil
}

// HasContract reports whether the owner ever held a contract of kind.
func (r *ContractRepository) HasContract(ctx context.Context, ownerID int64, kind model.ContractKind) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM contracts WHERE owner_id = $1 AND kind = $2)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, ownerID, kind).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check contract existence: %w", err)
	}
	return exists, nil
}

// ListContractsByOwner returns all of an owner's contracts, newest first.
func (r *ContractRepository) ListContractsByOwner(ctx context.Context, ownerID int64) ([]*model.Contract, error) {
	const query = `SELECT ` + contractColumns + ` FROM contracts WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	return collectContracts(rows)
}

// ListMiningContracts returns the contracts an accrual tick must visit.
func (r *ContractRepository) ListMiningContracts(ctx context.Context) ([]*model.Contract, error) {
	const query = `
		SELECT c.id, c.owner_id, c.kind, c.base_rate, c.applies_daily_bonus, c.product_id, c.transaction_id,
			c.status, c.created_at, c.ends_at, c.last_accrued_at, c.updated_at
		FROM contracts c
		LEFT JOIN subscriptions s ON s.contract_id = c.id
		WHERE c.status = 'mining'
		  AND (c.kind <> 'paid_subscription' OR s.status IN ('active', 'grace_period'))
		ORDER BY c.id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mining contracts: %w", err)
	}
	return collectContracts(rows)
}
