package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"mining-engine/internal/model"
)

// AccrualRepository writes accrual batches and reads the accrual ledger.
type AccrualRepository struct {
	pool *pgxpool.Pool
}

var _ AccrualStore = (*AccrualRepository)(nil)

// NewAccrualRepository creates a new AccrualRepository instance.
func NewAccrualRepository(pool *pgxpool.Pool) *AccrualRepository {
	return &AccrualRepository{pool: pool}
}

// lockOrder returns entries sorted by owner and then contract, so concurrent
// batches lock account rows in the same order.
func lockOrder(entries []model.AccrualEntry) []model.AccrualEntry {
	sorted := make([]model.AccrualEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].OwnerID != sorted[j].OwnerID {
			return sorted[i].OwnerID < sorted[j].OwnerID
		}
		return sorted[i].ContractID < sorted[j].ContractID
	})
	return sorted
}

// ApplyAccruals advances each contract, credits the owner and appends an
// accrual record, all in one transaction. The contract update is guarded by
// the previous last_accrued_at, so an entry computed from a stale read is
// skipped instead of accrued twice.
func (r *AccrualRepository) ApplyAccruals(ctx context.Context, entries []model.AccrualEntry) (int, int, error) {
	const advance = `
		UPDATE contracts
		SET last_accrued_at = $3,
			status = CASE WHEN $4 THEN 'completed' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND last_accrued_at = $2 AND status = 'mining'
	`
	const credit = `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE owner_id = $1
	`
	const record = `
		INSERT INTO accrual_records (contract_id, owner_id, delta, tick_id, tick_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin accrual batch: %w", err)
	}
	defer tx.Rollback(ctx)

	applied, skipped := 0, 0
	for _, e := range lockOrder(entries) {
		result, err := tx.Exec(ctx, advance, e.ContractID, e.PrevAccruedAt, e.AccruedAt, e.Complete)
		if err != nil {
			if isConflict(err) {
				return 0, 0, ErrConflict
			}
			return 0, 0, fmt.Errorf("failed to advance contract %d: %w", e.ContractID, err)
		}
		if result.RowsAffected() == 0 {
			skipped++
			continue
		}

		if e.Delta.IsPositive() {
			result, err = tx.Exec(ctx, credit, e.OwnerID, e.Delta)
			if err != nil {
				if isConflict(err) {
					return 0, 0, ErrConflict
				}
				return 0, 0, fmt.Errorf("failed to credit owner %d: %w", e.OwnerID, err)
			}
			if result.RowsAffected() == 0 {
				return 0, 0, fmt.Errorf("failed to credit owner %d: %w", e.OwnerID, ErrAccountNotFound)
			}
			if _, err := tx.Exec(ctx, record, e.ContractID, e.OwnerID, e.Delta, e.TickID, e.TickAt); err != nil {
				return 0, 0, fmt.Errorf("failed to record accrual for contract %d: %w", e.ContractID, err)
			}
		}
		applied++
	}

	if err := tx.Commit(ctx); err != nil {
		if isConflict(err) {
			return 0, 0, ErrConflict
		}
		return 0, 0, fmt.Errorf("failed to commit accrual batch: %w", err)
	}
	return applied, skipped, nil
}

// ListAccruals returns an owner's most recent accrual records.
func (r *AccrualRepository) ListAccruals(ctx context.Context, ownerID int64, limit int) ([]*model.AccrualRecord, error) {
	const query = `
		SELECT id, contract_id, owner_id, delta, tick_id, tick_at
		FROM accrual_records
		WHERE owner_id = $1
		ORDER BY id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get accruals: %w", err)
	}
	defer rows.Close()

	var records []*model.AccrualRecord
	for rows.Next() {
		var rec model.AccrualRecord
		err := rows.Scan(
			&rec.ID,
			&rec.ContractID,
			&rec.OwnerID,
			&rec.Delta,
			&rec.TickID,
			&rec.TickAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan accrual: %w", err)
		}
		rec.TickAt = rec.TickAt.UTC()
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accruals: %w", err)
	}

	return records, nil
}
