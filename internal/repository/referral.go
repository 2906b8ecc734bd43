package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mining-engine/internal/model"
)

// ReferralRepository handles invitation edge persistence.
type ReferralRepository struct {
	pool *pgxpool.Pool
}

var _ ReferralStore = (*ReferralRepository)(nil)

// NewReferralRepository creates a new ReferralRepository instance.
func NewReferralRepository(pool *pgxpool.Pool) *ReferralRepository {
	return &ReferralRepository{pool: pool}
}

// GetReferrer returns the referrer of an invitee.
// Returns ErrEdgeNotFound if the invitee has no referrer.
func (r *ReferralRepository) GetReferrer(ctx context.Context, inviteeID int64) (int64, error) {
	const query = `SELECT referrer_id FROM invitation_edges WHERE invitee_id = $1`

	var referrerID int64
	if err := r.pool.QueryRow(ctx, query, inviteeID).Scan(&referrerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrEdgeNotFound
		}
		return 0, fmt.Errorf("failed to get referrer: %w", err)
	}
	return referrerID, nil
}

// InsertEdge stores a new invitation edge.
func (r *ReferralRepository) InsertEdge(ctx context.Context, edge *model.InvitationEdge) error {
	const query = `
		INSERT INTO invitation_edges (invitee_id, referrer_id, created_at)
		VALUES ($1, $2, $3)
	`
	if _, err := r.pool.Exec(ctx, query, edge.InviteeID, edge.ReferrerID, edge.CreatedAt); err != nil {
		if isConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert invitation edge: %w", err)
	}
	return nil
}
