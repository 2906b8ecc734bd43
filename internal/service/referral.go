package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"mining-engine/internal/model"
	"mining-engine/internal/pkg/clock"
	"mining-engine/internal/repository"
)

// InvitationGraphValidator keeps the invitation graph a forest: one referrer
// per invitee and no cycles.
type InvitationGraphValidator struct {
	edges    repository.ReferralStore
	clock    clock.Clock
	maxDepth int

	// mu serializes validate-then-insert so two concurrent links cannot
	// close a cycle between them.
	mu sync.Mutex
}

// NewInvitationGraphValidator creates a new InvitationGraphValidator instance.
func NewInvitationGraphValidator(edges repository.ReferralStore, clk clock.Clock, maxDepth int) *InvitationGraphValidator {
	return &InvitationGraphValidator{
		edges:    edges,
		clock:    clk,
		maxDepth: maxDepth,
	}
}

// Validate reports whether the edge invitee -> referrer may be added.
// It returns nil to accept, or ErrSelfInvitation, ErrAlreadyHasReferrer or
// ErrCircularInvitation to reject.
//
// The referrer's chain of referrers is followed upward; meeting the invitee
// means the new edge would close a cycle. A referrer with up to maxDepth
// ancestors is checked in full; a longer chain is rejected as circular.
func (v *InvitationGraphValidator) Validate(ctx context.Context, inviteeID, referrerID int64) error {
	if inviteeID == referrerID {
		return ErrSelfInvitation
	}

	_, err := v.edges.GetReferrer(ctx, inviteeID)
	if err == nil {
		return ErrAlreadyHasReferrer
	}
	if !errors.Is(err, repository.ErrEdgeNotFound) {
		return fmt.Errorf("failed to read referrer: %w", err)
	}

	visited := map[int64]bool{referrerID: true}
	current := referrerID
	for depth := 0; ; depth++ {
		if depth > v.maxDepth {
			return fmt.Errorf("referrer chain of %d exceeds depth %d: %w", referrerID, v.maxDepth, ErrCircularInvitation)
		}

		next, err := v.edges.GetReferrer(ctx, current)
		if errors.Is(err, repository.ErrEdgeNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read referrer: %w", err)
		}

		if next == inviteeID {
			return ErrCircularInvitation
		}
		if visited[next] {
			return fmt.Errorf("existing cycle through %d: %w", next, ErrCircularInvitation)
		}
		visited[next] = true
		current = next
	}
}

// Link validates and stores the edge invitee -> referrer.
func (v *InvitationGraphValidator) Link(ctx context.Context, inviteeID, referrerID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.Validate(ctx, inviteeID, referrerID); err != nil {
		return err
	}

	edge := &model.InvitationEdge{
		InviteeID:  inviteeID,
		ReferrerID: referrerID,
		CreatedAt:  v.clock.Now(),
	}
	if err := v.edges.InsertEdge(ctx, edge); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrAlreadyHasReferrer
		}
		return fmt.Errorf("failed to store invitation: %w", err)
	}

	log.Info().
		Int64("invitee_id", inviteeID).
		Int64("referrer_id", referrerID).
		Msg("Invitation edge stored")
	return nil
}
