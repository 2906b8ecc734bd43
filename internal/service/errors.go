// Package service implements the mining engine: rate composition, the
// contract ledger, the invitation graph, the subscription state machine and
// the accrual scheduler.
package service

import (
	"errors"

	"mining-engine/internal/repository"
)

// Engine errors. Validation errors are returned to callers as-is and never
// retried.
var (
	ErrInvalidMultiplier            = errors.New("multiplier must be positive")
	ErrAlreadyClaimed               = errors.New("one-shot contract already claimed")
	ErrCircularInvitation           = errors.New("invitation would create a cycle")
	ErrSelfInvitation               = errors.New("cannot invite yourself")
	ErrAlreadyHasReferrer           = errors.New("invitee already has a referrer")
	ErrContractNotFound             = errors.New("contract not found")
	ErrSubscriptionNotFound         = errors.New("subscription not found")
	ErrUnrecognizedNotificationType = errors.New("unrecognized notification type")
	ErrInvalidNotification          = errors.New("notification id and subscription id are required")
	ErrPersistenceConflict          = errors.New("persistence conflict")
	ErrClockSkewDetected            = errors.New("last accrual time is ahead of now")
	ErrInvalidTrigger               = errors.New("invalid trigger for contract kind")
	ErrUnknownProduct               = errors.New("unknown product")
	ErrTickInProgress               = errors.New("accrual tick already in progress")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidMultiplier, "INVALID_MULTIPLIER"},
	{ErrAlreadyClaimed, "ALREADY_CLAIMED"},
	{ErrCircularInvitation, "CIRCULAR_INVITATION"},
	{ErrSelfInvitation, "SELF_INVITATION"},
	{ErrAlreadyHasReferrer, "ALREADY_HAS_REFERRER"},
	{ErrContractNotFound, "CONTRACT_NOT_FOUND"},
	{ErrSubscriptionNotFound, "SUBSCRIPTION_NOT_FOUND"},
	{ErrUnrecognizedNotificationType, "UNRECOGNIZED_NOTIFICATION_TYPE"},
	{ErrInvalidNotification, "INVALID_NOTIFICATION"},
	{ErrPersistenceConflict, "PERSISTENCE_CONFLICT"},
	{ErrClockSkewDetected, "CLOCK_SKEW_DETECTED"},
	{ErrInvalidTrigger, "INVALID_TRIGGER"},
	{ErrUnknownProduct, "UNKNOWN_PRODUCT"},
	{ErrTickInProgress, "TICK_IN_PROGRESS"},
	{repository.ErrConflict, "PERSISTENCE_CONFLICT"},
}

// ErrorCode returns the stable code shown to users for err, or "INTERNAL"
// for errors that are not engine errors. A nil error has no code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// isConflict reports whether err is a transient persistence conflict.
func isConflict(err error) bool {
	return errors.Is(err, ErrPersistenceConflict) || errors.Is(err, repository.ErrConflict)
}
