package store

import "errors"

var (
	// Caller errors.
	ErrTokenNotFound        = errors.New("token not found")
	ErrInvalidTransition    = errors.New("invalid token transition")
	ErrSubscriptionInactive = errors.New("subscription inactive")

	// Contention errors, retryable after re-reading state.
	ErrStaleWrite             = errors.New("stale write")
	ErrConsultationInProgress = errors.New("consultation in progress")
	ErrBusy                   = errors.New("queue busy")

	// Invariant violation. Unreachable when the sequencer contract holds;
	// seeing it means a bug, not user error.
	ErrDuplicateTokenNumber = errors.New("duplicate token number")
)
