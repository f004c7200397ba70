package storage

import "errors"

var (
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("storage: not found")
	// ErrClaimLost is returned when a finalize or rollback finds the claim
	// no longer held by the caller (edited, reaped or reclaimed).
	ErrClaimLost = errors.New("storage: claim lost")
	// ErrNotFailed is returned by Requeue for records that are not failed.
	ErrNotFailed = errors.New("storage: item is not in failed state")
	// ErrUnknownKind is returned for an ItemRef with an unknown Kind.
	ErrUnknownKind = errors.New("storage: unknown item kind")
)
