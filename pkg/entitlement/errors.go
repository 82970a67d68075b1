package entitlement

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownFeature is returned for a feature key missing from the limits table
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrInvalidAmount is returned for zero or negative usage amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrQuotaExceeded is returned by TrackUsage under OverLimitReject
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidTier is returned for unknown tier names
	ErrInvalidTier = errors.New("invalid tier")

	// ErrStorageUnavailable is returned when no store is configured
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned by a Store when the key does not exist
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by operations on a closed tracker or registry
	ErrClosed = errors.New("tracker closed")
)

// PersistenceError reports a failed durable write. In-memory state stays
// authoritative; the write is retried.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CorruptStateError reports a stored record that could not be decoded.
// The tracker falls back to a fresh zero state dated today.
type CorruptStateError struct {
	Key string
	Err error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state at %s: %v", e.Key, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }
