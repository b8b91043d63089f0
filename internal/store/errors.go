package store

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")

	// ErrRecordNotFound indicates the requested entity has no local record.
	ErrRecordNotFound = errors.New("store: record not found")
	// ErrEntityDeleted indicates a write against an entity with a pending tombstone.
	ErrEntityDeleted = errors.New("store: entity has a pending delete")
)

// StoreError carries an operation.reason code alongside the underlying cause.
// Local failures surface immediately to the caller; they indicate a bug, not
// a connectivity problem, and are never queued.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}
