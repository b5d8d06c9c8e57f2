// Package errs provides the structured error taxonomy shared by the
// capture pipeline and its stores.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure modes callers branch on.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("already exists")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StorageError wraps a database driver failure so callers can both match
// ErrStoreUnavailable and see the failing operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return ErrStoreUnavailable }

// Storage wraps err as a StorageError. Returns nil for a nil err.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsRetryable reports whether the error is likely transient and worth
// retrying. Validation and conflict errors never are.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
