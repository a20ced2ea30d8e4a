package permissions

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced permission, role or user does not exist.
	ErrNotFound = errors.New("permissions: not found")
	// ErrConflict indicates a uniqueness race the upsert primitive failed to absorb.
	ErrConflict = errors.New("permissions: conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("permissions: validation failed")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("permissions: %s %d not found", e.Entity, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// BulkError reports the pair that stopped a bulk request. Pairs applied before
// it stay committed.
type BulkError struct {
	Pair    BulkPair
	Applied int
	Err     error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("permissions: bulk stopped at user %d permission %d after %d applied: %v",
		e.Pair.UserID, e.Pair.PermissionID, e.Applied, e.Err)
}

func (e *BulkError) Unwrap() error {
	return e.Err
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
