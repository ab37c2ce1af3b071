package watch

import (
	"errors"
	"fmt"
)

// CapacityError indicates every session slot is taken.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("maximum number of active monitoring sessions (%d) reached", e.Limit)
}

// DuplicateOwnerError indicates the owner already has a running session.
type DuplicateOwnerError struct {
	Owner     string
	SessionID string
}

func (e *DuplicateOwnerError) Error() string {
	return fmt.Sprintf("owner %s already has an active session (%s)", e.Owner, e.SessionID)
}

// NotFoundError indicates no running session exists for the owner.
type NotFoundError struct {
	Owner string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no active monitoring session for %s", e.Owner)
}

// FetchError wraps a page fetch failure that survived the fetcher's own retries.
type FetchError struct {
	Err error
	URL string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrNoSelectors is returned when a session request carries no usable selector.
var ErrNoSelectors = errors.New("at least one selector is required")

// IsCapacity checks if an error is a CapacityError.
func IsCapacity(err error) bool {
	var target *CapacityError
	return errors.As(err, &target)
}

// IsDuplicateOwner checks if an error is a DuplicateOwnerError.
func IsDuplicateOwner(err error) bool {
	var target *DuplicateOwnerError
	return errors.As(err, &target)
}

// IsNotFound checks if an error is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}
