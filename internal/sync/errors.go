package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncAlreadyInProgress is returned when a run is requested for an account that is already syncing
	ErrSyncAlreadyInProgress = errors.New("sync already in progress")

	// ErrEntityFetchFailed matches every *EntityFetchError
	ErrEntityFetchFailed = errors.New("entity fetch failed")
)

// EntityFetchError is returned when retrieving one entity type fails
type EntityFetchError struct {
	Entity string
	Err    error
}

func (e *EntityFetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.Entity, e.Err)
}

func (e *EntityFetchError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrEntityFetchFailed
func (e *EntityFetchError) Is(target error) bool { return target == ErrEntityFetchFailed }

// ScopeError reports a failure confined to one parent key of a scoped fetch.
// The task counts it and moves on to the next parent.
type ScopeError struct {
	Parent string
	Err    error
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("parent %s: %v", e.Parent, e.Err)
}

func (e *ScopeError) Unwrap() error { return e.Err }
