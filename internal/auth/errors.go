package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialUnavailable means no usable token could be produced for an account
	ErrCredentialUnavailable = errors.New("credential unavailable")

	// ErrNoRefreshCapability means the account has no refresh token and must be re-authorized
	ErrNoRefreshCapability = errors.New("no refresh capability")

	// ErrRefreshFailed is matched by every *RefreshError
	ErrRefreshFailed = errors.New("refresh failed")

	// ErrExchangeFailed means the authorization server rejected a code exchange
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// ErrCycleInProgress is returned when a refresh cycle is already running
	ErrCycleInProgress = errors.New("refresh cycle already in progress")
)

// RefreshError describes one failed refresh attempt
type RefreshError struct {
	AccountID    string
	Reason       string
	FailureCount int
	Deactivated  bool
	Err          error
}

func (e *RefreshError) Error() string {
	msg := fmt.Sprintf("refresh failed for account %s: %s", e.AccountID, e.Reason)
	if e.Deactivated {
		msg += " (account deactivated)"
	}
	return msg
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRefreshFailed) match any refresh error
func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed
}
