// Package auth owns the credential lifecycle of Jira accounts: deciding when a
// token must be refreshed, refreshing it, counting failures and deactivating
// accounts whose refresh keeps failing.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"

	"github.com/wesm/jira-mirror/internal/api"
	"github.com/wesm/jira-mirror/internal/metrics"
	"github.com/wesm/jira-mirror/internal/models"
)

const (
	// RefreshBuffer is how long before expiry a token is already considered due
	RefreshBuffer = 300 * time.Second

	// FailureThreshold is the number of consecutive refresh failures that deactivates an account
	FailureThreshold = 3
)

// State is the lifecycle state of an account's credential
type State string

// Credential states
const (
	StateValid          State = "valid"
	StateNearExpiry     State = "near_expiry"
	StateExpired        State = "expired"
	StateReauthRequired State = "reauth_required"
	StateDeactivated    State = "deactivated"
)

// CredentialStore persists accounts and their token material
type CredentialStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]*models.Account, error)
	CountAccounts(ctx context.Context) (int, error)
	SaveAccount(ctx context.Context, acct *models.Account) error
	UpdateTokens(ctx context.Context, id string, tokens *models.Tokens, refreshedAt time.Time) error
	RecordRefreshFailure(ctx context.Context, id string, threshold int) (int, bool, error)
	SetPrimary(ctx context.Context, id string) error
}

// TokenEndpoint is the remote authorization server
//
//go:generate mockgen -destination=mocks/mock_token_endpoint.go -package=mocks github.com/wesm/jira-mirror/internal/auth TokenEndpoint
type TokenEndpoint interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics records refresh outcomes
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// Manager is the token lifecycle manager
type Manager struct {
	store    CredentialStore
	endpoint TokenEndpoint
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	cycleRunning atomic.Bool
}

// NewManager creates a new token lifecycle manager
func NewManager(store CredentialStore, endpoint TokenEndpoint, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		endpoint: endpoint,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NeedsRefresh reports whether the account's token expires within the refresh
// buffer. An account without a known expiry always needs a refresh.
func (m *Manager) NeedsRefresh(acct *models.Account) bool {
	if acct.ExpiresAt == nil {
		return true
	}
	return !acct.ExpiresAt.After(m.now().Add(RefreshBuffer))
}

// State classifies an account's credential
func (m *Manager) State(acct *models.Account) State {
	switch {
	case !acct.Active:
		return StateDeactivated
	case m.NeedsRefresh(acct) && !acct.HasRefreshToken():
		return StateReauthRequired
	case acct.ExpiresAt == nil || !acct.ExpiresAt.After(m.now()):
		return StateExpired
	case m.NeedsRefresh(acct):
		return StateNearExpiry
	default:
		return StateValid
	}
}

// AuthCodeURL returns the authorization redirect for an anti-forgery state token
func (m *Manager) AuthCodeURL(state string) string {
	return m.endpoint.AuthCodeURL(state)
}

// ExchangeAuthorizationCode trades an authorization code for tokens
func (m *Manager) ExchangeAuthorizationCode(ctx context.Context, code string) (*models.Tokens, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", ErrExchangeFailed)
	}

	tok, err := m.endpoint.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	tokens := api.ConvertToken(tok)
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: response carried no access token", ErrExchangeFailed)
	}
	return tokens, nil
}

// StoreTokens creates or re-authorizes an account with fresh token material.
// The first account stored in an empty installation becomes primary.
func (m *Manager) StoreTokens(ctx context.Context, accountID string, tokens *models.Tokens, info models.AccountInfo) (*models.Account, error) {
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	existing, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	count, err := m.store.CountAccounts(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	acct := &models.Account{
		ID:            accountID,
		Name:          info.Name,
		SiteURL:       info.URL,
		Scopes:        info.Scopes,
		AccessToken:   tokens.AccessToken,
		RefreshToken:  tokens.RefreshToken,
		ExpiresAt:     tokens.ExpiresAt,
		LastRefreshAt: &now,
		Active:        true,
		Primary:       count == 0,
	}

	if existing != nil {
		acct.CreatedAt = existing.CreatedAt
		if existing.Primary {
			acct.Primary, err = m.noOtherPrimary(ctx, accountID)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := m.store.SaveAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to store tokens for %s: %w", accountID, err)
	}

	m.logger.Info("Stored account credentials",
		"account", accountID,
		"site", info.URL,
		"primary", acct.Primary,
		"refreshable", acct.HasRefreshToken())
	return acct, nil
}

func (m *Manager) noOtherPrimary(ctx context.Context, accountID string) (bool, error) {
	active, err := m.store.ListAccounts(ctx, true)
	if err != nil {
		return false, err
	}
	for _, a := range active {
		if a.Primary && a.ID != accountID {
			return false, nil
		}
	}
	return true, nil
}

// SetPrimary makes an active account the primary one
func (m *Manager) SetPrimary(ctx context.Context, accountID string) error {
	return m.store.SetPrimary(ctx, accountID)
}

// Refresh exchanges the account's refresh token for new tokens. The token
// endpoint is called at most once; failures are counted toward deactivation
// and never retried here.
func (m *Manager) Refresh(ctx context.Context, accountID string) (*models.Tokens, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: account %s not found", ErrCredentialUnavailable, accountID)
	}
	if !acct.HasRefreshToken() {
		m.metrics.ObserveRefresh(metrics.RefreshNoCapability)
		return nil, fmt.Errorf("%w: account %s must be re-authorized", ErrNoRefreshCapability, accountID)
	}
	if !acct.Active {
		m.metrics.ObserveRefresh(metrics.RefreshDeactivated)
		return nil, &RefreshError{
			AccountID:    accountID,
			Reason:       "account is deactivated",
			FailureCount: acct.FailureCount,
			Deactivated:  true,
		}
	}

	tok, err := m.endpoint.Refresh(ctx, acct.RefreshToken)
	if err == nil && tok.AccessToken == "" {
		err = errors.New("token endpoint returned no access token")
	}
	if err != nil {
		return nil, m.recordFailure(ctx, acct, err)
	}

	tokens := api.ConvertToken(tok)
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = acct.RefreshToken
	}

	if err := m.store.UpdateTokens(ctx, accountID, tokens, m.now()); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens for %s: %w", accountID, err)
	}

	m.metrics.ObserveRefresh(metrics.RefreshSucceeded)
	m.logger.Info("Refreshed access token", "account", accountID, "expires_at", tokens.ExpiresAt)
	return tokens, nil
}

func (m *Manager) recordFailure(ctx context.Context, acct *models.Account, cause error) error {
	refreshErr := &RefreshError{
		AccountID:    acct.ID,
		Reason:       failureReason(cause),
		FailureCount: acct.FailureCount + 1,
		Err:          cause,
	}

	count, deactivated, err := m.store.RecordRefreshFailure(ctx, acct.ID, FailureThreshold)
	if err != nil {
		m.metrics.ObserveRefresh(metrics.RefreshFailed)
		m.logger.Error("Failed to record refresh failure", "account", acct.ID, "reason", refreshErr.Reason, "error", err)
		return errors.Join(refreshErr, fmt.Errorf("failed to record refresh failure for %s: %w", acct.ID, err))
	}
	refreshErr.FailureCount = count
	refreshErr.Deactivated = deactivated

	if refreshErr.Deactivated {
		m.metrics.ObserveRefresh(metrics.RefreshDeactivated)
		m.logger.Error("Account deactivated after repeated refresh failures",
			"account", acct.ID, "failures", refreshErr.FailureCount, "reason", refreshErr.Reason)
	} else {
		m.metrics.ObserveRefresh(metrics.RefreshFailed)
		m.logger.Warn("Token refresh failed",
			"account", acct.ID, "failures", refreshErr.FailureCount, "reason", refreshErr.Reason)
	}
	return refreshErr
}

func failureReason(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.ErrorCode != "" {
			return fmt.Sprintf("status %d: %s", re.Response.StatusCode, re.ErrorCode)
		}
		return fmt.Sprintf("status %d", re.Response.StatusCode)
	}
	return err.Error()
}

// EnsureValid returns the account with a token valid for at least the refresh
// buffer, refreshing it first when needed
func (m *Manager) EnsureValid(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: account %s not found", ErrCredentialUnavailable, accountID)
	}
	if !acct.Active {
		return nil, fmt.Errorf("%w: account %s is deactivated", ErrCredentialUnavailable, accountID)
	}
	if acct.AccessToken == "" {
		return nil, fmt.Errorf("%w: account %s has no access token", ErrCredentialUnavailable, accountID)
	}

	if !m.NeedsRefresh(acct) {
		return acct, nil
	}

	tokens, err := m.Refresh(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}

	refreshed := *acct
	refreshed.AccessToken = tokens.AccessToken
	refreshed.RefreshToken = tokens.RefreshToken
	refreshed.ExpiresAt = tokens.ExpiresAt
	refreshed.FailureCount = 0
	now := m.now()
	refreshed.LastRefreshAt = &now
	return &refreshed, nil
}

// CycleResult summarizes one refresh cycle
type CycleResult struct {
	Checked        int
	Refreshed      []string
	ReauthRequired []string
	Failed         map[string]error
}

// RefreshCycle refreshes every active account that is due. A call made while
// another cycle is still running is skipped with ErrCycleInProgress.
func (m *Manager) RefreshCycle(ctx context.Context) (*CycleResult, error) {
	if !m.cycleRunning.CompareAndSwap(false, true) {
		m.logger.Debug("Refresh cycle already running, skipping")
		return nil, ErrCycleInProgress
	}
	defer m.cycleRunning.Store(false)

	accounts, err := m.store.ListAccounts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	result := &CycleResult{Failed: map[string]error{}}
	for _, acct := range accounts {
		result.Checked++
		if !m.NeedsRefresh(acct) {
			continue
		}
		if !acct.HasRefreshToken() {
			m.logger.Warn("Account needs re-authorization", "account", acct.ID)
			result.ReauthRequired = append(result.ReauthRequired, acct.ID)
			continue
		}

		if _, err := m.Refresh(ctx, acct.ID); err != nil {
			result.Failed[acct.ID] = err
			continue
		}
		result.Refreshed = append(result.Refreshed, acct.ID)
	}

	m.logger.Info("Refresh cycle complete",
		"checked", result.Checked,
		"refreshed", len(result.Refreshed),
		"failed", len(result.Failed),
		"reauth_required", len(result.ReauthRequired))
	return result, nil
}
