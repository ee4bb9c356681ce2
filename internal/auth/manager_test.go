package auth

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/oauth2"

	"github.com/wesm/jira-mirror/internal/auth/mocks"
	"github.com/wesm/jira-mirror/internal/db"
	"github.com/wesm/jira-mirror/internal/models"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestStore(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	require.NoError(t, database.Initialize())
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func newTestManager(t *testing.T) (*Manager, *db.DB, *mocks.MockTokenEndpoint) {
	t.Helper()

	ctrl := gomock.NewController(t)
	endpoint := mocks.NewMockTokenEndpoint(ctrl)
	store := newTestStore(t)
	return NewManager(store, endpoint, WithClock(fixedClock)), store, endpoint
}

func saveAccount(t *testing.T, store *db.DB, id string, expiresIn time.Duration, refreshToken string) *models.Account {
	t.Helper()

	expires := testNow.Add(expiresIn)
	acct := &models.Account{
		ID:           id,
		AccessToken:  "access-" + id,
		RefreshToken: refreshToken,
		ExpiresAt:    &expires,
		Active:       true,
	}
	require.NoError(t, store.SaveAccount(context.Background(), acct))
	return acct
}

func timePtr(t time.Time) *time.Time { return &t }

func TestManager_NeedsRefresh(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil, WithClock(fixedClock))

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{name: "absent expiry", expiresAt: nil, want: true},
		{name: "already expired", expiresAt: timePtr(testNow.Add(-time.Minute)), want: true},
		{name: "expires now", expiresAt: timePtr(testNow), want: true},
		{name: "exactly at buffer", expiresAt: timePtr(testNow.Add(300 * time.Second)), want: true},
		{name: "one second past buffer", expiresAt: timePtr(testNow.Add(301 * time.Second)), want: false},
		{name: "an hour left", expiresAt: timePtr(testNow.Add(time.Hour)), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, m.NeedsRefresh(&models.Account{ExpiresAt: tt.expiresAt}))
		})
	}
}

func TestManager_State(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil, WithClock(fixedClock))

	tests := []struct {
		name string
		acct models.Account
		want State
	}{
		{
			name: "valid",
			acct: models.Account{Active: true, RefreshToken: "r", ExpiresAt: timePtr(testNow.Add(time.Hour))},
			want: StateValid,
		},
		{
			name: "near expiry",
			acct: models.Account{Active: true, RefreshToken: "r", ExpiresAt: timePtr(testNow.Add(time.Minute))},
			want: StateNearExpiry,
		},
		{
			name: "expired",
			acct: models.Account{Active: true, RefreshToken: "r", ExpiresAt: timePtr(testNow.Add(-time.Minute))},
			want: StateExpired,
		},
		{
			name: "expired without refresh token",
			acct: models.Account{Active: true, ExpiresAt: timePtr(testNow.Add(-time.Minute))},
			want: StateReauthRequired,
		},
		{
			name: "valid without refresh token",
			acct: models.Account{Active: true, ExpiresAt: timePtr(testNow.Add(time.Hour))},
			want: StateValid,
		},
		{
			name: "deactivated",
			acct: models.Account{Active: false, RefreshToken: "r", ExpiresAt: timePtr(testNow.Add(time.Hour))},
			want: StateDeactivated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, m.State(&tt.acct))
		})
	}
}

func TestManager_RefreshSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, endpoint := newTestManager(t)
	saveAccount(t, store, "a1", time.Minute, "rt-1")

	_, _, err := store.RecordRefreshFailure(ctx, "a1", FailureThreshold)
	require.NoError(t, err)

	endpoint.EXPECT().Refresh(gomock.Any(), "rt-1").Return(&oauth2.Token{
		AccessToken: "at-2",
		Expiry:      testNow.Add(time.Hour),
	}, nil)

	tokens, err := m.Refresh(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tokens.AccessToken)
	// the provider did not rotate the refresh token, so the old one is kept
	assert.Equal(t, "rt-1", tokens.RefreshToken)

	got, err := store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", got.AccessToken)
	assert.Equal(t, 0, got.FailureCount)
	require.NotNil(t, got.LastRefreshAt)
	assert.True(t, got.LastRefreshAt.Equal(testNow))
	assert.Equal(t, StateValid, m.State(got))
}

func TestManager_RefreshWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, _ := newTestManager(t)
	saveAccount(t, store, "a1", -time.Minute, "")

	_, err := m.Refresh(ctx, "a1")
	require.ErrorIs(t, err, ErrNoRefreshCapability)
	assert.NotErrorIs(t, err, ErrRefreshFailed)

	got, err := store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount)
	assert.True(t, got.Active)
}

func TestManager_RefreshUnknownAccount(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)

	_, err := m.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestManager_RefreshFailuresDeactivate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, endpoint := newTestManager(t)
	saveAccount(t, store, "a1", time.Minute, "rt-1")

	rejected := &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: http.StatusForbidden},
		ErrorCode: "unauthorized_client",
	}
	endpoint.EXPECT().Refresh(gomock.Any(), "rt-1").Return(nil, rejected).Times(FailureThreshold)

	for i := 1; i <= FailureThreshold; i++ {
		_, err := m.Refresh(ctx, "a1")
		require.ErrorIs(t, err, ErrRefreshFailed)

		var refreshErr *RefreshError
		require.ErrorAs(t, err, &refreshErr)
		assert.Equal(t, i, refreshErr.FailureCount)
		assert.Equal(t, i == FailureThreshold, refreshErr.Deactivated)
		assert.Contains(t, refreshErr.Reason, "unauthorized_client")
	}

	got, err := store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, StateDeactivated, m.State(got))

	// further attempts fail with the same error class without reaching the endpoint
	_, err = m.Refresh(ctx, "a1")
	assert.ErrorIs(t, err, ErrRefreshFailed)
}

func TestManager_RefreshEmptyAccessTokenCountsAsFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, endpoint := newTestManager(t)
	saveAccount(t, store, "a1", time.Minute, "rt-1")

	endpoint.EXPECT().Refresh(gomock.Any(), "rt-1").Return(&oauth2.Token{}, nil)

	_, err := m.Refresh(ctx, "a1")
	require.ErrorIs(t, err, ErrRefreshFailed)

	got, err := store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)
}

func TestManager_ExchangeAuthorizationCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _, endpoint := newTestManager(t)

	endpoint.EXPECT().Exchange(gomock.Any(), "good").Return(&oauth2.Token{
		AccessToken:  "at",
		RefreshToken: "rt",
		Expiry:       testNow.Add(time.Hour),
	}, nil)
	endpoint.EXPECT().Exchange(gomock.Any(), "bad").Return(nil, &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusBadRequest},
	})

	tokens, err := m.ExchangeAuthorizationCode(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "at", tokens.AccessToken)
	assert.Equal(t, "rt", tokens.RefreshToken)
	require.NotNil(t, tokens.ExpiresAt)

	_, err = m.ExchangeAuthorizationCode(ctx, "bad")
	assert.ErrorIs(t, err, ErrExchangeFailed)

	_, err = m.ExchangeAuthorizationCode(ctx, "")
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestManager_StoreTokensFirstAccountIsPrimary(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, _ := newTestManager(t)
	expires := testNow.Add(time.Hour)

	first, err := m.StoreTokens(ctx, "a1", &models.Tokens{AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: &expires},
		models.AccountInfo{ID: "a1", Name: "one", URL: "https://one.atlassian.net"})
	require.NoError(t, err)
	assert.True(t, first.Primary)

	second, err := m.StoreTokens(ctx, "a2", &models.Tokens{AccessToken: "at2", ExpiresAt: &expires},
		models.AccountInfo{ID: "a2", Name: "two"})
	require.NoError(t, err)
	assert.False(t, second.Primary)

	// re-authorizing the primary keeps it primary
	again, err := m.StoreTokens(ctx, "a1", &models.Tokens{AccessToken: "at1b", RefreshToken: "rt1b", ExpiresAt: &expires},
		models.AccountInfo{ID: "a1", Name: "one"})
	require.NoError(t, err)
	assert.True(t, again.Primary)

	got, err := store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "at1b", got.AccessToken)
	assert.Equal(t, "https://one.atlassian.net", first.SiteURL)

	require.NoError(t, m.SetPrimary(ctx, "a2"))
	got, err = store.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, got.Primary)
}

func TestManager_StoreTokensReactivates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, _ := newTestManager(t)
	saveAccount(t, store, "a1", time.Minute, "rt")
	for i := 0; i < FailureThreshold; i++ {
		_, _, err := store.RecordRefreshFailure(ctx, "a1", FailureThreshold)
		require.NoError(t, err)
	}

	expires := testNow.Add(time.Hour)
	acct, err := m.StoreTokens(ctx, "a1", &models.Tokens{AccessToken: "fresh", RefreshToken: "rt2", ExpiresAt: &expires},
		models.AccountInfo{ID: "a1"})
	require.NoError(t, err)
	assert.True(t, acct.Active)
	assert.Equal(t, 0, acct.FailureCount)
	assert.Equal(t, StateValid, m.State(acct))
}

func TestManager_EnsureValid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, endpoint := newTestManager(t)
	saveAccount(t, store, "valid", time.Hour, "rt-v")
	saveAccount(t, store, "due", time.Minute, "rt-d")
	saveAccount(t, store, "broken", -time.Minute, "rt-b")
	saveAccount(t, store, "noreauth", -time.Minute, "")

	endpoint.EXPECT().Refresh(gomock.Any(), "rt-d").Return(&oauth2.Token{
		AccessToken:  "at-d2",
		RefreshToken: "rt-d2",
		Expiry:       testNow.Add(time.Hour),
	}, nil)
	endpoint.EXPECT().Refresh(gomock.Any(), "rt-b").Return(nil, errors.New("connection reset"))

	acct, err := m.EnsureValid(ctx, "valid")
	require.NoError(t, err)
	assert.Equal(t, "access-valid", acct.AccessToken)

	acct, err = m.EnsureValid(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, "at-d2", acct.AccessToken)
	assert.Equal(t, "rt-d2", acct.RefreshToken)
	assert.False(t, m.NeedsRefresh(acct))

	_, err = m.EnsureValid(ctx, "broken")
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.ErrorIs(t, err, ErrRefreshFailed)

	_, err = m.EnsureValid(ctx, "noreauth")
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.ErrorIs(t, err, ErrNoRefreshCapability)

	_, err = m.EnsureValid(ctx, "missing")
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestManager_RefreshCycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, store, endpoint := newTestManager(t)
	saveAccount(t, store, "fresh", time.Hour, "rt-f")
	saveAccount(t, store, "due", time.Minute, "rt-d")
	saveAccount(t, store, "failing", time.Minute, "rt-x")
	saveAccount(t, store, "manual", time.Minute, "")

	endpoint.EXPECT().Refresh(gomock.Any(), "rt-d").Return(&oauth2.Token{AccessToken: "new", Expiry: testNow.Add(time.Hour)}, nil)
	endpoint.EXPECT().Refresh(gomock.Any(), "rt-x").Return(nil, errors.New("boom"))

	result, err := m.RefreshCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Checked)
	assert.Equal(t, []string{"due"}, result.Refreshed)
	assert.Equal(t, []string{"manual"}, result.ReauthRequired)
	require.Contains(t, result.Failed, "failing")
	assert.ErrorIs(t, result.Failed["failing"], ErrRefreshFailed)
}

func TestManager_RefreshCycleIsNotReentrant(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	m.cycleRunning.Store(true)

	_, err := m.RefreshCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	m.cycleRunning.Store(false)
	_, err = m.RefreshCycle(context.Background())
	assert.NoError(t, err)
}

func TestManager_AuthCodeURL(t *testing.T) {
	t.Parallel()

	m, _, endpoint := newTestManager(t)
	endpoint.EXPECT().AuthCodeURL("state-1").Return("https://auth.example/authorize?state=state-1")

	assert.Equal(t, "https://auth.example/authorize?state=state-1", m.AuthCodeURL("state-1"))
}

type failingFailureStore struct {
	*db.DB
	err error
}

func (s *failingFailureStore) RecordRefreshFailure(context.Context, string, int) (int, bool, error) {
	return 0, false, s.err
}

func TestManager_RefreshFailureNotPersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctrl := gomock.NewController(t)
	endpoint := mocks.NewMockTokenEndpoint(ctrl)
	database := newTestStore(t)
	saveAccount(t, database, "a1", time.Minute, "rt-1")

	diskFull := errors.New("database or disk is full")
	m := NewManager(&failingFailureStore{DB: database, err: diskFull}, endpoint, WithClock(fixedClock))

	endpoint.EXPECT().Refresh(gomock.Any(), "rt-1").Return(nil, errors.New("connection reset"))

	_, err := m.Refresh(ctx, "a1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, diskFull)

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, "connection reset", refreshErr.Reason)
	assert.False(t, refreshErr.Deactivated)

	got, err := database.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount)
}
