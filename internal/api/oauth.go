package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/wesm/jira-mirror/internal/models"
)

const (
	// DefaultAuthURL is the Atlassian authorization endpoint
	DefaultAuthURL = "https://auth.atlassian.com/authorize"
	// DefaultTokenURL is the Atlassian token endpoint used for exchange and refresh
	DefaultTokenURL = "https://auth.atlassian.com/oauth/token"
	// DefaultResourcesURL lists the sites an access token can reach
	DefaultResourcesURL = "https://api.atlassian.com/oauth/token/accessible-resources"
)

// DefaultScopes is the fixed scope set requested during authorization
var DefaultScopes = []string{
	"read:jira-work",
	"read:jira-user",
	"manage:jira-configuration",
	"read:me",
	"offline_access",
}

// OAuthConfig holds the client registration used against the authorization server
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	ResourcesURL string
	Scopes       []string
	HTTPClient   *http.Client
}

// OAuthClient performs the authorization code exchange and token refreshes
type OAuthClient struct {
	config       *oauth2.Config
	resourcesURL string
	httpClient   *http.Client
}

// NewOAuthClient creates a new OAuth client, filling unset endpoints with the Atlassian defaults
func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.ResourcesURL == "" {
		cfg.ResourcesURL = DefaultResourcesURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}

	return &OAuthClient{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		resourcesURL: cfg.ResourcesURL,
		httpClient:   cfg.HTTPClient,
	}
}

func (c *OAuthClient) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL returns the URL the user is redirected to in order to grant access
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades an authorization code for tokens
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := c.config.Exchange(c.context(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return tok, nil
}

// Refresh obtains new tokens from a refresh token. The call is made exactly once.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := c.config.TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok, nil
}

// AccessibleResources lists the Jira sites an access token was granted for
func (c *OAuthClient) AccessibleResources(ctx context.Context, accessToken string) ([]models.AccountInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resourcesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list accessible resources: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read accessible resources: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Method: http.MethodGet, URL: c.resourcesURL, Body: string(body)}
	}

	var resources []models.AccountInfo
	if err := json.Unmarshal(body, &resources); err != nil {
		return nil, fmt.Errorf("failed to parse accessible resources: %w", err)
	}
	return resources, nil
}

// ConvertToken converts an oauth2 token to our model. A zero expiry stays absent.
func ConvertToken(tok *oauth2.Token) *models.Tokens {
	tokens := &models.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expires := tok.Expiry.UTC().Truncate(time.Second)
		tokens.ExpiresAt = &expires
	}
	return tokens
}
