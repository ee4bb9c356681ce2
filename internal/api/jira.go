package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	// DefaultBaseURL is the Atlassian API gateway for Jira Cloud sites
	DefaultBaseURL = "https://api.atlassian.com/ex/jira"

	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
)

// ErrMalformedResponse is returned when a 2xx response body is not valid JSON
var ErrMalformedResponse = errors.New("malformed response body")

// StatusError is returned when the API answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// RateLimitError is returned when the API keeps rejecting requests with 429
type RateLimitError struct {
	ResetTime time.Time
	Err       *StatusError
	retry     error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s: %v", e.ResetTime.Format(time.RFC3339), e.Err)
}

// Unwrap exposes both the status error and the retry hint for the backoff loop
func (e *RateLimitError) Unwrap() []error {
	if e.retry == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.retry}
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsForbidden reports whether err is a 403 response
func IsForbidden(err error) bool { return statusCode(err) == http.StatusForbidden }

// IsUnauthorized reports whether err is a 401 response
func IsUnauthorized(err error) bool { return statusCode(err) == http.StatusUnauthorized }

// IsNotFound reports whether err is a 404 response
func IsNotFound(err error) bool { return statusCode(err) == http.StatusNotFound }

// Option configures a JiraClient
type Option func(*JiraClient)

// WithHTTPClient sets the base HTTP client used underneath the bearer transport
func WithHTTPClient(hc *http.Client) Option {
	return func(c *JiraClient) {
		c.base = hc
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *JiraClient) {
		c.timeout = d
	}
}

// WithMaxRetries sets how many times a rate limited or failed request is retried
func WithMaxRetries(n uint) Option {
	return func(c *JiraClient) {
		c.maxRetries = n
	}
}

// WithBackOff overrides the retry backoff policy
func WithBackOff(b func() backoff.BackOff) Option {
	return func(c *JiraClient) {
		c.newBackOff = b
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *JiraClient) {
		c.logger = l
	}
}

// JiraClient represents a client for one Jira Cloud site's REST API
type JiraClient struct {
	client     *http.Client
	base       *http.Client
	baseURL    string
	timeout    time.Duration
	maxRetries uint
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// NewJiraClient creates a new Jira API client for a site, authenticated with a bearer token
func NewJiraClient(baseURL, cloudID, token string, opts ...Option) *JiraClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &JiraClient{
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/" + url.PathEscape(cloudID),
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	base := &http.Client{Timeout: c.timeout}
	if c.base != nil {
		base.Transport = c.base.Transport
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	c.client = oauth2.NewClient(ctx, ts)
	c.client.Timeout = c.timeout

	return c
}

// Get performs a GET request against a path relative to the site's API root
func (c *JiraClient) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// Post performs a POST request with a JSON body
func (c *JiraClient) Post(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, data)
}

// List fetches an un-paginated collection whose response body is a JSON array
func (c *JiraClient) List(ctx context.Context, path string) ([]gjson.Result, error) {
	body, err := c.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("GET %s: %w", path, ErrMalformedResponse)
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("GET %s: expected a JSON array", path)
	}
	return parsed.Array(), nil
}

// Items fetches a resource and returns the array found at itemsPath inside it.
// A missing array yields no items; a body that is not valid JSON is an error.
func (c *JiraClient) Items(ctx context.Context, path string, query url.Values, itemsPath string) ([]gjson.Result, error) {
	body, err := c.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("GET %s: %w", path, ErrMalformedResponse)
	}

	parsed := gjson.ParseBytes(body)
	if itemsPath != "" {
		parsed = parsed.Get(itemsPath)
	}
	if !parsed.Exists() || parsed.Type == gjson.Null {
		return nil, nil
	}
	if !parsed.IsArray() {
		return nil, fmt.Errorf("GET %s: %q is not a JSON array", path, itemsPath)
	}
	return parsed.Array(), nil
}

// Page fetches one offset page of a collection. itemsPath selects the array inside
// the response envelope; an empty itemsPath means the body is the array itself.
func (c *JiraClient) Page(ctx context.Context, path string, query url.Values, itemsPath string, startAt, maxResults int) ([]gjson.Result, error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(maxResults))

	return c.Items(ctx, path, q, itemsPath)
}

// SearchIssues fetches one offset page of issues matching a JQL query
func (c *JiraClient) SearchIssues(ctx context.Context, jql string, startAt, maxResults int) ([]gjson.Result, error) {
	query := url.Values{}
	query.Set("jql", jql)
	query.Set("fields", "*all")
	return c.Page(ctx, "/rest/api/3/search", query, "issues", startAt, maxResults)
}

func (c *JiraClient) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	operation := func() ([]byte, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}

		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			Method:     method,
			URL:        c.baseURL + path,
			Body:       string(data),
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, rateLimitError(statusErr, resp.Header.Get("Retry-After"))
		case resp.StatusCode >= 500:
			return nil, statusErr
		default:
			return nil, backoff.Permanent(statusErr)
		}
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("Retrying Jira request", "method", method, "path", path, "wait", next, "error", err)
		}),
	)
}

func rateLimitError(statusErr *StatusError, retryAfter string) *RateLimitError {
	rl := &RateLimitError{Err: statusErr, ResetTime: time.Now()}
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		rl.ResetTime = time.Now().Add(time.Duration(secs) * time.Second)
		rl.retry = backoff.RetryAfter(secs)
	}
	return rl
}
