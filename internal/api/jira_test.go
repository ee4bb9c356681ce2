package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *JiraClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewJiraClient(srv.URL, "cloud-1", "token-1", WithBackOff(fastBackOff), WithMaxRetries(2))
}

func TestJiraClient_SendsBearerToken(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "/cloud-1/rest/api/3/priority", r.URL.Path)
		fmt.Fprint(w, `[{"id":"1","name":"High"},{"id":"2","name":"Low"}]`)
	})

	items, err := client.List(context.Background(), "/rest/api/3/priority")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "High", items[0].Get("name").String())
}

func TestJiraClient_ListRejectsEnvelope(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"values":[]}`)
	})

	_, err := client.List(context.Background(), "/rest/api/3/status")
	assert.Error(t, err)
}

func TestJiraClient_Page(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("startAt"))
		assert.Equal(t, "25", r.URL.Query().Get("maxResults"))
		assert.Equal(t, "project = ABC", r.URL.Query().Get("jql"))
		fmt.Fprint(w, `{"startAt":50,"maxResults":25,"total":51,"issues":[{"key":"ABC-1"}]}`)
	})

	items, err := client.SearchIssues(context.Background(), "project = ABC", 50, 25)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ABC-1", items[0].Get("key").String())
}

func TestJiraClient_PageMissingItems(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"total":0}`)
	})

	items, err := client.Page(context.Background(), "/rest/api/3/project/search", nil, "values", 0, 50)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestJiraClient_ForbiddenIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"errorMessages":["admin only"]}`, http.StatusForbidden)
	})

	_, err := client.List(context.Background(), "/rest/api/3/group/bulk")
	require.Error(t, err)
	assert.True(t, IsForbidden(err))
	assert.False(t, IsUnauthorized(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestJiraClient_RetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[]`)
	})

	items, err := client.List(context.Background(), "/rest/api/3/resolution")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int32(2), calls.Load())
}

func TestJiraClient_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Get(context.Background(), "/rest/api/3/field", nil)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestJiraClient_RateLimitErrorKeepsStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Get(context.Background(), "/rest/api/3/field", nil)
	require.Error(t, err)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, http.StatusTooManyRequests, statusCode(err))
}

func TestJiraClient_Items(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"ENG-1": `{"key":"ENG-1","fields":{"attachment":[{"id":"10"},{"id":"11"}]}}`,
		"ENG-2": `{"key":"ENG-2","fields":{"attachment":null}}`,
		"ENG-3": `{"key":"ENG-3","fields":{"attachment":"broken"}}`,
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "attachment", r.URL.Query().Get("fields"))
		key := r.URL.Path[len("/cloud-1/rest/api/3/issue/"):]
		fmt.Fprint(w, bodies[key])
	})

	query := url.Values{"fields": []string{"attachment"}}

	items, err := client.Items(context.Background(), "/rest/api/3/issue/ENG-1", query, "fields.attachment")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "11", items[1].Get("id").String())

	items, err = client.Items(context.Background(), "/rest/api/3/issue/ENG-2", query, "fields.attachment")
	require.NoError(t, err)
	assert.Nil(t, items)

	_, err = client.Items(context.Background(), "/rest/api/3/issue/ENG-3", query, "fields.attachment")
	assert.Error(t, err)
}

func TestJiraClient_RejectsMalformedBodies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		call func(*JiraClient) error
	}{
		{
			name: "html page on a list",
			body: `<html><body>Service Unavailable</body></html>`,
			call: func(c *JiraClient) error {
				_, err := c.List(context.Background(), "/rest/api/3/priority")
				return err
			},
		},
		{
			name: "html page on items",
			body: `<html><body>Service Unavailable</body></html>`,
			call: func(c *JiraClient) error {
				_, err := c.Items(context.Background(), "/rest/api/3/priority", nil, "")
				return err
			},
		},
		{
			name: "truncated array",
			body: `[{"id":"1"},{"id":"2"`,
			call: func(c *JiraClient) error {
				_, err := c.Items(context.Background(), "/rest/api/3/status", nil, "")
				return err
			},
		},
		{
			name: "truncated search page",
			body: `{"issues":[{"key":"A-1"},{"key":`,
			call: func(c *JiraClient) error {
				_, err := c.SearchIssues(context.Background(), "project = A", 0, 50)
				return err
			},
		},
		{
			name: "empty body",
			body: ``,
			call: func(c *JiraClient) error {
				_, err := c.Page(context.Background(), "/rest/api/3/project/search", nil, "values", 0, 50)
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, tt.body)
			})

			err := tt.call(client)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedResponse)
		})
	}
}
