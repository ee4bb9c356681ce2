package sync

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wesm/jira-mirror/internal/auth"
	"github.com/wesm/jira-mirror/internal/db"
	"github.com/wesm/jira-mirror/internal/models"
)

// fakeJira serves canned collections keyed by request path, plus the encoded
// query for un-paged requests. Search requests are keyed by "search:" + jql.
type fakeJira struct {
	mu    gosync.Mutex
	data  map[string][]string
	errs  map[string]error
	calls map[string]int
}

func newFakeJira() *fakeJira {
	return &fakeJira{
		data:  map[string][]string{},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func (f *fakeJira) set(key string, items ...string) { f.data[key] = items }

func (f *fakeJira) fail(key string, err error) { f.errs[key] = err }

func (f *fakeJira) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeJira) slice(key string, startAt, maxResults int) ([]gjson.Result, error) {
	f.mu.Lock()
	f.calls[key]++
	f.mu.Unlock()

	if err := f.errs[key]; err != nil {
		return nil, err
	}
	items := f.data[key]
	if startAt >= len(items) {
		return nil, nil
	}
	end := len(items)
	if maxResults >= 0 && startAt+maxResults < end {
		end = startAt + maxResults
	}
	return gjson.Parse("[" + strings.Join(items[startAt:end], ",") + "]").Array(), nil
}

func (f *fakeJira) Items(_ context.Context, path string, query url.Values, _ string) ([]gjson.Result, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return f.slice(path, 0, -1)
}

func (f *fakeJira) Page(_ context.Context, path string, _ url.Values, _ string, startAt, maxResults int) ([]gjson.Result, error) {
	return f.slice(path, startAt, maxResults)
}

func (f *fakeJira) SearchIssues(_ context.Context, jql string, startAt, maxResults int) ([]gjson.Result, error) {
	return f.slice("search:"+jql, startAt, maxResults)
}

// fakeCredentials hands out stored accounts unless told to fail
type fakeCredentials struct {
	accounts map[string]*models.Account
	fail     map[string]error
}

func (c *fakeCredentials) EnsureValid(_ context.Context, accountID string) (*models.Account, error) {
	if err := c.fail[accountID]; err != nil {
		return nil, err
	}
	acct, ok := c.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s not found", auth.ErrCredentialUnavailable, accountID)
	}
	return acct, nil
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	require.NoError(t, database.Initialize())
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func testAccount(t *testing.T, database *db.DB, id string) *models.Account {
	t.Helper()

	acct := &models.Account{
		ID:           id,
		Name:         id,
		SiteURL:      "https://" + id + ".atlassian.net",
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		Active:       true,
	}
	require.NoError(t, database.SaveAccount(context.Background(), acct))
	return acct
}

func countOf(t *testing.T, database *db.DB, accountID, entity string) int {
	t.Helper()

	counts, err := database.CountEntities(context.Background(), accountID)
	require.NoError(t, err)
	for _, c := range counts {
		if c.Type == entity {
			return c.Count
		}
	}
	t.Fatalf("no count for %s", entity)
	return 0
}

// seedSite fills the fake with one small Jira site
func seedSite(f *fakeJira) {
	f.set("/rest/api/3/issuetype", `{"id":"10001","name":"Bug","subtask":false,"hierarchyLevel":0}`)
	f.set("/rest/api/3/priority", `{"id":"3","name":"Medium","statusColor":"#ffab00"}`)
	f.set("/rest/api/3/status", `{"id":"1","name":"Open","statusCategory":{"key":"new","name":"To Do"}}`)
	f.set("/rest/api/3/resolution", `{"id":"10000","name":"Done"}`)
	f.set("/rest/api/3/users/search",
		`{"accountId":"u1","accountType":"atlassian","displayName":"Ada","active":true}`,
		`{"accountType":"app","displayName":"no id"}`)
	f.set("/rest/api/3/group/bulk", `{"groupId":"g1","name":"jira-users"}`)
	f.set("/rest/api/3/field", `{"id":"summary","name":"Summary","custom":false,"schema":{"type":"string"}}`)
	f.set("/rest/api/3/project/search",
		`{"id":"100","key":"ENG","name":"Engineering","projectTypeKey":"software","lead":{"accountId":"u1"}}`)
	f.set("/rest/api/3/project/ENG/components", `{"id":"200","name":"Backend"}`)
	f.set("/rest/api/3/project/ENG/versions", `{"id":"300","name":"1.0","released":true,"archived":false}`)
	f.set("search:"+IssueJQL("ENG"),
		`{"id":"1000","key":"ENG-1","fields":{"summary":"First","status":{"name":"Open"},"assignee":{"accountId":"u1"}}}`,
		`{"id":"1001","key":"ENG-2","fields":{"summary":"Second","assignee":{"accountId":"ghost"},"parent":{"key":"ENG-99"}}}`)
	f.set("/rest/api/3/issue/ENG-1/comment", `{"id":"c1","author":{"accountId":"u1"}}`)
	f.set("/rest/api/3/issue/ENG-1/worklog", `{"id":"w1","timeSpentSeconds":3600}`)
	f.set("/rest/api/3/issue/ENG-1?fields=attachment", `{"id":"a1","filename":"log.txt","size":12}`)
	f.set("/rest/api/3/issue/ENG-2?fields=issuelinks",
		`{"id":"l1","type":{"name":"Blocks"},"outwardIssue":{"key":"OPS-7"}}`)
}
