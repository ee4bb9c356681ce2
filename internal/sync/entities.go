package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/wesm/jira-mirror/internal/db"
)

// field mapping from a raw payload to table columns
type columns func(r gjson.Result) map[string]any

func str(r gjson.Result, path string) any {
	v := r.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	return v.String()
}

func num(r gjson.Result, path string) any {
	v := r.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	return v.Int()
}

func flag(r gjson.Result, path string) any {
	v := r.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	return v.Bool()
}

// keyAt returns the first non-empty value among paths
func keyAt(paths ...string) func(gjson.Result) string {
	return func(r gjson.Result) string {
		for _, p := range paths {
			if v := r.Get(p); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
		return ""
	}
}

func normalizer(cols columns) func(gjson.Result) (map[string]any, json.RawMessage) {
	return func(r gjson.Result) (map[string]any, json.RawMessage) {
		return cols(r), json.RawMessage(r.Raw)
	}
}

func scopedKey(paths ...string) func(Scoped[gjson.Result]) string {
	key := keyAt(paths...)
	return func(s Scoped[gjson.Result]) string { return key(s.Item) }
}

// scopedNormalizer stores the parent key in parentColumn next to the mapped fields
func scopedNormalizer(parentColumn string, cols columns) func(Scoped[gjson.Result]) (map[string]any, json.RawMessage) {
	return func(s Scoped[gjson.Result]) (map[string]any, json.RawMessage) {
		fields := cols(s.Item)
		fields[parentColumn] = s.Parent
		return fields, json.RawMessage(s.Item.Raw)
	}
}

func listFetch(path, itemsPath string) FetchFunc[gjson.Result] {
	return func(ctx context.Context, s *Session) iter.Seq2[gjson.Result, error] {
		return Paginate[gjson.Result](ctx, SinglePager[gjson.Result]{
			Fetch: func(ctx context.Context) ([]gjson.Result, error) {
				return s.Client.Items(ctx, path, nil, itemsPath)
			},
		})
	}
}

func pagedFetch(path, itemsPath string, pageSize int) FetchFunc[gjson.Result] {
	return func(ctx context.Context, s *Session) iter.Seq2[gjson.Result, error] {
		return Paginate[gjson.Result](ctx, OffsetPager[gjson.Result]{
			PageSize: pageSize,
			Fetch: func(ctx context.Context, startAt, maxResults int) ([]gjson.Result, error) {
				return s.Client.Page(ctx, path, nil, itemsPath, startAt, maxResults)
			},
		})
	}
}

// perParent reads the parent keys from the store when the sequence is consumed
// and runs one pager per key
func perParent(store RecordStore, parentType string, pagerFor func(s *Session, key string) Pager[gjson.Result]) FetchFunc[Scoped[gjson.Result]] {
	return func(ctx context.Context, s *Session) iter.Seq2[Scoped[gjson.Result], error] {
		return func(yield func(Scoped[gjson.Result], error) bool) {
			keys, err := store.ListNaturalKeys(ctx, s.Account.ID, parentType)
			if err != nil {
				yield(Scoped[gjson.Result]{}, fmt.Errorf("failed to list %s keys: %w", parentType, err))
				return
			}
			for item, err := range ForEachKey(ctx, keys, func(key string) Pager[gjson.Result] { return pagerFor(s, key) }) {
				if !yield(item, err) {
					return
				}
			}
		}
	}
}

func issuePath(key, suffix string) string {
	return "/rest/api/3/issue/" + url.PathEscape(key) + suffix
}

func projectPath(key, suffix string) string {
	return "/rest/api/3/project/" + url.PathEscape(key) + suffix
}

// IssueJQL is the search used to list the issues of one project
func IssueJQL(projectKey string) string {
	return fmt.Sprintf("project = %q ORDER BY key ASC", projectKey)
}

// DefaultGraph builds the Jira entity graph. Reference data and projects run in
// tier 0, project-scoped data in tier 1, issues in tier 2 and issue-scoped
// data in tier 3.
func DefaultGraph(store RecordStore, pageSize int) (*Graph, error) {
	global := func(entity string, fetch FetchFunc[gjson.Result], key func(gjson.Result) string, cols columns) Task {
		return NewEntityTask(entity, store, fetch, key, normalizer(cols))
	}
	scoped := func(entity, parentType, parentColumn string, pagerFor func(*Session, string) Pager[gjson.Result], cols columns) Task {
		return NewEntityTask(entity, store, perParent(store, parentType, pagerFor), scopedKey("id"), scopedNormalizer(parentColumn, cols))
	}

	issueField := func(field string) func(*Session, string) Pager[gjson.Result] {
		return func(s *Session, key string) Pager[gjson.Result] {
			return SinglePager[gjson.Result]{Fetch: func(ctx context.Context) ([]gjson.Result, error) {
				q := url.Values{}
				q.Set("fields", field)
				return s.Client.Items(ctx, issuePath(key, ""), q, "fields."+field)
			}}
		}
	}
	issuePaged := func(suffix, itemsPath string) func(*Session, string) Pager[gjson.Result] {
		return func(s *Session, key string) Pager[gjson.Result] {
			return OffsetPager[gjson.Result]{PageSize: pageSize, Fetch: func(ctx context.Context, startAt, maxResults int) ([]gjson.Result, error) {
				return s.Client.Page(ctx, issuePath(key, suffix), nil, itemsPath, startAt, maxResults)
			}}
		}
	}
	projectList := func(suffix string) func(*Session, string) Pager[gjson.Result] {
		return func(s *Session, key string) Pager[gjson.Result] {
			return SinglePager[gjson.Result]{Fetch: func(ctx context.Context) ([]gjson.Result, error) {
				return s.Client.Items(ctx, projectPath(key, suffix), nil, "")
			}}
		}
	}

	issues := NewEntityTask(db.TypeIssues, store,
		perParent(store, db.TypeProjects, func(s *Session, key string) Pager[gjson.Result] {
			return OffsetPager[gjson.Result]{PageSize: pageSize, Fetch: func(ctx context.Context, startAt, maxResults int) ([]gjson.Result, error) {
				return s.Client.SearchIssues(ctx, IssueJQL(key), startAt, maxResults)
			}}
		}),
		scopedKey("key"),
		func(s Scoped[gjson.Result]) (map[string]any, json.RawMessage) {
			r := s.Item
			fields := map[string]any{
				"issue_id":            str(r, "id"),
				"project_key":         s.Parent,
				"summary":             str(r, "fields.summary"),
				"status_name":         str(r, "fields.status.name"),
				"priority_name":       str(r, "fields.priority.name"),
				"issue_type_name":     str(r, "fields.issuetype.name"),
				"resolution_name":     str(r, "fields.resolution.name"),
				"assignee_account_id": str(r, "fields.assignee.accountId"),
				"reporter_account_id": str(r, "fields.reporter.accountId"),
				"parent_key":          str(r, "fields.parent.key"),
				"created":             str(r, "fields.created"),
				"updated":             str(r, "fields.updated"),
			}
			return fields, json.RawMessage(r.Raw)
		},
	)

	return NewGraph(
		Node{Entity: db.TypeIssueTypes, Tier: 0, Task: global(db.TypeIssueTypes,
			listFetch("/rest/api/3/issuetype", ""), keyAt("id"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"name":            str(r, "name"),
					"description":     str(r, "description"),
					"subtask":         flag(r, "subtask"),
					"hierarchy_level": num(r, "hierarchyLevel"),
				}
			})},
		Node{Entity: db.TypePriorities, Tier: 0, Task: global(db.TypePriorities,
			listFetch("/rest/api/3/priority", ""), keyAt("id"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"name":         str(r, "name"),
					"description":  str(r, "description"),
					"status_color": str(r, "statusColor"),
				}
			})},
		Node{Entity: db.TypeStatuses, Tier: 0, Task: global(db.TypeStatuses,
			listFetch("/rest/api/3/status", ""), keyAt("id"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"name":          str(r, "name"),
					"category_key":  str(r, "statusCategory.key"),
					"category_name": str(r, "statusCategory.name"),
				}
			})},
		Node{Entity: db.TypeResolutions, Tier: 0, Task: global(db.TypeResolutions,
			listFetch("/rest/api/3/resolution", ""), keyAt("id"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"name":        str(r, "name"),
					"description": str(r, "description"),
				}
			})},
		Node{Entity: db.TypeUsers, Tier: 0, Task: global(db.TypeUsers,
			pagedFetch("/rest/api/3/users/search", "", pageSize), keyAt("accountId"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"account_type":  str(r, "accountType"),
					"display_name":  str(r, "displayName"),
					"email_address": str(r, "emailAddress"),
					"active":        flag(r, "active"),
				}
			})},
		Node{Entity: db.TypeGroups, Tier: 0, Task: global(db.TypeGroups,
			pagedFetch("/rest/api/3/group/bulk", "values", pageSize), keyAt("groupId", "name"),
			func(r gjson.Result) map[string]any {
				return map[string]any{"name": str(r, "name")}
			})},
		Node{Entity: db.TypeFields, Tier: 0, Task: global(db.TypeFields,
			listFetch("/rest/api/3/field", ""), keyAt("id"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"name":        str(r, "name"),
					"custom":      flag(r, "custom"),
					"schema_type": str(r, "schema.type"),
				}
			})},
		Node{Entity: db.TypeProjects, Tier: 0, Task: global(db.TypeProjects,
			pagedFetch("/rest/api/3/project/search", "values", pageSize), keyAt("key"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"project_id":       str(r, "id"),
					"name":             str(r, "name"),
					"project_type_key": str(r, "projectTypeKey"),
					"lead_account_id":  str(r, "lead.accountId"),
				}
			})},

		Node{Entity: db.TypeComponents, Tier: 1, DependsOn: []string{db.TypeProjects}, Task: scoped(db.TypeComponents,
			db.TypeProjects, "project_key", projectList("/components"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"name":            str(r, "name"),
					"description":     str(r, "description"),
					"lead_account_id": str(r, "lead.accountId"),
				}
			})},
		Node{Entity: db.TypeVersions, Tier: 1, DependsOn: []string{db.TypeProjects}, Task: scoped(db.TypeVersions,
			db.TypeProjects, "project_key", projectList("/versions"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"name":         str(r, "name"),
					"released":     flag(r, "released"),
					"archived":     flag(r, "archived"),
					"release_date": str(r, "releaseDate"),
				}
			})},

		Node{Entity: db.TypeIssues, Tier: 2, DependsOn: []string{db.TypeProjects}, Task: issues},

		Node{Entity: db.TypeComments, Tier: 3, DependsOn: []string{db.TypeIssues}, Task: scoped(db.TypeComments,
			db.TypeIssues, "issue_key", issuePaged("/comment", "comments"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"author_account_id": str(r, "author.accountId"),
					"created":           str(r, "created"),
					"updated":           str(r, "updated"),
				}
			})},
		Node{Entity: db.TypeWorklogs, Tier: 3, DependsOn: []string{db.TypeIssues}, Task: scoped(db.TypeWorklogs,
			db.TypeIssues, "issue_key", issuePaged("/worklog", "worklogs"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"author_account_id":  str(r, "author.accountId"),
					"time_spent_seconds": num(r, "timeSpentSeconds"),
					"started":            str(r, "started"),
				}
			})},
		Node{Entity: db.TypeAttachments, Tier: 3, DependsOn: []string{db.TypeIssues}, Task: scoped(db.TypeAttachments,
			db.TypeIssues, "issue_key", issueField("attachment"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"filename":          str(r, "filename"),
					"mime_type":         str(r, "mimeType"),
					"size":              num(r, "size"),
					"author_account_id": str(r, "author.accountId"),
					"created":           str(r, "created"),
					"content_url":       str(r, "content"),
				}
			})},
		Node{Entity: db.TypeIssueLinks, Tier: 3, DependsOn: []string{db.TypeIssues}, Task: scoped(db.TypeIssueLinks,
			db.TypeIssues, "issue_key", issueField("issuelinks"),
			func(r gjson.Result) map[string]any {
				return map[string]any{
					"link_type":   str(r, "type.name"),
					"inward_key":  str(r, "inwardIssue.key"),
					"outward_key": str(r, "outwardIssue.key"),
				}
			})},
	)
}
