package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/wesm/jira-mirror/internal/models"
)

// JiraAPI is the part of the Jira client the entity tasks call
type JiraAPI interface {
	Items(ctx context.Context, path string, query url.Values, itemsPath string) ([]gjson.Result, error)
	Page(ctx context.Context, path string, query url.Values, itemsPath string, startAt, maxResults int) ([]gjson.Result, error)
	SearchIssues(ctx context.Context, jql string, startAt, maxResults int) ([]gjson.Result, error)
}

// RecordStore persists normalized records and serves parent keys to scoped tasks
type RecordStore interface {
	UpsertEntity(ctx context.Context, rec *models.EntityRecord) error
	ListNaturalKeys(ctx context.Context, accountID, entityType string) ([]string, error)
}

// Session is the account and authenticated client a run works with. Tasks log
// through Logger when it is set.
type Session struct {
	Account *models.Account
	Client  JiraAPI
	Logger  *slog.Logger
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Outcome counts what one task did
type Outcome struct {
	Synced     int
	Skipped    int
	SoftErrors int

	// LastSoftError is the most recent per-parent failure, if any
	LastSoftError error
}

// Task syncs one entity type
type Task interface {
	Sync(ctx context.Context, s *Session) (Outcome, error)
}

// FetchFunc returns a fresh lazy sequence of raw records
type FetchFunc[R any] func(ctx context.Context, s *Session) iter.Seq2[R, error]

// EntityTask syncs one entity type from raw records of type R
type EntityTask[R any] struct {
	entity    string
	store     RecordStore
	fetch     FetchFunc[R]
	key       func(R) string
	normalize func(R) (map[string]any, json.RawMessage)
}

// NewEntityTask creates a task for entityType
func NewEntityTask[R any](
	entityType string,
	store RecordStore,
	fetch FetchFunc[R],
	key func(R) string,
	normalize func(R) (map[string]any, json.RawMessage),
) *EntityTask[R] {
	return &EntityTask[R]{
		entity:    entityType,
		store:     store,
		fetch:     fetch,
		key:       key,
		normalize: normalize,
	}
}

// Entity returns the entity type the task writes
func (t *EntityTask[R]) Entity() string { return t.entity }

// Sync fetches every record, drops the ones without a natural key and upserts
// the rest. Re-running it against the same remote state leaves the store unchanged.
func (t *EntityTask[R]) Sync(ctx context.Context, s *Session) (Outcome, error) {
	var out Outcome
	logger := s.logger().With("entity", t.entity, "account", s.Account.ID)

	for raw, err := range t.fetch(ctx, s) {
		if err != nil {
			var scopeErr *ScopeError
			if errors.As(err, &scopeErr) {
				out.SoftErrors++
				out.LastSoftError = scopeErr
				logger.Warn("Skipping parent after fetch error", "parent", scopeErr.Parent, "error", scopeErr.Err)
				continue
			}
			return out, &EntityFetchError{Entity: t.entity, Err: err}
		}

		key := t.key(raw)
		if key == "" {
			out.Skipped++
			logger.Debug("Dropping record without natural key")
			continue
		}

		fields, payload := t.normalize(raw)
		rec := &models.EntityRecord{
			Type:       t.entity,
			AccountID:  s.Account.ID,
			NaturalKey: key,
			Fields:     fields,
			Raw:        payload,
		}
		if err := t.store.UpsertEntity(ctx, rec); err != nil {
			return out, fmt.Errorf("failed to save %s %s: %w", t.entity, key, err)
		}
		out.Synced++
	}

	return out, nil
}
