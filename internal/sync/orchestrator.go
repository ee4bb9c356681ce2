// Package sync mirrors Jira entity types into the local store. An Orchestrator
// walks a tiered dependency graph of entity tasks for one account at a time.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/jira-mirror/internal/api"
	"github.com/wesm/jira-mirror/internal/auth"
	"github.com/wesm/jira-mirror/internal/metrics"
	"github.com/wesm/jira-mirror/internal/models"
)

// CredentialProvider hands out accounts with a usable access token
type CredentialProvider interface {
	EnsureValid(ctx context.Context, accountID string) (*models.Account, error)
}

// RunStore lists accounts and records finished runs
type RunStore interface {
	ListAccounts(ctx context.Context, activeOnly bool) ([]*models.Account, error)
	SaveSyncRun(ctx context.Context, run *models.SyncRun) error
}

// ClientFactory builds an API client authenticated as the account
type ClientFactory func(acct *models.Account) JiraAPI

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithMetrics records per-entity and per-run metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs the entity graph for accounts
type Orchestrator struct {
	graph   *Graph
	creds   CredentialProvider
	clients ClientFactory
	store   RunStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      gosync.Mutex
	running map[string]struct{}
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(graph *Graph, creds CredentialProvider, clients ClientFactory, store RunStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		graph:   graph,
		creds:   creds,
		clients: clients,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		running: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) acquire(accountID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[accountID]; busy {
		return false
	}
	o.running[accountID] = struct{}{}
	return true
}

func (o *Orchestrator) release(accountID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, accountID)
}

// Running reports whether a run holds the account's lease
func (o *Orchestrator) Running(accountID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.running[accountID]
	return busy
}

// Run syncs every entity type for one account. It fails fast with
// ErrSyncAlreadyInProgress when the account is already syncing and aborts
// before the first tier when no valid credential can be obtained. Entity
// failures never abort the run; they are recorded in the report.
func (o *Orchestrator) Run(ctx context.Context, accountID string) (*Report, error) {
	if !o.acquire(accountID) {
		o.metrics.ObserveRejectedRun()
		o.logger.Warn("Sync already in progress, rejecting run", "account", accountID)
		return nil, fmt.Errorf("%w: account %s", ErrSyncAlreadyInProgress, accountID)
	}
	defer o.release(accountID)

	report := &Report{
		RunID:     uuid.NewString(),
		AccountID: accountID,
		StartedAt: o.now().UTC(),
	}

	acct, err := o.creds.EnsureValid(ctx, accountID)
	if err != nil {
		o.logger.Error("Aborting sync, no valid credential", "account", accountID, "error", err)
		if !errors.Is(err, auth.ErrCredentialUnavailable) {
			err = fmt.Errorf("%w: %w", auth.ErrCredentialUnavailable, err)
		}
		return nil, err
	}

	session := &Session{Account: acct, Client: o.clients(acct), Logger: o.logger}
	nodes := o.graph.Nodes()
	o.logger.Info("Starting sync", "account", accountID, "run", report.RunID, "entities", len(nodes))

	for i, node := range nodes {
		res := o.runNode(ctx, node, session)
		report.Results = append(report.Results, res)
		o.metrics.ObserveEntity(res.Entity, string(res.Status), res.Count, res.Skipped)

		o.logger.Info("Progress",
			"account", accountID,
			"step", fmt.Sprintf("%d/%d", i+1, len(nodes)),
			"entity", res.Entity,
			"status", res.Status,
			"count", res.Count)
	}

	report.FinishedAt = o.now().UTC()
	o.metrics.ObserveRun(report.FinishedAt.Sub(report.StartedAt))

	if err := o.saveRun(ctx, report); err != nil {
		o.logger.Error("Failed to record sync run", "account", accountID, "run", report.RunID, "error", err)
	}

	o.logger.Info("Sync complete",
		"account", accountID,
		"run", report.RunID,
		"records", report.TotalRecords(),
		"failed", len(report.Failed()),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

// runNode isolates one task: errors and panics become a failed result, 403
// responses a skipped one and per-parent failures a partial one.
func (o *Orchestrator) runNode(ctx context.Context, node Node, s *Session) (res EntityResult) {
	res = EntityResult{Entity: node.Entity, Tier: node.Tier}
	start := o.now()

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Err = &EntityFetchError{Entity: node.Entity, Err: fmt.Errorf("panic: %v", r)}
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		res.Duration = o.now().Sub(start)

		switch res.Status {
		case StatusFailed:
			o.logger.Error("Entity sync failed", "account", s.Account.ID, "entity", node.Entity, "error", res.Err)
		case StatusPartial:
			o.logger.Warn("Entity sync incomplete",
				"account", s.Account.ID, "entity", node.Entity, "failed_parents", res.SoftErrors, "error", res.Err)
		case StatusSkipped:
			o.logger.Warn("Entity sync skipped, access denied", "account", s.Account.ID, "entity", node.Entity)
		}
	}()

	out, err := node.Task.Sync(ctx, s)
	res.Count = out.Synced
	res.Skipped = out.Skipped
	res.SoftErrors = out.SoftErrors

	switch {
	case err == nil && out.SoftErrors > 0:
		res.Status = StatusPartial
		res.Err = out.LastSoftError
	case err == nil:
		res.Status = StatusSucceeded
	case api.IsForbidden(err):
		res.Status = StatusSkipped
		res.Err = err
	default:
		res.Status = StatusFailed
		res.Err = err
	}
	return res
}

func (o *Orchestrator) saveRun(ctx context.Context, report *Report) error {
	results, err := json.Marshal(report.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	return o.store.SaveSyncRun(ctx, &models.SyncRun{
		ID:           report.RunID,
		AccountID:    report.AccountID,
		StartedAt:    report.StartedAt,
		FinishedAt:   report.FinishedAt,
		TotalRecords: report.TotalRecords(),
		FailedTypes:  len(report.Failed()),
		Results:      results,
	})
}

// RunAllResult holds the outcome of a comprehensive sync
type RunAllResult struct {
	Reports []*Report
	Errors  map[string]error
}

// RunAll syncs every active account one after another. A failing account is
// logged and recorded without stopping the others.
func (o *Orchestrator) RunAll(ctx context.Context) (*RunAllResult, error) {
	accounts, err := o.store.ListAccounts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	result := &RunAllResult{Errors: map[string]error{}}
	for _, acct := range accounts {
		report, err := o.Run(ctx, acct.ID)
		if err != nil {
			o.logger.Warn("Account sync did not run", "account", acct.ID, "error", err)
			result.Errors[acct.ID] = err
			continue
		}
		result.Reports = append(result.Reports, report)
	}

	o.logger.Info("Comprehensive sync complete", "accounts", len(accounts), "synced", len(result.Reports), "errors", len(result.Errors))
	return result, nil
}
