// Package scheduler drives the periodic token refresh and sync cycles.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/jira-mirror/internal/auth"
	"github.com/wesm/jira-mirror/internal/sync"
)

// Refresher runs one token refresh cycle
type Refresher interface {
	RefreshCycle(ctx context.Context) (*auth.CycleResult, error)
}

// Syncer runs one comprehensive sync over all active accounts
type Syncer interface {
	RunAll(ctx context.Context) (*sync.RunAllResult, error)
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithoutInitialRun waits for the first tick instead of running both cycles at start
func WithoutInitialRun() Option {
	return func(s *Scheduler) {
		s.initialRun = false
	}
}

// Scheduler runs the refresh cycle and the sync cycle on independent tickers
type Scheduler struct {
	refresher    Refresher
	syncer       Syncer
	refreshEvery time.Duration
	syncEvery    time.Duration
	initialRun   bool
	logger       *slog.Logger
}

// New creates a new scheduler
func New(refresher Refresher, syncer Syncer, refreshEvery, syncEvery time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresher:    refresher,
		syncer:       syncer,
		refreshEvery: refreshEvery,
		syncEvery:    syncEvery,
		initialRun:   true,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled. Cycle failures are logged and never stop the loops.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "refresh_interval", s.refreshEvery, "sync_interval", s.syncEvery)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(ctx, "refresh", s.refreshEvery, s.runRefresh)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, "sync", s.syncEvery, s.runSync)
		return nil
	})

	err := g.Wait()
	s.logger.Info("Scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, cycle func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	if s.initialRun {
		cycle(ctx)
	}
	for {
		select {
		case <-ticker.C:
			cycle(ctx)
		case <-ctx.Done():
			s.logger.Debug("Cycle loop stopping", "cycle", name)
			return
		}
	}
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	if _, err := s.refresher.RefreshCycle(ctx); err != nil {
		if errors.Is(err, auth.ErrCycleInProgress) {
			s.logger.Debug("Previous refresh cycle still running")
			return
		}
		s.logger.Error("Refresh cycle failed", "error", err)
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	result, err := s.syncer.RunAll(ctx)
	if err != nil {
		s.logger.Error("Scheduled sync failed", "error", err)
		return
	}
	for accountID, runErr := range result.Errors {
		if errors.Is(runErr, sync.ErrSyncAlreadyInProgress) {
			s.logger.Info("Skipped account already syncing", "account", accountID)
		}
	}
}
