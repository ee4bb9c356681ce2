package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/wesm/jira-mirror/config"
	"github.com/wesm/jira-mirror/internal/api"
	"github.com/wesm/jira-mirror/internal/auth"
	"github.com/wesm/jira-mirror/internal/db"
	"github.com/wesm/jira-mirror/internal/logging"
	"github.com/wesm/jira-mirror/internal/metrics"
	"github.com/wesm/jira-mirror/internal/models"
	"github.com/wesm/jira-mirror/internal/sync"
)

// app holds the long-lived components shared by every command
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	logCloser    io.Closer
	db           *db.DB
	metrics      *metrics.Metrics
	oauth        *api.OAuthClient
	manager      *auth.Manager
	orchestrator *sync.Orchestrator
}

func newApp(configPath string, requireOAuth bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if requireOAuth {
		if err := cfg.ValidateOAuth(); err != nil {
			return nil, err
		}
	}

	logger, logCloser := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}, os.Stderr)
	slog.SetDefault(logger)

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Initialize(); err != nil {
		_ = database.Close()
		_ = logCloser.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.New()
	oauthClient := api.NewOAuthClient(api.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		ResourcesURL: cfg.OAuth.ResourcesURL,
		Scopes:       cfg.OAuth.Scopes,
	})
	manager := auth.NewManager(database, oauthClient,
		auth.WithLogger(logger),
		auth.WithMetrics(m))

	graph, err := sync.DefaultGraph(database, cfg.API.PageSize)
	if err != nil {
		_ = database.Close()
		_ = logCloser.Close()
		return nil, fmt.Errorf("failed to build entity graph: %w", err)
	}

	clients := func(acct *models.Account) sync.JiraAPI {
		return api.NewJiraClient(cfg.API.BaseURL, acct.ID, acct.AccessToken,
			api.WithTimeout(cfg.API.Timeout),
			api.WithMaxRetries(uint(cfg.API.MaxRetries)),
			api.WithLogger(logger))
	}
	orchestrator := sync.NewOrchestrator(graph, manager, clients, database,
		sync.WithLogger(logger),
		sync.WithMetrics(m))

	return &app{
		cfg:          cfg,
		logger:       logger,
		logCloser:    logCloser,
		db:           database,
		metrics:      m,
		oauth:        oauthClient,
		manager:      manager,
		orchestrator: orchestrator,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Error("Failed to close database", "error", err)
	}
	_ = a.logCloser.Close()
}
