// Package server exposes the operational HTTP surface: the OAuth authorization
// flow, account management, manual sync triggers, statistics and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wesm/jira-mirror/internal/auth"
	"github.com/wesm/jira-mirror/internal/db"
	"github.com/wesm/jira-mirror/internal/metrics"
	"github.com/wesm/jira-mirror/internal/models"
	"github.com/wesm/jira-mirror/internal/sync"
)

// Credentials is the token lifecycle surface the server drives
type Credentials interface {
	AuthCodeURL(state string) string
	ExchangeAuthorizationCode(ctx context.Context, code string) (*models.Tokens, error)
	StoreTokens(ctx context.Context, accountID string, tokens *models.Tokens, info models.AccountInfo) (*models.Account, error)
	SetPrimary(ctx context.Context, accountID string) error
	RefreshCycle(ctx context.Context) (*auth.CycleResult, error)
	State(acct *models.Account) auth.State
}

// Resources resolves the Jira sites an access token can reach
type Resources interface {
	AccessibleResources(ctx context.Context, accessToken string) ([]models.AccountInfo, error)
}

// Syncer runs manual and comprehensive syncs
type Syncer interface {
	Run(ctx context.Context, accountID string) (*sync.Report, error)
	RunAll(ctx context.Context) (*sync.RunAllResult, error)
}

// Store serves accounts, statistics and mirrored rows
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context, activeOnly bool) ([]*models.Account, error)
	CountEntities(ctx context.Context, accountID string) ([]models.EntityCount, error)
	LastSyncRun(ctx context.Context, accountID string) (*models.SyncRun, error)
	ListEntities(ctx context.Context, accountID, entityType string, limit, offset int) ([]*models.EntityRecord, error)
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics serves the collectors on /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithStateTTL sets how long an authorization state token stays valid
func WithStateTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.stateTTL = ttl
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// Server holds the HTTP handlers and their dependencies
type Server struct {
	creds     Credentials
	resources Resources
	syncer    Syncer
	store     Store
	logger    *slog.Logger
	metrics   *metrics.Metrics
	stateTTL  time.Duration
	now       func() time.Time
	states    *stateStore
}

// New creates a new server
func New(creds Credentials, resources Resources, syncer Syncer, store Store, opts ...Option) *Server {
	s := &Server{
		creds:     creds,
		resources: resources,
		syncer:    syncer,
		store:     store,
		logger:    slog.Default(),
		stateTTL:  DefaultStateTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.states = newStateStore(s.stateTTL, s.now)
	return s
}

// Handler returns the chi router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Get("/start", s.authStart)
		r.Get("/callback", s.authCallback)
	})

	r.Post("/sync", s.syncAll)
	r.Post("/refresh", s.refresh)

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", s.listAccounts)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/primary", s.setPrimary)
			r.Post("/sync", s.syncAccount)
			r.Get("/stats", s.stats)
			r.Get("/entities/{type}", s.entities)
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// accountView is an account without its token material
type accountView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	SiteURL       string     `json:"site_url"`
	Scopes        []string   `json:"scopes"`
	State         auth.State `json:"state"`
	Active        bool       `json:"active"`
	Primary       bool       `json:"primary"`
	FailureCount  int        `json:"failure_count"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
}

func (s *Server) view(acct *models.Account) accountView {
	return accountView{
		ID:            acct.ID,
		Name:          acct.Name,
		SiteURL:       acct.SiteURL,
		Scopes:        acct.Scopes,
		State:         s.creds.State(acct),
		Active:        acct.Active,
		Primary:       acct.Primary,
		FailureCount:  acct.FailureCount,
		ExpiresAt:     acct.ExpiresAt,
		LastRefreshAt: acct.LastRefreshAt,
	}
}

func (s *Server) authStart(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.creds.AuthCodeURL(s.states.Issue()), http.StatusFound)
}

func (s *Server) authCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		s.logger.Warn("Authorization denied", "error", denied, "description", q.Get("error_description"))
		writeError(w, "authorization denied: "+denied, http.StatusBadRequest)
		return
	}
	if !s.states.Consume(q.Get("state")) {
		writeError(w, "invalid or expired state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tokens, err := s.creds.ExchangeAuthorizationCode(ctx, q.Get("code"))
	if err != nil {
		s.logger.Error("Authorization code exchange failed", "error", err)
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	sites, err := s.resources.AccessibleResources(ctx, tokens.AccessToken)
	if err != nil {
		s.logger.Error("Failed to resolve accessible resources", "error", err)
		writeError(w, "failed to resolve accessible Jira sites", http.StatusBadGateway)
		return
	}
	if len(sites) == 0 {
		writeError(w, "the authorization grants access to no Jira site", http.StatusUnprocessableEntity)
		return
	}

	views := make([]accountView, 0, len(sites))
	for _, site := range sites {
		acct, err := s.creds.StoreTokens(ctx, site.ID, tokens, site)
		if err != nil {
			s.logger.Error("Failed to store account", "account", site.ID, "error", err)
			writeError(w, "failed to store account "+site.ID, http.StatusInternalServerError)
			return
		}
		views = append(views, s.view(acct))
	}

	writeJSON(w, map[string]any{"accounts": views}, http.StatusOK)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	accounts, err := s.store.ListAccounts(r.Context(), activeOnly)
	if err != nil {
		s.logger.Error("Failed to list accounts", "error", err)
		writeError(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, acct := range accounts {
		views = append(views, s.view(acct))
	}
	writeJSON(w, map[string]any{"accounts": views}, http.StatusOK)
}

func (s *Server) setPrimary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.creds.SetPrimary(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, map[string]string{"primary": id}, http.StatusOK)
	case errors.Is(err, db.ErrAccountNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, db.ErrAccountInactive):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("Failed to set primary account", "account", id, "error", err)
		writeError(w, "failed to set primary account", http.StatusInternalServerError)
	}
}

func (s *Server) syncAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.syncer.Run(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, report, http.StatusOK)
	case errors.Is(err, sync.ErrSyncAlreadyInProgress):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, auth.ErrCredentialUnavailable):
		writeError(w, err.Error(), http.StatusUnauthorized)
	default:
		s.logger.Error("Manual sync failed", "account", id, "error", err)
		writeError(w, "sync failed", http.StatusInternalServerError)
	}
}

func errorStrings(errs map[string]error) map[string]string {
	out := make(map[string]string, len(errs))
	for k, err := range errs {
		out[k] = err.Error()
	}
	return out
}

func (s *Server) syncAll(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncer.RunAll(r.Context())
	if err != nil {
		s.logger.Error("Comprehensive sync failed", "error", err)
		writeError(w, "sync failed", http.StatusInternalServerError)
		return
	}

	reports := result.Reports
	if reports == nil {
		reports = []*sync.Report{}
	}
	writeJSON(w, map[string]any{
		"reports": reports,
		"errors":  errorStrings(result.Errors),
	}, http.StatusOK)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.creds.RefreshCycle(r.Context())
	if err != nil {
		if errors.Is(err, auth.ErrCycleInProgress) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		s.logger.Error("Manual refresh cycle failed", "error", err)
		writeError(w, "refresh failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"checked":         result.Checked,
		"refreshed":       result.Refreshed,
		"reauth_required": result.ReauthRequired,
		"failed":          errorStrings(result.Failed),
	}, http.StatusOK)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		s.logger.Error("Failed to load account", "account", id, "error", err)
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	if acct == nil {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}

	counts, err := s.store.CountEntities(ctx, id)
	if err != nil {
		s.logger.Error("Failed to count entities", "account", id, "error", err)
		writeError(w, "failed to count entities", http.StatusInternalServerError)
		return
	}
	run, err := s.store.LastSyncRun(ctx, id)
	if err != nil {
		s.logger.Error("Failed to load last sync run", "account", id, "error", err)
		writeError(w, "failed to load last sync run", http.StatusInternalServerError)
		return
	}

	entities := make(map[string]int, len(counts))
	for _, c := range counts {
		entities[c.Type] = c.Count
	}

	resp := map[string]any{
		"account":  s.view(acct),
		"entities": entities,
	}
	if run != nil {
		resp["last_run"] = map[string]any{
			"id":            run.ID,
			"started_at":    run.StartedAt,
			"finished_at":   run.FinishedAt,
			"total_records": run.TotalRecords,
			"failed_types":  run.FailedTypes,
			"results":       run.Results,
		}
	}
	writeJSON(w, resp, http.StatusOK)
}

type entityView struct {
	NaturalKey string          `json:"natural_key"`
	Fields     map[string]any  `json:"fields"`
	Raw        json.RawMessage `json:"raw"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) entities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entityType := chi.URLParam(r, "type")
	if _, ok := db.LookupTable(entityType); !ok {
		writeError(w, "unknown entity type "+entityType, http.StatusNotFound)
		return
	}

	limit, ok := queryInt(r, "limit", 50)
	if !ok || limit == 0 || limit > 500 {
		writeError(w, "limit must be between 1 and 500", http.StatusBadRequest)
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		writeError(w, "offset must be a non-negative integer", http.StatusBadRequest)
		return
	}

	records, err := s.store.ListEntities(r.Context(), id, entityType, limit, offset)
	if err != nil {
		s.logger.Error("Failed to list entities", "account", id, "entity", entityType, "error", err)
		writeError(w, "failed to list entities", http.StatusInternalServerError)
		return
	}

	views := make([]entityView, 0, len(records))
	for _, rec := range records {
		views = append(views, entityView{
			NaturalKey: rec.NaturalKey,
			Fields:     rec.Fields,
			Raw:        rec.Raw,
			UpdatedAt:  rec.UpdatedAt,
		})
	}
	writeJSON(w, map[string]any{
		"entity":  entityType,
		"limit":   limit,
		"offset":  offset,
		"records": views,
	}, http.StatusOK)
}
