package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindgauge/backend/internal/assessment"
	"github.com/mindgauge/backend/internal/audit"
	"github.com/mindgauge/backend/internal/auth"
	"github.com/mindgauge/backend/internal/calibration"
	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/metrics"
	"github.com/mindgauge/backend/internal/ratelimit"
	"github.com/mindgauge/backend/internal/store"
)

// Store is the persistence slice the handlers touch directly; the rest
// of storage is reached through the auth and assessment services.
// *store.Memory and *store.Postgres satisfy it.
type Store interface {
	Ping(ctx context.Context) error
	SetPushToken(ctx context.Context, userID int64, token string, enabled bool) error

	ListItems(ctx context.Context, f store.ItemFilter) ([]*domain.Item, error)
	ListAnchors(ctx context.Context) ([]*domain.Item, error)
	SetAnchor(ctx context.Context, itemID int64, anchor bool) error
	ResponseCountsByItem(ctx context.Context) (map[int64]int, error)

	ReliabilityHistory(ctx context.Context, kind domain.MetricKind, since time.Time, limit, offset int) ([]*domain.ReliabilityMetric, error)
	SecurityEventsSince(ctx context.Context, names []string, since time.Time) ([]*domain.SecurityEvent, error)
}

// Config wires the dispatcher.
type Config struct {
	Auth        *auth.Service
	Tests       *assessment.Service
	Reliability *calibration.ReliabilityService
	Store       Store
	Audit       *audit.Logger
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	Limiter          ratelimit.Limiter
	Policy           *ratelimit.Policy
	RateLimitEnabled bool

	AdminToken string

	// MetricsHandler serves /metrics; nil falls back to the default
	// registry's handler.
	MetricsHandler http.Handler
}

// Server is the HTTP front of the service.
type Server struct {
	auth        *auth.Service
	tests       *assessment.Service
	reliability *calibration.ReliabilityService
	store       Store
	audit       *audit.Logger
	metrics     *metrics.Metrics
	logger      *slog.Logger

	limiter ratelimit.Limiter
	policy  *ratelimit.Policy
	limitOn bool

	adminToken     string
	metricsHandler http.Handler

	httpServer *http.Server
	now        func() time.Time
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Auth == nil || cfg.Tests == nil || cfg.Store == nil {
		return nil, fmt.Errorf("api: auth service, assessment service, and store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogger(nil, cfg.Logger)
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	return &Server{
		auth:           cfg.Auth,
		tests:          cfg.Tests,
		reliability:    cfg.Reliability,
		store:          cfg.Store,
		audit:          cfg.Audit,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		limiter:        cfg.Limiter,
		policy:         cfg.Policy,
		limitOn:        cfg.RateLimitEnabled,
		adminToken:     cfg.AdminToken,
		metricsHandler: cfg.MetricsHandler,
		now:            time.Now,
	}, nil
}

// Handler builds the full route tree. Auth endpoints are public but
// rate limited; session endpoints authenticate first so the admission
// key is the user id; the admin surface sits behind the shared token.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, s.logRequests)
	r.NotFoundHandler = errorHandler(http.StatusNotFound, domain.KeyNotFound, "no such endpoint")
	r.MethodNotAllowedHandler = errorHandler(http.StatusMethodNotAllowed, domain.KeyBadRequest, "method not allowed")

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	public := func(h http.HandlerFunc) http.Handler { return s.limited(h) }
	protected := func(h http.HandlerFunc) http.Handler { return s.authed(s.limited(h)) }

	v1.Handle("/auth/register", public(s.handleRegister)).Methods(http.MethodPost)
	v1.Handle("/auth/login", public(s.handleLogin)).Methods(http.MethodPost)
	v1.Handle("/auth/refresh", public(s.handleRefresh)).Methods(http.MethodPost)
	v1.Handle("/auth/request-password-reset", public(s.handleRequestPasswordReset)).Methods(http.MethodPost)
	v1.Handle("/auth/reset-password", public(s.handleResetPassword)).Methods(http.MethodPost)

	v1.Handle("/auth/logout", protected(s.handleLogout)).Methods(http.MethodPost)
	v1.Handle("/auth/logout-all", protected(s.handleLogoutAll)).Methods(http.MethodPost)
	v1.Handle("/auth/change-password", protected(s.handleChangePassword)).Methods(http.MethodPost)

	v1.Handle("/users/me", protected(s.handleMe)).Methods(http.MethodGet)
	v1.Handle("/users/me/push-token", protected(s.handlePushToken)).Methods(http.MethodPut)

	v1.Handle("/test/start", protected(s.handleTestStart)).Methods(http.MethodPost)
	v1.Handle("/test/next", protected(s.handleTestNext)).Methods(http.MethodPost)
	v1.Handle("/test/submit", protected(s.handleTestSubmit)).Methods(http.MethodPost)
	v1.Handle("/test/abandon", protected(s.handleTestAbandon)).Methods(http.MethodPost)
	v1.Handle("/test/active", protected(s.handleTestActive)).Methods(http.MethodGet)
	v1.Handle("/test/result/{session_id:[0-9]+}", protected(s.handleTestResult)).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Handle("/reliability", s.adminOnly(s.handleReliability)).Methods(http.MethodGet)
	admin.Handle("/reliability/history", s.adminOnly(s.handleReliabilityHistory)).Methods(http.MethodGet)
	admin.Handle("/anchor-items", s.adminOnly(s.handleAnchorList)).Methods(http.MethodGet)
	admin.Handle("/anchor-items/auto-select", s.adminOnly(s.handleAnchorAutoSelect)).Methods(http.MethodPost)
	admin.Handle("/anchor-items/{item_id:[0-9]+}", s.adminOnly(s.handleAnchorSet)).Methods(http.MethodPost)
	admin.Handle("/security/logout-all-events", s.adminOnly(s.handleLogoutAllEvents)).Methods(http.MethodGet)

	return r
}

// errorHandler writes a fixed error envelope. Router-level fallbacks
// run outside the middleware chain, so there is no request id here.
func errorHandler(status int, key, detail string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, errorBody{Error: key, Detail: detail})
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info("[API] listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("[API] health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
