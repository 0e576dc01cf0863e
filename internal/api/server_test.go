package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindgauge/backend/internal/assessment"
	"github.com/mindgauge/backend/internal/audit"
	"github.com/mindgauge/backend/internal/auth"
	"github.com/mindgauge/backend/internal/calibration"
	"github.com/mindgauge/backend/internal/cat"
	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/events"
	"github.com/mindgauge/backend/internal/metrics"
	"github.com/mindgauge/backend/internal/ratelimit"
	"github.com/mindgauge/backend/internal/store"
)

const (
	testAdminToken = "admin-secret-token"
	testPassword   = "Sup3rSecret1"
)

var apiItemOptions = []string{"alpha", "beta", "gamma", "delta"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// resetMailer captures the reset token each address was mailed.
type resetMailer struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *resetMailer) SendPasswordReset(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = map[string]string{}
	}
	m.tokens[email] = token
	return nil
}

func (m *resetMailer) token(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[email]
}

type apiHarness struct {
	t      *testing.T
	st     *store.Memory
	srv    *Server
	h      http.Handler
	mailer *resetMailer
	m      *metrics.Metrics
}

// newAPIHarness builds a full server over the in-memory store. Rate
// limiting starts disabled; rate-limit tests flip it on and rebuild.
func newAPIHarness(t *testing.T, engine cat.Config) *apiHarness {
	t.Helper()
	logger := testLogger()
	st := store.NewMemory()

	tokens, err := auth.NewTokens("api-test-secret-0123456789abcdef", 30*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	bl := auth.NewMemoryBlacklist(time.Minute, logger)
	t.Cleanup(bl.Stop)
	mailer := &resetMailer{}
	authSvc := auth.NewService(auth.ServiceConfig{
		Users:                  st,
		Tokens:                 tokens,
		Blacklist:              bl,
		Throttle:               auth.NewResetThrottle(),
		Mailer:                 mailer,
		Audit:                  audit.NewLogger(st, logger),
		Logger:                 logger,
		RevokeOnPasswordChange: true,
	})

	bus := events.NewBus(16, logger)
	t.Cleanup(bus.Close)
	tests, err := assessment.NewService(assessment.Config{
		Store:  st,
		Engine: cat.NewEngine(engine),
		Bus:    bus,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("assessment.NewService: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	limiter := ratelimit.NewMemory(ratelimit.SlidingWindow, time.Minute, logger)
	t.Cleanup(limiter.Stop)

	srv, err := NewServer(Config{
		Auth:           authSvc,
		Tests:          tests,
		Reliability:    calibration.NewReliabilityService(st, st, st, calibration.DefaultConfig(), logger),
		Store:          st,
		Audit:          audit.NewLogger(st, logger),
		Metrics:        m,
		Logger:         logger,
		Limiter:        limiter,
		Policy:         ratelimit.NewPolicy(ratelimit.Rule{Limit: 1000, Window: time.Minute}),
		AdminToken:     testAdminToken,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &apiHarness{t: t, st: st, srv: srv, h: srv.Handler(), mailer: mailer, m: m}
}

// rebuild refreshes the handler after a test tweaks server fields.
func (h *apiHarness) rebuild() { h.h = h.srv.Handler() }

func (h *apiHarness) do(method, target string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshaling request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) decode(rec *httptest.ResponseRecorder, dst any) {
	h.t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		h.t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func (h *apiHarness) wantStatus(rec *httptest.ResponseRecorder, status int) {
	h.t.Helper()
	if rec.Code != status {
		h.t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
}

func (h *apiHarness) wantError(rec *httptest.ResponseRecorder, status int, key string) {
	h.t.Helper()
	h.wantStatus(rec, status)
	var eb errorBody
	h.decode(rec, &eb)
	if eb.Error != key {
		h.t.Errorf("error key = %q, want %q (detail %q)", eb.Error, key, eb.Detail)
	}
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func adminHeader() map[string]string {
	return map[string]string{"X-Admin-Token": testAdminToken}
}

func (h *apiHarness) register(email string) tokenResponse {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/v1/auth/register", map[string]any{
		"email":      email,
		"password":   testPassword,
		"first_name": "Test",
		"last_name":  "User",
	}, nil)
	h.wantStatus(rec, http.StatusCreated)
	var tr tokenResponse
	h.decode(rec, &tr)
	return tr
}

func (h *apiHarness) seedCalibratedItems(perDomain int, a float64) {
	h.t.Helper()
	for di, d := range domain.Domains {
		for k := 0; k < perDomain; k++ {
			it := &domain.Item{
				Prompt:       fmt.Sprintf("%s item %d", d, k+1),
				Options:      apiItemOptions,
				CorrectIndex: 1,
				Domain:       d,
				Difficulty:   domain.DifficultyMedium,
				Active:       true,
				Quality:      domain.QualityNormal,
				IRT:          &domain.IRTParams{A: a, B: -0.6 + 0.2*float64(k) + 0.05*float64(di)},
			}
			if err := h.st.PutItem(context.Background(), it); err != nil {
				h.t.Fatalf("PutItem: %v", err)
			}
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())

	rec := h.do(http.MethodGet, "/health", nil, nil)
	h.wantStatus(rec, http.StatusOK)
	var body map[string]string
	h.decode(rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestUnknownEndpointHasErrorEnvelope(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())

	rec := h.do(http.MethodGet, "/v1/no-such-endpoint", nil, nil)
	h.wantError(rec, http.StatusNotFound, domain.KeyNotFound)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())

	rec := h.do(http.MethodGet, "/v1/auth/login", nil, nil)
	h.wantError(rec, http.StatusMethodNotAllowed, domain.KeyBadRequest)
}

func TestRequestIDEchoed(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())

	rec := h.do(http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "edge-42"})
	if got := rec.Header().Get("X-Request-ID"); got != "edge-42" {
		t.Errorf("X-Request-ID = %q, want edge-42", got)
	}

	rec = h.do(http.MethodGet, "/health", nil, nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())

	h.do(http.MethodGet, "/health", nil, nil)
	rec := h.do(http.MethodGet, "/metrics", nil, nil)
	h.wantStatus(rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "mindgauge_http_requests_total") {
		t.Error("expected mindgauge_http_requests_total in /metrics output")
	}
}
