package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/mindgauge/backend/internal/audit"
	"github.com/mindgauge/backend/internal/cat"
	"github.com/mindgauge/backend/internal/domain"
)

func TestReliabilityReportShape(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())

	rec := h.do(http.MethodGet, "/v1/admin/reliability", nil, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	var report map[string]any
	h.decode(rec, &report)
	if _, ok := report["generated_at"]; !ok {
		t.Error("report must carry generated_at")
	}
	// Nothing answered yet, so no metric can be computed.
	if _, ok := report["cronbachs_alpha"]; ok {
		t.Error("empty store must not produce cronbachs_alpha")
	}

	rec = h.do(http.MethodGet, "/v1/admin/reliability?historize=banana", nil, adminHeader())
	h.wantError(rec, http.StatusBadRequest, domain.KeyBadRequest)
}

type historyEnvelope struct {
	Metrics []metricView `json:"metrics"`
	Days    int          `json:"days"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

func (h *apiHarness) seedMetric(kind domain.MetricKind, value float64, age time.Duration) {
	h.t.Helper()
	err := h.st.SaveReliabilityMetric(context.Background(), &domain.ReliabilityMetric{
		Kind:         kind,
		Value:        value,
		SampleSize:   100,
		CalculatedAt: time.Now().Add(-age),
	})
	if err != nil {
		h.t.Fatalf("SaveReliabilityMetric: %v", err)
	}
}

func TestReliabilityHistoryFilters(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedMetric(domain.MetricCronbachAlpha, 0.81, 40*24*time.Hour)
	h.seedMetric(domain.MetricTestRetest, 0.78, 5*24*time.Hour)
	h.seedMetric(domain.MetricCronbachAlpha, 0.85, 2*24*time.Hour)
	h.seedMetric(domain.MetricSplitHalf, 0.88, 24*time.Hour)

	rec := h.do(http.MethodGet, "/v1/admin/reliability/history", nil, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	var env historyEnvelope
	h.decode(rec, &env)
	if env.Days != 30 || env.Limit != 50 || env.Offset != 0 {
		t.Errorf("defaults = %d/%d/%d, want 30/50/0", env.Days, env.Limit, env.Offset)
	}
	if len(env.Metrics) != 3 {
		t.Fatalf("default window returned %d metrics, want 3", len(env.Metrics))
	}
	// Newest first.
	if env.Metrics[0].MetricType != "split_half" || env.Metrics[2].MetricType != "test_retest" {
		t.Errorf("unexpected ordering: %s .. %s", env.Metrics[0].MetricType, env.Metrics[2].MetricType)
	}

	rec = h.do(http.MethodGet, "/v1/admin/reliability/history?metric_type=cronbachs_alpha", nil, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	h.decode(rec, &env)
	if len(env.Metrics) != 1 || env.Metrics[0].Value != 0.85 {
		t.Errorf("filtered metrics = %+v", env.Metrics)
	}

	rec = h.do(http.MethodGet, "/v1/admin/reliability/history?days=60&metric_type=cronbachs_alpha", nil, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	h.decode(rec, &env)
	if len(env.Metrics) != 2 {
		t.Errorf("60-day alpha history = %d rows, want 2", len(env.Metrics))
	}

	rec = h.do(http.MethodGet, "/v1/admin/reliability/history?limit=2&offset=2", nil, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	h.decode(rec, &env)
	if len(env.Metrics) != 1 || env.Metrics[0].MetricType != "test_retest" {
		t.Errorf("paged metrics = %+v", env.Metrics)
	}
}

func TestReliabilityHistoryValidation(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())

	for _, query := range []string{
		"days=0", "days=366", "days=x",
		"metric_type=made_up",
		"limit=0", "limit=201",
		"offset=-1",
	} {
		rec := h.do(http.MethodGet, "/v1/admin/reliability/history?"+query, nil, adminHeader())
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", query, rec.Code)
		}
	}
}

type anchorListEnvelope struct {
	Anchors []anchorView `json:"anchors"`
	Count   int          `json:"count"`
}

func TestAnchorLifecycle(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedCalibratedItems(2, 1.2)

	rec := h.do(http.MethodGet, "/v1/admin/anchor-items", nil, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	var list anchorListEnvelope
	h.decode(rec, &list)
	if list.Count != 0 {
		t.Fatalf("fresh pool has %d anchors, want 0", list.Count)
	}

	rec = h.do(http.MethodPost, "/v1/admin/anchor-items/3", map[string]any{"anchor": true}, adminHeader())
	h.wantStatus(rec, http.StatusOK)

	rec = h.do(http.MethodGet, "/v1/admin/anchor-items", nil, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	h.decode(rec, &list)
	if list.Count != 1 || list.Anchors[0].ItemID != 3 {
		t.Fatalf("anchors after set = %+v", list)
	}
	if list.Anchors[0].AnchorSince == nil {
		t.Error("anchor_since must be set on anchoring")
	}

	rec = h.do(http.MethodPost, "/v1/admin/anchor-items/3", map[string]any{"anchor": false}, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	rec = h.do(http.MethodGet, "/v1/admin/anchor-items", nil, adminHeader())
	h.decode(rec, &list)
	if list.Count != 0 {
		t.Errorf("anchors after clear = %d, want 0", list.Count)
	}

	rec = h.do(http.MethodPost, "/v1/admin/anchor-items/999", map[string]any{"anchor": true}, adminHeader())
	h.wantError(rec, http.StatusNotFound, domain.KeyItemNotFound)
}

func TestAnchorAutoSelectRanking(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedCalibratedItems(2, 1.2)

	// An over-discriminating item and an uncalibrated one, both popular:
	// neither may be picked.
	ctx := context.Background()
	wild := &domain.Item{
		Prompt: "wild item", Options: apiItemOptions, CorrectIndex: 1,
		Domain: domain.Domains[0], Difficulty: domain.DifficultyMedium,
		Active: true, Quality: domain.QualityNormal,
		IRT: &domain.IRTParams{A: 3.2, B: 0},
	}
	raw := &domain.Item{
		Prompt: "uncalibrated item", Options: apiItemOptions, CorrectIndex: 1,
		Domain: domain.Domains[1], Difficulty: domain.DifficultyMedium,
		Active: true, Quality: domain.QualityNormal,
	}
	for _, it := range []*domain.Item{wild, raw} {
		if err := h.st.PutItem(ctx, it); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
	}

	respond := func(itemID int64, n int) {
		for i := 0; i < n; i++ {
			err := h.st.AppendResponse(ctx, &domain.Response{
				UserID: 1, SessionID: int64(100 + i), ItemID: itemID,
				Answer: "beta", Correct: true,
			})
			if err != nil {
				t.Fatalf("AppendResponse: %v", err)
			}
		}
	}
	respond(5, 3)
	respond(2, 2)
	respond(9, 1)
	respond(wild.ID, 5)
	respond(raw.ID, 5)

	rec := h.do(http.MethodPost, "/v1/admin/anchor-items/auto-select", map[string]any{"count": 2}, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	var sel struct {
		Selected []anchorView `json:"selected"`
		Count    int          `json:"count"`
	}
	h.decode(rec, &sel)
	if sel.Count != 2 {
		t.Fatalf("selected %d anchors, want 2", sel.Count)
	}
	if sel.Selected[0].ItemID != 5 || sel.Selected[1].ItemID != 2 {
		t.Errorf("selection order = %d, %d; want 5, 2", sel.Selected[0].ItemID, sel.Selected[1].ItemID)
	}

	// Default count is 10; the two bad items never make the cut.
	rec = h.do(http.MethodPost, "/v1/admin/anchor-items/auto-select", map[string]any{}, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	h.decode(rec, &sel)
	if sel.Count != 10 {
		t.Errorf("default selection = %d items, want 10", sel.Count)
	}
	for _, v := range sel.Selected {
		if v.ItemID == wild.ID || v.ItemID == raw.ID {
			t.Errorf("item %d must not be anchor-eligible", v.ItemID)
		}
	}

	rec = h.do(http.MethodPost, "/v1/admin/anchor-items/auto-select", map[string]any{"count": 100}, adminHeader())
	h.wantError(rec, http.StatusBadRequest, domain.KeyBadRequest)
}

type eventsEnvelope struct {
	WindowDays int             `json:"window_days"`
	Count      int             `json:"count"`
	Events     []logoutAllView `json:"events"`
}

func (h *apiHarness) seedEvent(name string, userID int64, age time.Duration) {
	h.t.Helper()
	err := h.st.AppendSecurityEvent(context.Background(), &domain.SecurityEvent{
		Event:     name,
		UserID:    &userID,
		Email:     fmt.Sprintf("user%d@example.com", userID),
		CreatedAt: time.Now().Add(-age),
	})
	if err != nil {
		h.t.Fatalf("AppendSecurityEvent: %v", err)
	}
}

func TestLogoutAllEventsCorrelation(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())

	// User 1 reset their password an hour before revoking everything;
	// user 2 revoked with no reset nearby; user 3 is outside the window.
	h.seedEvent(audit.EventResetCompleted, 1, 3*time.Hour)
	h.seedEvent(audit.EventLogoutAll, 1, 2*time.Hour)
	h.seedEvent(audit.EventResetInitiated, 2, 30*time.Hour)
	h.seedEvent(audit.EventLogoutAll, 2, time.Hour)
	h.seedEvent(audit.EventLogoutAll, 3, 10*24*time.Hour)

	rec := h.do(http.MethodGet, "/v1/admin/security/logout-all-events", nil, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	var env eventsEnvelope
	h.decode(rec, &env)
	if env.WindowDays != 7 || env.Count != 2 {
		t.Fatalf("window/count = %d/%d, want 7/2", env.WindowDays, env.Count)
	}

	first, second := env.Events[0], env.Events[1]
	if first.UserID == nil || *first.UserID != 1 {
		t.Fatalf("first event user = %v, want 1", first.UserID)
	}
	if !first.Correlated || len(first.RelatedResets) != 1 {
		t.Errorf("user 1 must correlate with one reset, got %+v", first)
	}
	if first.RelatedResets[0].Event != audit.EventResetCompleted {
		t.Errorf("related event = %q", first.RelatedResets[0].Event)
	}
	if second.Correlated {
		t.Errorf("user 2 has no reset within a day, got %+v", second)
	}

	rec = h.do(http.MethodGet, "/v1/admin/security/logout-all-events?days=0", nil, adminHeader())
	h.wantError(rec, http.StatusBadRequest, domain.KeyBadRequest)
	rec = h.do(http.MethodGet, "/v1/admin/security/logout-all-events?days=400", nil, adminHeader())
	h.wantError(rec, http.StatusBadRequest, domain.KeyBadRequest)
}

// A reset slightly older than the listing window still pairs with a
// logout-all inside it.
func TestLogoutAllEventsCorrelateAcrossWindowEdge(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedEvent(audit.EventResetCompleted, 9, 26*time.Hour)
	h.seedEvent(audit.EventLogoutAll, 9, 3*time.Hour)

	rec := h.do(http.MethodGet, "/v1/admin/security/logout-all-events?days=1", nil, adminHeader())
	h.wantStatus(rec, http.StatusOK)
	var env eventsEnvelope
	h.decode(rec, &env)
	if env.Count != 1 {
		t.Fatalf("count = %d, want 1", env.Count)
	}
	if !env.Events[0].Correlated {
		t.Error("reset 23h before the logout-all must correlate")
	}
}
