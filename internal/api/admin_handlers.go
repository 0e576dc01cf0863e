package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mindgauge/backend/internal/audit"
	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/store"
)

// Anchor candidates must be well estimated before their parameters are
// frozen for equating: moderate discrimination, central difficulty.
const (
	anchorMinA = 0.5
	anchorMaxA = 2.5
	anchorMaxB = 2.0

	defaultAnchorCount = 10
	maxAnchorCount     = 50

	defaultHistoryDays  = 30
	maxHistoryDays      = 365
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// resetCorrelationWindow is how far a password reset may sit from a
	// logout-all event and still count as related.
	resetCorrelationWindow = 24 * time.Hour
)

func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	if s.reliability == nil {
		respondError(w, r, s.logger, domain.Internal(errors.New("reliability service not configured")))
		return
	}
	historize := false
	if v := r.URL.Query().Get("historize"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "historize must be a boolean"))
			return
		}
		historize = b
	}
	report, err := s.reliability.Report(r.Context(), historize)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type metricView struct {
	ID           int64              `json:"id"`
	MetricType   string             `json:"metric_type"`
	Value        float64            `json:"value"`
	SampleSize   int                `json:"sample_size"`
	Details      map[string]float64 `json:"details,omitempty"`
	CalculatedAt time.Time          `json:"calculated_at"`
}

func (s *Server) handleReliabilityHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	days := defaultHistoryDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryDays {
			respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "days must be between 1 and 365"))
			return
		}
		days = n
	}

	kind := domain.MetricKind(q.Get("metric_type"))
	switch kind {
	case "", domain.MetricCronbachAlpha, domain.MetricTestRetest, domain.MetricSplitHalf:
	default:
		respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "unknown metric_type"))
		return
	}

	limit := defaultHistoryLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "limit must be between 1 and 200"))
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "offset must not be negative"))
			return
		}
		offset = n
	}

	since := s.now().AddDate(0, 0, -days)
	rows, err := s.store.ReliabilityHistory(r.Context(), kind, since, limit, offset)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	views := make([]metricView, len(rows))
	for i, m := range rows {
		views[i] = metricView{
			ID:           m.ID,
			MetricType:   string(m.Kind),
			Value:        m.Value,
			SampleSize:   m.SampleSize,
			Details:      m.Details,
			CalculatedAt: m.CalculatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": views,
		"days":    days,
		"limit":   limit,
		"offset":  offset,
	})
}

type anchorView struct {
	ItemID      int64             `json:"item_id"`
	Domain      domain.Domain     `json:"domain"`
	Difficulty  domain.Difficulty `json:"difficulty"`
	A           float64           `json:"a"`
	B           float64           `json:"b"`
	Responses   int               `json:"responses"`
	AnchorSince *time.Time        `json:"anchor_since,omitempty"`
}

func anchorViewOf(it *domain.Item, responses int) anchorView {
	v := anchorView{
		ItemID:      it.ID,
		Domain:      it.Domain,
		Difficulty:  it.Difficulty,
		Responses:   responses,
		AnchorSince: it.AnchorSince,
	}
	if it.IRT != nil {
		v.A = it.IRT.A
		v.B = it.IRT.B
	}
	return v
}

func (s *Server) handleAnchorList(w http.ResponseWriter, r *http.Request) {
	anchors, err := s.store.ListAnchors(r.Context())
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	counts, err := s.store.ResponseCountsByItem(r.Context())
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	views := make([]anchorView, len(anchors))
	for i, it := range anchors {
		views[i] = anchorViewOf(it, counts[it.ID])
	}
	writeJSON(w, http.StatusOK, map[string]any{"anchors": views, "count": len(views)})
}

func (s *Server) handleAnchorSet(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(mux.Vars(r)["item_id"], 10, 64)
	if err != nil {
		respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "invalid item id"))
		return
	}
	var req struct {
		Anchor bool `json:"anchor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	if err := s.store.SetAnchor(r.Context(), itemID, req.Anchor); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	s.logger.Info("[API] anchor flag set", "item_id", itemID, "anchor", req.Anchor,
		"request_id", RequestIDFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"item_id": itemID, "anchor": req.Anchor})
}

// handleAnchorAutoSelect marks the top-N most-answered items with
// stable parameters as anchors. Response volume decides the ranking;
// the parameter ranges keep poorly estimated items out of the set.
func (s *Server) handleAnchorAutoSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	n := req.Count
	if n == 0 {
		n = defaultAnchorCount
	}
	if n < 1 || n > maxAnchorCount {
		respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "count must be between 1 and 50"))
		return
	}

	items, err := s.store.ListItems(r.Context(), store.ItemFilter{ActiveOnly: true})
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	counts, err := s.store.ResponseCountsByItem(r.Context())
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}

	var eligible []*domain.Item
	for _, it := range items {
		if it.Quality != domain.QualityNormal || it.IRT == nil {
			continue
		}
		if it.IRT.A < anchorMinA || it.IRT.A > anchorMaxA {
			continue
		}
		if it.IRT.B < -anchorMaxB || it.IRT.B > anchorMaxB {
			continue
		}
		eligible = append(eligible, it)
	}
	sort.Slice(eligible, func(a, b int) bool {
		ca, cb := counts[eligible[a].ID], counts[eligible[b].ID]
		if ca != cb {
			return ca > cb
		}
		return eligible[a].ID < eligible[b].ID
	})
	if len(eligible) > n {
		eligible = eligible[:n]
	}

	views := make([]anchorView, 0, len(eligible))
	for _, it := range eligible {
		if err := s.store.SetAnchor(r.Context(), it.ID, true); err != nil {
			respondError(w, r, s.logger, err)
			return
		}
		views = append(views, anchorViewOf(it, counts[it.ID]))
	}
	s.logger.Info("[API] anchors auto-selected", "count", len(views),
		"request_id", RequestIDFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"selected": views, "count": len(views)})
}

type relatedReset struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

type logoutAllView struct {
	UserID        *int64         `json:"user_id"`
	Email         string         `json:"email,omitempty"`
	IP            string         `json:"ip,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Correlated    bool           `json:"correlated"`
	RelatedResets []relatedReset `json:"related_resets,omitempty"`
}

// handleLogoutAllEvents is the forensic view of mass revocations: each
// logout-all event in the window, joined with the same user's password
// resets no more than 24 hours away. A correlated pair usually means
// account recovery; an uncorrelated burst is worth a closer look.
func (s *Server) handleLogoutAllEvents(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryDays {
			respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "days must be between 1 and 365"))
			return
		}
		days = n
	}
	since := s.now().AddDate(0, 0, -days)

	// Fetch one correlation window earlier so resets just before the
	// listing window still pair with its first events.
	events, err := s.store.SecurityEventsSince(r.Context(),
		[]string{audit.EventLogoutAll, audit.EventResetCompleted, audit.EventResetInitiated},
		since.Add(-resetCorrelationWindow))
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}

	resetsByUser := make(map[int64][]*domain.SecurityEvent)
	for _, e := range events {
		if e.Event == audit.EventLogoutAll || e.UserID == nil {
			continue
		}
		resetsByUser[*e.UserID] = append(resetsByUser[*e.UserID], e)
	}

	views := []logoutAllView{}
	for _, e := range events {
		if e.Event != audit.EventLogoutAll || e.CreatedAt.Before(since) {
			continue
		}
		v := logoutAllView{
			UserID:    e.UserID,
			Email:     e.Email,
			IP:        e.IP,
			RequestID: e.RequestID,
			CreatedAt: e.CreatedAt,
		}
		if e.UserID != nil {
			for _, reset := range resetsByUser[*e.UserID] {
				gap := reset.CreatedAt.Sub(e.CreatedAt)
				if gap < 0 {
					gap = -gap
				}
				if gap <= resetCorrelationWindow {
					v.RelatedResets = append(v.RelatedResets, relatedReset{Event: reset.Event, At: reset.CreatedAt})
				}
			}
		}
		v.Correlated = len(v.RelatedResets) > 0
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"window_days": days,
		"count":       len(views),
		"events":      views,
	})
}
