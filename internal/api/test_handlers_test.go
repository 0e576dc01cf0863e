package api

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/mindgauge/backend/internal/cat"
	"github.com/mindgauge/backend/internal/domain"
)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// quickEngine terminates after very few items so HTTP flow tests stay
// short.
func quickEngine(maxItems int) cat.Config {
	return cat.Config{MaxItems: maxItems, MinItems: 1, SEThreshold: 0.0001, MinPerDomain: 1}
}

func TestAdaptiveFlowOverHTTP(t *testing.T) {
	h := newAPIHarness(t, quickEngine(4))
	h.seedCalibratedItems(2, 1.2)
	tr := h.register("cat@example.com")

	start := h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(tr.AccessToken))
	h.wantStatus(start, http.StatusOK)
	var sb map[string]any
	h.decode(start, &sb)
	if sb["current_theta"].(float64) != 0 {
		t.Errorf("current_theta = %v, want 0", sb["current_theta"])
	}
	if sb["current_se"].(float64) != 1 {
		t.Errorf("current_se = %v, want 1", sb["current_se"])
	}
	sessionID := int64(sb["session_id"].(float64))
	q, ok := sb["question"].(map[string]any)
	if !ok {
		t.Fatalf("expected a first question, got %v", sb)
	}
	if _, leaked := q["correct_index"]; leaked {
		t.Fatal("question payload must not carry the answer key")
	}

	steps := 0
	for {
		rec := h.do(http.MethodPost, "/v1/test/next", map[string]any{
			"session_id":         sessionID,
			"question_id":        int64(q["id"].(float64)),
			"user_answer":        "beta",
			"time_spent_seconds": 2.5,
		}, authHeader(tr.AccessToken))
		h.wantStatus(rec, http.StatusOK)
		var step map[string]any
		h.decode(rec, &step)
		steps++

		if complete, _ := step["test_complete"].(bool); complete {
			if got := step["stopping_reason"].(string); got != "max_items" {
				t.Errorf("stopping_reason = %q, want max_items", got)
			}
			if _, present := step["next_question"]; present {
				t.Error("next_question must be omitted on completion")
			}
			result, ok := step["result"].(map[string]any)
			if !ok {
				t.Fatal("expected a result block on completion")
			}
			if iq := result["iq"].(float64); iq <= 100 || iq > 160 {
				t.Errorf("iq = %v after all-correct run", iq)
			}
			if n := int(step["items_administered"].(float64)); n != 4 {
				t.Errorf("items_administered = %d, want 4", n)
			}
			break
		}

		if _, present := step["result"]; present {
			t.Error("result must be omitted while in progress")
		}
		if _, present := step["stopping_reason"]; present {
			t.Error("stopping_reason must be omitted while in progress")
		}
		q, ok = step["next_question"].(map[string]any)
		if !ok {
			t.Fatalf("expected next_question while in progress, got %v", step)
		}
		if steps > 10 {
			t.Fatal("session did not terminate")
		}
	}
	if steps != 4 {
		t.Errorf("answered %d items, want 4", steps)
	}
}

func TestStartFixedReturnsFullForm(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedCalibratedItems(2, 1.0)
	tr := h.register("fixed@example.com")

	rec := h.do(http.MethodPost, "/v1/test/start?adaptive=false&question_count=6", nil, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusOK)
	var sb startResponse
	h.decode(rec, &sb)
	if sb.Mode != domain.ModeFixed {
		t.Errorf("mode = %q, want fixed", sb.Mode)
	}
	if len(sb.Questions) != 6 {
		t.Fatalf("questions = %d, want 6", len(sb.Questions))
	}
	if sb.Question != nil {
		t.Error("fixed start must not carry a single question")
	}
}

func TestStartRejectsBadQuery(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedCalibratedItems(2, 1.0)
	tr := h.register("badquery@example.com")

	rec := h.do(http.MethodPost, "/v1/test/start?adaptive=banana", nil, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusBadRequest, domain.KeyBadRequest)

	rec = h.do(http.MethodPost, "/v1/test/start?adaptive=false&question_count=abc", nil, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusBadRequest, domain.KeyBadItemCount)

	rec = h.do(http.MethodPost, "/v1/test/start?adaptive=false&question_count=51", nil, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusBadRequest, domain.KeyBadItemCount)
}

func TestSecondStartConflicts(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedCalibratedItems(2, 1.0)
	tr := h.register("busy@example.com")

	rec := h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusOK)

	rec = h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusConflict, domain.KeySessionInProgress)
}

// A resubmitted answer is a conflict and must not advance the session.
func TestDuplicateAnswerConflict(t *testing.T) {
	h := newAPIHarness(t, quickEngine(8))
	h.seedCalibratedItems(2, 1.2)
	tr := h.register("dup-answer@example.com")

	start := h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(tr.AccessToken))
	h.wantStatus(start, http.StatusOK)
	var sb map[string]any
	h.decode(start, &sb)
	sessionID := int64(sb["session_id"].(float64))
	firstQ := int64(sb["question"].(map[string]any)["id"].(float64))

	answer := map[string]any{
		"session_id": sessionID, "question_id": firstQ,
		"user_answer": "beta", "time_spent_seconds": 1.0,
	}
	rec := h.do(http.MethodPost, "/v1/test/next", answer, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusOK)

	rec = h.do(http.MethodPost, "/v1/test/next", answer, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusConflict, domain.KeyDuplicateAnswer)

	rec = h.do(http.MethodGet, "/v1/test/active", nil, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusOK)
	var act activeResponse
	h.decode(rec, &act)
	if act.ItemsAdministered != 1 {
		t.Errorf("items administered = %d after duplicate, want 1", act.ItemsAdministered)
	}
}

func TestForeignSessionForbidden(t *testing.T) {
	h := newAPIHarness(t, quickEngine(8))
	h.seedCalibratedItems(2, 1.2)
	owner := h.register("owner@example.com")
	other := h.register("other@example.com")

	start := h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(owner.AccessToken))
	h.wantStatus(start, http.StatusOK)
	var sb map[string]any
	h.decode(start, &sb)
	sessionID := int64(sb["session_id"].(float64))
	firstQ := int64(sb["question"].(map[string]any)["id"].(float64))

	rec := h.do(http.MethodPost, "/v1/test/next", map[string]any{
		"session_id": sessionID, "question_id": firstQ, "user_answer": "beta",
	}, authHeader(other.AccessToken))
	h.wantError(rec, http.StatusForbidden, domain.KeySessionNotOwned)

	rec = h.do(http.MethodPost, "/v1/test/abandon", map[string]any{
		"session_id": sessionID,
	}, authHeader(other.AccessToken))
	h.wantError(rec, http.StatusForbidden, domain.KeySessionNotOwned)
}

func TestSubmitFixedFormOverHTTP(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedCalibratedItems(2, 1.0)
	tr := h.register("batch@example.com")

	start := h.do(http.MethodPost, "/v1/test/start?adaptive=false&question_count=6", nil, authHeader(tr.AccessToken))
	h.wantStatus(start, http.StatusOK)
	var sb startResponse
	h.decode(start, &sb)

	answers := make([]map[string]any, len(sb.Questions))
	for i, q := range sb.Questions {
		text := "beta"
		if i%2 == 1 {
			text = "delta"
		}
		answers[i] = map[string]any{
			"question_id": q.ID, "user_answer": text, "time_spent_seconds": 3.0,
		}
	}
	rec := h.do(http.MethodPost, "/v1/test/submit", map[string]any{
		"session_id": sb.SessionID, "answers": answers,
	}, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusOK)

	var step map[string]any
	h.decode(rec, &step)
	if complete, _ := step["test_complete"].(bool); !complete {
		t.Fatal("submit must finalize the session")
	}
	result := step["result"].(map[string]any)
	if n := int(result["correct_count"].(float64)); n != 3 {
		t.Errorf("correct_count = %d, want 3", n)
	}
	if n := int(step["items_administered"].(float64)); n != 6 {
		t.Errorf("items_administered = %d, want 6", n)
	}

	// The batch cannot be replayed.
	rec = h.do(http.MethodPost, "/v1/test/submit", map[string]any{
		"session_id": sb.SessionID, "answers": answers,
	}, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusBadRequest, domain.KeySessionFinished)
}

func TestAbandonFreesTheSlot(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedCalibratedItems(2, 1.0)
	tr := h.register("quitter@example.com")

	start := h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(tr.AccessToken))
	h.wantStatus(start, http.StatusOK)
	var sb map[string]any
	h.decode(start, &sb)

	rec := h.do(http.MethodPost, "/v1/test/abandon", map[string]any{
		"session_id": int64(sb["session_id"].(float64)),
	}, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusNoContent)

	rec = h.do(http.MethodGet, "/v1/test/active", nil, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusNotFound, domain.KeySessionNotFound)

	rec = h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusOK)
}

func TestResultEndpoint(t *testing.T) {
	h := newAPIHarness(t, quickEngine(1))
	h.seedCalibratedItems(1, 1.2)
	tr := h.register("scored@example.com")

	start := h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(tr.AccessToken))
	h.wantStatus(start, http.StatusOK)
	var sb map[string]any
	h.decode(start, &sb)
	sessionID := int64(sb["session_id"].(float64))
	firstQ := int64(sb["question"].(map[string]any)["id"].(float64))

	rec := h.do(http.MethodPost, "/v1/test/next", map[string]any{
		"session_id": sessionID, "question_id": firstQ, "user_answer": "beta",
	}, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusOK)

	rec = h.do(http.MethodGet, "/v1/test/result/9999", nil, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusNotFound, domain.KeySessionNotFound)

	rec = h.do(http.MethodGet, "/v1/test/result/"+itoa(sessionID), nil, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusOK)
	var result map[string]any
	h.decode(rec, &result)
	if int64(result["session_id"].(float64)) != sessionID {
		t.Errorf("result session_id = %v", result["session_id"])
	}
	if result["stopping_reason"].(string) != "max_items" {
		t.Errorf("stopping_reason = %v", result["stopping_reason"])
	}

	// A new in-progress session has no result yet.
	start = h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(tr.AccessToken))
	h.wantStatus(start, http.StatusOK)
	h.decode(start, &sb)
	rec = h.do(http.MethodGet, "/v1/test/result/"+itoa(int64(sb["session_id"].(float64))), nil, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusNotFound, domain.KeyResultNotReady)
}

func TestActiveShowsFixedRemainder(t *testing.T) {
	h := newAPIHarness(t, cat.DefaultConfig())
	h.seedCalibratedItems(2, 1.0)
	tr := h.register("resume@example.com")

	start := h.do(http.MethodPost, "/v1/test/start?adaptive=false&question_count=6", nil, authHeader(tr.AccessToken))
	h.wantStatus(start, http.StatusOK)
	var sb startResponse
	h.decode(start, &sb)

	rec := h.do(http.MethodGet, "/v1/test/active", nil, authHeader(tr.AccessToken))
	h.wantStatus(rec, http.StatusOK)
	var act activeResponse
	h.decode(rec, &act)
	if act.SessionID != sb.SessionID || act.Mode != domain.ModeFixed {
		t.Errorf("active view = %+v", act)
	}
	if len(act.Remaining) != 6 {
		t.Errorf("remaining = %d, want 6", len(act.Remaining))
	}
}

func TestNextRejectsBadSubmissions(t *testing.T) {
	h := newAPIHarness(t, quickEngine(8))
	h.seedCalibratedItems(2, 1.2)
	tr := h.register("sloppy@example.com")

	start := h.do(http.MethodPost, "/v1/test/start?adaptive=true", nil, authHeader(tr.AccessToken))
	h.wantStatus(start, http.StatusOK)
	var sb map[string]any
	h.decode(start, &sb)
	sessionID := int64(sb["session_id"].(float64))
	firstQ := int64(sb["question"].(map[string]any)["id"].(float64))

	cases := []struct {
		name   string
		body   map[string]any
		status int
		key    string
	}{
		{"unknown session", map[string]any{
			"session_id": int64(9999), "question_id": firstQ, "user_answer": "beta",
		}, http.StatusNotFound, domain.KeySessionNotFound},
		{"empty answer", map[string]any{
			"session_id": sessionID, "question_id": firstQ, "user_answer": "   ",
		}, http.StatusBadRequest, domain.KeyEmptyAnswer},
		{"negative latency", map[string]any{
			"session_id": sessionID, "question_id": firstQ,
			"user_answer": "beta", "time_spent_seconds": -2.0,
		}, http.StatusBadRequest, domain.KeyBadLatency},
		{"wrong question", map[string]any{
			"session_id": sessionID, "question_id": firstQ + 100, "user_answer": "beta",
		}, http.StatusBadRequest, domain.KeyUnknownItem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/v1/test/next", tc.body, authHeader(tr.AccessToken))
			h.wantError(rec, tc.status, tc.key)
		})
	}

	rec := h.do(http.MethodPost, "/v1/test/next", nil, authHeader(tr.AccessToken))
	h.wantError(rec, http.StatusBadRequest, domain.KeyBadRequest)
}
