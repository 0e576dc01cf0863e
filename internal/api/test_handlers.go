package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mindgauge/backend/internal/assessment"
	"github.com/mindgauge/backend/internal/domain"
)

type startResponse struct {
	SessionID    int64                 `json:"session_id"`
	Mode         domain.SessionMode    `json:"mode"`
	StartedAt    time.Time             `json:"started_at"`
	CurrentTheta float64               `json:"current_theta"`
	CurrentSE    float64               `json:"current_se"`
	Question     *assessment.Question  `json:"question,omitempty"`
	Questions    []assessment.Question `json:"questions,omitempty"`
}

// stepResponse is the /test/next envelope. Exactly one of NextQuestion
// and Result is set once the session is under way.
type stepResponse struct {
	TestComplete      bool                 `json:"test_complete"`
	NextQuestion      *assessment.Question `json:"next_question,omitempty"`
	ItemsAdministered int                  `json:"items_administered"`
	CurrentTheta      float64              `json:"current_theta"`
	CurrentSE         float64              `json:"current_se"`
	Result            *domain.TestResult   `json:"result,omitempty"`
	StoppingReason    string               `json:"stopping_reason,omitempty"`
}

// handleTestStart opens a session. ?adaptive=true selects adaptive
// administration and returns the first item at the prior estimate;
// fixed mode returns the whole form, sized by ?question_count.
func (s *Server) handleTestStart(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var opts assessment.StartOptions
	if v := q.Get("adaptive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "adaptive must be a boolean"))
			return
		}
		opts.Adaptive = b
	}
	if v := q.Get("question_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, r, s.logger, domain.Validation(domain.KeyBadItemCount, "question_count must be an integer"))
			return
		}
		opts.QuestionCount = n
	}

	res, err := s.tests.Start(r.Context(), p.UserID, opts)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}

	if s.metrics != nil {
		if res.Question != nil {
			s.metrics.RecordItemServed()
		}
		for range res.Questions {
			s.metrics.RecordItemServed()
		}
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID:    res.Session.ID,
		Mode:         res.Session.Mode,
		StartedAt:    res.Session.StartedAt,
		CurrentTheta: res.Session.Theta,
		CurrentSE:    res.Session.SE,
		Question:     res.Question,
		Questions:    res.Questions,
	})
}

func (s *Server) handleTestNext(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		SessionID        int64   `json:"session_id"`
		QuestionID       int64   `json:"question_id"`
		UserAnswer       string  `json:"user_answer"`
		TimeSpentSeconds float64 `json:"time_spent_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}

	step, err := s.tests.Answer(r.Context(), p.UserID, assessment.AnswerInput{
		SessionID:      req.SessionID,
		ItemID:         req.QuestionID,
		Answer:         req.UserAnswer,
		LatencySeconds: req.TimeSpentSeconds,
	})
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}

	if step.NextQuestion != nil && s.metrics != nil {
		s.metrics.RecordItemServed()
	}
	writeJSON(w, http.StatusOK, stepResponse{
		TestComplete:      step.TestComplete,
		NextQuestion:      step.NextQuestion,
		ItemsAdministered: step.ItemsAdministered,
		CurrentTheta:      step.Theta,
		CurrentSE:         step.SE,
		Result:            step.Result,
		StoppingReason:    string(step.StopReason),
	})
}

// handleTestSubmit grades a fixed-form batch and finalizes the session
// in one call.
func (s *Server) handleTestSubmit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		SessionID int64 `json:"session_id"`
		Answers   []struct {
			QuestionID       int64   `json:"question_id"`
			UserAnswer       string  `json:"user_answer"`
			TimeSpentSeconds float64 `json:"time_spent_seconds"`
		} `json:"answers"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}

	answers := make([]assessment.SubmitAnswer, len(req.Answers))
	for i, a := range req.Answers {
		answers[i] = assessment.SubmitAnswer{
			ItemID:         a.QuestionID,
			Answer:         a.UserAnswer,
			LatencySeconds: a.TimeSpentSeconds,
		}
	}
	result, err := s.tests.Submit(r.Context(), p.UserID, req.SessionID, answers)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{
		TestComplete:      true,
		ItemsAdministered: result.ItemsAdministered,
		CurrentTheta:      result.Theta,
		CurrentSE:         result.SE,
		Result:            result,
	})
}

func (s *Server) handleTestAbandon(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	var req struct {
		SessionID int64 `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	if err := s.tests.Abandon(r.Context(), p.UserID, req.SessionID); err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type activeResponse struct {
	SessionID         int64                 `json:"session_id"`
	Mode              domain.SessionMode    `json:"mode"`
	StartedAt         time.Time             `json:"started_at"`
	ItemsAdministered int                   `json:"items_administered"`
	CurrentTheta      float64               `json:"current_theta"`
	CurrentSE         float64               `json:"current_se"`
	Question          *assessment.Question  `json:"question,omitempty"`
	Remaining         []assessment.Question `json:"remaining,omitempty"`
}

// handleTestActive returns the resume view of the caller's in-progress
// session: the pending item for adaptive mode, the unanswered ones for
// fixed mode. 404 when nothing is in progress.
func (s *Server) handleTestActive(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	act, err := s.tests.Active(r.Context(), p.UserID)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{
		SessionID:         act.Session.ID,
		Mode:              act.Session.Mode,
		StartedAt:         act.Session.StartedAt,
		ItemsAdministered: act.Session.ItemsAdministered,
		CurrentTheta:      act.Session.Theta,
		CurrentSE:         act.Session.SE,
		Question:          act.Question,
		Remaining:         act.Remaining,
	})
}

func (s *Server) handleTestResult(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	sessionID, err := strconv.ParseInt(mux.Vars(r)["session_id"], 10, 64)
	if err != nil {
		respondError(w, r, s.logger, domain.Validation(domain.KeyBadRequest, "invalid session id"))
		return
	}
	result, err := s.tests.Result(r.Context(), p.UserID, sessionID)
	if err != nil {
		respondError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
