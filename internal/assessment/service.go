// Package assessment dispatches test sessions: it owns the session
// lifecycle (start, answer, batch submit, abandon, resume), delegates
// ability estimation and item selection to the cat engine, and
// publishes lifecycle events for downstream listeners. Mutating
// operations on one session are serialized through a per-session lock;
// unrelated sessions proceed in parallel.
package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/mindgauge/backend/internal/cat"
	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/events"
	"github.com/mindgauge/backend/internal/store"
)

// Fixed-form sizing. A count of zero on start means the default; the
// cap keeps a single batch submission reviewable.
const (
	defaultFixedFormSize = 20
	maxFixedFormSize     = 50
)

// Store is the persistence surface the dispatcher needs. Both the
// in-memory store and the Postgres store satisfy it.
type Store interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	SessionByID(ctx context.Context, id int64) (*domain.Session, error)
	ActiveSessionByUser(ctx context.Context, userID int64) (*domain.Session, error)
	UpdateSession(ctx context.Context, s *domain.Session) error
	CommitStep(ctx context.Context, s *domain.Session, r *domain.Response) error
	AppendResponse(ctx context.Context, r *domain.Response) error
	ResponsesBySession(ctx context.Context, sessionID int64) ([]*domain.Response, error)
	EligibleItems(ctx context.Context) ([]*domain.Item, error)
	ListItems(ctx context.Context, f store.ItemFilter) ([]*domain.Item, error)
	ItemByID(ctx context.Context, id int64) (*domain.Item, error)
	ItemsByID(ctx context.Context, ids []int64) (map[int64]*domain.Item, error)
}

// Config wires a Service. Store and Engine are required; a nil Bus
// disables event publication and a nil Logger discards logs.
type Config struct {
	Store         Store
	Engine        *cat.Engine
	Bus           *events.Bus
	Logger        *slog.Logger
	FixedFormSize int
}

// Service coordinates test sessions on top of the storage layer and
// the adaptive engine.
type Service struct {
	store     Store
	engine    *cat.Engine
	bus       *events.Bus
	logger    *slog.Logger
	fixedSize int
	locks     *sessionLocks

	now func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("assessment: store is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("assessment: engine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.FixedFormSize
	if size <= 0 {
		size = defaultFixedFormSize
	}
	return &Service{
		store:     cfg.Store,
		engine:    cfg.Engine,
		bus:       cfg.Bus,
		logger:    logger,
		fixedSize: size,
		locks:     newSessionLocks(),
		now:       time.Now,
	}, nil
}

// Question is the client-facing view of an item. The correct answer
// never leaves the server.
type Question struct {
	ID         int64             `json:"id"`
	Prompt     string            `json:"prompt"`
	Stimulus   string            `json:"stimulus,omitempty"`
	Options    []string          `json:"options"`
	Domain     domain.Domain     `json:"domain"`
	Difficulty domain.Difficulty `json:"difficulty"`
}

func questionView(it *domain.Item) *Question {
	return &Question{
		ID:         it.ID,
		Prompt:     it.Prompt,
		Stimulus:   it.Stimulus,
		Options:    it.Options,
		Domain:     it.Domain,
		Difficulty: it.Difficulty,
	}
}

// StartOptions selects the session mode. QuestionCount only applies to
// fixed-form sessions; zero means the configured default.
type StartOptions struct {
	Adaptive      bool
	QuestionCount int
}

// StartResult returns the new session plus what the client should
// render next: the first question for adaptive mode, the full form for
// fixed mode.
type StartResult struct {
	Session   *domain.Session
	Question  *Question
	Questions []Question
}

// Start opens a new session for the user. A user holds at most one
// in-progress session: an existing one is reported with its id so the
// client can offer to resume, and the storage layer's uniqueness
// conflict backs this check up under races.
func (s *Service) Start(ctx context.Context, userID int64, opts StartOptions) (*StartResult, error) {
	cur, err := s.store.ActiveSessionByUser(ctx, userID)
	if err == nil {
		return nil, domain.Conflict(domain.KeySessionInProgress,
			fmt.Sprintf("a test is already in progress (session %d)", cur.ID))
	}
	if !domain.IsKind(err, domain.KindNotFound) {
		return nil, domain.AsError(err)
	}

	if opts.Adaptive {
		return s.startAdaptive(ctx, userID)
	}
	return s.startFixed(ctx, userID, opts.QuestionCount)
}

func (s *Service) startAdaptive(ctx context.Context, userID int64) (*StartResult, error) {
	pool, byID, err := s.eligiblePool(ctx, nil)
	if err != nil {
		return nil, err
	}

	est := s.engine.InitialEstimate()
	first, ok := s.engine.SelectNext(pool, est.Theta, nil, 0)
	if !ok {
		return nil, domain.Admission(domain.KeyEmptyPool, "no calibrated items available")
	}

	sess := &domain.Session{
		UserID:        userID,
		Mode:          domain.ModeAdaptive,
		Status:        domain.StatusInProgress,
		Theta:         est.Theta,
		SE:            est.SE,
		CurrentItemID: &first.ID,
		DomainCounts:  make(map[domain.Domain]int),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, domain.AsError(err)
	}

	s.publish(events.SessionStarted, sess, map[string]any{"mode": string(sess.Mode)})
	s.logger.Info("[Assessment] adaptive session started",
		"session_id", sess.ID, "user_id", userID, "first_item", first.ID)

	return &StartResult{Session: sess, Question: questionView(byID[first.ID])}, nil
}

func (s *Service) startFixed(ctx context.Context, userID int64, count int) (*StartResult, error) {
	n := count
	if n == 0 {
		n = s.fixedSize
	}
	if n < 1 || n > maxFixedFormSize {
		return nil, domain.Validation(domain.KeyBadItemCount,
			fmt.Sprintf("question_count must be between 1 and %d", maxFixedFormSize))
	}

	items, err := s.store.ListItems(ctx, store.ItemFilter{ActiveOnly: true})
	if err != nil {
		return nil, domain.AsError(err)
	}
	picked := pickFixedForm(items, n)
	if len(picked) == 0 {
		return nil, domain.Admission(domain.KeyEmptyPool, "no active items available")
	}

	sess := &domain.Session{
		UserID:       userID,
		Mode:         domain.ModeFixed,
		Status:       domain.StatusInProgress,
		SE:           1.0,
		DomainCounts: make(map[domain.Domain]int),
	}
	questions := make([]Question, len(picked))
	for i, it := range picked {
		sess.AssignedItems = append(sess.AssignedItems, it.ID)
		questions[i] = *questionView(it)
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, domain.AsError(err)
	}

	s.publish(events.SessionStarted, sess, map[string]any{"mode": string(sess.Mode)})
	s.logger.Info("[Assessment] fixed session started",
		"session_id", sess.ID, "user_id", userID, "items", len(picked))

	return &StartResult{Session: sess, Questions: questions}, nil
}

// pickFixedForm draws up to n active items, spreading the draw across
// domains and shuffling within each so repeat takers do not see the
// same form. Fixed forms deliberately include uncalibrated items: their
// responses are what the calibration pipeline feeds on.
func pickFixedForm(items []*domain.Item, n int) []*domain.Item {
	byDomain := make(map[domain.Domain][]*domain.Item)
	for _, it := range items {
		if it.Quality != domain.QualityNormal {
			continue
		}
		byDomain[it.Domain] = append(byDomain[it.Domain], it)
	}
	for _, group := range byDomain {
		rand.Shuffle(len(group), func(a, b int) { group[a], group[b] = group[b], group[a] })
	}

	var picked []*domain.Item
	for len(picked) < n {
		progressed := false
		for _, d := range domain.Domains {
			group := byDomain[d]
			if len(group) == 0 {
				continue
			}
			picked = append(picked, group[0])
			byDomain[d] = group[1:]
			progressed = true
			if len(picked) == n {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return picked
}

// AnswerInput is one adaptive-step submission.
type AnswerInput struct {
	SessionID      int64
	ItemID         int64
	Answer         string
	LatencySeconds float64
}

// StepResult is the outcome of one adaptive step: either the next
// question, or the final result when a stopping rule fired.
type StepResult struct {
	TestComplete      bool
	NextQuestion      *Question
	ItemsAdministered int
	Theta             float64
	SE                float64
	StopReason        domain.StopReason
	Result            *domain.TestResult
}

// Answer records one adaptive response: it grades the answer,
// re-estimates ability over the full response set, evaluates the
// stopping rules, and either offers the next item or finalizes the
// session. The step commits atomically; a duplicate submission is a
// conflict that changes nothing.
func (s *Service) Answer(ctx context.Context, userID int64, in AnswerInput) (*StepResult, error) {
	unlock := s.locks.lock(in.SessionID)
	defer unlock()

	sess, err := s.loadOwned(ctx, userID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, domain.Validation(domain.KeySessionFinished, "session is already finished")
	}
	if sess.Mode != domain.ModeAdaptive {
		return nil, domain.Validation(domain.KeyNotAdaptive, "session is not adaptive")
	}

	answer := strings.TrimSpace(in.Answer)
	if answer == "" {
		return nil, domain.Validation(domain.KeyEmptyAnswer, "answer must not be empty")
	}
	if in.LatencySeconds < 0 {
		return nil, domain.Validation(domain.KeyBadLatency, "time_spent_seconds must not be negative")
	}
	if sess.ServedItem(in.ItemID) {
		return nil, domain.Conflict(domain.KeyDuplicateAnswer, "answer already submitted for this question")
	}
	if sess.CurrentItemID == nil || *sess.CurrentItemID != in.ItemID {
		return nil, domain.Validation(domain.KeyUnknownItem, "question was not served in this session")
	}

	item, err := s.store.ItemByID(ctx, in.ItemID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, domain.Validation(domain.KeyUnknownItem, "question was not served in this session")
		}
		return nil, domain.AsError(err)
	}

	correct := gradeAnswer(item, answer)
	resp := &domain.Response{
		UserID:         userID,
		SessionID:      sess.ID,
		ItemID:         item.ID,
		Answer:         answer,
		Correct:        correct,
		LatencySeconds: in.LatencySeconds,
	}

	sess.ServedItems = append(sess.ServedItems, item.ID)
	sess.CurrentItemID = nil
	if sess.DomainCounts == nil {
		sess.DomainCounts = make(map[domain.Domain]int)
	}
	sess.DomainCounts[item.Domain]++
	sess.ItemsAdministered++
	if correct {
		sess.CorrectCount++
	}

	stats, err := s.sessionStats(ctx, sess, resp, item)
	if err != nil {
		return nil, err
	}
	est := s.engine.Estimate(stats.scored)
	sess.Theta, sess.SE = est.Theta, est.SE
	sess.ThetaHistory = append(sess.ThetaHistory, est.Theta)

	reason, stop := s.engine.ShouldStop(sess.ItemsAdministered, sess.SE, sess.DomainCounts)
	if !stop {
		served := make(map[int64]bool, len(sess.ServedItems))
		for _, id := range sess.ServedItems {
			served[id] = true
		}
		pool, byID, err := s.eligiblePool(ctx, served)
		if err != nil {
			return nil, err
		}
		next, ok := s.engine.SelectNext(pool, est.Theta, sess.DomainCounts, sess.ItemsAdministered)
		if ok {
			sess.CurrentItemID = &next.ID
			if err := s.store.CommitStep(ctx, sess, resp); err != nil {
				return nil, domain.AsError(err)
			}
			return &StepResult{
				NextQuestion:      questionView(byID[next.ID]),
				ItemsAdministered: sess.ItemsAdministered,
				Theta:             est.Theta,
				SE:                est.SE,
			}, nil
		}
		reason = domain.StopPoolExhausted
	}

	result := s.finalize(sess, reason, est, stats)
	if err := s.store.CommitStep(ctx, sess, resp); err != nil {
		return nil, domain.AsError(err)
	}

	s.publish(events.SessionCompleted, sess, map[string]any{
		"mode":        string(sess.Mode),
		"stop_reason": string(reason),
		"iq":          result.IQ,
		"final_se":    est.SE,
	})
	s.logger.Info("[Assessment] session completed",
		"session_id", sess.ID, "user_id", userID,
		"items", sess.ItemsAdministered, "stop_reason", string(reason))

	return &StepResult{
		TestComplete:      true,
		ItemsAdministered: sess.ItemsAdministered,
		Theta:             est.Theta,
		SE:                est.SE,
		StopReason:        reason,
		Result:            result,
	}, nil
}

// SubmitAnswer is one graded entry in a fixed-form batch.
type SubmitAnswer struct {
	ItemID         int64
	Answer         string
	LatencySeconds float64
}

// Submit grades a fixed-form session in one batch and finalizes it.
// Every answer must reference an assigned item and appear at most once;
// assigned items missing from the batch are simply not scored. Ability
// comes from the calibrated subset of the form, so a form of entirely
// uncalibrated items still grades but scores at the prior.
func (s *Service) Submit(ctx context.Context, userID, sessionID int64, answers []SubmitAnswer) (*domain.TestResult, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, domain.Validation(domain.KeySessionFinished, "session is already finished")
	}
	if sess.Mode != domain.ModeFixed {
		return nil, domain.Validation(domain.KeyNotFixed, "session is not fixed-form")
	}
	if len(answers) == 0 {
		return nil, domain.Validation(domain.KeyEmptyAnswer, "no answers submitted")
	}

	assigned := make(map[int64]bool, len(sess.AssignedItems))
	for _, id := range sess.AssignedItems {
		assigned[id] = true
	}
	seen := make(map[int64]bool, len(answers))
	for _, a := range answers {
		if !assigned[a.ItemID] {
			return nil, domain.Validation(domain.KeyUnknownItem,
				fmt.Sprintf("question %d was not assigned to this session", a.ItemID))
		}
		if seen[a.ItemID] {
			return nil, domain.Conflict(domain.KeyDuplicateAnswer,
				fmt.Sprintf("question %d appears more than once", a.ItemID))
		}
		seen[a.ItemID] = true
		if strings.TrimSpace(a.Answer) == "" {
			return nil, domain.Validation(domain.KeyEmptyAnswer, "answer must not be empty")
		}
		if a.LatencySeconds < 0 {
			return nil, domain.Validation(domain.KeyBadLatency, "time_spent_seconds must not be negative")
		}
	}

	ids := make([]int64, len(answers))
	for i, a := range answers {
		ids[i] = a.ItemID
	}
	items, err := s.store.ItemsByID(ctx, ids)
	if err != nil {
		return nil, domain.AsError(err)
	}

	stats := newSessionStats()
	if sess.DomainCounts == nil {
		sess.DomainCounts = make(map[domain.Domain]int)
	}
	for _, a := range answers {
		item, ok := items[a.ItemID]
		if !ok {
			return nil, domain.Validation(domain.KeyUnknownItem,
				fmt.Sprintf("question %d no longer exists", a.ItemID))
		}
		answer := strings.TrimSpace(a.Answer)
		correct := gradeAnswer(item, answer)

		resp := &domain.Response{
			UserID:         userID,
			SessionID:      sess.ID,
			ItemID:         item.ID,
			Answer:         answer,
			Correct:        correct,
			LatencySeconds: a.LatencySeconds,
		}
		if err := s.store.AppendResponse(ctx, resp); err != nil {
			return nil, domain.AsError(err)
		}

		sess.ServedItems = append(sess.ServedItems, item.ID)
		sess.DomainCounts[item.Domain]++
		sess.ItemsAdministered++
		if correct {
			sess.CorrectCount++
		}
		stats.add(item, correct)

		// Running estimate so the theta trail stays one entry per response.
		est := s.engine.Estimate(stats.scored)
		sess.Theta, sess.SE = est.Theta, est.SE
		sess.ThetaHistory = append(sess.ThetaHistory, est.Theta)
	}

	est := cat.Estimate{Theta: sess.Theta, SE: sess.SE}
	result := s.finalize(sess, "", est, stats)
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, domain.AsError(err)
	}

	s.publish(events.SessionCompleted, sess, map[string]any{
		"mode":     string(sess.Mode),
		"iq":       result.IQ,
		"final_se": est.SE,
	})
	s.logger.Info("[Assessment] fixed session completed",
		"session_id", sess.ID, "user_id", userID, "items", sess.ItemsAdministered)

	return result, nil
}

// Abandon marks an in-progress session abandoned. No result is
// produced; the session only stops blocking a new start.
func (s *Service) Abandon(ctx context.Context, userID, sessionID int64) error {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if sess.Terminal() {
		return domain.Validation(domain.KeySessionFinished, "session is already finished")
	}

	now := s.now()
	sess.Status = domain.StatusAbandoned
	sess.StopReason = domain.StopAbandoned
	sess.CompletedAt = &now
	sess.CurrentItemID = nil
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return domain.AsError(err)
	}

	s.publish(events.SessionAbandoned, sess, map[string]any{"mode": string(sess.Mode)})
	s.logger.Info("[Assessment] session abandoned", "session_id", sess.ID, "user_id", userID)
	return nil
}

// ActiveSession is the resume view for a user's in-progress session.
type ActiveSession struct {
	Session   *domain.Session
	Question  *Question
	Remaining []Question
}

// Active returns the user's in-progress session with what is left to
// answer: the pending question for adaptive mode, the unanswered
// assigned items for fixed mode.
func (s *Service) Active(ctx context.Context, userID int64) (*ActiveSession, error) {
	sess, err := s.store.ActiveSessionByUser(ctx, userID)
	if err != nil {
		return nil, domain.AsError(err)
	}

	out := &ActiveSession{Session: sess}
	switch sess.Mode {
	case domain.ModeAdaptive:
		if sess.CurrentItemID != nil {
			item, err := s.store.ItemByID(ctx, *sess.CurrentItemID)
			if err != nil {
				return nil, domain.AsError(err)
			}
			out.Question = questionView(item)
		}
	case domain.ModeFixed:
		items, err := s.store.ItemsByID(ctx, sess.AssignedItems)
		if err != nil {
			return nil, domain.AsError(err)
		}
		for _, id := range sess.AssignedItems {
			if sess.ServedItem(id) {
				continue
			}
			if it, ok := items[id]; ok {
				out.Remaining = append(out.Remaining, *questionView(it))
			}
		}
	}
	return out, nil
}

// Result rebuilds the final score block for a completed session.
func (s *Service) Result(ctx context.Context, userID, sessionID int64) (*domain.TestResult, error) {
	sess, err := s.loadOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.StatusCompleted || sess.FinalTheta == nil || sess.FinalSE == nil {
		return nil, domain.NotFoundErr(domain.KeyResultNotReady, "session has no result")
	}

	responses, err := s.store.ResponsesBySession(ctx, sess.ID)
	if err != nil {
		return nil, domain.AsError(err)
	}
	ids := make([]int64, len(responses))
	for i, r := range responses {
		ids[i] = r.ItemID
	}
	items, err := s.store.ItemsByID(ctx, ids)
	if err != nil {
		return nil, domain.AsError(err)
	}

	stats := newSessionStats()
	for _, r := range responses {
		if item, ok := items[r.ItemID]; ok {
			stats.add(item, r.Correct)
		}
	}
	est := cat.Estimate{Theta: *sess.FinalTheta, SE: *sess.FinalSE}
	return s.buildResult(sess, est, stats), nil
}

func (s *Service) loadOwned(ctx context.Context, userID, sessionID int64) (*domain.Session, error) {
	sess, err := s.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, domain.AsError(err)
	}
	if sess.UserID != userID {
		return nil, domain.Authorization(domain.KeySessionNotOwned, "session belongs to another user")
	}
	return sess, nil
}

// eligiblePool loads the servable bank minus excluded ids, as selection
// candidates plus an id lookup for rendering the chosen item.
func (s *Service) eligiblePool(ctx context.Context, exclude map[int64]bool) ([]cat.Candidate, map[int64]*domain.Item, error) {
	items, err := s.store.EligibleItems(ctx)
	if err != nil {
		return nil, nil, domain.AsError(err)
	}
	var pool []cat.Candidate
	byID := make(map[int64]*domain.Item, len(items))
	for _, it := range items {
		if exclude[it.ID] {
			continue
		}
		pool = append(pool, cat.Candidate{
			ID:     it.ID,
			Domain: it.Domain,
			Params: cat.Params{A: it.IRT.A, B: it.IRT.B},
		})
		byID[it.ID] = it
	}
	return pool, byID, nil
}

// sessionStats accumulates the per-response inputs the scoring layer
// needs: 2PL response vectors for estimation, difficulty outcomes for
// person-fit, and per-domain tallies for the score block.
type sessionStats struct {
	scored  []cat.ScoredResponse
	fit     []cat.FitInput
	tallies map[domain.Domain]cat.DomainTally
}

func newSessionStats() *sessionStats {
	return &sessionStats{tallies: make(map[domain.Domain]cat.DomainTally)}
}

func (st *sessionStats) add(item *domain.Item, correct bool) {
	if item.IRT != nil && item.IRT.A > 0 {
		st.scored = append(st.scored, cat.ScoredResponse{
			Params:  cat.Params{A: item.IRT.A, B: item.IRT.B},
			Correct: correct,
		})
	}
	st.fit = append(st.fit, cat.FitInput{Difficulty: item.Difficulty, Correct: correct})
	t := st.tallies[item.Domain]
	t.Items++
	if correct {
		t.Correct++
	}
	st.tallies[item.Domain] = t
}

// sessionStats rebuilds the accumulator from the committed responses
// plus the one being added now.
func (s *Service) sessionStats(ctx context.Context, sess *domain.Session, resp *domain.Response, item *domain.Item) (*sessionStats, error) {
	prior, err := s.store.ResponsesBySession(ctx, sess.ID)
	if err != nil {
		return nil, domain.AsError(err)
	}
	ids := make([]int64, 0, len(prior))
	for _, r := range prior {
		ids = append(ids, r.ItemID)
	}
	items, err := s.store.ItemsByID(ctx, ids)
	if err != nil {
		return nil, domain.AsError(err)
	}

	stats := newSessionStats()
	for _, r := range prior {
		it, ok := items[r.ItemID]
		if !ok {
			return nil, domain.Internal(fmt.Errorf("response %d references missing item %d", r.ID, r.ItemID))
		}
		stats.add(it, r.Correct)
	}
	stats.add(item, resp.Correct)
	return stats, nil
}

// finalize moves the session to completed and builds its result block.
func (s *Service) finalize(sess *domain.Session, reason domain.StopReason, est cat.Estimate, stats *sessionStats) *domain.TestResult {
	now := s.now()
	sess.Status = domain.StatusCompleted
	sess.StopReason = reason
	sess.CompletedAt = &now
	sess.CurrentItemID = nil
	theta, se := est.Theta, est.SE
	sess.FinalTheta = &theta
	sess.FinalSE = &se
	return s.buildResult(sess, est, stats)
}

func (s *Service) buildResult(sess *domain.Session, est cat.Estimate, stats *sessionStats) *domain.TestResult {
	iq, iqSE, ciLow, ciHigh := cat.Score(est)
	report := cat.AnalyzeFit(stats.fit)

	completed := s.now()
	if sess.CompletedAt != nil {
		completed = *sess.CompletedAt
	}
	return &domain.TestResult{
		SessionID:         sess.ID,
		UserID:            sess.UserID,
		IQ:                iq,
		IQStandardError:   iqSE,
		CILow:             ciLow,
		CIHigh:            ciHigh,
		Theta:             est.Theta,
		SE:                est.SE,
		ItemsAdministered: sess.ItemsAdministered,
		CorrectCount:      sess.CorrectCount,
		DomainScores:      cat.DomainScores(stats.tallies),
		StopReason:        sess.StopReason,
		Fit:               report.Flag,
		CompletedAt:       completed,
	}
}

// gradeAnswer compares the submitted text with the correct option,
// trimmed and case-insensitive. Clients send the chosen option's text.
func gradeAnswer(it *domain.Item, answer string) bool {
	if it.CorrectIndex < 0 || it.CorrectIndex >= len(it.Options) {
		return false
	}
	return strings.EqualFold(answer, strings.TrimSpace(it.Options[it.CorrectIndex]))
}

func (s *Service) publish(kind events.Kind, sess *domain.Session, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Kind:      kind,
		UserID:    sess.UserID,
		SessionID: sess.ID,
		Data:      data,
	})
}
