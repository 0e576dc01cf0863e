// Package domain holds the core model types shared by the item bank, the
// session engine, and the calibration pipeline. It has no I/O and no
// third-party dependencies so the adaptive engine stays testable in
// isolation.
package domain

import "time"

// Domain is one of the six cognitive domains an item belongs to.
type Domain string

const (
	DomainPattern Domain = "pattern"
	DomainLogic   Domain = "logic"
	DomainSpatial Domain = "spatial"
	DomainMath    Domain = "math"
	DomainVerbal  Domain = "verbal"
	DomainMemory  Domain = "memory"
)

// Domains lists all cognitive domains in canonical order. Iteration over
// this slice (not over maps) keeps selection and reporting deterministic.
var Domains = []Domain{
	DomainPattern,
	DomainLogic,
	DomainSpatial,
	DomainMath,
	DomainVerbal,
	DomainMemory,
}

// Difficulty is the authored difficulty tier of an item.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// QualityState gates whether an item may be served in a live test.
type QualityState string

const (
	QualityNormal      QualityState = "normal"
	QualityUnderReview QualityState = "under_review"
	QualityDeactivated QualityState = "deactivated"
)

// IRTParams are the calibrated two-parameter-logistic item parameters.
// Nil on an Item means the item has never been calibrated.
type IRTParams struct {
	A            float64   // discrimination, always > 0 once stored
	B            float64   // difficulty on the theta scale
	SEA          float64   // bootstrap standard error of A
	SEB          float64   // bootstrap standard error of B
	InfoPeak     float64   // theta at which Fisher information peaks (= B for 2PL)
	CalibratedAt time.Time
	CalibrationN int // responses used in the last calibration
}

// Item is a single test question with its classical and IRT statistics.
type Item struct {
	ID           int64
	Prompt       string
	Stimulus     string // optional memorization prefix shown before the prompt
	Options      []string
	CorrectIndex int

	Domain     Domain
	Difficulty Difficulty

	// Classical stats, maintained alongside the IRT parameters.
	PValue         float64 // empirical fraction answering correctly, in [0,1]
	Discrimination float64 // point-biserial

	IRT *IRTParams

	Active      bool
	Quality     QualityState
	Anchor      bool // equating item: parameters held fixed across calibrations
	AnchorSince *time.Time
}

// Servable reports whether the item may be selected for a live adaptive
// session: active, quality normal, and calibrated with a positive
// discrimination.
func (it *Item) Servable() bool {
	return it.Active && it.Quality == QualityNormal && it.IRT != nil && it.IRT.A > 0
}

// Response is one answered item within a session. (SessionID, ItemID) is
// unique; the response log rejects duplicates with a conflict.
type Response struct {
	ID             int64
	UserID         int64
	SessionID      int64
	ItemID         int64
	Answer         string
	Correct        bool
	LatencySeconds float64
	AnsweredAt     time.Time
}

// SessionMode distinguishes adaptive from fixed-form administration.
type SessionMode string

const (
	ModeFixed    SessionMode = "fixed"
	ModeAdaptive SessionMode = "adaptive"
)

// SessionStatus is the lifecycle state of a session. completed and
// abandoned are terminal; a session is never re-opened.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusAbandoned  SessionStatus = "abandoned"
)

// StopReason records why an adaptive session terminated.
type StopReason string

const (
	StopSEThreshold   StopReason = "se_threshold"
	StopMaxItems      StopReason = "max_items"
	StopPoolExhausted StopReason = "item_pool_exhausted"
	StopAbandoned     StopReason = "abandoned"
)

// Session is one test administration. Adaptive state (theta, SE, served
// items, the theta trail, domain counters) lives here so the engine can
// resume from storage alone.
type Session struct {
	ID     int64
	UserID int64
	Mode   SessionMode
	Status SessionStatus

	Theta float64
	SE    float64

	// ServedItems holds answered items in administration order. The item
	// offered but not yet answered is CurrentItemID, so |ServedItems| =
	// |responses| = |ThetaHistory| between requests.
	ServedItems   []int64
	CurrentItemID *int64
	// AssignedItems is the fixed-form item list chosen at start. Empty in
	// adaptive mode.
	AssignedItems     []int64
	ThetaHistory      []float64
	DomainCounts      map[Domain]int
	CorrectCount      int
	ItemsAdministered int

	StopReason StopReason
	FinalTheta *float64
	FinalSE    *float64

	StartedAt   time.Time
	CompletedAt *time.Time

	// Version backs optimistic concurrency in the SQL store. The keyed
	// session lock serializes handlers; the version catches anything that
	// slips past it (multiple replicas without a shared lock).
	Version int64
}

// Terminal reports whether the session can no longer accept responses.
func (s *Session) Terminal() bool {
	return s.Status != StatusInProgress
}

// Served reports whether the given item was already administered in this
// session.
func (s *Session) ServedItem(itemID int64) bool {
	for _, id := range s.ServedItems {
		if id == itemID {
			return true
		}
	}
	return false
}

// User is an examinee account. TokenRevokedBefore is the revocation
// epoch: any token issued strictly before it is invalid.
type User struct {
	ID           int64
	Email        string // case-folded, unique
	PasswordHash string

	FirstName string
	LastName  string

	BirthYear      int // 0 = not provided
	EducationLevel string
	Country        string
	Region         string

	TokenRevokedBefore *time.Time

	PushToken   string
	PushEnabled bool

	CreatedAt time.Time
}

// PasswordResetToken is a single-use, expiring reset credential. The
// token value is compared in constant time.
type PasswordResetToken struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Live reports whether the token can still redeem a password reset.
func (t *PasswordResetToken) Live(now time.Time) bool {
	return t.UsedAt == nil && now.Before(t.ExpiresAt)
}

// ResponseTuple is the calibration projection of a response: who
// answered which item, and whether they got it right.
type ResponseTuple struct {
	UserID  int64
	ItemID  int64
	Correct bool
}

// MetricKind identifies a reliability statistic.
type MetricKind string

const (
	MetricCronbachAlpha MetricKind = "cronbachs_alpha"
	MetricTestRetest    MetricKind = "test_retest"
	MetricSplitHalf     MetricKind = "split_half"
)

// ReliabilityMetric is a historized reliability snapshot.
type ReliabilityMetric struct {
	ID           int64
	Kind         MetricKind
	Value        float64
	SampleSize   int
	Details      map[string]float64
	CalculatedAt time.Time
}

// SecurityEvent is one audit-trail record of a security-relevant action
// (login, logout-all, password reset, rate-limit denial). Appending one
// must never fail the operation that produced it.
type SecurityEvent struct {
	ID        int64
	Event     string
	UserID    *int64
	Email     string
	IP        string
	RequestID string
	Detail    string
	CreatedAt time.Time
}

// FitFlag is the person-fit verdict attached to a completed session.
type FitFlag string

const (
	FitNormal   FitFlag = "normal"
	FitAberrant FitFlag = "aberrant"
)

// DomainScore is the per-domain block of a final result.
type DomainScore struct {
	Items    int     `json:"items"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// TestResult is the final score block returned when a session finishes.
type TestResult struct {
	SessionID         int64                  `json:"session_id"`
	UserID            int64                  `json:"user_id"`
	IQ                int                    `json:"iq"`
	IQStandardError   float64                `json:"iq_standard_error"`
	CILow             int                    `json:"ci_low"`
	CIHigh            int                    `json:"ci_high"`
	Theta             float64                `json:"theta"`
	SE                float64                `json:"se"`
	ItemsAdministered int                    `json:"items_administered"`
	CorrectCount      int                    `json:"correct_count"`
	DomainScores      map[Domain]DomainScore `json:"domain_scores"`
	StopReason        StopReason             `json:"stopping_reason,omitempty"`
	Fit               FitFlag                `json:"fit,omitempty"`
	CompletedAt       time.Time              `json:"completed_at"`
}
