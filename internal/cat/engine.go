package cat

import (
	"github.com/mindgauge/backend/internal/domain"
)

// Config carries the tunables of the adaptive loop.
type Config struct {
	MaxItems    int
	MinItems    int
	SEThreshold float64

	// MinPerDomain is the per-domain floor enforced near termination.
	// During the first pass (fewer items administered than there are
	// domains) the floor is 1 so every domain gets touched early.
	MinPerDomain int
}

// DefaultConfig returns the production stopping parameters.
func DefaultConfig() Config {
	return Config{
		MaxItems:     15,
		MinItems:     8,
		SEThreshold:  0.30,
		MinPerDomain: 2,
	}
}

// Engine evaluates one adaptive session step at a time. It is stateless;
// callers pass the session's accumulated responses and counters in.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 15
	}
	if cfg.MinItems <= 0 {
		cfg.MinItems = 8
	}
	if cfg.MinItems > cfg.MaxItems {
		cfg.MinItems = cfg.MaxItems
	}
	if cfg.SEThreshold <= 0 {
		cfg.SEThreshold = 0.30
	}
	if cfg.MinPerDomain <= 0 {
		cfg.MinPerDomain = 2
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config { return e.cfg }

// InitialEstimate is the state of a session before any response.
func (e *Engine) InitialEstimate() Estimate {
	return Estimate{Theta: 0, SE: 1.0}
}

// Estimate recomputes ability over the full response set.
func (e *Engine) Estimate(responses []ScoredResponse) Estimate {
	return EAP(responses)
}

// minPerDomain is 1 during the first pass over the domains and the
// configured floor afterwards.
func (e *Engine) minPerDomain(administered int) int {
	if administered < len(domain.Domains) {
		return 1
	}
	return e.cfg.MinPerDomain
}

// BalanceSatisfied reports whether every domain has reached the floor
// that applies at the current depth of the session.
func (e *Engine) BalanceSatisfied(counts map[domain.Domain]int, administered int) bool {
	minimum := e.minPerDomain(administered)
	for _, d := range domain.Domains {
		if counts[d] < minimum {
			return false
		}
	}
	return true
}

// ShouldStop evaluates the stopping rules in priority order after a
// response has been scored. The max-items ceiling dominates; the
// min-items floor keeps the session going below it; the SE rule requires
// strictly less than the threshold plus content balance. Pool exhaustion
// is not decided here: it surfaces when SelectNext finds no candidate.
func (e *Engine) ShouldStop(administered int, se float64, counts map[domain.Domain]int) (domain.StopReason, bool) {
	if administered >= e.cfg.MaxItems {
		return domain.StopMaxItems, true
	}
	if administered < e.cfg.MinItems {
		return "", false
	}
	if se < e.cfg.SEThreshold && e.BalanceSatisfied(counts, administered) {
		return domain.StopSEThreshold, true
	}
	return "", false
}
