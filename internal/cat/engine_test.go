package cat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgauge/backend/internal/domain"
)

func balancedCounts(n int) map[domain.Domain]int {
	counts := map[domain.Domain]int{}
	for _, d := range domain.Domains {
		counts[d] = n
	}
	return counts
}

func TestNewEngineFillsDefaults(t *testing.T) {
	e := NewEngine(Config{})
	cfg := e.Config()

	assert.Equal(t, 15, cfg.MaxItems)
	assert.Equal(t, 8, cfg.MinItems)
	assert.Equal(t, 0.30, cfg.SEThreshold)
	assert.Equal(t, 2, cfg.MinPerDomain)
}

func TestShouldStopMaxItemsDominates(t *testing.T) {
	e := NewEngine(DefaultConfig())

	// Ceiling wins even with terrible SE and unmet balance.
	reason, stop := e.ShouldStop(15, 0.9, map[domain.Domain]int{})
	require.True(t, stop)
	assert.Equal(t, domain.StopMaxItems, reason)

	reason, stop = e.ShouldStop(16, 0.1, balancedCounts(3))
	require.True(t, stop)
	assert.Equal(t, domain.StopMaxItems, reason)
}

func TestShouldStopRespectsFloor(t *testing.T) {
	e := NewEngine(DefaultConfig())

	_, stop := e.ShouldStop(7, 0.05, balancedCounts(2))
	assert.False(t, stop)
}

func TestShouldStopSEThreshold(t *testing.T) {
	e := NewEngine(DefaultConfig())

	reason, stop := e.ShouldStop(12, 0.29, balancedCounts(2))
	require.True(t, stop)
	assert.Equal(t, domain.StopSEThreshold, reason)

	// Equality continues: the comparison is strictly less-than.
	_, stop = e.ShouldStop(12, 0.30, balancedCounts(2))
	assert.False(t, stop)

	// Precise SE without balance keeps going.
	counts := balancedCounts(2)
	counts[domain.DomainMemory] = 1
	_, stop = e.ShouldStop(12, 0.29, counts)
	assert.False(t, stop)
}

func TestShouldStopContinuesOtherwise(t *testing.T) {
	e := NewEngine(DefaultConfig())
	_, stop := e.ShouldStop(10, 0.5, balancedCounts(2))
	assert.False(t, stop)
}

func TestBalanceSatisfiedFloors(t *testing.T) {
	e := NewEngine(DefaultConfig())

	// First pass: one per domain is enough.
	counts := balancedCounts(1)
	assert.True(t, e.BalanceSatisfied(counts, 5))

	// Past the first pass the floor rises to two.
	assert.False(t, e.BalanceSatisfied(counts, 6))
	assert.True(t, e.BalanceSatisfied(balancedCounts(2), 12))

	counts[domain.DomainVerbal] = 0
	assert.False(t, e.BalanceSatisfied(counts, 5))
}

func TestScoreConversion(t *testing.T) {
	iq, iqSE, lo, hi := Score(Estimate{Theta: 0, SE: 0.30})
	assert.Equal(t, 100, iq)
	assert.InDelta(t, 4.5, iqSE, 1e-9)
	assert.Equal(t, 91, lo)
	assert.Equal(t, 109, hi)
}

func TestScoreClampsBounds(t *testing.T) {
	iq, _, lo, hi := Score(Estimate{Theta: 5.0, SE: 0.2})
	assert.Equal(t, 160, iq)
	assert.LessOrEqual(t, hi, 160)
	assert.GreaterOrEqual(t, lo, 40)

	iq, _, lo, _ = Score(Estimate{Theta: -5.0, SE: 0.2})
	assert.Equal(t, 40, iq)
	assert.Equal(t, 40, lo)
}

func TestScoreCIClampedAtCeiling(t *testing.T) {
	iq, _, lo, hi := Score(Estimate{Theta: 3.8, SE: 0.5})
	assert.Equal(t, 157, iq)
	assert.Equal(t, 160, hi)
	assert.Equal(t, 142, lo)
}

func TestDomainScoresCoverAllDomains(t *testing.T) {
	scores := DomainScores(map[domain.Domain]DomainTally{
		domain.DomainMath:   {Items: 4, Correct: 3},
		domain.DomainVerbal: {Items: 2, Correct: 0},
	})

	require.Len(t, scores, len(domain.Domains))
	assert.InDelta(t, 0.75, scores[domain.DomainMath].Accuracy, 1e-9)
	assert.Equal(t, 0.0, scores[domain.DomainVerbal].Accuracy)
	assert.Equal(t, 0, scores[domain.DomainPattern].Items)
	assert.Equal(t, 0.0, scores[domain.DomainPattern].Accuracy)
}

// ---- full adaptive loop simulations ----

type simOutcome struct {
	reason       domain.StopReason
	estimate     Estimate
	administered int
	counts       map[domain.Domain]int
	correct      int
}

// runAdaptive drives the engine the way the dispatcher does: serve,
// answer, re-estimate, check stopping, select.
func runAdaptive(t *testing.T, e *Engine, bank []Candidate, answer func(step int, c Candidate) bool) simOutcome {
	t.Helper()

	served := map[int64]bool{}
	counts := map[domain.Domain]int{}
	var responses []ScoredResponse
	correct := 0

	eligible := func() []Candidate {
		var out []Candidate
		for _, c := range bank {
			if !served[c.ID] {
				out = append(out, c)
			}
		}
		return out
	}

	est := e.InitialEstimate()
	pending, ok := e.SelectNext(eligible(), est.Theta, counts, 0)
	require.True(t, ok, "bank must serve a first item")

	for step := 0; ; step++ {
		right := answer(step, pending)
		responses = append(responses, ScoredResponse{Params: pending.Params, Correct: right})
		served[pending.ID] = true
		counts[pending.Domain]++
		if right {
			correct++
		}

		est = e.Estimate(responses)
		administered := len(responses)

		if reason, stop := e.ShouldStop(administered, est.SE, counts); stop {
			return simOutcome{reason, est, administered, counts, correct}
		}
		next, ok := e.SelectNext(eligible(), est.Theta, counts, administered)
		if !ok {
			return simOutcome{domain.StopPoolExhausted, est, administered, counts, correct}
		}
		pending = next
	}
}

func seedBank(difficulties []float64, a float64) []Candidate {
	var bank []Candidate
	id := int64(1)
	for _, d := range domain.Domains {
		for _, b := range difficulties {
			bank = append(bank, Candidate{ID: id, Domain: d, Params: Params{A: a, B: b}})
			id++
		}
	}
	return bank
}

func TestAdaptiveLoopStopsOnSEThreshold(t *testing.T) {
	e := NewEngine(DefaultConfig())
	bank := seedBank([]float64{-1.5, -0.5, 0.5, 0.95, 1.05}, 2.0)

	// An examinee around theta 1: solves everything up to difficulty 1,
	// misses everything above it. The bracketing answers concentrate the
	// posterior quickly.
	out := runAdaptive(t, e, bank, func(_ int, c Candidate) bool {
		return c.Params.B <= 1.0
	})

	assert.Equal(t, domain.StopSEThreshold, out.reason)
	assert.GreaterOrEqual(t, out.administered, 8)
	assert.LessOrEqual(t, out.administered, 15)
	assert.Less(t, out.estimate.SE, 0.30)
	assert.Greater(t, out.estimate.Theta, 0.0)

	iq, _, _, _ := Score(out.estimate)
	assert.Greater(t, iq, 100)

	for _, d := range domain.Domains {
		assert.GreaterOrEqual(t, out.counts[d], 2, "domain %s under-served", d)
	}
}

func TestAdaptiveLoopStopsOnMaxItems(t *testing.T) {
	e := NewEngine(DefaultConfig())

	// Low-discrimination bank: information trickles in too slowly for
	// the SE rule to ever fire.
	bank := seedBank([]float64{-1.0, 0.0, 1.0}, 0.3)

	out := runAdaptive(t, e, bank, func(step int, _ Candidate) bool {
		return step%2 == 0
	})

	assert.Equal(t, domain.StopMaxItems, out.reason)
	assert.Equal(t, 15, out.administered)
	assert.GreaterOrEqual(t, out.estimate.SE, 0.30)
}

func TestAdaptiveLoopStopsOnPoolExhaustion(t *testing.T) {
	e := NewEngine(DefaultConfig())

	var bank []Candidate
	for i, d := range domain.Domains {
		bank = append(bank, Candidate{ID: int64(i + 1), Domain: d, Params: Params{A: 1.5, B: 0.0}})
	}

	out := runAdaptive(t, e, bank, func(int, Candidate) bool { return true })

	assert.Equal(t, domain.StopPoolExhausted, out.reason)
	assert.Equal(t, 6, out.administered)
	assert.Greater(t, out.estimate.Theta, 0.0)

	iq, _, lo, hi := Score(out.estimate)
	assert.GreaterOrEqual(t, iq, 40)
	assert.LessOrEqual(t, iq, 160)
	assert.GreaterOrEqual(t, lo, 40)
	assert.LessOrEqual(t, hi, 160)
}

func TestAdaptiveLoopDeterministic(t *testing.T) {
	e := NewEngine(DefaultConfig())
	bank := seedBank([]float64{-1.0, 0.0, 1.0}, 1.4)
	answer := func(step int, _ Candidate) bool { return step%3 != 0 }

	first := runAdaptive(t, e, bank, answer)
	second := runAdaptive(t, e, bank, answer)

	assert.Equal(t, first.reason, second.reason)
	assert.Equal(t, first.administered, second.administered)
	assert.Equal(t, first.estimate, second.estimate)
	assert.Equal(t, first.correct, second.correct)
}
