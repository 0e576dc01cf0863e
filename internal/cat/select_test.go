package cat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgauge/backend/internal/domain"
)

func noCounts() map[domain.Domain]int { return map[domain.Domain]int{} }

func TestSelectNextMaxInformation(t *testing.T) {
	e := NewEngine(DefaultConfig())
	candidates := []Candidate{
		{ID: 1, Domain: domain.DomainPattern, Params: Params{A: 1.5, B: -2.0}},
		{ID: 2, Domain: domain.DomainLogic, Params: Params{A: 1.5, B: 0.1}},
		{ID: 3, Domain: domain.DomainSpatial, Params: Params{A: 1.5, B: 2.0}},
	}

	got, ok := e.SelectNext(candidates, 0.0, noCounts(), 0)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.ID)
}

func TestSelectNextTieBreaksOnLowerID(t *testing.T) {
	e := NewEngine(DefaultConfig())
	p := Params{A: 1.5, B: 0.0}
	candidates := []Candidate{
		{ID: 9, Domain: domain.DomainPattern, Params: p},
		{ID: 3, Domain: domain.DomainPattern, Params: p},
		{ID: 7, Domain: domain.DomainPattern, Params: p},
	}

	got, ok := e.SelectNext(candidates, 0.0, noCounts(), 0)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.ID)
}

func TestSelectNextRestrictsToUnderServedDomains(t *testing.T) {
	e := NewEngine(DefaultConfig())
	candidates := []Candidate{
		// Highest information by far, but its domain is already covered.
		{ID: 1, Domain: domain.DomainPattern, Params: Params{A: 2.0, B: 0.0}},
		{ID: 2, Domain: domain.DomainLogic, Params: Params{A: 1.0, B: 1.5}},
	}
	counts := map[domain.Domain]int{domain.DomainPattern: 1}

	got, ok := e.SelectNext(candidates, 0.0, counts, 1)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.ID)
}

func TestSelectNextFallsBackWhenBalanceImpossible(t *testing.T) {
	e := NewEngine(DefaultConfig())
	candidates := []Candidate{
		{ID: 1, Domain: domain.DomainPattern, Params: Params{A: 1.5, B: 0.0}},
	}
	counts := map[domain.Domain]int{domain.DomainPattern: 1}

	// Only pattern items remain; balance cannot advance, so the pool
	// does not narrow to nothing.
	got, ok := e.SelectNext(candidates, 0.0, counts, 1)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.ID)
}

func TestSelectNextEmptyPool(t *testing.T) {
	e := NewEngine(DefaultConfig())
	_, ok := e.SelectNext(nil, 0.0, noCounts(), 4)
	assert.False(t, ok)
}

func TestSelectNextNoRestrictionWhenAllEqual(t *testing.T) {
	e := NewEngine(DefaultConfig())
	candidates := []Candidate{
		{ID: 1, Domain: domain.DomainPattern, Params: Params{A: 2.0, B: 0.0}},
		{ID: 2, Domain: domain.DomainLogic, Params: Params{A: 1.0, B: 0.0}},
	}

	// Every domain sits at zero: that is the start of a session, not an
	// imbalance, so raw information decides.
	got, ok := e.SelectNext(candidates, 0.0, noCounts(), 0)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.ID)
}

func TestSelectNextLateFloorRestriction(t *testing.T) {
	e := NewEngine(DefaultConfig())
	counts := map[domain.Domain]int{}
	for _, d := range domain.Domains {
		counts[d] = 2
	}
	counts[domain.DomainMemory] = 1

	candidates := []Candidate{
		{ID: 1, Domain: domain.DomainPattern, Params: Params{A: 2.0, B: 0.0}},
		{ID: 2, Domain: domain.DomainMemory, Params: Params{A: 1.0, B: 1.0}},
	}

	got, ok := e.SelectNext(candidates, 0.0, counts, 11)
	require.True(t, ok)
	assert.Equal(t, int64(2), got.ID)
}
