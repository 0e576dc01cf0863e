package cat

import (
	"math"

	"github.com/mindgauge/backend/internal/domain"
)

// IQ scale constants: mean 100, SD 15, reporting bounds [40, 160].
const (
	iqMean  = 100.0
	iqSD    = 15.0
	iqFloor = 40
	iqCeil  = 160
)

// Score converts an ability estimate to the reported IQ block: the
// clamped point score, its standard error on the IQ scale, and a 95%
// confidence interval clamped to the same bounds.
func Score(est Estimate) (iq int, iqSE float64, ciLow, ciHigh int) {
	iq = clampIQ(int(math.Round(iqMean + iqSD*est.Theta)))
	iqSE = iqSD * est.SE
	margin := 1.96 * iqSE
	ciLow = clampIQ(int(math.Round(float64(iq) - margin)))
	ciHigh = clampIQ(int(math.Round(float64(iq) + margin)))
	return iq, iqSE, ciLow, ciHigh
}

func clampIQ(v int) int {
	if v < iqFloor {
		return iqFloor
	}
	if v > iqCeil {
		return iqCeil
	}
	return v
}

// DomainTally counts administered and correct responses for one domain.
type DomainTally struct {
	Items   int
	Correct int
}

// DomainScores expands per-domain tallies into the reported score block.
// Every domain appears, including ones never served (accuracy 0).
func DomainScores(tallies map[domain.Domain]DomainTally) map[domain.Domain]domain.DomainScore {
	out := make(map[domain.Domain]domain.DomainScore, len(domain.Domains))
	for _, d := range domain.Domains {
		t := tallies[d]
		score := domain.DomainScore{Items: t.Items, Correct: t.Correct}
		if t.Items > 0 {
			score.Accuracy = float64(t.Correct) / float64(t.Items)
		}
		out[d] = score
	}
	return out
}
