package cat

import (
	"math"

	"github.com/mindgauge/backend/internal/domain"
)

// Person-fit screening: compares an examinee's per-tier accuracy with
// what their overall score band predicts, and flags response patterns
// that earn too many hard items while missing easy ones (or vice versa).
// The verdict only annotates results; it never blocks scoring.

// Percentile bands on the examinee's own test.
type percentile string

const (
	percentileLow    percentile = "low"
	percentileMedium percentile = "medium"
	percentileHigh   percentile = "high"
)

// expectedRate is the fixed (band, tier) accuracy table.
var expectedRate = map[percentile]map[domain.Difficulty]float64{
	percentileLow:    {domain.DifficultyEasy: 0.60, domain.DifficultyMedium: 0.30, domain.DifficultyHard: 0.15},
	percentileMedium: {domain.DifficultyEasy: 0.80, domain.DifficultyMedium: 0.50, domain.DifficultyHard: 0.30},
	percentileHigh:   {domain.DifficultyEasy: 0.95, domain.DifficultyMedium: 0.80, domain.DifficultyHard: 0.60},
}

// fitDeviation is the per-tier deviation beyond which responses count as
// unexpected.
const fitDeviation = 0.30

// aberrantRatio is the unexpected-response fraction at which a session
// is flagged.
const aberrantRatio = 0.25

// FitInput is one response as the analyzer sees it.
type FitInput struct {
	Difficulty domain.Difficulty
	Correct    bool
}

// FitReport carries the verdict plus the evidence behind it.
type FitReport struct {
	Flag                domain.FitFlag
	FitRatio            float64
	UnexpectedCorrect   int
	UnexpectedIncorrect int
	Band                string
}

// AnalyzeFit screens a completed session's responses. Suspicious
// directions depend on the band: low and medium scorers are checked for
// implausible success on the hardest tiers, high and medium scorers for
// implausible failure on the easiest ones.
func AnalyzeFit(responses []FitInput) FitReport {
	if len(responses) == 0 {
		return FitReport{Flag: domain.FitNormal, Band: string(percentileLow)}
	}

	total := len(responses)
	correct := 0
	tierTotal := map[domain.Difficulty]int{}
	tierCorrect := map[domain.Difficulty]int{}
	for _, r := range responses {
		tierTotal[r.Difficulty]++
		if r.Correct {
			correct++
			tierCorrect[r.Difficulty]++
		}
	}

	band := scoreBand(float64(correct) / float64(total))
	expected := expectedRate[band]

	deviation := func(tier domain.Difficulty) (float64, int) {
		n := tierTotal[tier]
		if n == 0 {
			return 0, 0
		}
		observed := float64(tierCorrect[tier]) / float64(n)
		return observed - expected[tier], n
	}

	unexpectedCorrect := 0
	for _, tier := range suspiciousHard(band) {
		dev, n := deviation(tier)
		if dev > fitDeviation {
			unexpectedCorrect += int(math.Floor(dev * float64(n)))
		}
	}

	unexpectedIncorrect := 0
	for _, tier := range suspiciousEasy(band) {
		dev, n := deviation(tier)
		if -dev > fitDeviation {
			unexpectedIncorrect += int(math.Floor(-dev * float64(n)))
		}
	}

	ratio := float64(unexpectedCorrect+unexpectedIncorrect) / float64(total)
	flag := domain.FitNormal
	if ratio >= aberrantRatio {
		flag = domain.FitAberrant
	}

	return FitReport{
		Flag:                flag,
		FitRatio:            ratio,
		UnexpectedCorrect:   unexpectedCorrect,
		UnexpectedIncorrect: unexpectedIncorrect,
		Band:                string(band),
	}
}

func scoreBand(fraction float64) percentile {
	switch {
	case fraction > 0.70:
		return percentileHigh
	case fraction >= 0.40:
		return percentileMedium
	default:
		return percentileLow
	}
}

// suspiciousHard lists the tiers where correct answers are implausible
// for the band.
func suspiciousHard(band percentile) []domain.Difficulty {
	switch band {
	case percentileLow:
		return []domain.Difficulty{domain.DifficultyMedium, domain.DifficultyHard}
	case percentileMedium:
		return []domain.Difficulty{domain.DifficultyHard}
	default:
		return nil
	}
}

// suspiciousEasy lists the tiers where incorrect answers are implausible
// for the band.
func suspiciousEasy(band percentile) []domain.Difficulty {
	switch band {
	case percentileHigh:
		return []domain.Difficulty{domain.DifficultyEasy, domain.DifficultyMedium}
	case percentileMedium:
		return []domain.Difficulty{domain.DifficultyEasy}
	default:
		return nil
	}
}
