package calibration

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/mindgauge/backend/internal/cat"
)

// Fit categories for a calibration run.
const (
	FitGood     = "good"
	FitModerate = "moderate"
	FitPoor     = "poor"
)

// ValidationReport summarizes how well estimated difficulties track
// classical item difficulty.
type ValidationReport struct {
	Items    int     `json:"items"`
	PearsonR float64 `json:"pearson_r"`
	RMSE     float64 `json:"rmse"`
	Category string  `json:"category"`
}

// Validate correlates estimated b values with the negated logit of the
// empirical p-values. Requires the configured minimum number of items
// carrying both quantities.
func Validate(estimates map[int64]cat.Params, pvalues map[int64]float64, cfg Config) (*ValidationReport, error) {
	ids := make([]int64, 0, len(estimates))
	for id := range estimates {
		if _, ok := pvalues[id]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) < cfg.MinItemsForValidation {
		return nil, fmt.Errorf("calibration: %d items with both b and p-value, need %d for validation",
			len(ids), cfg.MinItemsForValidation)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	bs := make([]float64, len(ids))
	expected := make([]float64, len(ids))
	var sumSq float64
	for n, id := range ids {
		bs[n] = estimates[id].B
		expected[n] = -logit(clampP(pvalues[id]))
		d := bs[n] - expected[n]
		sumSq += d * d
	}

	r := stat.Correlation(bs, expected, nil)
	rmse := math.Sqrt(sumSq / float64(len(ids)))

	category := FitPoor
	switch {
	case r > 0.80 && rmse < 0.50:
		category = FitGood
	case r > 0.60:
		category = FitModerate
	}

	return &ValidationReport{
		Items:    len(ids),
		PearsonR: r,
		RMSE:     rmse,
		Category: category,
	}, nil
}
