package calibration

import (
	"log/slog"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/mindgauge/backend/internal/cat"
)

// ParamSE is a bootstrap standard-error pair for one item.
type ParamSE struct {
	SEA float64
	SEB float64
}

// BootstrapSE estimates parameter standard errors by resampling
// examinees with replacement and re-fitting the free items. The fit
// warm-starts from the point estimates with a reduced iteration budget.
// Runs are seeded, so the same matrix and config always produce the same
// errors. Below the examinee floor the whole step is skipped: zeros are
// recorded and a warning logged, as an accepted degradation.
func BootstrapSE(m *Matrix, estimates map[int64]cat.Params, fixed map[int64]cat.Params, cfg Config, logger *slog.Logger) (map[int64]ParamSE, bool) {
	if logger == nil {
		logger = slog.Default()
	}

	out := make(map[int64]ParamSE, len(estimates))
	if len(m.UserIDs) < cfg.MinExamineesForBootstrap {
		logger.Warn("[Calibration] skipping bootstrap, too few examinees",
			"examinees", len(m.UserIDs), "floor", cfg.MinExamineesForBootstrap)
		for id := range estimates {
			out[id] = ParamSE{}
		}
		return out, false
	}

	fast := cfg
	if fast.MaxEMIterations > 30 {
		fast.MaxEMIterations = 30
	}

	rng := rand.New(rand.NewSource(cfg.BootstrapSeed))
	nUsers := len(m.UserIDs)

	sampleA := make(map[int64][]float64, len(estimates))
	sampleB := make(map[int64][]float64, len(estimates))

	for iter := 0; iter < cfg.BootstrapIterations; iter++ {
		cols := make([]int, nUsers)
		for j := range cols {
			cols[j] = rng.Intn(nUsers)
		}
		replicate, _ := EstimateMML(m.subset(cols), estimates, fixed, fast)
		for id, p := range replicate {
			sampleA[id] = append(sampleA[id], p.A)
			sampleB[id] = append(sampleB[id], p.B)
		}
	}

	for id := range estimates {
		out[id] = ParamSE{
			SEA: sampleStdDev(sampleA[id]),
			SEB: sampleStdDev(sampleB[id]),
		}
	}
	return out, true
}

func sampleStdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}
