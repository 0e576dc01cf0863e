package calibration

import (
	"math"

	"github.com/mindgauge/backend/internal/cat"
)

// Estimation grid: same 61-point layout the engine scores with.
const (
	emGridPoints = 61
	emGridMin    = -4.0
	emGridMax    = 4.0
)

// Parameter bounds and step damping keep early EM iterations from
// running away on sparse or degenerate items.
const (
	maxAbsA    = 5.0
	maxAbsB    = 6.0
	maxEMStep  = 0.5
	minLikArg  = 1e-12
	innerSteps = 3
)

var emGrid = buildEMGrid()

func buildEMGrid() [emGridPoints]float64 {
	var g [emGridPoints]float64
	step := (emGridMax - emGridMin) / float64(emGridPoints-1)
	for k := range g {
		g[k] = emGridMin + float64(k)*step
	}
	return g
}

// SeedFromClassical converts classical item stats into an estimator
// seed: b from the negated logit of the empirical p-value (clamped to
// [0.01, 0.99]), a from the point-biserial when positive.
func SeedFromClassical(pValue, discrimination float64) cat.Params {
	seed := cat.Params{A: 1.0, B: -logit(clampP(pValue))}
	if discrimination > 0 {
		seed.A = discrimination
	}
	return seed
}

// NormalizeEstimate enforces the a > 0 invariant on an MML output: a
// negative discrimination is model-equivalent to the mirrored item, so
// flip both signs rather than store an invalid parameter. A tiny floor
// keeps fully uninformative items representable.
func NormalizeEstimate(p cat.Params) cat.Params {
	if p.A < 0 {
		p.A, p.B = -p.A, -p.B
	}
	if p.A < 0.05 {
		p.A = 0.05
	}
	return p
}

// EstimateMML fits the 2PL by marginal maximum likelihood over the
// matrix. seeds provides starting values per item id; fixed holds anchor
// items whose parameters participate in the examinee posteriors but are
// never re-estimated. Returns estimates for the free items (sign-
// normalized) and the number of EM iterations used.
func EstimateMML(m *Matrix, seeds map[int64]cat.Params, fixed map[int64]cat.Params, cfg Config) (map[int64]cat.Params, int) {
	nItems := len(m.ItemIDs)
	nUsers := len(m.UserIDs)

	params := make([]cat.Params, nItems)
	free := make([]bool, nItems)
	for i, id := range m.ItemIDs {
		if f, ok := fixed[id]; ok {
			params[i] = f
			continue
		}
		free[i] = true
		if s, ok := seeds[id]; ok && s.A > 0 {
			params[i] = s
		} else {
			params[i] = cat.Params{A: 1.0, B: 0.0}
		}
	}

	post := make([][emGridPoints]float64, nUsers)
	iterations := 0

	for iter := 0; iter < cfg.MaxEMIterations; iter++ {
		iterations = iter + 1

		// E-step: posterior ability weights per examinee over the grid,
		// accumulated in log space with subtract-max stabilization.
		for j := 0; j < nUsers; j++ {
			var logw [emGridPoints]float64
			maxLog := math.Inf(-1)
			for k, th := range emGrid {
				lw := -0.5 * th * th
				for i := 0; i < nItems; i++ {
					c := m.cells[i][j]
					if c == cellMissing {
						continue
					}
					p := cat.Probability(params[i], th)
					if c == cellCorrect {
						lw += math.Log(math.Max(p, minLikArg))
					} else {
						lw += math.Log(math.Max(1.0-p, minLikArg))
					}
				}
				logw[k] = lw
				if lw > maxLog {
					maxLog = lw
				}
			}
			var sum float64
			for k := range logw {
				post[j][k] = math.Exp(logw[k] - maxLog)
				sum += post[j][k]
			}
			for k := range post[j] {
				post[j][k] /= sum
			}
		}

		// M-step: per free item, Fisher scoring on the expected counts.
		maxDelta := 0.0
		for i := 0; i < nItems; i++ {
			if !free[i] {
				continue
			}

			var nbar, rbar [emGridPoints]float64
			for j := 0; j < nUsers; j++ {
				c := m.cells[i][j]
				if c == cellMissing {
					continue
				}
				for k := 0; k < emGridPoints; k++ {
					nbar[k] += post[j][k]
					if c == cellCorrect {
						rbar[k] += post[j][k]
					}
				}
			}

			a, b := params[i].A, params[i].B
			for inner := 0; inner < innerSteps; inner++ {
				var ga, gb, iaa, iab, ibb float64
				for k, th := range emGrid {
					p := 1.0 / (1.0 + math.Exp(-a*(th-b)))
					e := rbar[k] - nbar[k]*p
					w := nbar[k] * p * (1.0 - p)
					d := th - b
					ga += e * d
					gb += -a * e
					iaa += w * d * d
					iab += -a * w * d
					ibb += a * a * w
				}
				det := iaa*ibb - iab*iab
				if det < 1e-10 {
					break
				}
				da := clampStep((ibb*ga - iab*gb) / det)
				db := clampStep((-iab*ga + iaa*gb) / det)
				a = clampAbs(a+da, maxAbsA)
				b = clampAbs(b+db, maxAbsB)
				if math.Abs(da) < 1e-7 && math.Abs(db) < 1e-7 {
					break
				}
			}

			if d := math.Abs(a - params[i].A); d > maxDelta {
				maxDelta = d
			}
			if d := math.Abs(b - params[i].B); d > maxDelta {
				maxDelta = d
			}
			params[i] = cat.Params{A: a, B: b}
		}

		if maxDelta < cfg.ConvergenceTolerance {
			break
		}
	}

	out := make(map[int64]cat.Params, nItems)
	for i, id := range m.ItemIDs {
		if free[i] {
			out[id] = NormalizeEstimate(params[i])
		}
	}
	return out, iterations
}

func clampStep(d float64) float64 {
	if d > maxEMStep {
		return maxEMStep
	}
	if d < -maxEMStep {
		return -maxEMStep
	}
	return d
}

func clampAbs(v, bound float64) float64 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}
