// Package cat implements the adaptive testing engine: the 2PL response
// model, EAP ability estimation over a fixed quadrature grid, maximum-
// information item selection with content balancing, stopping rules, and
// score conversion. Everything here is pure computation; persistence and
// transport live elsewhere.
package cat

import "math"

// Quadrature grid: 61 points uniform on [-4, 4], standard-normal prior.
const (
	gridPoints = 61
	gridMin    = -4.0
	gridMax    = 4.0
)

// minLogArg guards log() against arguments that underflow to zero when
// discrimination is extreme.
const minLogArg = 1e-12

// Params is a calibrated 2PL parameter pair.
type Params struct {
	A float64 // discrimination, > 0
	B float64 // difficulty
}

// ScoredResponse pairs an administered item's parameters with the
// examinee's correctness on it.
type ScoredResponse struct {
	Params  Params
	Correct bool
}

// Estimate is an ability point estimate with its posterior SD.
type Estimate struct {
	Theta float64
	SE    float64
}

// Probability is the 2PL model: P(correct | theta) for an item with
// parameters p.
func Probability(p Params, theta float64) float64 {
	return 1.0 / (1.0 + math.Exp(-p.A*(theta-p.B)))
}

// Information is the Fisher information of an item at theta:
// a^2 * P * (1-P).
func Information(p Params, theta float64) float64 {
	pr := Probability(p, theta)
	return p.A * p.A * pr * (1.0 - pr)
}

var quadGrid = buildGrid()

func buildGrid() [gridPoints]float64 {
	var g [gridPoints]float64
	step := (gridMax - gridMin) / float64(gridPoints-1)
	for k := range g {
		g[k] = gridMin + float64(k)*step
	}
	return g
}

// EAP computes the expected-a-posteriori ability estimate and posterior
// SD from the full response set, under a N(0,1) prior. With no responses
// it returns the prior mean and SD unchanged. The likelihood is
// accumulated in log space and stabilized by subtracting the maximum
// before exponentiation.
func EAP(responses []ScoredResponse) Estimate {
	if len(responses) == 0 {
		return Estimate{Theta: 0, SE: 1.0}
	}

	var logw [gridPoints]float64
	maxLog := math.Inf(-1)
	for k, th := range quadGrid {
		lw := -0.5 * th * th // log standard-normal kernel, constants cancel
		for _, r := range responses {
			p := Probability(r.Params, th)
			if r.Correct {
				lw += math.Log(math.Max(p, minLogArg))
			} else {
				lw += math.Log(math.Max(1.0-p, minLogArg))
			}
		}
		logw[k] = lw
		if lw > maxLog {
			maxLog = lw
		}
	}

	var sum, mean float64
	var w [gridPoints]float64
	for k := range logw {
		w[k] = math.Exp(logw[k] - maxLog)
		sum += w[k]
	}
	for k, th := range quadGrid {
		mean += th * w[k] / sum
	}
	var variance float64
	for k, th := range quadGrid {
		d := th - mean
		variance += d * d * w[k] / sum
	}

	return Estimate{Theta: mean, SE: math.Sqrt(variance)}
}
