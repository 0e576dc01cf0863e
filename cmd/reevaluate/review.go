package main

import (
	"context"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/store"
)

// reviewStore is the persistence slice the reviewer needs.
// *store.Memory and *store.Postgres satisfy it.
type reviewStore interface {
	ListItems(ctx context.Context, f store.ItemFilter) ([]*domain.Item, error)
	CalibrationTuples(ctx context.Context) ([]domain.ResponseTuple, error)
	UpdateClassicalStats(ctx context.Context, itemID int64, pValue, discrimination float64) error
	SetQuality(ctx context.Context, itemID int64, q domain.QualityState) error
}

// options select and gate one re-scoring pass.
type options struct {
	domains      []domain.Domain
	difficulties []domain.Difficulty
	minScore     float64
	limit        int
	dryRun       bool
	onlyRecalc   bool
}

type verdict string

const (
	verdictFlagged   verdict = "flagged"
	verdictRestored  verdict = "restored"
	verdictUnchanged verdict = "unchanged"
	verdictSkipped   verdict = "skipped"
	verdictFailed    verdict = "failed"
)

// itemReview is one item's outcome within a pass.
type itemReview struct {
	ItemID        int64
	Score         float64
	PValue        float64
	PointBiserial float64
	Responses     int
	Verdict       verdict
	Err           error
}

// reviewReport tallies a pass over the selected items.
type reviewReport struct {
	Evaluated int
	Flagged   int
	Restored  int
	Unchanged int
	Skipped   int
	Failed    int
	Items     []itemReview
	DryRun    bool
}

// minResponsesToJudge guards the heuristic: below this, classical
// statistics are noise and the item is left untouched.
const minResponsesToJudge = 10

// qualityScore grades an item on its classical statistics. 1.0 is a
// healthy item; deductions accumulate for extreme difficulty and for
// weak or negative discrimination. A negative point-biserial usually
// means a miskeyed answer.
func qualityScore(pValue, pointBiserial float64) float64 {
	score := 1.0
	switch {
	case pValue <= 0.05 || pValue >= 0.98:
		score -= 0.35
	case pValue <= 0.15 || pValue >= 0.95:
		score -= 0.15
	}
	switch {
	case pointBiserial < 0:
		score -= 0.50
	case pointBiserial < 0.10:
		score -= 0.30
	case pointBiserial < 0.20:
		score -= 0.15
	}
	if score < 0 {
		return 0
	}
	return score
}

// classicalStats holds per-item counts, p-values, and point-biserial
// discriminations derived from the response log.
type classicalStats struct {
	n   map[int64]int
	p   map[int64]float64
	rpb map[int64]float64
}

// computeClassical collapses duplicate (user, item) observations to the
// latest one and derives classical statistics. The discrimination
// correlates item correctness with the examinee's rest score (total
// correct minus the item itself), which keeps the item from inflating
// its own estimate.
func computeClassical(tuples []domain.ResponseTuple) *classicalStats {
	perItem := map[int64]map[int64]bool{}
	userTotal := map[int64]int{}
	for _, t := range tuples {
		obs := perItem[t.ItemID]
		if obs == nil {
			obs = map[int64]bool{}
			perItem[t.ItemID] = obs
		}
		if prev, seen := obs[t.UserID]; seen {
			if prev == t.Correct {
				continue
			}
			if prev {
				userTotal[t.UserID]--
			} else {
				userTotal[t.UserID]++
			}
			obs[t.UserID] = t.Correct
			continue
		}
		obs[t.UserID] = t.Correct
		if t.Correct {
			userTotal[t.UserID]++
		}
	}

	cs := &classicalStats{
		n:   make(map[int64]int, len(perItem)),
		p:   make(map[int64]float64, len(perItem)),
		rpb: make(map[int64]float64, len(perItem)),
	}
	for id, obs := range perItem {
		correct := 0
		xs := make([]float64, 0, len(obs))
		ys := make([]float64, 0, len(obs))
		for u, c := range obs {
			x := 0.0
			if c {
				x = 1.0
				correct++
			}
			xs = append(xs, x)
			ys = append(ys, float64(userTotal[u])-x)
		}
		cs.n[id] = len(obs)
		cs.p[id] = float64(correct) / float64(len(obs))
		r := stat.Correlation(xs, ys, nil)
		if math.IsNaN(r) {
			r = 0
		}
		cs.rpb[id] = r
	}
	return cs
}

// review runs one pass: recompute classical statistics for the selected
// items and, unless onlyRecalc is set, toggle review flags on the
// quality score. Deactivated items are an administrative decision and
// are never touched. Per-item write failures are tallied, not fatal.
func review(ctx context.Context, st reviewStore, opts options, logger *slog.Logger) (*reviewReport, error) {
	items, err := st.ListItems(ctx, store.ItemFilter{
		Domains:      opts.domains,
		Difficulties: opts.difficulties,
		Limit:        opts.limit,
	})
	if err != nil {
		return nil, err
	}
	tuples, err := st.CalibrationTuples(ctx)
	if err != nil {
		return nil, err
	}
	cs := computeClassical(tuples)

	report := &reviewReport{DryRun: opts.dryRun}
	for _, it := range items {
		r := itemReview{ItemID: it.ID}

		if it.Quality == domain.QualityDeactivated {
			r.Verdict = verdictSkipped
			report.Skipped++
			report.Items = append(report.Items, r)
			continue
		}
		n := cs.n[it.ID]
		if n < minResponsesToJudge {
			r.Verdict = verdictSkipped
			r.Responses = n
			report.Skipped++
			report.Items = append(report.Items, r)
			continue
		}

		r.Responses = n
		r.PValue = cs.p[it.ID]
		r.PointBiserial = cs.rpb[it.ID]
		r.Score = qualityScore(r.PValue, r.PointBiserial)
		report.Evaluated++

		want := it.Quality
		if !opts.onlyRecalc {
			if r.Score < opts.minScore {
				want = domain.QualityUnderReview
			} else {
				want = domain.QualityNormal
			}
		}

		if !opts.dryRun {
			if err := st.UpdateClassicalStats(ctx, it.ID, r.PValue, r.PointBiserial); err != nil {
				r.Verdict = verdictFailed
				r.Err = err
				report.Failed++
				report.Items = append(report.Items, r)
				logger.Error("[Reevaluate] classical stats not written", "item_id", it.ID, "error", err)
				continue
			}
			if want != it.Quality {
				if err := st.SetQuality(ctx, it.ID, want); err != nil {
					r.Verdict = verdictFailed
					r.Err = err
					report.Failed++
					report.Items = append(report.Items, r)
					logger.Error("[Reevaluate] quality not updated", "item_id", it.ID, "error", err)
					continue
				}
			}
		}

		switch {
		case want == it.Quality:
			r.Verdict = verdictUnchanged
			report.Unchanged++
		case want == domain.QualityUnderReview:
			r.Verdict = verdictFlagged
			report.Flagged++
			logger.Warn("[Reevaluate] item flagged for review",
				"item_id", it.ID, "score", r.Score, "p_value", r.PValue, "point_biserial", r.PointBiserial)
		default:
			r.Verdict = verdictRestored
			report.Restored++
			logger.Info("[Reevaluate] item restored to normal", "item_id", it.ID, "score", r.Score)
		}
		report.Items = append(report.Items, r)
	}
	return report, nil
}
