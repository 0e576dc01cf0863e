package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/mindgauge/backend/internal/domain"
)

// CronbachAlpha computes internal consistency over a complete score
// matrix: rows are examinees, columns items, cells 0 or 1.
func CronbachAlpha(scores [][]float64) (float64, error) {
	if len(scores) < 2 || len(scores[0]) < 2 {
		return 0, fmt.Errorf("calibration: alpha needs at least 2 examinees and 2 items")
	}
	k := len(scores[0])

	var itemVarSum float64
	column := make([]float64, len(scores))
	for j := 0; j < k; j++ {
		for i, row := range scores {
			column[i] = row[j]
		}
		itemVarSum += stat.Variance(column, nil)
	}

	totals := make([]float64, len(scores))
	for i, row := range scores {
		var sum float64
		for _, v := range row {
			sum += v
		}
		totals[i] = sum
	}
	totalVar := stat.Variance(totals, nil)
	if totalVar == 0 {
		return 0, fmt.Errorf("calibration: zero total-score variance")
	}

	return float64(k) / float64(k-1) * (1.0 - itemVarSum/totalVar), nil
}

// TestRetest correlates first and second completed-test scores of
// repeat examinees.
func TestRetest(first, second []float64) (float64, error) {
	if len(first) != len(second) {
		return 0, fmt.Errorf("calibration: retest series length mismatch")
	}
	if len(first) < 3 {
		return 0, fmt.Errorf("calibration: %d retest pairs, need 3", len(first))
	}
	return stat.Correlation(first, second, nil), nil
}

// SplitHalf splits the item set by index parity, correlates the half
// scores, and applies the Spearman-Brown step-up.
func SplitHalf(scores [][]float64) (float64, error) {
	if len(scores) < 2 || len(scores[0]) < 2 {
		return 0, fmt.Errorf("calibration: split-half needs at least 2 examinees and 2 items")
	}

	odd := make([]float64, len(scores))
	even := make([]float64, len(scores))
	for i, row := range scores {
		for j, v := range row {
			if j%2 == 0 {
				even[i] += v
			} else {
				odd[i] += v
			}
		}
	}
	r := stat.Correlation(even, odd, nil)
	return 2 * r / (1 + r), nil
}

// ---- reliability service ----

// ResponseSource projects completed fixed-form responses for analysis.
type ResponseSource interface {
	CalibrationTuples(ctx context.Context) ([]domain.ResponseTuple, error)
}

// ScoreSource lists final ability scores per user in completion order.
type ScoreSource interface {
	CompletedThetasByUser(ctx context.Context) (map[int64][]float64, error)
}

// MetricSink historizes computed metrics.
type MetricSink interface {
	SaveReliabilityMetric(ctx context.Context, m *domain.ReliabilityMetric) error
}

// MetricValue is one computed reliability statistic.
type MetricValue struct {
	Value      float64            `json:"value"`
	SampleSize int                `json:"sample_size"`
	Details    map[string]float64 `json:"details,omitempty"`
}

// ReliabilityReport bundles whichever metrics the available data could
// support. Absent metrics are nil, with the reason logged.
type ReliabilityReport struct {
	CronbachAlpha *MetricValue `json:"cronbachs_alpha,omitempty"`
	TestRetest    *MetricValue `json:"test_retest,omitempty"`
	SplitHalf     *MetricValue `json:"split_half,omitempty"`
	GeneratedAt   time.Time    `json:"generated_at"`
}

// ReliabilityService computes and optionally historizes reliability
// metrics from the response log.
type ReliabilityService struct {
	responses ResponseSource
	scores    ScoreSource
	sink      MetricSink
	cfg       Config
	logger    *slog.Logger
}

func NewReliabilityService(responses ResponseSource, scores ScoreSource, sink MetricSink, cfg Config, logger *slog.Logger) *ReliabilityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReliabilityService{responses: responses, scores: scores, sink: sink, cfg: cfg, logger: logger}
}

// Report computes the available metrics. With historize set, each
// computed metric is also persisted through the sink; persistence
// failures are logged and do not fail the report.
func (s *ReliabilityService) Report(ctx context.Context, historize bool) (*ReliabilityReport, error) {
	report := &ReliabilityReport{GeneratedAt: time.Now().UTC()}

	tuples, err := s.responses.CalibrationTuples(ctx)
	if err != nil {
		return nil, fmt.Errorf("reliability: loading responses: %w", err)
	}

	scores, itemCount := completeCases(tuples, s.cfg.MinResponsesPerItem)
	if len(scores) >= 2 && itemCount >= 2 {
		if alpha, err := CronbachAlpha(scores); err != nil {
			s.logger.Warn("[Reliability] alpha skipped", "error", err)
		} else {
			report.CronbachAlpha = &MetricValue{
				Value:      alpha,
				SampleSize: len(scores),
				Details:    map[string]float64{"items": float64(itemCount), "examinees": float64(len(scores))},
			}
		}
		if sh, err := SplitHalf(scores); err != nil {
			s.logger.Warn("[Reliability] split-half skipped", "error", err)
		} else {
			report.SplitHalf = &MetricValue{
				Value:      sh,
				SampleSize: len(scores),
				Details:    map[string]float64{"items": float64(itemCount)},
			}
		}
	} else {
		s.logger.Warn("[Reliability] no complete-case matrix",
			"examinees", len(scores), "items", itemCount)
	}

	thetas, err := s.scores.CompletedThetasByUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("reliability: loading scores: %w", err)
	}
	first, second := retestPairs(thetas)
	if r, err := TestRetest(first, second); err != nil {
		s.logger.Warn("[Reliability] test-retest skipped", "error", err)
	} else {
		report.TestRetest = &MetricValue{
			Value:      r,
			SampleSize: len(first),
			Details:    map[string]float64{"pairs": float64(len(first))},
		}
	}

	if historize {
		s.persist(ctx, domain.MetricCronbachAlpha, report.CronbachAlpha)
		s.persist(ctx, domain.MetricTestRetest, report.TestRetest)
		s.persist(ctx, domain.MetricSplitHalf, report.SplitHalf)
	}

	return report, nil
}

func (s *ReliabilityService) persist(ctx context.Context, kind domain.MetricKind, mv *MetricValue) {
	if mv == nil || s.sink == nil {
		return
	}
	err := s.sink.SaveReliabilityMetric(ctx, &domain.ReliabilityMetric{
		Kind:         kind,
		Value:        mv.Value,
		SampleSize:   mv.SampleSize,
		Details:      mv.Details,
		CalculatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("[Reliability] historize failed", "kind", string(kind), "error", err)
	}
}

// completeCases builds an examinee-by-item 0/1 matrix over the items
// with enough observations, keeping only examinees who answered every
// retained item. Fixed-form sessions share an item set, so complete
// rows are the common case.
func completeCases(tuples []domain.ResponseTuple, minPerItem int) ([][]float64, int) {
	perItem := map[int64]int{}
	byUser := map[int64]map[int64]float64{}
	for _, t := range tuples {
		if byUser[t.UserID] == nil {
			byUser[t.UserID] = map[int64]float64{}
		}
		if _, seen := byUser[t.UserID][t.ItemID]; !seen {
			perItem[t.ItemID]++
		}
		v := 0.0
		if t.Correct {
			v = 1.0
		}
		byUser[t.UserID][t.ItemID] = v
	}

	var itemIDs []int64
	for id, n := range perItem {
		if n >= minPerItem {
			itemIDs = append(itemIDs, id)
		}
	}
	if len(itemIDs) < 2 {
		return nil, len(itemIDs)
	}
	sort.Slice(itemIDs, func(a, b int) bool { return itemIDs[a] < itemIDs[b] })

	userIDs := make([]int64, 0, len(byUser))
	for u := range byUser {
		userIDs = append(userIDs, u)
	}
	sort.Slice(userIDs, func(a, b int) bool { return userIDs[a] < userIDs[b] })

	var scores [][]float64
	for _, u := range userIDs {
		row := make([]float64, len(itemIDs))
		complete := true
		for j, id := range itemIDs {
			v, ok := byUser[u][id]
			if !ok {
				complete = false
				break
			}
			row[j] = v
		}
		if complete {
			scores = append(scores, row)
		}
	}
	return scores, len(itemIDs)
}

// retestPairs extracts (first, second) completed scores for users with
// at least two tests, in ascending user order for determinism.
func retestPairs(thetas map[int64][]float64) (first, second []float64) {
	users := make([]int64, 0, len(thetas))
	for u, list := range thetas {
		if len(list) >= 2 {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(a, b int) bool { return users[a] < users[b] })
	for _, u := range users {
		first = append(first, thetas[u][0])
		second = append(second, thetas[u][1])
	}
	return first, second
}
