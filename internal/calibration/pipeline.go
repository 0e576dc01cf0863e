package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindgauge/backend/internal/cat"
	"github.com/mindgauge/backend/internal/domain"
)

// ItemSource loads item records for priors and anchor flags.
type ItemSource interface {
	ItemsByID(ctx context.Context, ids []int64) (map[int64]*domain.Item, error)
}

// CalibrationSink commits a calibration run. Implementations apply all
// updates in one transaction so readers never observe a mixed set.
type CalibrationSink interface {
	UpdateCalibration(ctx context.Context, updates []ItemUpdate) error
}

// ItemUpdate is the write payload for one calibrated item.
type ItemUpdate struct {
	ItemID    int64   `json:"item_id"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
	SEA       float64 `json:"se_a"`
	SEB       float64 `json:"se_b"`
	InfoPeak  float64 `json:"information_peak"`
	ResponseN int     `json:"response_n"`
}

// Report summarizes a calibration run.
type Report struct {
	ItemsCalibrated int               `json:"items_calibrated"`
	AnchorsHeld     int               `json:"anchors_held"`
	Examinees       int               `json:"examinees"`
	EMIterations    int               `json:"em_iterations"`
	BootstrapRan    bool              `json:"bootstrap_ran"`
	Validation      *ValidationReport `json:"validation,omitempty"`
	Updates         []ItemUpdate      `json:"updates,omitempty"`
	DryRun          bool              `json:"dry_run"`
	Duration        time.Duration     `json:"-"`
}

// Pipeline wires the calibration stages against the stores.
type Pipeline struct {
	cfg       Config
	responses ResponseSource
	items     ItemSource
	sink      CalibrationSink
	logger    *slog.Logger
}

func NewPipeline(responses ResponseSource, items ItemSource, sink CalibrationSink, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, responses: responses, items: items, sink: sink, logger: logger}
}

// Run executes one calibration pass: filter, estimate, bootstrap,
// commit, validate. With dryRun set, the commit is skipped and the
// would-be updates are returned in the report.
func (p *Pipeline) Run(ctx context.Context, dryRun bool) (*Report, error) {
	started := time.Now()

	tuples, err := p.responses.CalibrationTuples(ctx)
	if err != nil {
		return nil, fmt.Errorf("calibration: loading responses: %w", err)
	}

	m, err := BuildMatrix(tuples, p.cfg, p.logger)
	if err != nil {
		return nil, err
	}

	items, err := p.items.ItemsByID(ctx, m.ItemIDs)
	if err != nil {
		return nil, fmt.Errorf("calibration: loading items: %w", err)
	}

	seeds := make(map[int64]cat.Params, len(m.ItemIDs))
	fixed := make(map[int64]cat.Params)
	pvalues := make(map[int64]float64, len(m.ItemIDs))
	for i, id := range m.ItemIDs {
		rate := m.ObservedCorrectRate(i)
		pvalues[id] = rate
		seeds[id] = SeedFromClassical(rate, 0)

		it, ok := items[id]
		if !ok {
			continue
		}
		if it.PValue > 0 {
			pvalues[id] = it.PValue
			seeds[id] = SeedFromClassical(it.PValue, it.Discrimination)
		}
		// Anchors keep their previous parameters and pin the scale.
		if it.Anchor && it.IRT != nil && it.IRT.A > 0 {
			fixed[id] = cat.Params{A: it.IRT.A, B: it.IRT.B}
		}
	}

	estimates, iterations := EstimateMML(m, seeds, fixed, p.cfg)
	ses, bootstrapRan := BootstrapSE(m, estimates, fixed, p.cfg, p.logger)

	updates := make([]ItemUpdate, 0, len(estimates))
	for i, id := range m.ItemIDs {
		est, ok := estimates[id]
		if !ok {
			continue // anchor, held fixed
		}
		se := ses[id]
		updates = append(updates, ItemUpdate{
			ItemID:    id,
			A:         est.A,
			B:         est.B,
			SEA:       se.SEA,
			SEB:       se.SEB,
			InfoPeak:  est.B, // 2PL information peaks at theta = b
			ResponseN: m.Observed(i),
		})
	}

	if !dryRun && len(updates) > 0 {
		if err := p.sink.UpdateCalibration(ctx, updates); err != nil {
			return nil, fmt.Errorf("calibration: committing updates: %w", err)
		}
	}

	report := &Report{
		ItemsCalibrated: len(updates),
		AnchorsHeld:     len(fixed),
		Examinees:       len(m.UserIDs),
		EMIterations:    iterations,
		BootstrapRan:    bootstrapRan,
		Updates:         updates,
		DryRun:          dryRun,
		Duration:        time.Since(started),
	}

	if validation, err := Validate(estimates, pvalues, p.cfg); err != nil {
		p.logger.Warn("[Calibration] validation skipped", "error", err)
	} else {
		report.Validation = validation
	}

	p.logger.Info("[Calibration] run complete",
		"items", report.ItemsCalibrated,
		"anchors_held", report.AnchorsHeld,
		"examinees", report.Examinees,
		"em_iterations", report.EMIterations,
		"bootstrap", report.BootstrapRan,
		"dry_run", dryRun,
		"duration", report.Duration.Round(time.Millisecond))

	return report, nil
}
