// Package calibration estimates 2PL item parameters from accumulated
// response data: marginal maximum likelihood via EM on a fixed quadrature
// grid, bootstrap standard errors over examinees, fit validation against
// classical difficulty, and test reliability metrics. It runs off the hot
// path, invoked by cmd/calibrate or the admin surface.
package calibration

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/mindgauge/backend/internal/domain"
)

// Config carries the calibration thresholds and estimator tunables.
type Config struct {
	MinResponsesForCalibration int
	MinItemsFor2PL             int
	MinExaminees               int
	MaxSparsity                float64
	MinResponsesPerItem        int

	MinExamineesForBootstrap int
	BootstrapIterations      int
	BootstrapSeed            int64

	MinItemsForValidation int

	MaxEMIterations      int
	ConvergenceTolerance float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinResponsesForCalibration: 50,
		MinItemsFor2PL:             2,
		MinExaminees:               10,
		MaxSparsity:                0.95,
		MinResponsesPerItem:        10,

		MinExamineesForBootstrap: 30,
		BootstrapIterations:      2000,
		BootstrapSeed:            20240901,

		MinItemsForValidation: 3,

		MaxEMIterations:      200,
		ConvergenceTolerance: 1e-3,
	}
}

// Cell states in the response matrix.
const (
	cellMissing   int8 = -1
	cellIncorrect int8 = 0
	cellCorrect   int8 = 1
)

// Matrix is the items-by-examinees response matrix. Rows are items in
// ascending id order, columns examinees in ascending id order, so a given
// tuple set always produces the same matrix.
type Matrix struct {
	ItemIDs []int64
	UserIDs []int64
	cells   [][]int8
}

// Cell returns the response state for (item row, examinee column).
func (m *Matrix) Cell(i, j int) int8 { return m.cells[i][j] }

// Observed counts the non-missing cells in an item row.
func (m *Matrix) Observed(i int) int {
	n := 0
	for _, c := range m.cells[i] {
		if c != cellMissing {
			n++
		}
	}
	return n
}

// ObservedCorrectRate is the fraction of observed cells that are correct
// for an item row, or 0.5 when nothing was observed.
func (m *Matrix) ObservedCorrectRate(i int) float64 {
	n, correct := 0, 0
	for _, c := range m.cells[i] {
		if c == cellMissing {
			continue
		}
		n++
		if c == cellCorrect {
			correct++
		}
	}
	if n == 0 {
		return 0.5
	}
	return float64(correct) / float64(n)
}

// Sparsity is the fraction of missing cells.
func (m *Matrix) Sparsity() float64 {
	if len(m.ItemIDs) == 0 || len(m.UserIDs) == 0 {
		return 1.0
	}
	missing := 0
	for _, row := range m.cells {
		for _, c := range row {
			if c == cellMissing {
				missing++
			}
		}
	}
	return float64(missing) / float64(len(m.ItemIDs)*len(m.UserIDs))
}

// subset returns a matrix restricted to the given examinee columns.
// Columns may repeat; the bootstrap uses that for resampling.
func (m *Matrix) subset(columns []int) *Matrix {
	users := make([]int64, len(columns))
	cells := make([][]int8, len(m.ItemIDs))
	for i := range m.cells {
		row := make([]int8, len(columns))
		for jj, j := range columns {
			row[jj] = m.cells[i][j]
		}
		cells[i] = row
	}
	for jj, j := range columns {
		users[jj] = m.UserIDs[j]
	}
	return &Matrix{ItemIDs: m.ItemIDs, UserIDs: users, cells: cells}
}

// BuildMatrix applies the pre-estimation filters in order and constructs
// the response matrix. Duplicate (user, item) tuples collapse to the
// latest observation. Returns a descriptive error when the data cannot
// support estimation; drop counts are logged, not fatal.
func BuildMatrix(tuples []domain.ResponseTuple, cfg Config, logger *slog.Logger) (*Matrix, error) {
	if logger == nil {
		logger = slog.Default()
	}

	perItem := map[int64]map[int64]bool{}
	for _, t := range tuples {
		if perItem[t.ItemID] == nil {
			perItem[t.ItemID] = map[int64]bool{}
		}
		perItem[t.ItemID][t.UserID] = t.Correct
	}

	// Filter 1: response floor per candidate item.
	var itemIDs []int64
	droppedFloor := 0
	for id, obs := range perItem {
		if len(obs) >= cfg.MinResponsesForCalibration {
			itemIDs = append(itemIDs, id)
		} else {
			droppedFloor++
		}
	}
	if droppedFloor > 0 {
		logger.Info("[Calibration] dropped items below response floor",
			"dropped", droppedFloor, "floor", cfg.MinResponsesForCalibration)
	}
	sort.Slice(itemIDs, func(a, b int) bool { return itemIDs[a] < itemIDs[b] })

	// Filter 2: overall minimums.
	userSet := map[int64]bool{}
	for _, id := range itemIDs {
		for u := range perItem[id] {
			userSet[u] = true
		}
	}
	if len(itemIDs) < cfg.MinItemsFor2PL {
		return nil, fmt.Errorf("calibration: %d items after filtering, need %d", len(itemIDs), cfg.MinItemsFor2PL)
	}
	if len(userSet) < cfg.MinExaminees {
		return nil, fmt.Errorf("calibration: %d examinees, need %d", len(userSet), cfg.MinExaminees)
	}

	userIDs := make([]int64, 0, len(userSet))
	for u := range userSet {
		userIDs = append(userIDs, u)
	}
	sort.Slice(userIDs, func(a, b int) bool { return userIDs[a] < userIDs[b] })
	userCol := make(map[int64]int, len(userIDs))
	for j, u := range userIDs {
		userCol[u] = j
	}

	// Filter 3: construct with missing markers.
	cells := make([][]int8, len(itemIDs))
	for i, id := range itemIDs {
		row := make([]int8, len(userIDs))
		for j := range row {
			row[j] = cellMissing
		}
		for u, correct := range perItem[id] {
			if correct {
				row[userCol[u]] = cellCorrect
			} else {
				row[userCol[u]] = cellIncorrect
			}
		}
		cells[i] = row
	}
	m := &Matrix{ItemIDs: itemIDs, UserIDs: userIDs, cells: cells}

	// Filter 4: sparsity ceiling.
	if sp := m.Sparsity(); sp > cfg.MaxSparsity {
		return nil, fmt.Errorf("calibration: matrix sparsity %.3f exceeds %.2f", sp, cfg.MaxSparsity)
	}

	// Filter 5: per-item observed-cell floor within the matrix.
	kept := make([]int, 0, len(itemIDs))
	droppedSparse := 0
	for i := range itemIDs {
		if m.Observed(i) >= cfg.MinResponsesPerItem {
			kept = append(kept, i)
		} else {
			droppedSparse++
		}
	}
	if droppedSparse > 0 {
		logger.Info("[Calibration] dropped sparse matrix rows",
			"dropped", droppedSparse, "floor", cfg.MinResponsesPerItem)
	}
	if len(kept) < cfg.MinItemsFor2PL {
		return nil, fmt.Errorf("calibration: %d items after sparsity drop, need %d", len(kept), cfg.MinItemsFor2PL)
	}
	if droppedSparse > 0 {
		keptIDs := make([]int64, len(kept))
		keptCells := make([][]int8, len(kept))
		for n, i := range kept {
			keptIDs[n] = itemIDs[i]
			keptCells[n] = cells[i]
		}
		m = &Matrix{ItemIDs: keptIDs, UserIDs: userIDs, cells: keptCells}
	}

	return m, nil
}

func logit(p float64) float64 {
	return math.Log(p / (1.0 - p))
}

func clampP(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}
