package calibration

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgauge/backend/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tup(user, item int64, correct bool) domain.ResponseTuple {
	return domain.ResponseTuple{UserID: user, ItemID: item, Correct: correct}
}

// matrixCfg lowers the production floors so small fixtures pass.
func matrixCfg() Config {
	cfg := DefaultConfig()
	cfg.MinResponsesForCalibration = 3
	cfg.MinExaminees = 3
	cfg.MinResponsesPerItem = 2
	return cfg
}

func TestBuildMatrixDropsItemsBelowResponseFloor(t *testing.T) {
	tuples := []domain.ResponseTuple{
		tup(1, 10, true), tup(2, 10, false), tup(3, 10, true),
		tup(1, 20, true), tup(2, 20, true), tup(3, 20, false),
		tup(4, 30, true), tup(5, 30, false),
	}

	m, err := BuildMatrix(tuples, matrixCfg(), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 20}, m.ItemIDs)
	assert.Equal(t, []int64{1, 2, 3}, m.UserIDs)
	assert.Equal(t, 0.0, m.Sparsity())
}

func TestBuildMatrixCellLayout(t *testing.T) {
	tuples := []domain.ResponseTuple{
		tup(1, 10, true), tup(2, 10, false), tup(3, 10, true),
		tup(1, 20, true), tup(2, 20, true), tup(3, 20, false),
	}

	m, err := BuildMatrix(tuples, matrixCfg(), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, int8(1), m.Cell(0, 0))
	assert.Equal(t, int8(0), m.Cell(0, 1))
	assert.Equal(t, int8(1), m.Cell(0, 2))
	assert.Equal(t, int8(1), m.Cell(1, 0))
	assert.Equal(t, int8(0), m.Cell(1, 2))

	assert.Equal(t, 3, m.Observed(0))
	assert.InDelta(t, 2.0/3.0, m.ObservedCorrectRate(0), 1e-12)
}

func TestBuildMatrixTooFewItems(t *testing.T) {
	tuples := []domain.ResponseTuple{
		tup(4, 30, true), tup(5, 30, false),
	}

	_, err := BuildMatrix(tuples, matrixCfg(), discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "items")
}

func TestBuildMatrixTooFewExaminees(t *testing.T) {
	cfg := matrixCfg()
	cfg.MinResponsesForCalibration = 2

	tuples := []domain.ResponseTuple{
		tup(1, 10, true), tup(2, 10, false),
		tup(1, 20, true), tup(2, 20, true),
	}

	_, err := BuildMatrix(tuples, cfg, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "examinees")
}

func TestBuildMatrixRejectsSparseMatrix(t *testing.T) {
	cfg := matrixCfg()
	cfg.MinResponsesForCalibration = 2
	cfg.MaxSparsity = 0.40

	// Disjoint examinee sets: 5 of 10 cells missing.
	tuples := []domain.ResponseTuple{
		tup(1, 10, true), tup(2, 10, false),
		tup(3, 20, true), tup(4, 20, true), tup(5, 20, false),
	}

	_, err := BuildMatrix(tuples, cfg, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sparsity")
}

func TestBuildMatrixDropsSparseRows(t *testing.T) {
	cfg := matrixCfg()
	cfg.MinResponsesForCalibration = 2
	cfg.MinResponsesPerItem = 3

	tuples := []domain.ResponseTuple{
		tup(1, 10, true), tup(2, 10, false), tup(3, 10, true),
		tup(1, 20, true), tup(2, 20, true), tup(3, 20, false),
		tup(1, 30, true), tup(2, 30, false),
	}

	m, err := BuildMatrix(tuples, cfg, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 20}, m.ItemIDs)
	assert.Equal(t, []int64{1, 2, 3}, m.UserIDs)
	assert.Equal(t, 0.0, m.Sparsity())
}

func TestBuildMatrixDuplicatesCollapseToLatest(t *testing.T) {
	cfg := matrixCfg()
	cfg.MinResponsesForCalibration = 2
	cfg.MinExaminees = 2

	tuples := []domain.ResponseTuple{
		tup(1, 10, false), tup(2, 10, true),
		tup(1, 20, true), tup(2, 20, false),
		tup(1, 10, true), // retake of (1, 10) supersedes the first answer
	}

	m, err := BuildMatrix(tuples, cfg, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 20}, m.ItemIDs)
	assert.Equal(t, int8(1), m.Cell(0, 0))
	assert.Equal(t, 2, m.Observed(0))
}

func TestMatrixSubsetRepeatsColumns(t *testing.T) {
	m := &Matrix{
		ItemIDs: []int64{10, 20},
		UserIDs: []int64{1, 2, 3},
		cells: [][]int8{
			{1, 0, -1},
			{0, 1, 1},
		},
	}

	s := m.subset([]int{2, 0, 2})

	assert.Equal(t, []int64{10, 20}, s.ItemIDs)
	assert.Equal(t, []int64{3, 1, 3}, s.UserIDs)
	assert.Equal(t, int8(-1), s.Cell(0, 0))
	assert.Equal(t, int8(1), s.Cell(0, 1))
	assert.Equal(t, int8(-1), s.Cell(0, 2))
	assert.Equal(t, int8(1), s.Cell(1, 0))
	assert.Equal(t, int8(0), s.Cell(1, 1))
}

func TestObservedCorrectRateEmptyRow(t *testing.T) {
	m := &Matrix{
		ItemIDs: []int64{10},
		UserIDs: []int64{1, 2},
		cells:   [][]int8{{-1, -1}},
	}

	assert.Equal(t, 0.5, m.ObservedCorrectRate(0))
	assert.Equal(t, 0, m.Observed(0))
	assert.Equal(t, 1.0, m.Sparsity())
}

func TestSparsityEmptyMatrix(t *testing.T) {
	m := &Matrix{}
	assert.Equal(t, 1.0, m.Sparsity())
}
