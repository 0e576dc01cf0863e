package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindgauge/backend/internal/calibration"
	"github.com/mindgauge/backend/internal/store"
)

func mockSink(t *testing.T) (calibrationSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return calibrationSink{store: store.NewPostgres(db, logger)}, mock
}

func TestCalibrationSinkCommitsInOneTransaction(t *testing.T) {
	sink, mock := mockSink(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE items SET irt_a").
		WithArgs(int64(7), 1.2, -0.4, 0.1, 0.2, -0.4, sqlmock.AnyArg(), 180).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE items SET irt_a").
		WithArgs(int64(9), 0.8, 1.1, 0.15, 0.25, 1.1, sqlmock.AnyArg(), 90).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := sink.UpdateCalibration(context.Background(), []calibration.ItemUpdate{
		{ItemID: 7, A: 1.2, B: -0.4, SEA: 0.1, SEB: 0.2, InfoPeak: -0.4, ResponseN: 180},
		{ItemID: 9, A: 0.8, B: 1.1, SEA: 0.15, SEB: 0.25, InfoPeak: 1.1, ResponseN: 90},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCalibrationSinkStopsBeforeTheDatabaseOnBadInput(t *testing.T) {
	sink, mock := mockSink(t)

	err := sink.UpdateCalibration(context.Background(), []calibration.ItemUpdate{
		{ItemID: 7, A: 0, B: 1},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
