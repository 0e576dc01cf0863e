package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mindgauge/backend/internal/domain"
	"github.com/mindgauge/backend/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// answerRows describe a four-examinee ability ladder: each row is
// (target, filler1, filler2). Repeated three times it yields twelve
// responses per item, enough to clear the judgement floor.
type answerRows [4][3]bool

// healthyRows gives the target item p=0.5 and a strongly positive
// rest-score correlation: the two strongest examinees get it right.
var healthyRows = answerRows{
	{true, true, true},
	{true, true, false},
	{false, true, false},
	{false, false, false},
}

// miskeyedRows inverts only the target column, so the weakest
// examinees "succeed" and the point-biserial flips negative.
var miskeyedRows = answerRows{
	{false, true, true},
	{false, true, false},
	{true, true, false},
	{true, false, false},
}

// seedLadder creates twelve examinees, each with one completed
// fixed-form session answering the target and both fillers. Fillers are
// deliberately absent from the item bank so only the target is judged.
func seedLadder(t *testing.T, st *store.Memory, userBase, target int64, fillers [2]int64, rows answerRows) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		row := rows[i%4]
		uid := userBase + int64(i)
		s := &domain.Session{UserID: uid, Mode: domain.ModeFixed, Status: domain.StatusCompleted}
		require.NoError(t, st.CreateSession(ctx, s))
		for j, itemID := range []int64{target, fillers[0], fillers[1]} {
			require.NoError(t, st.AppendResponse(ctx, &domain.Response{
				SessionID: s.ID,
				UserID:    uid,
				ItemID:    itemID,
				Answer:    "a",
				Correct:   row[j],
			}))
		}
	}
}

func seedItem(t *testing.T, st *store.Memory, id int64, q domain.QualityState) {
	t.Helper()
	require.NoError(t, st.PutItem(context.Background(), &domain.Item{
		ID:           id,
		Prompt:       "which figure completes the sequence?",
		Options:      []string{"a", "b", "c", "d"},
		CorrectIndex: 0,
		Domain:       domain.DomainPattern,
		Difficulty:   domain.DifficultyMedium,
		Active:       true,
		Quality:      q,
	}))
}

// seedBank builds the standard five-item fixture: a healthy item, a
// miskeyed one, a flagged-but-healthy one, a deactivated one, and one
// with too few responses to judge.
func seedBank(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()

	seedItem(t, st, 1, domain.QualityNormal)
	seedLadder(t, st, 101, 1, [2]int64{901, 902}, healthyRows)

	seedItem(t, st, 2, domain.QualityNormal)
	seedLadder(t, st, 201, 2, [2]int64{903, 904}, miskeyedRows)

	seedItem(t, st, 3, domain.QualityUnderReview)
	seedLadder(t, st, 301, 3, [2]int64{905, 906}, healthyRows)

	seedItem(t, st, 4, domain.QualityDeactivated)

	seedItem(t, st, 5, domain.QualityNormal)
	for i := int64(0); i < 3; i++ {
		uid := 501 + i
		s := &domain.Session{UserID: uid, Mode: domain.ModeFixed, Status: domain.StatusCompleted}
		require.NoError(t, st.CreateSession(ctx, s))
		require.NoError(t, st.AppendResponse(ctx, &domain.Response{
			SessionID: s.ID, UserID: uid, ItemID: 5, Answer: "a", Correct: true,
		}))
	}
	return st
}

func TestComputeClassicalSigns(t *testing.T) {
	var tuples []domain.ResponseTuple
	add := func(userBase, target int64, rows answerRows) {
		for i := 0; i < 4; i++ {
			row := rows[i]
			uid := userBase + int64(i)
			for j, itemID := range []int64{target, target + 100, target + 101} {
				tuples = append(tuples, domain.ResponseTuple{UserID: uid, ItemID: itemID, Correct: row[j]})
			}
		}
	}
	add(1, 10, healthyRows)
	add(50, 20, miskeyedRows)

	cs := computeClassical(tuples)

	require.Equal(t, 4, cs.n[10])
	require.InDelta(t, 0.5, cs.p[10], 1e-9)
	require.Greater(t, cs.rpb[10], 0.5)

	require.Equal(t, 4, cs.n[20])
	require.InDelta(t, 0.5, cs.p[20], 1e-9)
	require.Less(t, cs.rpb[20], -0.5)
}

func TestComputeClassicalCollapsesDuplicates(t *testing.T) {
	// User 1 answers item 30 wrong, then right: only the latest
	// observation counts, for the p-value and for the rest score.
	tuples := []domain.ResponseTuple{
		{UserID: 1, ItemID: 30, Correct: false},
		{UserID: 1, ItemID: 30, Correct: true},
		{UserID: 2, ItemID: 30, Correct: true},
		{UserID: 2, ItemID: 30, Correct: true}, // same-value repeat is ignored
	}
	cs := computeClassical(tuples)

	require.Equal(t, 2, cs.n[30])
	require.InDelta(t, 1.0, cs.p[30], 1e-9)
	// Zero variance in correctness: correlation is undefined and
	// reported as 0 rather than NaN.
	require.Zero(t, cs.rpb[30])
}

func TestQualityScore(t *testing.T) {
	cases := []struct {
		name string
		p    float64
		rpb  float64
		want float64
	}{
		{"healthy", 0.50, 0.45, 1.00},
		{"near chance", 0.02, 0.45, 0.65},
		{"near ceiling", 0.99, 0.45, 0.65},
		{"hard but fair", 0.10, 0.45, 0.85},
		{"easy but fair", 0.96, 0.45, 0.85},
		{"miskeyed", 0.50, -0.20, 0.50},
		{"weak discrimination", 0.50, 0.05, 0.70},
		{"modest discrimination", 0.50, 0.15, 0.85},
		{"broken on both axes", 0.02, -0.50, 0.15},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.InDelta(t, tc.want, qualityScore(tc.p, tc.rpb), 1e-9)
		})
	}
}

func TestReviewFlagsRestoresAndSkips(t *testing.T) {
	st := seedBank(t)
	ctx := context.Background()

	report, err := review(ctx, st, options{minScore: 0.6}, discardLogger())
	require.NoError(t, err)

	require.Equal(t, 3, report.Evaluated)
	require.Equal(t, 1, report.Flagged)
	require.Equal(t, 1, report.Restored)
	require.Equal(t, 1, report.Unchanged)
	require.Equal(t, 2, report.Skipped)
	require.Zero(t, report.Failed)

	it1, err := st.ItemByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, domain.QualityNormal, it1.Quality)
	require.InDelta(t, 0.5, it1.PValue, 1e-9)
	require.Greater(t, it1.Discrimination, 0.5)

	it2, err := st.ItemByID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, domain.QualityUnderReview, it2.Quality)
	require.Less(t, it2.Discrimination, 0.0)

	it3, err := st.ItemByID(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, domain.QualityNormal, it3.Quality)

	it4, err := st.ItemByID(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, domain.QualityDeactivated, it4.Quality)

	it5, err := st.ItemByID(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, domain.QualityNormal, it5.Quality)
	require.Zero(t, it5.PValue)
}

func TestReviewDryRunWritesNothing(t *testing.T) {
	st := seedBank(t)
	ctx := context.Background()

	report, err := review(ctx, st, options{minScore: 0.6, dryRun: true}, discardLogger())
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Equal(t, 1, report.Flagged)

	it2, err := st.ItemByID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, domain.QualityNormal, it2.Quality)
	require.Zero(t, it2.PValue)
	require.Zero(t, it2.Discrimination)
}

func TestReviewOnlyRecalculateLeavesQualityAlone(t *testing.T) {
	st := seedBank(t)
	ctx := context.Background()

	report, err := review(ctx, st, options{minScore: 0.6, onlyRecalc: true}, discardLogger())
	require.NoError(t, err)
	require.Equal(t, 3, report.Evaluated)
	require.Zero(t, report.Flagged)
	require.Zero(t, report.Restored)
	require.Equal(t, 3, report.Unchanged)

	it2, err := st.ItemByID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, domain.QualityNormal, it2.Quality)
	require.InDelta(t, 0.5, it2.PValue, 1e-9)
	require.Less(t, it2.Discrimination, 0.0)

	it3, err := st.ItemByID(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, domain.QualityUnderReview, it3.Quality)
}

func TestReviewHonorsLimit(t *testing.T) {
	st := seedBank(t)

	report, err := review(context.Background(), st, options{minScore: 0.6, limit: 1}, discardLogger())
	require.NoError(t, err)
	require.Len(t, report.Items, 1)
	require.Equal(t, int64(1), report.Items[0].ItemID)
	require.Equal(t, verdictUnchanged, report.Items[0].Verdict)
}

func TestReviewHonorsDomainFilter(t *testing.T) {
	st := seedBank(t)

	report, err := review(context.Background(), st, options{
		minScore: 0.6,
		domains:  []domain.Domain{domain.DomainLogic},
	}, discardLogger())
	require.NoError(t, err)
	require.Zero(t, report.Evaluated)
	require.Empty(t, report.Items)
}

func TestExitCode(t *testing.T) {
	require.Equal(t, exitOK, exitCode(&reviewReport{Evaluated: 3}))
	require.Equal(t, exitOK, exitCode(&reviewReport{}))
	require.Equal(t, exitPartial, exitCode(&reviewReport{Evaluated: 3, Failed: 1}))
	require.Equal(t, exitComplete, exitCode(&reviewReport{Evaluated: 2, Failed: 2}))
}

func TestParseDomains(t *testing.T) {
	ds, err := parseDomains("pattern, logic")
	require.NoError(t, err)
	require.Equal(t, []domain.Domain{domain.DomainPattern, domain.DomainLogic}, ds)

	ds, err = parseDomains("")
	require.NoError(t, err)
	require.Nil(t, ds)

	_, err = parseDomains("astrology")
	require.ErrorContains(t, err, "unknown domain")
}

func TestParseDifficulties(t *testing.T) {
	ds, err := parseDifficulties("easy,hard")
	require.NoError(t, err)
	require.Len(t, ds, 2)

	_, err = parseDifficulties("brutal")
	require.ErrorContains(t, err, "unknown difficulty")
}
