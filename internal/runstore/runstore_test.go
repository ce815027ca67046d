package runstore

import (
	"path/filepath"
	"testing"

	"github.com/ivoronin/reconcile/internal/types"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := openTestStore(t)
	run := &types.Run{ID: 1, Params: types.RunParams{FileA: "a.csv", FileB: "b.csv"}}
	require.NoError(t, s.CreateRun(run))

	got, err := s.GetRun(1)
	require.NoError(t, err)
	require.Equal(t, types.RunQueued, got.Status)
	require.Equal(t, "a.csv", got.Params.FileA)
}

func TestGetRunMissingFails(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(404)
	require.Error(t, err)
}

func TestGetStatusUsesCheapIndex(t *testing.T) {
	s := openTestStore(t)
	run := &types.Run{ID: 1}
	require.NoError(t, s.CreateRun(run))

	_, err := s.UpdateRun(1, func(r *types.Run) error {
		r.Status = types.RunRunning
		r.Progress = 42
		return nil
	})
	require.NoError(t, err)

	status, err := s.GetStatus(1)
	require.NoError(t, err)
	require.Equal(t, types.RunRunning, status.Status)
	require.Equal(t, int64(42), status.Progress)
}

func TestTransitionStatusCASPreventsStaleOverwrite(t *testing.T) {
	s := openTestStore(t)
	run := &types.Run{ID: 1}
	require.NoError(t, s.CreateRun(run))

	ok, err := s.TransitionStatus(1, types.RunQueued, types.RunRunning)
	require.NoError(t, err)
	require.True(t, ok)

	// from=queued no longer matches (now running), so this CAS is rejected.
	ok, err = s.TransitionStatus(1, types.RunQueued, types.RunCancelled)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetRun(1)
	require.NoError(t, err)
	require.Equal(t, types.RunRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestStagesRoundTripAndUpdate(t *testing.T) {
	s := openTestStore(t)
	run := &types.Run{ID: 1}
	require.NoError(t, s.CreateRun(run))

	stages := []types.Stage{
		{RunID: 1, Order: 0, Name: types.StageReading, Status: types.StagePending},
		{RunID: 1, Order: 1, Name: types.StageValidating, Status: types.StagePending},
	}
	require.NoError(t, s.PutStages(1, stages))

	require.NoError(t, s.UpdateStage(1, 0, func(st *types.Stage) {
		st.Status = types.StageCompleted
	}))

	got, err := s.GetStages(1)
	require.NoError(t, err)
	require.Equal(t, types.StageCompleted, got[0].Status)
	require.Equal(t, types.StagePending, got[1].Status)
}

func TestAnalysisResultsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	combo := types.NewCombination("id")
	results := []types.AnalysisResult{
		{RunID: 1, Side: types.SideA, Combination: combo, TotalRows: 10, UniqueRows: 10, IsUniqueKey: true},
	}
	require.NoError(t, s.PutAnalysisResults(1, types.SideA, results))

	got, err := s.GetAnalysisResults(1, types.SideA)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].IsUniqueKey)

	empty, err := s.GetAnalysisResults(1, types.SideB)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestComparisonSummaryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	combo := types.NewCombination("id")
	summary := types.ComparisonSummary{RunID: 1, Combination: combo, Matched: 5, OnlyA: 1, OnlyB: 2}
	require.NoError(t, s.PutComparisonSummary(summary))

	got, ok, err := s.GetComparisonSummary(1, combo)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), got.Matched)

	_, ok, err = s.GetComparisonSummary(2, combo)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExportChunksRoundTrip(t *testing.T) {
	s := openTestStore(t)
	combo := types.NewCombination("id")
	chunks := []types.ExportChunk{
		{RunID: 1, Combination: combo, Category: types.CategoryMatched, ChunkIndex: 1, RowCount: 100, Status: types.ChunkCompleted},
	}
	require.NoError(t, s.PutExportChunks(1, combo, types.CategoryMatched, chunks))

	got, err := s.GetExportChunks(1, combo, types.CategoryMatched)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(100), got[0].RowCount)
}

func TestUpdateStageUnknownOrderFails(t *testing.T) {
	s := openTestStore(t)
	run := &types.Run{ID: 1}
	require.NoError(t, s.CreateRun(run))
	require.NoError(t, s.PutStages(1, []types.Stage{{RunID: 1, Order: 0}}))

	err := s.UpdateStage(1, 5, func(st *types.Stage) {})
	require.Error(t, err)
}
