package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ivoronin/reconcile/internal/comparisoncache"
	"github.com/ivoronin/reconcile/internal/runstore"
	"github.com/ivoronin/reconcile/internal/types"
)

func newTestGateway(t *testing.T) (*Gateway, *runstore.Store, *comparisoncache.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := runstore.Open(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	cache := comparisoncache.New(dir)
	return New(store, cache, nil), store, cache
}

func TestHandleCompareCreatesQueuedRun(t *testing.T) {
	g, store, _ := newTestGateway(t)
	body := `{"file_a":"a.csv","file_b":"b.csv","num_columns":3}`
	req := httptest.NewRequest(http.MethodPost, "/compare", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, int64(1), resp["run_id"])

	run, err := store.GetRun(1)
	require.NoError(t, err)
	require.Equal(t, types.RunQueued, run.Status)
	require.Equal(t, "a.csv", run.Params.FileA)
}

func TestHandleCompareRejectsInvalidBody(t *testing.T) {
	g, _, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/compare", bytes.NewBufferString(`{"file_a":"a.csv"}`))
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStatusReturnsStagesAndProgress(t *testing.T) {
	g, store, _ := newTestGateway(t)
	run := &types.Run{ID: 7}
	require.NoError(t, store.CreateRun(run))
	require.NoError(t, store.PutStages(7, []types.Stage{
		{RunID: 7, Order: 0, Name: types.StageReading, Status: types.StageCompleted},
	}))
	_, err := store.UpdateRun(7, func(r *types.Run) error { r.Progress = 50; return nil })
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/status/7", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, float64(50), resp["progress"])
}

func TestHandleRunResultsPaginates(t *testing.T) {
	g, store, _ := newTestGateway(t)
	require.NoError(t, store.CreateRun(&types.Run{ID: 1}))
	results := []types.AnalysisResult{
		{RunID: 1, Side: types.SideA, Combination: types.NewCombination("id")},
		{RunID: 1, Side: types.SideA, Combination: types.NewCombination("email")},
	}
	require.NoError(t, store.PutAnalysisResults(1, types.SideA, results))

	req := httptest.NewRequest(http.MethodGet, "/api/run/1?side=A&page=1&page_size=1", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, float64(2), resp["total"])
	require.Len(t, resp["results"], 1)
}

func TestHandleAvailableListsCachedCombinations(t *testing.T) {
	g, _, cache := newTestGateway(t)
	combo := types.NewCombination("id")
	require.NoError(t, cache.Put(types.CacheEntry{RunID: 3, Combination: combo}))

	req := httptest.NewRequest(http.MethodGet, "/api/comparison-v2/3/available", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp["combinations"], 1)
}

func TestHandleSummaryReturns404WhenUncached(t *testing.T) {
	g, _, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/api/comparison-v2/3/summary?columns=id", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCacheDataServesWithinSample(t *testing.T) {
	g, _, cache := newTestGateway(t)
	combo := types.NewCombination("id")
	require.NoError(t, cache.Put(types.CacheEntry{
		RunID: 5, Combination: combo,
		SampleMatched: []string{"a", "b", "c"},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/comparison-v2/5/data?columns=id&category=matched&offset=0&limit=2", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "cache", resp["source"])
	require.Len(t, resp["keys"], 2)
}

func TestHandleExportStatusReturnsManifest(t *testing.T) {
	g, store, _ := newTestGateway(t)
	combo := types.NewCombination("id")
	require.NoError(t, store.PutExportChunks(9, combo, types.CategoryMatched, []types.ExportChunk{
		{RunID: 9, Combination: combo, Category: types.CategoryMatched, ChunkIndex: 1, RowCount: 10, Status: types.ChunkCompleted},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/comparison-export/9/status?columns=id", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string][]types.ExportChunk
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp["matched"], 1)
}

func TestHandleExportDataReadsChunkFile(t *testing.T) {
	g, store, _ := newTestGateway(t)
	dir := t.TempDir()
	chunkPath := filepath.Join(dir, "chunk_0001.csv")
	require.NoError(t, os.WriteFile(chunkPath, []byte("key\n1\n2\n3\n"), 0o644))

	combo := types.NewCombination("id")
	require.NoError(t, store.PutExportChunks(11, combo, types.CategoryOnlyA, []types.ExportChunk{
		{RunID: 11, Combination: combo, Category: types.CategoryOnlyA, ChunkIndex: 1, Path: chunkPath, Status: types.ChunkCompleted},
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/comparison-export/11/data?columns=id&category=only_a&offset=1&limit=10", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, []any{"2", "3"}, resp["keys"])
}

func TestHandleGenerateIsIdempotentWhenCached(t *testing.T) {
	g, _, cache := newTestGateway(t)
	combo := types.NewCombination("id")
	require.NoError(t, cache.Put(types.CacheEntry{RunID: 1, Combination: combo}))

	req := httptest.NewRequest(http.MethodPost, "/api/comparison-export/1/generate?columns=id", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "completed", resp["status"])
}

func TestHandleCancelTransitionsQueuedRun(t *testing.T) {
	g, store, _ := newTestGateway(t)
	require.NoError(t, store.CreateRun(&types.Run{ID: 4}))

	req := httptest.NewRequest(http.MethodPost, "/api/cancel/4", nil)
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	run, err := store.GetRun(4)
	require.NoError(t, err)
	require.Equal(t, types.RunCancelled, run.Status)
}
