// Package gateway is a thin HTTP relay: it accepts jobs, exposes status,
// and paginates cache/export reads. It never re-reads source files and
// never blocks the accept path on a run's execution — job submission
// only persists a Run and its pending stages, then hands the id to
// JobRunner, mirroring runDedupe's split between "enqueue" and "execute"
// in cmd/dupedog.
package gateway

import (
	_ "embed"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ivoronin/reconcile/internal/comparisoncache"
	"github.com/ivoronin/reconcile/internal/jobrunner"
	"github.com/ivoronin/reconcile/internal/runstore"
	"github.com/ivoronin/reconcile/internal/types"
)

//go:embed compare.schema.json
var compareSchemaJSON []byte

const (
	maxPageSize    = 500
	defaultPageSz  = 100
	defaultLimit   = 100
)

// Gateway wires RunStore, ComparisonCache, and the JobRunner behind a
// fixed HTTP surface.
type Gateway struct {
	store   *runstore.Store
	cache   *comparisoncache.Store
	runner  *jobrunner.Runner
	nextID  atomic.Int64
	schema  gojsonschema.JSONLoader
}

// New builds a Gateway. runner may be nil in tests that only exercise read
// endpoints.
func New(store *runstore.Store, cache *comparisoncache.Store, runner *jobrunner.Runner) *Gateway {
	g := &Gateway{store: store, cache: cache, runner: runner, schema: gojsonschema.NewBytesLoader(compareSchemaJSON)}
	g.nextID.Store(0)
	return g
}

// Handler returns the routed mux, one entry per HTTP endpoint the
// Gateway exposes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /compare", g.handleCompare)
	mux.HandleFunc("GET /api/status/{run_id}", g.handleStatus)
	mux.HandleFunc("GET /api/run/{run_id}", g.handleRunResults)
	mux.HandleFunc("GET /api/comparison-v2/{run_id}/available", g.handleAvailable)
	mux.HandleFunc("GET /api/comparison-v2/{run_id}/summary", g.handleSummary)
	mux.HandleFunc("GET /api/comparison-v2/{run_id}/data", g.handleCacheData)
	mux.HandleFunc("GET /api/comparison-export/{run_id}/status", g.handleExportStatus)
	mux.HandleFunc("GET /api/comparison-export/{run_id}/data", g.handleExportData)
	mux.HandleFunc("POST /api/comparison-export/{run_id}/generate", g.handleGenerate)
	mux.HandleFunc("POST /api/cancel/{run_id}", g.handleCancel)
	return mux
}

type compareRequest struct {
	FileA                   string   `json:"file_a"`
	FileB                   string   `json:"file_b"`
	NumColumns              int      `json:"num_columns"`
	ExpectedCombinations    []string `json:"expected_combinations"`
	ExcludedCombinations    []string `json:"excluded_combinations"`
	MaxRows                 int64    `json:"max_rows"`
	DataQualityCheck        bool     `json:"data_quality_check"`
	UseIntelligentDiscovery bool     `json:"use_intelligent_discovery"`
}

// handleCompare validates the request body against the fixed JSON schema,
// then persists a queued Run and hands its id to the JobRunner. On
// submission failure no run row is created.
func (g *Gateway) handleCompare(w http.ResponseWriter, r *http.Request) {
	var raw any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	result, err := gojsonschema.Validate(g.schema, gojsonschema.NewGoLoader(raw))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !result.Valid() {
		writeError(w, http.StatusBadRequest, schemaError(result))
		return
	}

	reqBytes, _ := json.Marshal(raw)
	var req compareRequest
	if err := json.Unmarshal(reqBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	mode := types.DiscoveryHeuristic
	if req.UseIntelligentDiscovery {
		mode = types.DiscoveryIntelligent
	} else if len(req.ExpectedCombinations) > 0 {
		mode = types.DiscoveryExplicit
	}

	run := &types.Run{
		ID: g.nextID.Add(1),
		Params: types.RunParams{
			FileA:                req.FileA,
			FileB:                req.FileB,
			NumColumns:           req.NumColumns,
			RowLimitHint:         req.MaxRows,
			QualityCheck:         req.DataQualityCheck,
			DiscoveryMode:        mode,
			ExpectedCombinations: parseCombinations(req.ExpectedCombinations),
			ExcludedCombinations: parseCombinations(req.ExcludedCombinations),
		},
	}
	if err := g.store.CreateRun(run); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stages := types.DefaultStages(req.DataQualityCheck)
	stageRecords := make([]types.Stage, len(stages))
	for i, name := range stages {
		stageRecords[i] = types.Stage{RunID: run.ID, Order: i, Name: name, Status: types.StagePending}
	}
	if err := g.store.PutStages(run.ID, stageRecords); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if g.runner != nil {
		g.runner.Submit(r.Context(), run.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"run_id": run.ID})
}

func parseCombinations(raw []string) []types.Combination {
	combos := make([]types.Combination, 0, len(raw))
	for _, s := range raw {
		combos = append(combos, types.ParseCombination(s))
	}
	return combos
}

func schemaError(result *gojsonschema.Result) error {
	msg := "validation failed:"
	for _, e := range result.Errors() {
		msg += " " + e.String() + ";"
	}
	return errors.New(msg)
}

type stageView struct {
	Name        types.StageName   `json:"name"`
	Status      types.StageStatus `json:"status"`
	StartedAt   *string           `json:"started_at,omitempty"`
	CompletedAt *string           `json:"completed_at,omitempty"`
	Details     string            `json:"details,omitempty"`
}

// handleStatus answers the poll endpoint from the full run record and its
// stage list (GetRun and GetStages) on every call; it does not use
// RunStore's lighter GetStatus index read, which holds only the
// status/progress pair.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := g.store.GetRun(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	stages, err := g.store.GetStages(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]stageView, len(stages))
	for i, s := range stages {
		views[i] = stageView{Name: s.Name, Status: s.Status, Details: s.Details}
		if s.StartedAt != nil {
			v := s.StartedAt.Format("2006-01-02T15:04:05Z07:00")
			views[i].StartedAt = &v
		}
		if s.CompletedAt != nil {
			v := s.CompletedAt.Format("2006-01-02T15:04:05Z07:00")
			views[i].CompletedAt = &v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        run.Status,
		"current_stage": run.CurrentStage,
		"progress":      run.Progress,
		"started_at":    run.StartedAt,
		"completed_at":  run.CompletedAt,
		"error_message": run.ErrorMessage,
		"stages":        views,
	})
}

// handleRunResults paginates AnalysisResult rows for one side of a run.
func (g *Gateway) handleRunResults(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	side := types.Side(r.URL.Query().Get("side"))
	if side != types.SideA && side != types.SideB {
		writeError(w, http.StatusBadRequest, fmt.Errorf("side must be A or B"))
		return
	}
	page := intParam(r, "page", 1)
	pageSize := intParam(r, "page_size", defaultPageSz)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	results, err := g.store.GetAnalysisResults(runID, side)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(results) {
		start = len(results)
	}
	if end > len(results) {
		end = len(results)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(results),
		"page":    page,
		"results": results[start:end],
	})
}

// handleAvailable lists combinations the Reconciler has already produced a
// ComparisonCache entry for — O(1) in source size.
func (g *Gateway) handleAvailable(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	combos, err := g.cache.ListRunCombinations(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"combinations": combos})
}

func (g *Gateway) handleSummary(w http.ResponseWriter, r *http.Request) {
	runID, combo, err := parseRunAndCombo(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, ok, err := g.cache.Get(runID, combo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no comparison cached for %s", combo))
		return
	}
	writeJSON(w, http.StatusOK, entry.Summary)
}

// handleCacheData serves sample rows from the cache when the requested
// window fits within the cached sample size, otherwise falls through to
// ExportChunks when offset+limit exceeds the cached sample size.
func (g *Gateway) handleCacheData(w http.ResponseWriter, r *http.Request) {
	runID, combo, err := parseRunAndCombo(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	category := types.Category(r.URL.Query().Get("category"))
	offset := intParam(r, "offset", 0)
	limit := intParam(r, "limit", defaultLimit)

	entry, ok, err := g.cache.Get(runID, combo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no comparison cached for %s", combo))
		return
	}
	sample := categorySample(entry, category)
	if offset+limit <= len(sample) {
		end := offset + limit
		if end > len(sample) {
			end = len(sample)
		}
		start := offset
		if start > len(sample) {
			start = len(sample)
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": sample[start:end], "source": "cache"})
		return
	}
	g.serveExportWindow(w, runID, combo, category, offset, limit)
}

func categorySample(entry types.CacheEntry, category types.Category) []string {
	switch category {
	case types.CategoryOnlyA:
		return entry.SampleOnlyA
	case types.CategoryOnlyB:
		return entry.SampleOnlyB
	default:
		return entry.SampleMatched
	}
}

// handleExportStatus lists the chunk manifest for a (run, combination),
// keyed by category: file paths, row counts, byte sizes.
func (g *Gateway) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	runID, combo, err := parseRunAndCombo(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out := map[types.Category][]types.ExportChunk{}
	for _, cat := range []types.Category{types.CategoryMatched, types.CategoryOnlyA, types.CategoryOnlyB} {
		chunks, err := g.store.GetExportChunks(runID, combo, cat)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out[cat] = chunks
	}
	writeJSON(w, http.StatusOK, out)
}

// handleExportData reads ordered chunk files directly, for windows beyond
// the cached sample size.
func (g *Gateway) handleExportData(w http.ResponseWriter, r *http.Request) {
	runID, combo, err := parseRunAndCombo(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	category := types.Category(r.URL.Query().Get("category"))
	offset := intParam(r, "offset", 0)
	limit := intParam(r, "limit", defaultLimit)
	g.serveExportWindow(w, runID, combo, category, offset, limit)
}

func (g *Gateway) serveExportWindow(w http.ResponseWriter, runID int64, combo types.Combination, category types.Category, offset, limit int) {
	chunks, err := g.store.GetExportChunks(runID, combo, category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	keys, err := readExportWindow(chunks, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys, "source": "export"})
}

func readExportWindow(chunks []types.ExportChunk, offset, limit int) ([]string, error) {
	var keys []string
	skipped := 0
	for _, chunk := range chunks {
		if chunk.Status != types.ChunkCompleted {
			continue
		}
		if len(keys) >= limit {
			break
		}
		rows, err := readChunkColumn(chunk.Path)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if skipped < offset {
				skipped++
				continue
			}
			if len(keys) >= limit {
				break
			}
			keys = append(keys, row)
		}
	}
	return keys, nil
}

func readChunkColumn(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gateway: open chunk: %w", err)
	}
	defer func() { _ = f.Close() }()
	rd := csv.NewReader(f)
	if _, err := rd.Read(); err != nil { // header
		return nil, nil
	}
	var out []string
	for {
		record, err := rd.Read()
		if err != nil {
			break
		}
		if len(record) > 0 {
			out = append(out, record[0])
		}
	}
	return out, nil
}

// handleGenerate answers 200 "completed" when the combination already has a
// cache entry. Otherwise it appends the combination to the run's
// ExpectedCombinations and answers 202 "queued"; it does not start a
// reconciliation itself, so the combination is reconciled only if the
// run's generate-comparisons stage has not run yet.
func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	runID, combo, err := parseRunAndCombo(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok, err := g.cache.Get(runID, combo); err == nil && ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
		return
	}
	if _, err := g.store.UpdateRun(runID, func(rr *types.Run) error {
		rr.Params.ExpectedCombinations = append(rr.Params.ExpectedCombinations, combo)
		return nil
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleCancel signals the JobRunner's in-flight Run if one is executing;
// for a run that is still queued (never claimed) it falls back to a
// direct CAS transition, since there is no in-memory Run to flag yet.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if g.runner != nil && g.runner.Cancel(runID) {
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
		return
	}
	if _, err := g.store.GetRun(runID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	ok, err := g.store.TransitionStatus(runID, types.RunQueued, types.RunCancelled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func parseRunID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("run_id"), 10, 64)
}

func parseRunAndCombo(r *http.Request) (int64, types.Combination, error) {
	runID, err := parseRunID(r)
	if err != nil {
		return 0, types.Combination{}, err
	}
	cols := r.URL.Query().Get("columns")
	if cols == "" {
		return 0, types.Combination{}, fmt.Errorf("columns query parameter is required")
	}
	return runID, types.ParseCombination(cols), nil
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// writeError never forwards internal stack traces to the client, only a
// flat error message.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
