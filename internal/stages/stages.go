// Package stages implements the JobRunner.StageFunc for every named stage
// of a run, wiring FileReader, ColumnScorer, KeyDiscovery,
// UniquenessAnalyzer, Reconciler, ExportWriter, and ComparisonCache
// together the way cmd/dupedog's runDedupe chains scan -> screen ->
// verify -> dedupe. Unlike runDedupe, each step here is registered
// against a StageName rather than called inline, since JobRunner (not
// this package) owns sequencing, retries, and persistence between steps.
package stages

import (
	"context"
	"fmt"
	"sort"

	"github.com/ivoronin/reconcile/internal/colscore"
	"github.com/ivoronin/reconcile/internal/comparisoncache"
	"github.com/ivoronin/reconcile/internal/exportwriter"
	"github.com/ivoronin/reconcile/internal/jobrunner"
	"github.com/ivoronin/reconcile/internal/keydiscovery"
	"github.com/ivoronin/reconcile/internal/reader"
	"github.com/ivoronin/reconcile/internal/reconciler"
	"github.com/ivoronin/reconcile/internal/runstore"
	"github.com/ivoronin/reconcile/internal/types"
	"github.com/ivoronin/reconcile/internal/uniqueness"
)

// Pipeline holds the collaborators every stage reads from and writes to.
type Pipeline struct {
	Store           *runstore.Store
	Cache           *comparisoncache.Store
	DataDir         string
	SampleThreshold int64
	MemoryCapKeys   int
	MaxRowsPerChunk int
}

// Register returns a StageFunc for every StageName JobRunner drives a run
// through, per types.DefaultStages.
func (p *Pipeline) Register() map[types.StageName]jobrunner.StageFunc {
	return map[types.StageName]jobrunner.StageFunc{
		types.StageReading:         p.reading,
		types.StageQuality:         p.quality,
		types.StageValidating:      p.validating,
		types.StageAnalyzeA:        p.analyzeSide(types.SideA),
		types.StageAnalyzeB:        p.analyzeSide(types.SideB),
		types.StageStoring:         p.storing,
		types.StageGenerateCache:   p.generateCache,
		types.StageGenerateCompare: p.generateComparisons,
	}
}

// reading profiles both files and fails the stage itself if either file
// is missing, unreadable or schema-empty.
func (p *Pipeline) reading(_ context.Context, run *types.Run) error {
	for _, path := range []string{run.Params.FileA, run.Params.FileB} {
		if _, err := reader.New(path).Profile(); err != nil {
			return fmt.Errorf("stages: reading: %s: %w", path, err)
		}
	}
	return nil
}

// quality is the optional pre-stage: it re-profiles both files and writes
// a bad-line note into the run's ErrorMessage when either Profile reports
// warnings, but never fails the run on data-quality grounds. Profile reads
// only the sniff window and does not count bad lines (its Warnings field
// stays 0), so in practice the note is never written; bad-line skips are
// counted only by RowStream.Warnings.
func (p *Pipeline) quality(_ context.Context, run *types.Run) error {
	profA, err := reader.New(run.Params.FileA).Profile()
	if err != nil {
		return fmt.Errorf("stages: quality: file A: %w", err)
	}
	profB, err := reader.New(run.Params.FileB).Profile()
	if err != nil {
		return fmt.Errorf("stages: quality: file B: %w", err)
	}
	_, err = p.Store.UpdateRun(run.ID, func(rr *types.Run) error {
		rr.ErrorMessage = "" // quality never sets a terminal error
		if profA.Warnings > 0 || profB.Warnings > 0 {
			rr.ErrorMessage = fmt.Sprintf("quality: %d bad lines in A, %d in B", profA.Warnings, profB.Warnings)
		}
		return nil
	})
	return err
}

// validating establishes the run's ColumnPool: the ordered intersection
// of both files' headers, preserving file A's column order.
func (p *Pipeline) validating(_ context.Context, run *types.Run) error {
	profA, err := reader.New(run.Params.FileA).Profile()
	if err != nil {
		return fmt.Errorf("stages: validating: file A: %w", err)
	}
	profB, err := reader.New(run.Params.FileB).Profile()
	if err != nil {
		return fmt.Errorf("stages: validating: file B: %w", err)
	}
	inB := make(map[string]bool, len(profB.Header))
	for _, c := range profB.Header {
		inB[c] = true
	}
	var pool []string
	for _, c := range profA.Header {
		if inB[c] {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return fmt.Errorf("stages: validating: file A and B share no columns")
	}
	_, err = p.Store.UpdateRun(run.ID, func(rr *types.Run) error {
		rr.ColumnPool = pool
		return nil
	})
	return err
}

// analyzeSide scores every pool column on one side, discovers candidate
// combinations from the promise scores, and runs UniquenessAnalyzer over
// them, persisting the AnalysisResult set for that side.
func (p *Pipeline) analyzeSide(side types.Side) jobrunner.StageFunc {
	return func(_ context.Context, run *types.Run) error {
		path := run.Params.FileA
		if side == types.SideB {
			path = run.Params.FileB
		}
		fr := reader.New(path)

		scoreStream, err := fr.StreamRows(run.ColumnPool)
		if err != nil {
			return fmt.Errorf("stages: analyze %s: open score stream: %w", side, err)
		}
		scores, err := colscore.ScoreStream(scoreStream)
		_ = scoreStream.Close()
		if err != nil {
			return fmt.Errorf("stages: analyze %s: score: %w", side, err)
		}
		promise := make(map[string]float64, len(scores))
		for _, s := range scores {
			promise[s.Name] = s.PromiseScore
		}

		combos, err := p.discover(run, promise)
		if err != nil {
			return fmt.Errorf("stages: analyze %s: discover: %w", side, err)
		}

		profile, err := fr.Profile()
		if err != nil {
			return fmt.Errorf("stages: analyze %s: profile: %w", side, err)
		}

		analyzer := uniqueness.New(side, p.memoryCapKeys(), p.DataDir)

		var results []types.AnalysisResult
		switch {
		case profile.RowCountEstimate > p.sampleThreshold():
			method := reader.SampleMethodFor(run.Params.RowLimitHint)
			rows, sampleErr := fr.SampleRows(int(p.sampleThreshold()), method, run.ID)
			if sampleErr != nil {
				return fmt.Errorf("stages: analyze %s: sample: %w", side, sampleErr)
			}
			results, err = analyzer.AnalyzeSample(run.ID, profile.Header, rows, combos, profile.RowCountEstimate)
		default:
			var countStream *reader.RowStream
			countStream, err = fr.StreamRows(nil)
			if err != nil {
				return fmt.Errorf("stages: analyze %s: open count stream: %w", side, err)
			}
			results, err = analyzer.AnalyzeFull(run.ID, countStream, combos)
			_ = countStream.Close()
		}
		if err != nil {
			return fmt.Errorf("stages: analyze %s: %w", side, err)
		}
		return p.Store.PutAnalysisResults(run.ID, side, results)
	}
}

func (p *Pipeline) discover(run *types.Run, promise map[string]float64) ([]types.Combination, error) {
	k := run.Params.NumColumns
	if k <= 0 {
		k = 1
	}
	result, err := keydiscovery.Discover(keydiscovery.Input{
		Pool:          run.ColumnPool,
		Promise:       promise,
		Mode:          run.Params.DiscoveryMode,
		RequestedSize: k,
		Pinned:        run.Params.ExpectedCombinations,
		Excluded:      run.Params.ExcludedCombinations,
		Base:          run.Params.BaseCombination,
	})
	if err != nil {
		return nil, err
	}
	combos := make([]types.Combination, len(result.Combinations))
	for i, l := range result.Combinations {
		combos[i] = l.Combination
	}
	return combos, nil
}

func (p *Pipeline) memoryCapKeys() int {
	if p.MemoryCapKeys > 0 {
		return p.MemoryCapKeys
	}
	return uniqueness.MemoryCapKeysDefault
}

func (p *Pipeline) sampleThreshold() int64 {
	if p.SampleThreshold > 0 {
		return p.SampleThreshold
	}
	return uniqueness.SampleThresholdDefault
}

// storing picks the combination both sides scored as a unique key with the
// highest combined UniquenessScore (on a tie, the first in side A's result
// order), falls back to the first pinned ExpectedCombinations entry when
// none qualifies, and records it on the run for generate-comparisons to
// reconcile.
func (p *Pipeline) storing(_ context.Context, run *types.Run) error {
	resultsA, err := p.Store.GetAnalysisResults(run.ID, types.SideA)
	if err != nil {
		return fmt.Errorf("stages: storing: load side A: %w", err)
	}
	resultsB, err := p.Store.GetAnalysisResults(run.ID, types.SideB)
	if err != nil {
		return fmt.Errorf("stages: storing: load side B: %w", err)
	}
	byComboB := make(map[string]types.AnalysisResult, len(resultsB))
	for _, r := range resultsB {
		byComboB[r.Combination.Hash()] = r
	}

	var best *types.Combination
	bestScore := -1.0
	for _, a := range resultsA {
		b, ok := byComboB[a.Combination.Hash()]
		if !ok || !a.IsUniqueKey || !b.IsUniqueKey {
			continue
		}
		score := a.UniquenessScore + b.UniquenessScore
		if score > bestScore {
			bestScore = score
			combo := a.Combination
			best = &combo
		}
	}
	if best == nil && len(run.Params.ExpectedCombinations) > 0 {
		best = &run.Params.ExpectedCombinations[0]
	}
	if best == nil {
		return fmt.Errorf("stages: storing: no combination is a unique key on both sides")
	}

	_, err = p.Store.UpdateRun(run.ID, func(rr *types.Run) error {
		rr.SelectedCombination = *best
		return nil
	})
	return err
}

// generateCache is a pass-through placeholder stage: ComparisonCache
// entries are populated as a side effect of generate-comparisons
// (Rebuild), so this stage only guards that a combination was selected.
func (p *Pipeline) generateCache(_ context.Context, run *types.Run) error {
	if run.SelectedCombination.Size() == 0 {
		return fmt.Errorf("stages: generate-cache: no combination selected")
	}
	return nil
}

// generateComparisons reconciles the selected combination (plus any
// explicitly pinned ones) and writes chunks, summaries, and cache entries.
func (p *Pipeline) generateComparisons(_ context.Context, run *types.Run) error {
	combos := uniqueCombinations(append([]types.Combination{run.SelectedCombination}, run.Params.ExpectedCombinations...))
	for _, combo := range combos {
		if err := p.reconcileOne(run, combo); err != nil {
			return fmt.Errorf("stages: generate-comparisons: %s: %w", combo, err)
		}
	}
	return nil
}

func (p *Pipeline) reconcileOne(run *types.Run, combo types.Combination) error {
	fileA := reader.New(run.Params.FileA)
	fileB := reader.New(run.Params.FileB)

	profA, err := fileA.Profile()
	if err != nil {
		return fmt.Errorf("profile file a: %w", err)
	}
	profB, err := fileB.Profile()
	if err != nil {
		return fmt.Errorf("profile file b: %w", err)
	}

	writer, err := exportwriter.New(p.exportDir(), run.ID, combo, p.chunkSize(), profA.Header, profB.Header)
	if err != nil {
		return fmt.Errorf("open export writer: %w", err)
	}

	rec := reconciler.New(p.memoryCapKeys(), p.DataDir, false)
	summary, err := rec.Reconcile(run.ID, combo, fileA, fileB, writer, run.CancelRequested)
	if err != nil {
		writer.Abort()
		return fmt.Errorf("reconcile: %w", err)
	}

	chunks, err := writer.Close()
	if err != nil {
		return fmt.Errorf("close export writer: %w", err)
	}
	byCategory := map[types.Category][]types.ExportChunk{}
	for _, c := range chunks {
		byCategory[c.Category] = append(byCategory[c.Category], c)
	}
	for _, cat := range []types.Category{types.CategoryMatched, types.CategoryOnlyA, types.CategoryOnlyB} {
		if err := p.Store.PutExportChunks(run.ID, combo, cat, byCategory[cat]); err != nil {
			return fmt.Errorf("persist export chunks: %w", err)
		}
	}
	if err := p.Store.PutComparisonSummary(summary); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}

	entry, err := comparisoncache.Rebuild(summary, chunks, comparisoncache.SampleSizeDefault)
	if err != nil {
		return fmt.Errorf("rebuild cache entry: %w", err)
	}
	return p.Cache.Put(entry)
}

func (p *Pipeline) exportDir() string {
	return p.DataDir + "/exports"
}

func (p *Pipeline) chunkSize() int {
	if p.MaxRowsPerChunk > 0 {
		return p.MaxRowsPerChunk
	}
	return exportwriter.MaxRowsPerChunkDefault
}

func uniqueCombinations(combos []types.Combination) []types.Combination {
	sort.SliceStable(combos, func(i, j int) bool { return combos[i].Hash() < combos[j].Hash() })
	seen := map[string]bool{}
	out := make([]types.Combination, 0, len(combos))
	for _, c := range combos {
		if c.Size() == 0 || seen[c.Hash()] {
			continue
		}
		seen[c.Hash()] = true
		out = append(out, c)
	}
	return out
}
