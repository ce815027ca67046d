// Package exportwriter persists reconciliation output as chunked CSV
// files under exports/run_<id>/comparison_<hash>/<category>/chunk_NNNN.csv,
// plus a companion manifest recording each chunk's row/byte counts and
// completion status. Regeneration is idempotent: Writer truncates any
// existing chunks for the (run, combination) before writing new ones.
package exportwriter

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ivoronin/reconcile/internal/types"
)

// MaxRowsPerChunkDefault bounds how many rows one chunk file holds before
// Writer rolls over to the next chunk index.
const MaxRowsPerChunkDefault = 100_000

// MaxBytesPerChunkDefault bounds a chunk's on-disk size; rollover fires on
// whichever of the row or byte cap is hit first.
const MaxBytesPerChunkDefault = 1 << 20

var categoryDirs = map[types.Category]string{
	types.CategoryMatched: "matched",
	types.CategoryOnlyA:   "only_a",
	types.CategoryOnlyB:   "only_b",
}

// Writer implements reconciler.RowSink, routing each written row into the
// correct category's chunk file and rolling over at maxRowsPerChunk. Each
// chunk's header lists the key column followed by the full row columns of
// the row's originating side (matched and only_a use file A's header,
// only_b uses file B's).
type Writer struct {
	baseDir          string
	runID            int64
	combo            types.Combination
	maxRowsPerChunk  int
	maxBytesPerChunk int64
	headerA          []string
	headerB          []string

	open   map[types.Category]*chunkState
	chunks []types.ExportChunk
}

type chunkState struct {
	index    int
	rowCount int64
	byteSize int64
	file     *os.File
	csv      *csv.Writer
	path     string
}

// New creates a Writer for one (run, combination), clearing any chunks
// left over from a previous generation of the same comparison. headerA
// and headerB are the full column headers of files A and B, used to build
// each category's chunk header.
func New(baseDir string, runID int64, combo types.Combination, maxRowsPerChunk int, headerA, headerB []string) (*Writer, error) {
	if maxRowsPerChunk <= 0 {
		maxRowsPerChunk = MaxRowsPerChunkDefault
	}
	w := &Writer{
		baseDir:          baseDir,
		runID:            runID,
		combo:            combo,
		maxRowsPerChunk:  maxRowsPerChunk,
		maxBytesPerChunk: MaxBytesPerChunkDefault,
		headerA:          headerA,
		headerB:          headerB,
		open:             make(map[types.Category]*chunkState),
	}
	if err := w.resetDirs(); err != nil {
		return nil, err
	}
	return w, nil
}

// sourceHeader returns the originating side's full header for category:
// matched and only_a come from file A's row, only_b from file B's.
func (w *Writer) sourceHeader(category types.Category) []string {
	if category == types.CategoryOnlyB {
		return w.headerB
	}
	return w.headerA
}

func (w *Writer) comparisonDir() string {
	return filepath.Join(w.baseDir, fmt.Sprintf("run_%d", w.runID), fmt.Sprintf("comparison_%s", w.combo.Hash()))
}

// resetDirs removes any prior chunks for this (run, combination), making
// regeneration idempotent: a re-run of the same comparison replaces its
// output rather than appending to it.
func (w *Writer) resetDirs() error {
	dir := w.comparisonDir()
	for _, sub := range categoryDirs {
		if err := os.RemoveAll(filepath.Join(dir, sub)); err != nil {
			return fmt.Errorf("exportwriter: clear %s: %w", sub, err)
		}
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("exportwriter: create %s: %w", sub, err)
		}
	}
	return nil
}

// Write appends one row to the category's current chunk, rolling over to
// a new chunk file once maxRowsPerChunk or maxBytesPerChunk is reached,
// whichever comes first. row is the full
// originating-side row (nil for callers that only have the key); it is
// written after displayKey so pagination that only needs the key (column
// 0) is unaffected by its presence. Implements reconciler.RowSink.
func (w *Writer) Write(category types.Category, displayKey string, row []string) error {
	st, ok := w.open[category]
	if !ok || st.rowCount >= int64(w.maxRowsPerChunk) || st.byteSize >= w.maxBytesPerChunk {
		if ok {
			if err := w.closeChunk(category, st, types.ChunkCompleted); err != nil {
				return err
			}
		}
		var err error
		st, err = w.openChunk(category, ok)
		if err != nil {
			return err
		}
		w.open[category] = st
	}

	record := append([]string{displayKey}, row...)
	if err := st.csv.Write(record); err != nil {
		return fmt.Errorf("exportwriter: write row: %w", err)
	}
	st.rowCount++
	for _, f := range record {
		st.byteSize += int64(len(f)) + 1
	}
	return nil
}

func (w *Writer) openChunk(category types.Category, hadPrevious bool) (*chunkState, error) {
	index := 1
	if hadPrevious {
		index = w.open[category].index + 1
	}
	path := filepath.Join(w.comparisonDir(), categoryDirs[category], fmt.Sprintf("chunk_%04d.csv", index))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("exportwriter: create chunk: %w", err)
	}
	cw := csv.NewWriter(f)
	header := append([]string{"key"}, w.sourceHeader(category)...)
	if err := cw.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("exportwriter: write chunk header: %w", err)
	}
	return &chunkState{index: index, file: f, csv: cw, path: path}, nil
}

func (w *Writer) closeChunk(category types.Category, st *chunkState, status types.ChunkStatus) error {
	st.csv.Flush()
	if err := st.csv.Error(); err != nil {
		_ = st.file.Close()
		return fmt.Errorf("exportwriter: flush chunk: %w", err)
	}
	if err := st.file.Sync(); err != nil {
		_ = st.file.Close()
		return fmt.Errorf("exportwriter: sync chunk: %w", err)
	}
	if err := st.file.Close(); err != nil {
		return fmt.Errorf("exportwriter: close chunk: %w", err)
	}
	w.chunks = append(w.chunks, types.ExportChunk{
		RunID:       w.runID,
		Combination: w.combo,
		Category:    category,
		ChunkIndex:  st.index,
		RowCount:    st.rowCount,
		ByteSize:    st.byteSize,
		Path:        st.path,
		Status:      status,
	})
	return nil
}

// Close flushes and closes any open chunks and returns the manifest of
// all chunks written for this (run, combination).
func (w *Writer) Close() ([]types.ExportChunk, error) {
	for category, st := range w.open {
		if err := w.closeChunk(category, st, types.ChunkCompleted); err != nil {
			return nil, err
		}
		delete(w.open, category)
	}
	return w.chunks, nil
}

// Abort closes any open chunk files without adding them to the manifest
// as completed, marking them failed instead — used when the caller
// encounters an error mid-write and needs to release file handles.
func (w *Writer) Abort() {
	for category, st := range w.open {
		st.csv.Flush()
		_ = st.file.Close()
		w.chunks = append(w.chunks, types.ExportChunk{
			RunID:       w.runID,
			Combination: w.combo,
			Category:    category,
			ChunkIndex:  st.index,
			RowCount:    st.rowCount,
			ByteSize:    st.byteSize,
			Path:        st.path,
			Status:      types.ChunkFailed,
		})
		delete(w.open, category)
	}
}
