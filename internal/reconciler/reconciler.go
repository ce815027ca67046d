// Package reconciler implements the two-sided streaming set diff: given a
// column combination and a stream for each side, classify every key into
// matched, only_a, or only_b and report row counts per category.
//
// The in-memory path builds the set of file B's distinct keys in one pass,
// then streams A once, emitting each distinct key on its first occurrence
// as matched or only_a, then streams B a second time to emit the B keys
// never seen in A as only_b. When the key space is too large to hold in
// memory, Reconciler falls back to hash-partitioning both sides to disk
// first (mirroring the spill-by-hash-partition technique in
// internal/uniqueness) and running the same algorithm per partition, where
// the partition's key space is small enough to hold in memory.
package reconciler

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ivoronin/reconcile/internal/progress"
	"github.com/ivoronin/reconcile/internal/reader"
	"github.com/ivoronin/reconcile/internal/types"
	"github.com/ivoronin/reconcile/internal/uniqueness"
)

// MemoryCapKeysDefault bounds the number of distinct keys the in-memory
// path will hold for file B before falling back to hash-partitioned mode.
const MemoryCapKeysDefault = 2_000_000

const externalPartitions = 16

// RowSink receives classified rows as the reconciler discovers them. row
// is the full originating-side row (A's for matched/only_a, B's for
// only_b). A caller-supplied sink decouples Reconciler from how rows are
// persisted (typically an exportwriter.Writer).
type RowSink interface {
	Write(category types.Category, displayKey string, row []string) error
}

// Reconciler diffs two streams of the same combination.
type Reconciler struct {
	memoryCapKeys int
	spillDir      string
	showProgress  bool
}

// New creates a Reconciler. memoryCapKeys <= 0 uses MemoryCapKeysDefault.
func New(memoryCapKeys int, spillDir string, showProgress bool) *Reconciler {
	if memoryCapKeys <= 0 {
		memoryCapKeys = MemoryCapKeysDefault
	}
	return &Reconciler{memoryCapKeys: memoryCapKeys, spillDir: spillDir, showProgress: showProgress}
}

// stats tracks reconciliation progress the way verifier.stats tracks
// hashing progress, rendered through the same progress.Bar.
type stats struct {
	matched   int64
	onlyA     int64
	onlyB     int64
	startTime time.Time
}

func (s *stats) String() string {
	elapsed := time.Since(s.startTime).Truncate(time.Millisecond)
	return fmt.Sprintf("matched %d, only_a %d, only_b %d in %v", s.matched, s.onlyA, s.onlyB, elapsed)
}

// Reconcile classifies every key found in fileA/fileB into matched/only_a/
// only_b, writing each row (with its full originating-side columns) to
// sink and returning the aggregate summary. fileA and fileB are
// re-streamed as many times as the chosen algorithm needs (RowStream is
// single-pass, so Reconcile opens a fresh one per pass rather than
// accepting pre-opened streams). Cancellation is checked between rows via
// cancelled, so a long-running reconciliation can stop cooperatively.
func (r *Reconciler) Reconcile(runID int64, combo types.Combination, fileA, fileB *reader.FileReader, sink RowSink, cancelled func() bool) (types.ComparisonSummary, error) {
	n := len(combo.Columns)

	countStreamB, err := fileB.StreamRows(combo.Columns)
	if err != nil {
		return types.ComparisonSummary{}, fmt.Errorf("reconciler: open file b: %w", err)
	}
	if _, ok := uniqueness.ColumnIndices(countStreamB.Header(), combo.Columns); !ok {
		_ = countStreamB.Close()
		return types.ComparisonSummary{}, fmt.Errorf("reconciler: combination %s references unknown column in file B", combo.String())
	}

	st := &stats{startTime: time.Now()}
	bar := progress.New(r.showProgress, -1)
	bar.Describe(st)
	defer bar.Finish(st)

	distinctB, overflowed, err := distinctKeySet(countStreamB, n, r.memoryCapKeys)
	_ = countStreamB.Close()
	if err != nil {
		return types.ComparisonSummary{}, err
	}

	var summary types.ComparisonSummary
	summary.RunID = runID
	summary.Combination = combo

	// Full (unprojected) streams: matched/only_a/only_b rows carry the
	// originating side's complete row, not just the combination's columns.
	streamA, err := fileA.StreamRows(nil)
	if err != nil {
		return types.ComparisonSummary{}, fmt.Errorf("reconciler: open file a: %w", err)
	}
	defer func() { _ = streamA.Close() }()
	keyIndicesA, ok := uniqueness.ColumnIndices(streamA.Header(), combo.Columns)
	if !ok {
		return types.ComparisonSummary{}, fmt.Errorf("reconciler: combination %s references unknown column in file A", combo.String())
	}

	streamB, err := fileB.StreamRows(nil)
	if err != nil {
		return types.ComparisonSummary{}, fmt.Errorf("reconciler: reopen file b: %w", err)
	}
	defer func() { _ = streamB.Close() }()
	keyIndicesB, ok := uniqueness.ColumnIndices(streamB.Header(), combo.Columns)
	if !ok {
		return types.ComparisonSummary{}, fmt.Errorf("reconciler: combination %s references unknown column in file B", combo.String())
	}

	if !overflowed {
		if err := r.reconcileInMemory(streamA, streamB, keyIndicesA, keyIndicesB, distinctB, sink, cancelled, st, &summary); err != nil {
			return types.ComparisonSummary{}, err
		}
	} else {
		if err := r.reconcileExternal(streamA, streamB, keyIndicesA, keyIndicesB, sink, cancelled, st, &summary); err != nil {
			return types.ComparisonSummary{}, err
		}
	}

	summary.GeneratedAt = time.Now()
	return summary, nil
}

// identityIndices returns 0..n-1, used to build keys from a RowStream
// already projected onto exactly the combination's columns (in that
// order), where no further column lookup is needed.
func identityIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// distinctKeySet builds the set of distinct keys seen on stream (already
// projected onto the combination's columns, so every value is part of the
// key), reporting overflowed=true the moment distinct keys exceed cap so
// the caller can switch to the external path.
func distinctKeySet(stream *reader.RowStream, n, cap int) (map[string]struct{}, bool, error) {
	indices := identityIndices(n)
	keys := make(map[string]struct{})
	for stream.Next() {
		row := stream.Row()
		key, _ := uniqueness.BuildKey(row.Values, indices)
		keys[key] = struct{}{}
		if len(keys) > cap {
			return nil, true, nil
		}
	}
	if err := stream.Err(); err != nil {
		return nil, false, fmt.Errorf("reconciler: count keys: %w", err)
	}
	return keys, false, nil
}

// reconcileInMemory classifies every *distinct* key into matched/only_a/
// only_b, emitting each distinct key at most once per category (on its
// first occurrence), the way a set difference — not a multiset one —
// requires. It streams A once against the already-built distinctB set
// (emitting matched/only_a with A's first row for that key), then streams
// a freshly opened B once more to emit the only_b remainder: keys that
// never showed up while streaming A.
func (r *Reconciler) reconcileInMemory(streamA, streamB *reader.RowStream, keyIndicesA, keyIndicesB []int, distinctB map[string]struct{}, sink RowSink, cancelled func() bool, st *stats, summary *types.ComparisonSummary) error {
	emittedA := make(map[string]struct{}, len(distinctB))
	var totalA int64
	for streamA.Next() {
		if cancelled != nil && cancelled() {
			return fmt.Errorf("reconciler: cancelled")
		}
		row := streamA.Row()
		totalA++
		key, allNull := uniqueness.BuildKey(row.Values, keyIndicesA)
		if _, seen := emittedA[key]; seen {
			continue
		}
		emittedA[key] = struct{}{}
		if _, ok := distinctB[key]; ok {
			st.matched++
			if err := sink.Write(types.CategoryMatched, uniqueness.DisplayKey(key, allNull), row.Values); err != nil {
				return err
			}
		} else {
			st.onlyA++
			if err := sink.Write(types.CategoryOnlyA, uniqueness.DisplayKey(key, allNull), row.Values); err != nil {
				return err
			}
		}
	}
	if err := streamA.Err(); err != nil {
		return fmt.Errorf("reconciler: stream a: %w", err)
	}

	emittedOnlyB := make(map[string]struct{})
	var totalB int64
	for streamB.Next() {
		if cancelled != nil && cancelled() {
			return fmt.Errorf("reconciler: cancelled")
		}
		row := streamB.Row()
		totalB++
		key, allNull := uniqueness.BuildKey(row.Values, keyIndicesB)
		if _, inA := emittedA[key]; inA {
			continue
		}
		if _, seen := emittedOnlyB[key]; seen {
			continue
		}
		emittedOnlyB[key] = struct{}{}
		st.onlyB++
		if err := sink.Write(types.CategoryOnlyB, uniqueness.DisplayKey(key, allNull), row.Values); err != nil {
			return err
		}
	}
	if err := streamB.Err(); err != nil {
		return fmt.Errorf("reconciler: stream b: %w", err)
	}

	summary.Matched = st.matched
	summary.OnlyA = st.onlyA
	summary.OnlyB = st.onlyB
	summary.TotalA = totalA
	summary.TotalB = totalB
	return nil
}

// reconcileExternal partitions both sides by key hash into on-disk
// partition files (key plus full row, CSV-encoded), then runs the
// in-memory algorithm independently on each partition (whose key space is
// a fraction of the whole, so it fits in memory even when the combined
// key space does not).
func (r *Reconciler) reconcileExternal(streamA, streamB *reader.RowStream, keyIndicesA, keyIndicesB []int, sink RowSink, cancelled func() bool, st *stats, summary *types.ComparisonSummary) error {
	dir := r.spillDir
	if dir == "" {
		dir = os.TempDir()
	}
	base := filepath.Join(dir, fmt.Sprintf("reconcile_%d", time.Now().UnixNano()))
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("reconciler: spill dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(base) }()

	partA, err := partitionStream(streamA, keyIndicesA, base, "a")
	if err != nil {
		return err
	}
	partB, err := partitionStream(streamB, keyIndicesB, base, "b")
	if err != nil {
		return err
	}

	var totalA, totalB int64
	for p := 0; p < externalPartitions; p++ {
		if cancelled != nil && cancelled() {
			return fmt.Errorf("reconciler: cancelled")
		}
		bRows, err := loadPartitionRows(partB[p])
		if err != nil {
			return err
		}
		distinctB := make(map[string]struct{}, len(bRows))
		for _, row := range bRows {
			distinctB[row.key] = struct{}{}
		}

		aRows, err := loadPartitionRows(partA[p])
		if err != nil {
			return err
		}
		emittedA := make(map[string]struct{}, len(aRows))
		for _, row := range aRows {
			totalA++
			if _, seen := emittedA[row.key]; seen {
				continue
			}
			emittedA[row.key] = struct{}{}
			allNull := row.key == ""
			display := uniqueness.DisplayKey(row.key, allNull)
			if _, ok := distinctB[row.key]; ok {
				st.matched++
				if err := sink.Write(types.CategoryMatched, display, row.values); err != nil {
					return err
				}
			} else {
				st.onlyA++
				if err := sink.Write(types.CategoryOnlyA, display, row.values); err != nil {
					return err
				}
			}
		}

		totalB += int64(len(bRows))
		emittedOnlyB := make(map[string]struct{})
		for _, row := range bRows {
			if _, inA := emittedA[row.key]; inA {
				continue
			}
			if _, seen := emittedOnlyB[row.key]; seen {
				continue
			}
			emittedOnlyB[row.key] = struct{}{}
			st.onlyB++
			if err := sink.Write(types.CategoryOnlyB, uniqueness.DisplayKey(row.key, row.key == ""), row.values); err != nil {
				return err
			}
		}
	}

	summary.Matched = st.matched
	summary.OnlyA = st.onlyA
	summary.OnlyB = st.onlyB
	summary.TotalA = totalA
	summary.TotalB = totalB
	return nil
}

func partitionStream(stream *reader.RowStream, keyIndices []int, base, label string) ([]string, error) {
	paths := make([]string, externalPartitions)
	writers := make([]*csv.Writer, externalPartitions)
	files := make([]*os.File, externalPartitions)
	for i := 0; i < externalPartitions; i++ {
		paths[i] = filepath.Join(base, fmt.Sprintf("%s_%02d", label, i))
		f, err := os.Create(paths[i])
		if err != nil {
			return nil, fmt.Errorf("reconciler: partition file: %w", err)
		}
		files[i] = f
		writers[i] = csv.NewWriter(f)
	}
	defer func() {
		for i := range files {
			writers[i].Flush()
			_ = files[i].Close()
		}
	}()

	for stream.Next() {
		row := stream.Row()
		key, allNull := uniqueness.BuildKey(row.Values, keyIndices)
		if allNull {
			key = ""
		}
		p := hashPartition(key, externalPartitions)
		record := append([]string{key}, row.Values...)
		if err := writers[p].Write(record); err != nil {
			return nil, fmt.Errorf("reconciler: partition write: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("reconciler: partition stream: %w", err)
	}
	return paths, nil
}

// partitionedRow is one spilled record: its key (empty string means
// all-null) and the originating side's full row.
type partitionedRow struct {
	key    string
	values []string
}

func loadPartitionRows(path string) ([]partitionedRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reconciler: open partition: %w", err)
	}
	defer func() { _ = f.Close() }()
	rd := csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	rd.FieldsPerRecord = -1
	var rows []partitionedRow
	for {
		record, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reconciler: read partition: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		rows = append(rows, partitionedRow{key: record[0], values: record[1:]})
	}
	return rows, nil
}

func hashPartition(key string, n int) int {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % uint32(n))
}
