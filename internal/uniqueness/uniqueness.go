package uniqueness

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ivoronin/reconcile/internal/reader"
	"github.com/ivoronin/reconcile/internal/types"
)

// SampleThresholdDefault is the row-count above which Sampled mode
// applies automatically.
const SampleThresholdDefault = 50_000

// MemoryCapKeysDefault bounds the number of distinct keys a single
// combination's in-memory counter may hold before that combination falls
// back to external (spill-partitioned) counting.
const MemoryCapKeysDefault = 2_000_000

const externalPartitions = 16

// combo is the per-combination running state for one pass.
type combo struct {
	combination types.Combination
	indices     []int
	counts      map[string]int64 // in-memory mode
	external    bool
	partWriters []*bufio.Writer
	partFiles   []*os.File
	spillDir    string
}

// Analyzer scores a set of combinations against one side's rows in a
// single pass: every candidate combination is scored simultaneously
// rather than re-reading the file once per combination.
type Analyzer struct {
	side          types.Side
	memoryCapKeys int
	spillDir      string
}

// New creates an Analyzer for the given side.
func New(side types.Side, memoryCapKeys int, spillDir string) *Analyzer {
	if memoryCapKeys <= 0 {
		memoryCapKeys = MemoryCapKeysDefault
	}
	return &Analyzer{side: side, memoryCapKeys: memoryCapKeys, spillDir: spillDir}
}

// AnalyzeSample scores combinations against an in-memory row sample.
// is_sampled is true unless the sample covers the whole file
// (sampleSize == totalRows).
func (a *Analyzer) AnalyzeSample(runID int64, header []string, rows []reader.Row, combos []types.Combination, totalRows int64) ([]types.AnalysisResult, error) {
	states, err := newComboStates(header, combos, 0, "")
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		for _, c := range states {
			key, _ := BuildKey(row.Values, c.indices)
			c.counts[key]++
		}
	}
	sampleSize := int64(len(rows))
	isSampled := sampleSize != totalRows
	return finalize(runID, a.side, states, sampleSize, isSampled)
}

// AnalyzeFull scores combinations against a full streamed pass, falling
// back to external (hash-partitioned spill) counting for any combination
// whose distinct-key count would exceed the memory cap.
func (a *Analyzer) AnalyzeFull(runID int64, stream *reader.RowStream, combos []types.Combination) ([]types.AnalysisResult, error) {
	header := stream.Header()
	states, err := newComboStates(header, combos, a.memoryCapKeys, a.spillDir)
	if err != nil {
		return nil, err
	}
	defer closeSpillFiles(states)

	var total int64
	for stream.Next() {
		row := stream.Row()
		total++
		for _, c := range states {
			key, _ := BuildKey(row.Values, c.indices)
			if err := c.observe(key, a.memoryCapKeys); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	for _, c := range states {
		if c.external {
			if err := flushSpillBuffers(c); err != nil {
				return nil, err
			}
		}
	}

	return finalize(runID, a.side, states, total, false)
}

func newComboStates(header []string, combos []types.Combination, memoryCapKeys int, spillDir string) ([]*combo, error) {
	states := make([]*combo, 0, len(combos))
	for _, c := range combos {
		indices, ok := ColumnIndices(header, c.Columns)
		if !ok {
			return nil, fmt.Errorf("uniqueness: combination %s references unknown column", c.String())
		}
		states = append(states, &combo{combination: c, indices: indices, counts: make(map[string]int64), spillDir: spillDir})
	}
	_ = memoryCapKeys
	return states, nil
}

// observe folds one key into the combination's counter, migrating to
// external spill mode the first time the in-memory map would exceed the
// cap. Once external, subsequent keys go straight to the partition files
// instead of growing the map further.
func (c *combo) observe(key string, memoryCapKeys int) error {
	if c.external {
		return c.spill(key)
	}
	c.counts[key]++
	if len(c.counts) > memoryCapKeys {
		return c.migrateToExternal()
	}
	return nil
}

// migrateToExternal replays the accumulated in-memory counts into
// partition files (one append per occurrence) and switches the
// combination to spill mode for all subsequent keys.
func (c *combo) migrateToExternal() error {
	if err := c.openPartitions(); err != nil {
		return err
	}
	c.external = true
	for key, n := range c.counts {
		for i := int64(0); i < n; i++ {
			if err := c.spill(key); err != nil {
				return err
			}
		}
	}
	c.counts = nil
	return nil
}

func (c *combo) openPartitions() error {
	spillDir := c.spillDir
	if spillDir == "" {
		spillDir = os.TempDir()
	}
	dir := filepath.Join(spillDir, "uniqueness_"+c.combination.Hash())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("uniqueness: spill dir: %w", err)
	}
	c.partFiles = make([]*os.File, externalPartitions)
	c.partWriters = make([]*bufio.Writer, externalPartitions)
	for i := 0; i < externalPartitions; i++ {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("partition_%02d", i)))
		if err != nil {
			return fmt.Errorf("uniqueness: spill file: %w", err)
		}
		c.partFiles[i] = f
		c.partWriters[i] = bufio.NewWriter(f)
	}
	return nil
}

func (c *combo) spill(key string) error {
	p := hashPartition(key, externalPartitions)
	if _, err := c.partWriters[p].WriteString(key + "\n"); err != nil {
		return fmt.Errorf("uniqueness: spill write: %w", err)
	}
	return nil
}

func flushSpillBuffers(c *combo) error {
	for _, w := range c.partWriters {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("uniqueness: spill flush: %w", err)
		}
	}
	return nil
}

func closeSpillFiles(states []*combo) {
	for _, c := range states {
		for _, f := range c.partFiles {
			_ = f.Close()
		}
	}
}

func hashPartition(key string, n int) int {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h % uint32(n))
}

// countExternal counts unique/duplicate keys for a spilled combination by
// re-reading each partition file independently (bounded memory: only one
// partition's keys are in memory at a time).
func countExternal(c *combo) (total, unique, duplicateRows, duplicateCount int64, err error) {
	dir := filepath.Dir(c.partFiles[0].Name())
	for i := 0; i < externalPartitions; i++ {
		path := filepath.Join(dir, fmt.Sprintf("partition_%02d", i))
		f, openErr := os.Open(path)
		if openErr != nil {
			return 0, 0, 0, 0, fmt.Errorf("uniqueness: reopen partition: %w", openErr)
		}
		counts := make(map[string]int64)
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			counts[sc.Text()]++
		}
		_ = f.Close()
		if scErr := sc.Err(); scErr != nil {
			return 0, 0, 0, 0, fmt.Errorf("uniqueness: scan partition: %w", scErr)
		}
		unique += int64(len(counts))
		for _, n := range counts {
			total += n
			if n > 1 {
				duplicateCount += n
			}
		}
	}
	duplicateRows = total - unique
	return total, unique, duplicateRows, duplicateCount, nil
}

func finalize(runID int64, side types.Side, states []*combo, sampleSize int64, isSampled bool) ([]types.AnalysisResult, error) {
	results := make([]types.AnalysisResult, 0, len(states))
	for _, c := range states {
		var total, unique, dupRows, dupCount int64
		var err error
		if c.external {
			total, unique, dupRows, dupCount, err = countExternal(c)
			if err != nil {
				return nil, err
			}
		} else {
			total = sampleSize
			unique = int64(len(c.counts))
			for _, n := range c.counts {
				if n > 1 {
					dupCount += n
				}
			}
			dupRows = total - unique
		}

		score := 0.0
		if total > 0 {
			score = 100 * float64(unique) / float64(total)
		}
		isUniqueKey := unique == total && total > 0

		results = append(results, types.AnalysisResult{
			RunID:           runID,
			Side:            side,
			Combination:     c.combination,
			TotalRows:       total,
			UniqueRows:      unique,
			DuplicateRows:   dupRows,
			DuplicateCount:  dupCount,
			UniquenessScore: score,
			IsUniqueKey:     isUniqueKey,
			IsSampled:       isSampled,
			SampleSize:      sampleSize,
		})
	}
	return results, nil
}
