// Package comparisoncache persists one small JSON artifact per (run,
// combination): the comparison's summary counts plus a bounded sample of
// key values per category, giving O(1) status lookups and O(sample size)
// data reads without touching the full export chunks. Writes go through a
// temp-file-then-rename, so a reader never sees a half-written entry; each
// entry is a plain JSON file rather than a record in RunStore's bbolt
// database.
package comparisoncache

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ivoronin/reconcile/internal/types"
)

// SampleSizeDefault bounds how many key values per category Rebuild keeps
// in a cache entry.
const SampleSizeDefault = 100

// Store manages cache entries under baseDir/cache/run_<id>_<hash>.json.
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) path(runID int64, combo types.Combination) string {
	return filepath.Join(s.baseDir, "cache", fmt.Sprintf("run_%d_%s.json", runID, combo.Hash()))
}

// Get reads the cache entry for (runID, combo), if present.
func (s *Store) Get(runID int64, combo types.Combination) (types.CacheEntry, bool, error) {
	data, err := os.ReadFile(s.path(runID, combo))
	if err != nil {
		if os.IsNotExist(err) {
			return types.CacheEntry{}, false, nil
		}
		return types.CacheEntry{}, false, fmt.Errorf("comparisoncache: read: %w", err)
	}
	var entry types.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.CacheEntry{}, false, fmt.Errorf("comparisoncache: decode: %w", err)
	}
	return entry, true, nil
}

// Put writes entry atomically via a temp file in the same directory,
// followed by rename — avoiding a reader ever observing a partial file.
func (s *Store) Put(entry types.CacheEntry) error {
	path := s.path(entry.RunID, entry.Combination)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("comparisoncache: mkdir: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("comparisoncache: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("comparisoncache: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("comparisoncache: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("comparisoncache: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("comparisoncache: rename: %w", err)
	}
	return nil
}

// Rebuild derives a cache entry from a completed comparison's summary and
// export chunks, reading only up to sampleSize rows per category from the
// chunk files rather than the original source files.
func Rebuild(summary types.ComparisonSummary, chunks []types.ExportChunk, sampleSize int) (types.CacheEntry, error) {
	if sampleSize <= 0 {
		sampleSize = SampleSizeDefault
	}
	byCategory := map[types.Category][]types.ExportChunk{}
	for _, c := range chunks {
		byCategory[c.Category] = append(byCategory[c.Category], c)
	}
	for cat := range byCategory {
		sort.Slice(byCategory[cat], func(i, j int) bool {
			return byCategory[cat][i].ChunkIndex < byCategory[cat][j].ChunkIndex
		})
	}

	matched, err := sampleChunks(byCategory[types.CategoryMatched], sampleSize)
	if err != nil {
		return types.CacheEntry{}, err
	}
	onlyA, err := sampleChunks(byCategory[types.CategoryOnlyA], sampleSize)
	if err != nil {
		return types.CacheEntry{}, err
	}
	onlyB, err := sampleChunks(byCategory[types.CategoryOnlyB], sampleSize)
	if err != nil {
		return types.CacheEntry{}, err
	}

	return types.CacheEntry{
		RunID:         summary.RunID,
		Combination:   summary.Combination,
		Summary:       summary,
		SampleMatched: matched,
		SampleOnlyA:   onlyA,
		SampleOnlyB:   onlyB,
	}, nil
}

func sampleChunks(chunks []types.ExportChunk, limit int) ([]string, error) {
	var out []string
	for _, chunk := range chunks {
		if len(out) >= limit {
			break
		}
		rows, err := readChunkKeys(chunk.Path, limit-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func readChunkKeys(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("comparisoncache: open chunk: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(bufio.NewReader(f))
	if _, err := r.Read(); err != nil { // header
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("comparisoncache: read chunk header: %w", err)
	}

	var out []string
	for len(out) < limit {
		record, err := r.Read()
		if err != nil {
			break
		}
		if len(record) > 0 {
			out = append(out, record[0])
		}
	}
	return out, nil
}

// ListRunCombinations returns the combinations that have a cache entry for
// runID, backing the Gateway's "available combinations" endpoint without
// any index beyond the cache directory itself.
func (s *Store) ListRunCombinations(runID int64) ([]types.Combination, error) {
	dir := filepath.Join(s.baseDir, "cache")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("comparisoncache: read dir: %w", err)
	}
	prefix := fmt.Sprintf("run_%d_", runID)
	var combos []types.Combination
	for _, e := range entries {
		if e.IsDir() || !hasPrefixAndSuffix(e.Name(), prefix, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var entry types.CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		combos = append(combos, entry.Combination)
	}
	return combos, nil
}

func hasPrefixAndSuffix(name, prefix, suffix string) bool {
	return len(name) >= len(prefix)+len(suffix) &&
		name[:len(prefix)] == prefix &&
		name[len(name)-len(suffix):] == suffix
}

// Cleanup removes cache entries whose file modification time is older
// than cutoff, returning the number of files removed.
func (s *Store) Cleanup(cutoff time.Time) (int, error) {
	dir := filepath.Join(s.baseDir, "cache")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("comparisoncache: read dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("comparisoncache: remove %s: %w", path, err)
			}
			removed++
		}
	}
	return removed, nil
}
