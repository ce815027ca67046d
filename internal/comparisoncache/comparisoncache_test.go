package comparisoncache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ivoronin/reconcile/internal/types"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	combo := types.NewCombination("id")
	entry := types.CacheEntry{
		RunID:       1,
		Combination: combo,
		Summary:     types.ComparisonSummary{RunID: 1, Combination: combo, Matched: 2, OnlyA: 1},
		SampleMatched: []string{"1", "2"},
	}
	require.NoError(t, s.Put(entry))

	got, ok, err := s.Get(1, combo)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), got.Summary.Matched)
	require.Equal(t, []string{"1", "2"}, got.SampleMatched)
}

func TestGetMissingReturnsFalse(t *testing.T) {
	s := New(t.TempDir())
	_, ok, err := s.Get(99, types.NewCombination("id"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRebuildSamplesAcrossChunksInOrder(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "chunk_0001.csv")
	path2 := filepath.Join(dir, "chunk_0002.csv")
	require.NoError(t, os.WriteFile(path1, []byte("key\n1\n2\n"), 0o644))
	require.NoError(t, os.WriteFile(path2, []byte("key\n3\n4\n"), 0o644))

	combo := types.NewCombination("id")
	chunks := []types.ExportChunk{
		{Combination: combo, Category: types.CategoryMatched, ChunkIndex: 2, Path: path2},
		{Combination: combo, Category: types.CategoryMatched, ChunkIndex: 1, Path: path1},
	}
	summary := types.ComparisonSummary{RunID: 1, Combination: combo, Matched: 4}

	entry, err := Rebuild(summary, chunks, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, entry.SampleMatched)
}

func TestListRunCombinationsFindsCachedEntries(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Put(types.CacheEntry{RunID: 1, Combination: types.NewCombination("id")}))
	require.NoError(t, s.Put(types.CacheEntry{RunID: 1, Combination: types.NewCombination("email")}))
	require.NoError(t, s.Put(types.CacheEntry{RunID: 2, Combination: types.NewCombination("id")}))

	combos, err := s.ListRunCombinations(1)
	require.NoError(t, err)
	require.Len(t, combos, 2)
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	combo := types.NewCombination("id")
	require.NoError(t, s.Put(types.CacheEntry{RunID: 1, Combination: combo}))

	old := time.Now().Add(24 * time.Hour)
	removed, err := s.Cleanup(old)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, ok, err := s.Get(1, combo)
	require.NoError(t, err)
	require.False(t, ok)
}
