package exportwriter

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/ivoronin/reconcile/internal/types"
	"github.com/stretchr/testify/require"
)

func TestWriteRotatesChunksAtLimit(t *testing.T) {
	dir := t.TempDir()
	combo := types.NewCombination("id")
	w, err := New(dir, 1, combo, 2, []string{"id"}, []string{"id"})
	require.NoError(t, err)

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, w.Write(types.CategoryMatched, key, nil))
	}
	chunks, err := w.Close()
	require.NoError(t, err)
	require.Len(t, chunks, 3) // 2+2+1

	var total int64
	for _, c := range chunks {
		require.Equal(t, types.ChunkCompleted, c.Status)
		total += c.RowCount
	}
	require.Equal(t, int64(5), total)
}

func TestWriteSeparatesCategories(t *testing.T) {
	dir := t.TempDir()
	combo := types.NewCombination("id")
	w, err := New(dir, 1, combo, 100, []string{"id"}, []string{"id"})
	require.NoError(t, err)

	require.NoError(t, w.Write(types.CategoryMatched, "1", nil))
	require.NoError(t, w.Write(types.CategoryOnlyA, "2", nil))
	require.NoError(t, w.Write(types.CategoryOnlyB, "3", nil))
	chunks, err := w.Close()
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	byCategory := map[types.Category]types.ExportChunk{}
	for _, c := range chunks {
		byCategory[c.Category] = c
	}
	require.Contains(t, byCategory[types.CategoryMatched].Path, "matched")
	require.Contains(t, byCategory[types.CategoryOnlyA].Path, "only_a")
	require.Contains(t, byCategory[types.CategoryOnlyB].Path, "only_b")
}

func TestNewIsIdempotentAcrossRegeneration(t *testing.T) {
	dir := t.TempDir()
	combo := types.NewCombination("id")

	w1, err := New(dir, 1, combo, 100, []string{"id"}, []string{"id"})
	require.NoError(t, err)
	require.NoError(t, w1.Write(types.CategoryMatched, "1", nil))
	_, err = w1.Close()
	require.NoError(t, err)

	w2, err := New(dir, 1, combo, 100, []string{"id"}, []string{"id"})
	require.NoError(t, err)
	require.NoError(t, w2.Write(types.CategoryMatched, "2", nil))
	chunks, err := w2.Close()
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	f, err := os.Open(chunks[0].Path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2) // header + single regenerated row
	require.Equal(t, "2", records[1][0])
}

func TestToExcelConvertsChunk(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "chunk.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("key\n1\n2\n"), 0o644))

	xlsxPath := filepath.Join(dir, "chunk.xlsx")
	require.NoError(t, ToExcel(csvPath, xlsxPath))

	info, err := os.Stat(xlsxPath)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func TestToExcelRejectsOverCap(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "chunk.csv")
	content := "key\n"
	for i := 0; i < ExcelRowCap+2; i++ {
		content += "k\n"
	}
	require.NoError(t, os.WriteFile(csvPath, []byte(content), 0o644))

	err := ToExcel(csvPath, filepath.Join(dir, "chunk.xlsx"))
	require.Error(t, err)
}
