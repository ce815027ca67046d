package reconciler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ivoronin/reconcile/internal/reader"
	"github.com/ivoronin/reconcile/internal/types"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	matched []string
	onlyA   []string
	onlyB   []string
}

func (s *memorySink) Write(category types.Category, displayKey string, _ []string) error {
	switch category {
	case types.CategoryMatched:
		s.matched = append(s.matched, displayKey)
	case types.CategoryOnlyA:
		s.onlyA = append(s.onlyA, displayKey)
	case types.CategoryOnlyB:
		s.onlyB = append(s.onlyB, displayKey)
	}
	return nil
}

func writeFile(t *testing.T, dir, name, content string) *reader.FileReader {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return reader.New(path)
}

func TestReconcileInMemoryClassifiesAllCategories(t *testing.T) {
	dir := t.TempDir()
	fileA := writeFile(t, dir, "a.csv", "id,val\n1,x\n2,y\n3,z\n")
	fileB := writeFile(t, dir, "b.csv", "id,val\n2,y\n3,q\n4,w\n")

	r := New(0, dir, false)
	sink := &memorySink{}
	combo := types.NewCombination("id")

	summary, err := r.Reconcile(1, combo, fileA, fileB, sink, nil)
	require.NoError(t, err)

	require.Equal(t, int64(2), summary.Matched)
	require.Equal(t, int64(1), summary.OnlyA)
	require.Equal(t, int64(1), summary.OnlyB)
	require.Equal(t, int64(3), summary.TotalA)
	require.Equal(t, int64(3), summary.TotalB)

	require.ElementsMatch(t, []string{"2", "3"}, sink.matched)
	require.ElementsMatch(t, []string{"1"}, sink.onlyA)
	require.ElementsMatch(t, []string{"4"}, sink.onlyB)
}

func TestReconcileHandlesDuplicateKeysAsSet(t *testing.T) {
	dir := t.TempDir()
	fileA := writeFile(t, dir, "a.csv", "id\n1\n1\n2\n")
	fileB := writeFile(t, dir, "b.csv", "id\n1\n")

	r := New(0, dir, false)
	sink := &memorySink{}
	combo := types.NewCombination("id")

	summary, err := r.Reconcile(1, combo, fileA, fileB, sink, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Matched)
	require.Equal(t, int64(1), summary.OnlyA) // distinct key "2"; the duplicate "1" is one matched key, not two rows
	require.Equal(t, int64(0), summary.OnlyB)
	require.ElementsMatch(t, []string{"1"}, sink.matched)
	require.ElementsMatch(t, []string{"2"}, sink.onlyA)
}

func TestReconcileNullKeyUsesDisplayRepresentation(t *testing.T) {
	dir := t.TempDir()
	fileA := writeFile(t, dir, "a.csv", "id,val\n,x\n1,y\n")
	fileB := writeFile(t, dir, "b.csv", "id,val\n,z\n")

	r := New(0, dir, false)
	sink := &memorySink{}
	combo := types.NewCombination("id")

	_, err := r.Reconcile(1, combo, fileA, fileB, sink, nil)
	require.NoError(t, err)
	require.Contains(t, sink.matched, "<null>")
}

func TestReconcileExternalModeMatchesInMemory(t *testing.T) {
	dir := t.TempDir()
	var a, b string
	a = "id\n"
	b = "id\n"
	for i := 0; i < 30; i++ {
		a += "k" + string(rune('a'+i%26)) + string(rune('A'+i)) + "\n"
	}
	for i := 0; i < 15; i++ {
		b += "k" + string(rune('a'+i%26)) + string(rune('A'+i)) + "\n"
	}
	fileA := writeFile(t, dir, "a.csv", a)
	fileB := writeFile(t, dir, "b.csv", b)

	r := New(5, dir, false) // tiny cap forces external mode
	sink := &memorySink{}
	combo := types.NewCombination("id")

	summary, err := r.Reconcile(1, combo, fileA, fileB, sink, nil)
	require.NoError(t, err)
	require.Equal(t, int64(15), summary.Matched)
	require.Equal(t, int64(15), summary.OnlyA)
	require.Equal(t, int64(0), summary.OnlyB)
}

func TestReconcileUnknownColumnFails(t *testing.T) {
	dir := t.TempDir()
	fileA := writeFile(t, dir, "a.csv", "id\n1\n")
	fileB := writeFile(t, dir, "b.csv", "id\n1\n")

	r := New(0, dir, false)
	_, err := r.Reconcile(1, types.NewCombination("missing"), fileA, fileB, &memorySink{}, nil)
	require.Error(t, err)
}

func TestReconcileCancellationStopsEarly(t *testing.T) {
	dir := t.TempDir()
	fileA := writeFile(t, dir, "a.csv", "id\n1\n2\n3\n")
	fileB := writeFile(t, dir, "b.csv", "id\n1\n2\n3\n")

	r := New(0, dir, false)
	_, err := r.Reconcile(1, types.NewCombination("id"), fileA, fileB, &memorySink{}, func() bool { return true })
	require.Error(t, err)
}
