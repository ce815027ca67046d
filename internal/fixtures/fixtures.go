// Package fixtures builds small CSV files for exercising FileReader,
// UniquenessAnalyzer, and Reconciler end to end, the direct analogue of
// internal/testfs's declarative Volume/File builder: a TableSet is the
// "given" (what files look like), paired with assertion helpers as the
// "then". It stands in for a Docker/tmpfs-backed file tree, since the
// reconciliation engine has no hardlink/cross-device behavior to
// reproduce.
package fixtures

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Table is a declarative CSV fixture: a header plus rows, materialized
// verbatim (no quoting/escaping beyond what encoding/csv does by default).
type Table struct {
	Columns []string
	Rows    [][]string
}

// TableSet is the pair of files a reconciliation run compares.
type TableSet struct {
	A Table
	B Table
}

// Write materializes both tables as CSV files under dir, returning their
// paths in (fileA, fileB) order.
func Write(t *testing.T, dir string, set TableSet) (string, string) {
	t.Helper()
	pathA := filepath.Join(dir, "a.csv")
	pathB := filepath.Join(dir, "b.csv")
	writeTable(t, pathA, set.A)
	writeTable(t, pathB, set.B)
	return pathA, pathB
}

func writeTable(t *testing.T, path string, table Table) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	require.NoError(t, w.Write(table.Columns))
	for _, row := range table.Rows {
		require.NoError(t, w.Write(row))
	}
	w.Flush()
	require.NoError(t, w.Error())
}

// ExpectedReconciliation names the matched/only-A/only-B display keys a
// Reconciler run should classify, unordered — the assertion counterpart to
// TableSet, the way AssertFiles checks a Volume against a ReapVolume.
type ExpectedReconciliation struct {
	Matched []string
	OnlyA   []string
	OnlyB   []string
}

// AssertReconciliation checks that got's three category sets match want's,
// ignoring order within each category.
func AssertReconciliation(t *testing.T, want ExpectedReconciliation, gotMatched, gotOnlyA, gotOnlyB []string) {
	t.Helper()
	require.ElementsMatch(t, want.Matched, gotMatched, "matched")
	require.ElementsMatch(t, want.OnlyA, gotOnlyA, "only_a")
	require.ElementsMatch(t, want.OnlyB, gotOnlyB, "only_b")
}
