// Package uniqueness implements UniquenessAnalyzer: per-combination
// per-file cardinality metrics (total/unique/duplicate rows, uniqueness
// score, is_unique_key), computed in Full or Sampled mode, scoring every
// combination in a single pass.
package uniqueness

import "strings"

// keySeparator is the two-character sentinel placed between joined column
// values — not permitted inside field values after the reader's CSV
// unquoting (it is outside the printable ASCII range CSV data is expected
// to carry).
const keySeparator = "\x00\x01"

// nullSentinel normalizes a null/empty field to a distinct internal value
// so that a combination of all-empty fields doesn't collide with a
// combination of genuinely empty strings at a different position. Applied
// uniformly across analysis, reconciliation, and export (see
// NullKeyRepresentation).
const nullSentinel = "\x00NULL\x00"

// NullKeyRepresentation is the printable form a null-only key takes in
// exports and cache samples.
const NullKeyRepresentation = "<null>"

// ColumnIndices resolves combination column names to positions in header.
func ColumnIndices(header []string, columns []string) ([]int, bool) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[h] = i
	}
	indices := make([]int, len(columns))
	for i, c := range columns {
		idx, ok := pos[c]
		if !ok {
			return nil, false
		}
		indices[i] = idx
	}
	return indices, true
}

// BuildKey projects values at indices into the combination's key string,
// normalizing empty fields to nullSentinel. allNull reports whether every
// projected field was empty: such rows are counted but emitted under
// NullKeyRepresentation.
func BuildKey(values []string, indices []int) (key string, allNull bool) {
	parts := make([]string, len(indices))
	allNull = true
	for i, idx := range indices {
		var v string
		if idx < len(values) {
			v = values[idx]
		}
		if v == "" {
			parts[i] = nullSentinel
		} else {
			parts[i] = v
			allNull = false
		}
	}
	return strings.Join(parts, keySeparator), allNull
}

// DisplayKey renders an internal key for export/cache consumption,
// substituting NullKeyRepresentation for the all-null case.
func DisplayKey(key string, allNull bool) string {
	if allNull {
		return NullKeyRepresentation
	}
	return strings.ReplaceAll(key, keySeparator, ",")
}
