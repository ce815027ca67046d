package types

import "time"

// Side identifies file A or file B.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Category partitions a reconciliation's key space.
type Category string

const (
	CategoryMatched Category = "matched"
	CategoryOnlyA   Category = "only_a"
	CategoryOnlyB   Category = "only_b"
)

// AnalysisResult is a ColumnScorer/UniquenessAnalyzer output for one
// combination on one side. Unique on (RunID, Side, Combination).
type AnalysisResult struct {
	RunID          int64
	Side           Side
	Combination    Combination
	TotalRows      int64
	UniqueRows     int64
	DuplicateRows  int64
	DuplicateCount int64
	UniquenessScore float64 // 0..100
	IsUniqueKey    bool
	IsSampled      bool
	SampleSize     int64
}

// ComparisonSummary is the exactly-one-per-(run,combination) count record
// produced once a combination has been reconciled.
type ComparisonSummary struct {
	RunID       int64
	Combination Combination
	Matched     int64
	OnlyA       int64
	OnlyB       int64
	TotalA      int64
	TotalB      int64
	GeneratedAt time.Time
}

// ChunkStatus is the lifecycle of one ExportChunk file.
type ChunkStatus string

const (
	ChunkWriting   ChunkStatus = "writing"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// ExportChunk is one ordered CSV file within a (run, combination, category).
type ExportChunk struct {
	RunID       int64
	Combination Combination
	Category    Category
	ChunkIndex  int // >= 1, totally ordered within (run, combination, category)
	RowCount    int64
	ByteSize    int64
	Path        string
	Status      ChunkStatus
}

// CacheEntry is the small JSON artifact ComparisonCache persists per
// (run, combination): a summary plus a bounded sample of key values for
// each category, in emission order.
type CacheEntry struct {
	RunID        int64             `json:"run_id"`
	Combination  Combination       `json:"combination"`
	Summary      ComparisonSummary `json:"summary"`
	SampleMatched []string         `json:"sample_matched"`
	SampleOnlyA   []string         `json:"sample_only_a"`
	SampleOnlyB   []string         `json:"sample_only_b"`
}
