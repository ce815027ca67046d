package types

import (
	"sync/atomic"
	"time"
)

// RunStatus is the terminal/in-flight status of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is absorbing (no further transitions).
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunError, RunCancelled:
		return true
	default:
		return false
	}
}

// StageName identifies one of the fixed, ordered stages of a run.
type StageName string

const (
	StageReading           StageName = "reading"
	StageQuality           StageName = "quality"
	StageValidating        StageName = "validating"
	StageAnalyzeA          StageName = "analyze-a"
	StageAnalyzeB          StageName = "analyze-b"
	StageStoring           StageName = "storing"
	StageGenerateCache     StageName = "generate-cache"
	StageGenerateCompare   StageName = "generate-comparisons"
)

// DefaultStages returns the stage sequence for a run, honoring the
// quality-check flag: the quality stage only runs when requested.
func DefaultStages(qualityCheck bool) []StageName {
	stages := []StageName{StageReading}
	if qualityCheck {
		stages = append(stages, StageQuality)
	}
	stages = append(stages,
		StageValidating,
		StageAnalyzeA,
		StageAnalyzeB,
		StageStoring,
		StageGenerateCache,
		StageGenerateCompare,
	)
	return stages
}

// StageStatus is the lifecycle state of a single Stage.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "error"
)

// Stage is one ordered step of a run, keyed by (RunID, Order).
type Stage struct {
	RunID       int64
	Order       int
	Name        StageName
	Status      StageStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Details     string
}

// DiscoveryMode selects how KeyDiscovery proposes combinations.
type DiscoveryMode string

const (
	DiscoveryExplicit     DiscoveryMode = "explicit"
	DiscoveryHeuristic    DiscoveryMode = "heuristic"
	DiscoveryIntelligent  DiscoveryMode = "intelligent"
)

// RunParams are the immutable parameters a run is submitted with.
type RunParams struct {
	FileA                   string
	FileB                   string
	NumColumns              int
	RowLimitHint            int64 // 0 = auto
	QualityCheck            bool
	DiscoveryMode           DiscoveryMode
	ExpectedCombinations    []Combination
	ExcludedCombinations    []Combination
	BaseCombination         Combination
}

// Run is the durable record of a single comparison job.
type Run struct {
	ID           int64
	Params       RunParams
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Status       RunStatus
	CurrentStage StageName
	Progress     int // 0..100
	ErrorMessage string

	// ColumnPool is the ordered intersection of headers common to A and B,
	// established once in the validating stage.
	ColumnPool []string

	// SelectedCombination is the best candidate key KeyDiscovery/
	// UniquenessAnalyzer agreed on across both sides, chosen in the
	// storing stage and reconciled in generate-comparisons.
	SelectedCombination Combination

	// cancelRequested is flipped by JobRunner.Cancel; checked cooperatively
	// between chunks/combinations/sections. Not persisted — it is
	// process-local signaling only and is lost on restart.
	cancelRequested atomic.Bool
}

// CancelRequested reports whether a cancellation flag has been raised for
// this run. Callers should check this between chunks/combinations.
func (r *Run) CancelRequested() bool { return r.cancelRequested.Load() }

// RequestCancel flips the in-memory cancellation flag.
func (r *Run) RequestCancel() { r.cancelRequested.Store(true) }
