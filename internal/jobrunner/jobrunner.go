// Package jobrunner executes a run's fixed stage pipeline — reading,
// optional quality, validating, analyze-a, analyze-b, storing,
// generate-cache, generate-comparisons — the way cmd/dupedog's runDedupe
// chains scan → screen → verify → dedupe: each stage is a phase that
// either completes or fails the run, persisting progress through
// RunStore between phases. Unlike a one-shot CLI pipeline, JobRunner is
// long-lived: it claims queued runs handed to it by id (Submit), bounds concurrent runs
// with a semaphore the way Verifier bounds concurrent file reads, and
// retries recoverable stage failures with backoff.
package jobrunner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ivoronin/reconcile/internal/runstore"
	"github.com/ivoronin/reconcile/internal/types"
)

// Default tunables for concurrency and stage retry behavior.
const (
	DefaultMaxConcurrentRuns = 2
	MaxStageRetries          = 3
	RetryBaseDelay           = 2 * time.Second
)

// StageFunc executes one named stage of a run, returning an error that
// aborts the run (after exhausting retries for recoverable ones).
type StageFunc func(ctx context.Context, run *types.Run) error

// Recoverable wraps an error to mark it eligible for retry-with-backoff
// rather than immediately failing the run.
type Recoverable struct{ Err error }

func (r Recoverable) Error() string { return r.Err.Error() }
func (r Recoverable) Unwrap() error { return r.Err }

// Metrics are the Prometheus collectors JobRunner updates. Registered
// against a caller-supplied registry so multiple JobRunners (or tests)
// never collide on the default global registry.
type Metrics struct {
	RunsStarted   prometheus.Counter
	RunsCompleted prometheus.Counter
	RunsFailed    prometheus.Counter
	RunsActive    prometheus.Gauge
	StageDuration *prometheus.HistogramVec
}

// NewMetrics registers JobRunner's collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_runs_started_total",
			Help: "Total runs dequeued and started.",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_runs_completed_total",
			Help: "Total runs that reached the completed status.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_runs_failed_total",
			Help: "Total runs that reached the error status.",
		}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconcile_runs_active",
			Help: "Runs currently executing.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "reconcile_stage_duration_seconds",
			Help: "Stage execution time by stage name.",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.RunsStarted, m.RunsCompleted, m.RunsFailed, m.RunsActive, m.StageDuration)
	return m
}

// Runner executes queued runs against a fixed stage pipeline.
type Runner struct {
	store      *runstore.Store
	stages     map[types.StageName]StageFunc
	sem        types.Semaphore
	metrics    *Metrics
	onComplete func(*types.Run)

	mu     sync.Mutex
	active map[int64]*types.Run
}

// New creates a Runner. maxConcurrent <= 0 uses DefaultMaxConcurrentRuns.
func New(store *runstore.Store, stages map[types.StageName]StageFunc, maxConcurrent int, metrics *Metrics) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRuns
	}
	return &Runner{
		store:   store,
		stages:  stages,
		sem:     types.NewSemaphore(maxConcurrent),
		metrics: metrics,
		active:  make(map[int64]*types.Run),
	}
}

// Cancel flips the cancellation flag on runID's in-flight Run, if it is
// currently executing. It returns false for a run that is queued but not
// yet claimed, or already terminal — callers fall back to a direct
// RunStore status transition for those cases.
func (r *Runner) Cancel(runID int64) bool {
	r.mu.Lock()
	run, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.RequestCancel()
	return true
}

// OnComplete registers a hook invoked (in a new goroutine) after a run
// reaches a terminal status: an in-process callback rather than an
// external webhook or queue, since nothing in the dependency set gives
// one a client.
func (r *Runner) OnComplete(fn func(*types.Run)) { r.onComplete = fn }

// Submit claims runID (queued -> running) and executes its pipeline in a
// new goroutine, bounded by the runner's concurrency semaphore.
func (r *Runner) Submit(ctx context.Context, runID int64) {
	r.sem.Acquire()
	if r.metrics != nil {
		r.metrics.RunsActive.Inc()
	}
	go func() {
		defer r.sem.Release()
		if r.metrics != nil {
			defer r.metrics.RunsActive.Dec()
		}
		r.execute(ctx, runID)
	}()
}

func (r *Runner) execute(ctx context.Context, runID int64) {
	ok, err := r.store.TransitionStatus(runID, types.RunQueued, types.RunRunning)
	if err != nil {
		log.Printf("jobrunner: run %d: claim failed: %v", runID, err)
		return
	}
	if !ok {
		return // already claimed or not queued anymore
	}
	if r.metrics != nil {
		r.metrics.RunsStarted.Inc()
	}

	run, err := r.store.GetRun(runID)
	if err != nil {
		log.Printf("jobrunner: run %d: reload after claim failed: %v", runID, err)
		return
	}

	r.mu.Lock()
	r.active[runID] = run
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, runID)
		r.mu.Unlock()
	}()

	stages, err := r.store.GetStages(runID)
	if err != nil {
		r.fail(run, fmt.Errorf("load stages: %w", err))
		return
	}

	for i := range stages {
		if run.CancelRequested() {
			r.finish(run, types.RunCancelled, "")
			return
		}
		if fresh, err := r.store.GetRun(run.ID); err == nil {
			// pick up what earlier stages (or the Gateway) persisted: the
			// column pool, the selected combination, queued combinations
			run.Params = fresh.Params
			run.ColumnPool = fresh.ColumnPool
			run.SelectedCombination = fresh.SelectedCombination
		}
		if err := r.runStage(ctx, run, &stages[i]); err != nil {
			r.fail(run, err)
			return
		}
		run.Progress = int(100 * float64(i+1) / float64(len(stages)))
		run.CurrentStage = stages[i].Name
		if _, err := r.store.UpdateRun(run.ID, func(rr *types.Run) error {
			rr.Progress = run.Progress
			rr.CurrentStage = run.CurrentStage
			return nil
		}); err != nil {
			log.Printf("jobrunner: run %d: progress update failed: %v", run.ID, err)
		}
	}

	r.finish(run, types.RunCompleted, "")
}

func (r *Runner) runStage(ctx context.Context, run *types.Run, stage *types.Stage) error {
	fn, ok := r.stages[stage.Name]
	if !ok {
		return fmt.Errorf("jobrunner: no implementation registered for stage %s", stage.Name)
	}

	start := time.Now()
	now := start
	_ = r.store.UpdateStage(run.ID, stage.Order, func(s *types.Stage) {
		s.Status = types.StageInProgress
		s.StartedAt = &now
	})

	var lastErr error
	for attempt := 0; attempt <= MaxStageRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(RetryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}
		lastErr = fn(ctx, run)
		if lastErr == nil {
			break
		}
		var rec Recoverable
		if !asRecoverable(lastErr, &rec) {
			break
		}
	}

	if r.metrics != nil {
		r.metrics.StageDuration.WithLabelValues(string(stage.Name)).Observe(time.Since(start).Seconds())
	}

	completedAt := time.Now()
	if lastErr != nil {
		_ = r.store.UpdateStage(run.ID, stage.Order, func(s *types.Stage) {
			s.Status = types.StageFailed
			s.CompletedAt = &completedAt
			s.Details = lastErr.Error()
		})
		return lastErr
	}

	_ = r.store.UpdateStage(run.ID, stage.Order, func(s *types.Stage) {
		s.Status = types.StageCompleted
		s.CompletedAt = &completedAt
	})
	return nil
}

func asRecoverable(err error, out *Recoverable) bool {
	rec, ok := err.(Recoverable)
	if ok {
		*out = rec
	}
	return ok
}

func (r *Runner) fail(run *types.Run, err error) {
	msg := err.Error()
	r.finish(run, types.RunError, msg)
}

func (r *Runner) finish(run *types.Run, status types.RunStatus, errMsg string) {
	r.mu.Lock()
	delete(r.active, run.ID)
	r.mu.Unlock()
	updated, updErr := r.store.UpdateRun(run.ID, func(rr *types.Run) error {
		rr.Status = status
		rr.ErrorMessage = errMsg
		if status == types.RunCompleted {
			rr.Progress = 100
		}
		now := time.Now()
		rr.CompletedAt = &now
		return nil
	})
	if updErr != nil {
		log.Printf("jobrunner: run %d: finish update failed: %v", run.ID, updErr)
		return
	}
	if r.metrics != nil {
		switch status {
		case types.RunCompleted:
			r.metrics.RunsCompleted.Inc()
		case types.RunError:
			r.metrics.RunsFailed.Inc()
		}
	}
	if r.onComplete != nil {
		go r.onComplete(updated)
	}
}
