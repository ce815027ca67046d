package jobrunner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ivoronin/reconcile/internal/runstore"
	"github.com/ivoronin/reconcile/internal/types"
)

func newTestStore(t *testing.T) *runstore.Store {
	t.Helper()
	s, err := runstore.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *runstore.Store, id int64, stages []types.StageName) {
	t.Helper()
	run := &types.Run{ID: id}
	require.NoError(t, s.CreateRun(run))
	stageRecords := make([]types.Stage, len(stages))
	for i, name := range stages {
		stageRecords[i] = types.Stage{RunID: id, Order: i, Name: name, Status: types.StagePending}
	}
	require.NoError(t, s.PutStages(id, stageRecords))
}

func waitForTerminal(t *testing.T, s *runstore.Store, id int64) *types.Run {
	t.Helper()
	for i := 0; i < 1000; i++ {
		run, err := s.GetRun(id)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal status in time")
	return nil
}

func TestRunnerCompletesAllStages(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, 1, []types.StageName{types.StageReading, types.StageValidating})

	var order []types.StageName
	stages := map[types.StageName]StageFunc{
		types.StageReading: func(_ context.Context, run *types.Run) error {
			order = append(order, types.StageReading)
			return nil
		},
		types.StageValidating: func(_ context.Context, run *types.Run) error {
			order = append(order, types.StageValidating)
			return nil
		},
	}

	r := New(s, stages, 1, nil)
	r.Submit(context.Background(), 1)

	run := waitForTerminal(t, s, 1)
	require.Equal(t, types.RunCompleted, run.Status)
	require.Equal(t, 100, run.Progress)
	require.Equal(t, []types.StageName{types.StageReading, types.StageValidating}, order)
}

func TestRunnerFailsRunOnStageError(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, 1, []types.StageName{types.StageReading})

	stages := map[types.StageName]StageFunc{
		types.StageReading: func(_ context.Context, run *types.Run) error {
			return fmt.Errorf("boom")
		},
	}

	r := New(s, stages, 1, nil)
	r.Submit(context.Background(), 1)

	run := waitForTerminal(t, s, 1)
	require.Equal(t, types.RunError, run.Status)
	require.Contains(t, run.ErrorMessage, "boom")
}

func TestRunnerRetriesRecoverableErrors(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, 1, []types.StageName{types.StageReading})

	var attempts atomic.Int32
	stages := map[types.StageName]StageFunc{
		types.StageReading: func(_ context.Context, run *types.Run) error {
			n := attempts.Add(1)
			if n < 2 {
				return Recoverable{Err: fmt.Errorf("transient")}
			}
			return nil
		},
	}

	r := New(s, stages, 1, nil)
	r.Submit(context.Background(), 1)

	run := waitForTerminal(t, s, 1)
	require.Equal(t, types.RunCompleted, run.Status)
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestRunnerHonorsCancellation(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, 1, []types.StageName{types.StageReading, types.StageValidating})

	started := make(chan struct{})
	proceed := make(chan struct{})
	stages := map[types.StageName]StageFunc{
		types.StageReading: func(_ context.Context, run *types.Run) error {
			close(started)
			<-proceed
			run.RequestCancel()
			return nil
		},
		types.StageValidating: func(_ context.Context, run *types.Run) error {
			t.Fatal("validating stage should not run after cancellation")
			return nil
		},
	}

	r := New(s, stages, 1, nil)
	r.Submit(context.Background(), 1)

	<-started
	close(proceed)

	finalRun := waitForTerminal(t, s, 1)
	require.Equal(t, types.RunCancelled, finalRun.Status)
}

func TestCancelSignalsActiveRunOnly(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, 1, []types.StageName{types.StageReading, types.StageValidating})

	started := make(chan struct{})
	proceed := make(chan struct{})
	stages := map[types.StageName]StageFunc{
		types.StageReading: func(_ context.Context, run *types.Run) error {
			close(started)
			<-proceed
			return nil
		},
		types.StageValidating: func(_ context.Context, run *types.Run) error {
			if run.CancelRequested() {
				t.Fatal("validating stage should not run after cancellation")
			}
			return nil
		},
	}

	r := New(s, stages, 1, nil)
	require.False(t, r.Cancel(1), "no run is active yet")

	r.Submit(context.Background(), 1)
	<-started
	require.True(t, r.Cancel(1))
	close(proceed)

	run := waitForTerminal(t, s, 1)
	require.Equal(t, types.RunCancelled, run.Status)
	require.False(t, r.Cancel(1), "run is no longer active once terminal")
}

func TestRunnerRecordsPrometheusMetrics(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, 1, []types.StageName{types.StageReading})

	stages := map[types.StageName]StageFunc{
		types.StageReading: func(_ context.Context, run *types.Run) error { return nil },
	}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	r := New(s, stages, 1, metrics)
	r.Submit(context.Background(), 1)
	waitForTerminal(t, s, 1)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RunsCompleted))
}

func TestOnCompleteHookFires(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, 1, []types.StageName{types.StageReading})
	stages := map[types.StageName]StageFunc{
		types.StageReading: func(_ context.Context, run *types.Run) error { return nil },
	}

	done := make(chan *types.Run, 1)
	r := New(s, stages, 1, nil)
	r.OnComplete(func(run *types.Run) { done <- run })
	r.Submit(context.Background(), 1)

	select {
	case run := <-done:
		require.Equal(t, types.RunCompleted, run.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("onComplete hook did not fire")
	}
}
