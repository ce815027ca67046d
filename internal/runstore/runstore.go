// Package runstore is the durable, embedded store of run metadata: one
// bbolt database file with a bucket per entity (runs, stages, a status
// index for cheap polling). It follows the bbolt-backed hash-cache pattern
// from internal/cache/cache.go, except here there is exactly one database
// that stays open for the store's lifetime — runs are mutated in place
// rather than rebuilt wholesale each invocation, since a RunStore backs a
// long-lived server rather than a single batch job.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ivoronin/reconcile/internal/types"
)

const (
	bucketRuns          = "runs"
	bucketStages        = "stages"
	bucketStatusIndex   = "status_index"
	bucketProgressIdx   = "progress_index"
	bucketAnalysis      = "analysis_results"
	bucketSummaries     = "comparison_summaries"
	bucketExportChunks  = "export_chunks"
)

// Store is a bbolt-backed durable store of Run and Stage records.
type Store struct {
	db *bolt.DB

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// Open creates or opens the store's database file at path, creating
// parent directories and all buckets as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("runstore: mkdir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("runstore: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{
			bucketRuns, bucketStages, bucketStatusIndex, bucketProgressIdx,
			bucketAnalysis, bucketSummaries, bucketExportChunks,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("runstore: init buckets: %w", err)
	}
	return &Store{db: db, locks: make(map[int64]*sync.Mutex)}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// lockFor returns the per-run mutex, creating it on first use. Mutating a
// single run is always serialized through this lock; reads do not need it
// since bbolt transactions already give a consistent snapshot.
func (s *Store) lockFor(runID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

func runKey(id int64) []byte { return []byte(strconv.FormatInt(id, 10)) }

// CreateRun persists a new run, queued, and seeds its status index.
func (s *Store) CreateRun(run *types.Run) error {
	run.CreatedAt = time.Now()
	run.Status = types.RunQueued
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx, bucketRuns, runKey(run.ID), run); err != nil {
			return err
		}
		return s.writeIndexes(tx, run)
	})
}

// GetRun reads a run by id.
func (s *Store) GetRun(id int64) (*types.Run, error) {
	var run types.Run
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx, bucketRuns, runKey(id), &run)
		found = ok
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("runstore: run %d not found", id)
	}
	return &run, nil
}

// Status is the cheap-path read used by the status-polling endpoint: it
// reads only the small status_index/progress_index entries, never the
// full Run JSON blob.
type Status struct {
	Status   types.RunStatus
	Progress int64
}

// GetStatus reads a run's status/progress from the lightweight indexes,
// tolerating corrupt/legacy encodings via types.SafeStr/types.SafeInt
// rather than failing the read.
func (s *Store) GetStatus(id int64) (Status, error) {
	var out Status
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		statusBucket := tx.Bucket([]byte(bucketStatusIndex))
		progressBucket := tx.Bucket([]byte(bucketProgressIdx))
		raw := statusBucket.Get(runKey(id))
		if raw == nil {
			return nil
		}
		found = true
		out.Status = types.RunStatus(types.SafeStr(string(raw), string(types.RunQueued)))
		progressRaw := progressBucket.Get(runKey(id))
		out.Progress = types.SafeInt(string(progressRaw), 0)
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	if !found {
		return Status{}, fmt.Errorf("runstore: run %d not found", id)
	}
	return out, nil
}

// UpdateRun applies mutate to the run under its per-run lock, persists
// the result, and refreshes the status/progress indexes.
func (s *Store) UpdateRun(id int64, mutate func(*types.Run) error) (*types.Run, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	var run types.Run
	err := s.db.Update(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx, bucketRuns, runKey(id), &run)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("runstore: run %d not found", id)
		}
		if err := mutate(&run); err != nil {
			return err
		}
		if err := putJSON(tx, bucketRuns, runKey(id), &run); err != nil {
			return err
		}
		return s.writeIndexes(tx, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// TransitionStatus applies a compare-and-swap status transition: it only
// writes if the run's current status matches from, returning false (no
// error) if another writer already moved the run past that status.
func (s *Store) TransitionStatus(id int64, from, to types.RunStatus) (bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var run types.Run
		ok, err := getJSON(tx, bucketRuns, runKey(id), &run)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("runstore: run %d not found", id)
		}
		if run.Status != from {
			return nil
		}
		run.Status = to
		now := time.Now()
		switch to {
		case types.RunRunning:
			run.StartedAt = &now
		case types.RunCompleted, types.RunError, types.RunCancelled:
			run.CompletedAt = &now
		}
		applied = true
		if err := putJSON(tx, bucketRuns, runKey(id), &run); err != nil {
			return err
		}
		return s.writeIndexes(tx, &run)
	})
	return applied, err
}

func (s *Store) writeIndexes(tx *bolt.Tx, run *types.Run) error {
	statusBucket := tx.Bucket([]byte(bucketStatusIndex))
	progressBucket := tx.Bucket([]byte(bucketProgressIdx))
	if err := statusBucket.Put(runKey(run.ID), []byte(run.Status)); err != nil {
		return fmt.Errorf("runstore: write status index: %w", err)
	}
	if err := progressBucket.Put(runKey(run.ID), []byte(strconv.Itoa(run.Progress))); err != nil {
		return fmt.Errorf("runstore: write progress index: %w", err)
	}
	return nil
}

// PutStages replaces the full stage list for a run.
func (s *Store) PutStages(runID int64, stages []types.Stage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketStages, runKey(runID), stages)
	})
}

// GetStages reads the stage list for a run.
func (s *Store) GetStages(runID int64) ([]types.Stage, error) {
	var stages []types.Stage
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx, bucketStages, runKey(runID), &stages)
		return err
	})
	return stages, err
}

// UpdateStage mutates one stage (matched by Order) under the run's lock.
func (s *Store) UpdateStage(runID int64, order int, mutate func(*types.Stage)) error {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		var stages []types.Stage
		if _, err := getJSON(tx, bucketStages, runKey(runID), &stages); err != nil {
			return err
		}
		found := false
		for i := range stages {
			if stages[i].Order == order {
				mutate(&stages[i])
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("runstore: run %d has no stage %d", runID, order)
		}
		return putJSON(tx, bucketStages, runKey(runID), stages)
	})
}

// analysisKey groups results by run and side so GetAnalysisResults can read
// one side's full page set back with a single bucket lookup.
func analysisKey(runID int64, side types.Side) []byte {
	return []byte(fmt.Sprintf("%d:%s", runID, side))
}

// PutAnalysisResults replaces the stored AnalysisResult set for one
// (run, side), written by that side's analyze-a/analyze-b stage.
func (s *Store) PutAnalysisResults(runID int64, side types.Side, results []types.AnalysisResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAnalysis, analysisKey(runID, side), results)
	})
}

// GetAnalysisResults reads back a (run, side) result set in storage order;
// callers paginate in memory against a fixed page-size cap.
func (s *Store) GetAnalysisResults(runID int64, side types.Side) ([]types.AnalysisResult, error) {
	var results []types.AnalysisResult
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx, bucketAnalysis, analysisKey(runID, side), &results)
		return err
	})
	return results, err
}

func summaryKey(runID int64, combo types.Combination) []byte {
	return []byte(fmt.Sprintf("%d:%s", runID, combo.Hash()))
}

// PutComparisonSummary persists the count summary for a reconciled
// combination, independent of the (larger, sampled) ComparisonCache entry.
func (s *Store) PutComparisonSummary(summary types.ComparisonSummary) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketSummaries, summaryKey(summary.RunID, summary.Combination), summary)
	})
}

// GetComparisonSummary reads one run's summary for a combination.
func (s *Store) GetComparisonSummary(runID int64, combo types.Combination) (types.ComparisonSummary, bool, error) {
	var summary types.ComparisonSummary
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := getJSON(tx, bucketSummaries, summaryKey(runID, combo), &summary)
		found = ok
		return err
	})
	return summary, found, err
}

// PutExportChunks replaces the manifest of chunk files for one
// (run, combination, category), written by the generate-comparisons stage
// from the manifest ExportWriter.Close returns.
func (s *Store) PutExportChunks(runID int64, combo types.Combination, category types.Category, chunks []types.ExportChunk) error {
	key := []byte(fmt.Sprintf("%d:%s:%s", runID, combo.Hash(), category))
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketExportChunks, key, chunks)
	})
}

// GetExportChunks reads the chunk manifest for one (run, combination,
// category), ordered by ChunkIndex as written.
func (s *Store) GetExportChunks(runID int64, combo types.Combination, category types.Category) ([]types.ExportChunk, error) {
	key := []byte(fmt.Sprintf("%d:%s:%s", runID, combo.Hash(), category))
	var chunks []types.ExportChunk
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx, bucketExportChunks, key, &chunks)
		return err
	})
	return chunks, err
}

func putJSON(tx *bolt.Tx, bucket string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("runstore: encode: %w", err)
	}
	return tx.Bucket([]byte(bucket)).Put(key, data)
}

func getJSON(tx *bolt.Tx, bucket string, key []byte, out any) (bool, error) {
	data := tx.Bucket([]byte(bucket)).Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("runstore: decode: %w", err)
	}
	return true, nil
}
