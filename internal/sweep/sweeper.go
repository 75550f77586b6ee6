// Package sweep deletes the local artifacts of finished runs once their
// grace period has passed. It runs independently of the orchestrator,
// consuming artifact_cleanup jobs from the job queue.
package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/shortsd/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Sweeper processes artifact_cleanup jobs.
type Sweeper struct {
	store  JobStore
	dir    string
	poll   time.Duration
	logger *slog.Logger
}

// New creates a Sweeper that only deletes files inside dir.
// If pollInterval is <= 0, it defaults to one minute.
func New(store JobStore, dir string, pollInterval time.Duration) *Sweeper {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &Sweeper{
		store:  store,
		dir:    filepath.Clean(dir),
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for due cleanup jobs until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("sweep iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// RunOnce claims and processes a single due cleanup job.
// Returns true if a job was processed (regardless of success/failure).
func (s *Sweeper) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.store.ClaimNextJob([]string{storage.JobArtifactCleanup})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := s.sweep(job); err != nil {
		s.logger.Warn("cleanup failed", "job_id", job.ID, "error", err)
		if failErr := s.store.FailJob(job.ID, err.Error()); failErr != nil {
			s.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := s.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// ErrOutsideDir is returned for cleanup paths outside the artifact directory.
var ErrOutsideDir = errors.New("path is outside the artifact directory")

func (s *Sweeper) sweep(job *storage.Job) error {
	var payload storage.CleanupPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	path := filepath.Clean(payload.Path)
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideDir, payload.Path)
	}

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("artifact already gone", "run_id", payload.RunID, "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	s.logger.Info("artifact removed", "run_id", payload.RunID, "path", path)
	return nil
}
