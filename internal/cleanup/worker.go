// Package cleanup removes jobs whose retention has expired along with their
// stored originals and outputs.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/timkrebs/image-resizer/internal/database"
	"github.com/timkrebs/image-resizer/internal/models"
)

// JobStore lists and deletes expired jobs
type JobStore interface {
	GetJobsToCleanup(ctx context.Context, limit int) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// ObjectStore deletes stored images
type ObjectStore interface {
	Delete(ctx context.Context, key string) error
}

// Worker handles periodic cleanup of expired jobs and their associated files
type Worker struct {
	jobRepo   JobStore
	storage   ObjectStore
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// Config holds cleanup worker configuration
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// NewWorker creates a new cleanup worker
func NewWorker(jobRepo JobStore, storage ObjectStore, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Worker{
		jobRepo:   jobRepo,
		storage:   storage,
		logger:    logger.With("component", "cleanup"),
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

// Start runs cleanup cycles every interval until ctx is done
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("cleanup worker started", "interval", w.interval, "batch_size", w.batchSize)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cleanup worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("cleanup failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single cleanup cycle over at most one batch and
// returns how many jobs were removed
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	jobs, err := w.jobRepo.GetJobsToCleanup(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		w.logger.Debug("no jobs to clean up")
		return 0, nil
	}

	cleaned, failed := 0, 0
	for _, job := range jobs {
		if err := w.cleanupJob(ctx, job); err != nil {
			w.logger.Error("failed to clean up job", "job_id", job.ID, "error", err)
			failed++
			continue
		}
		cleaned++
	}

	w.logger.Info("cleanup cycle completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"cleaned", cleaned,
		"errors", failed,
		"total", len(jobs),
	)
	return cleaned, nil
}

// cleanupJob removes a job's objects, then its record. Object deletion
// failures are logged and do not keep the record alive.
func (w *Worker) cleanupJob(ctx context.Context, job *models.Job) error {
	logger := w.logger.With("job_id", job.ID)

	for _, key := range objectKeys(job) {
		logger.Debug("deleting object", "key", key)
		if err := w.storage.Delete(ctx, key); err != nil {
			logger.Warn("failed to delete object", "key", key, "error", err)
		}
	}

	err := w.jobRepo.DeleteJob(ctx, job.ID)
	if errors.Is(err, database.ErrNotFound) {
		// another instance got there first
		return nil
	}
	return err
}

// objectKeys lists the stored objects of a job. Unchanged results have no
// output of their own.
func objectKeys(job *models.Job) []string {
	var keys []string
	if job.OriginalKey != "" {
		keys = append(keys, job.OriginalKey)
	}
	if job.ProcessedKey != "" && job.ProcessedKey != job.OriginalKey {
		keys = append(keys, job.ProcessedKey)
	}
	return keys
}
