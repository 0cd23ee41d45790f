package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/timkrebs/image-resizer/internal/models"
)

var (
	// ErrNotFound is returned when a job is not found
	ErrNotFound = errors.New("job not found")
	// ErrNotCancellable is returned when a job already left the queue
	ErrNotCancellable = errors.New("job cannot be canceled (already processing or finished)")
)

// JobRepository handles job database operations
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, status, kind, original_key, processed_key, original_name, content_type,
	file_size, options, action, output_format, output_width, output_height,
	frame_count, orientation, quality_ignored, error, worker_id, created_at,
	updated_at, started_at, completed_at, processing_time_ms, delete_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var processedKey, action, outputFormat, errorMsg, workerID sql.NullString
	var startedAt, completedAt, deleteAt sql.NullTime
	var processingTime sql.NullInt64

	err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Kind,
		&job.OriginalKey,
		&processedKey,
		&job.OriginalName,
		&job.ContentType,
		&job.FileSize,
		&job.OptionsJSON,
		&action,
		&outputFormat,
		&job.OutputWidth,
		&job.OutputHeight,
		&job.FrameCount,
		&job.Orientation,
		&job.QualityIgnored,
		&errorMsg,
		&workerID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
		&processingTime,
		&deleteAt,
	)
	if err != nil {
		return nil, err
	}

	job.ProcessedKey = processedKey.String
	job.Action = action.String
	job.OutputFormat = outputFormat.String
	job.Error = errorMsg.String
	job.WorkerID = workerID.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if processingTime.Valid {
		job.ProcessingTime = &processingTime.Int64
	}
	if deleteAt.Valid {
		job.DeleteAt = &deleteAt.Time
	}

	if err := job.UnmarshalOptions(); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// Create inserts a new job into the database
func (r *JobRepository) Create(ctx context.Context, job *models.Job) (err error) {
	defer func(start time.Time) { r.db.observe("create", start, err) }(time.Now())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err = job.MarshalOptions(); err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	query := `
		INSERT INTO jobs (id, status, kind, original_key, original_name, content_type, file_size, options, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.db.ExecContext(ctx, query,
		job.ID,
		job.Status,
		job.Kind,
		job.OriginalKey,
		job.OriginalName,
		job.ContentType,
		job.FileSize,
		job.OptionsJSON,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by its ID
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	r.db.observe("get", start, ignoreNoRows(err))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// List retrieves a paginated list of jobs, newest first. An empty status
// lists every job.
func (r *JobRepository) List(ctx context.Context, status models.JobStatus, page, pageSize int) ([]*models.Job, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	offset := (page - 1) * pageSize

	var total int
	countQuery := `SELECT COUNT(*) FROM jobs WHERE ($1 = '' OR status = $1)`
	if err := r.db.QueryRowContext(ctx, countQuery, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, status, pageSize, offset)
	r.db.observe("list", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// UpdateStatus updates the status of a job
func (r *JobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	query := `UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	return expectOneRow(result, ErrNotFound)
}

// StartProcessing marks a job as processing and records the worker ID
func (r *JobRepository) StartProcessing(ctx context.Context, id uuid.UUID, workerID string) error {
	now := time.Now()
	query := `
		UPDATE jobs
		SET status = $1, worker_id = $2, started_at = $3, updated_at = $3
		WHERE id = $4
	`
	_, err := r.db.ExecContext(ctx, query, models.JobStatusProcessing, workerID, now, id)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	return nil
}

// CompleteJob records the outcome of a job and schedules its deletion
// retention after completion
func (r *JobRepository) CompleteJob(ctx context.Context, id uuid.UUID, outcome models.JobOutcome, retention time.Duration) (err error) {
	defer func(start time.Time) { r.db.observe("complete", start, err) }(time.Now())
	now := time.Now()

	var startedAt sql.NullTime
	err = r.db.QueryRowContext(ctx, `SELECT started_at FROM jobs WHERE id = $1`, id).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get started_at: %w", err)
	}

	var processingTime int64
	if startedAt.Valid {
		processingTime = now.Sub(startedAt.Time).Milliseconds()
	}

	query := `
		UPDATE jobs
		SET status = $1, processed_key = $2, action = $3, output_format = $4,
		    output_width = $5, output_height = $6, frame_count = $7, orientation = $8,
		    quality_ignored = $9, completed_at = $10, updated_at = $10,
		    processing_time_ms = $11, delete_at = $12
		WHERE id = $13
	`
	_, err = r.db.ExecContext(ctx, query,
		models.JobStatusCompleted,
		nullString(outcome.ProcessedKey),
		string(outcome.Action),
		nullString(string(outcome.Format)),
		outcome.Width,
		outcome.Height,
		outcome.Frames,
		int(outcome.Orientation),
		outcome.QualityIgnored,
		now,
		processingTime,
		now.Add(retention),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// FailJob marks a job as failed and schedules its deletion
func (r *JobRepository) FailJob(ctx context.Context, id uuid.UUID, errorMsg string, retention time.Duration) error {
	now := time.Now()
	query := `
		UPDATE jobs
		SET status = $1, error = $2, completed_at = $3, updated_at = $3, delete_at = $4
		WHERE id = $5
	`
	_, err := r.db.ExecContext(ctx, query, models.JobStatusFailed, errorMsg, now, now.Add(retention), id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// CancelJob marks a pending or queued job as canceled
func (r *JobRepository) CancelJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`
	result, err := r.db.ExecContext(ctx, query,
		models.JobStatusCancelled,
		time.Now(),
		id,
		models.JobStatusPending,
		models.JobStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	return expectOneRow(result, ErrNotCancellable)
}

// GetPendingJobsCount returns the count of pending jobs
func (r *JobRepository) GetPendingJobsCount(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM jobs WHERE status IN ($1, $2)`
	err := r.db.QueryRowContext(ctx, query, models.JobStatusPending, models.JobStatusQueued).Scan(&count)
	return count, err
}

// GetJobsToCleanup returns jobs whose retention has expired
func (r *JobRepository) GetJobsToCleanup(ctx context.Context, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE delete_at IS NOT NULL AND delete_at < NOW()
		ORDER BY delete_at ASC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get jobs to cleanup: %w", err)
	}
	return scanJobs(rows)
}

// DeleteJob permanently deletes a job from the database
func (r *JobRepository) DeleteJob(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return expectOneRow(result, ErrNotFound)
}

func expectOneRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func ignoreNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
