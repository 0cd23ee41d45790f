package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/timkrebs/image-resizer/internal/resizer"
)

// JobStatus represents the current state of a resize job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "canceled"
)

// JobKind selects the pipeline a job runs through
type JobKind string

const (
	JobKindImage JobKind = "image"
	JobKindGIF   JobKind = "gif"
)

// ResizeOptions is the JSON form of the resize constraints. Absent fields
// are unconstrained.
type ResizeOptions struct {
	MaxWidth  *float64 `json:"max_width,omitempty"`
	MaxHeight *float64 `json:"max_height,omitempty"`
	Quality   *int     `json:"quality,omitempty"`
}

// ToResizer converts the options for the resize pipeline
func (o ResizeOptions) ToResizer() resizer.Options {
	return resizer.Options{
		MaxWidth:  o.MaxWidth,
		MaxHeight: o.MaxHeight,
		Quality:   o.Quality,
	}
}

// Validate rejects bounds the pipeline cannot honour
func (o ResizeOptions) Validate() error {
	return o.ToResizer().Validate()
}

// Job represents an image resize job
type Job struct {
	Options        ResizeOptions `json:"options" db:"-"`
	StartedAt      *time.Time    `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	DeleteAt       *time.Time    `json:"delete_at,omitempty" db:"delete_at"`
	ProcessingTime *int64        `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	OriginalKey    string        `json:"original_key" db:"original_key"`
	ProcessedKey   string        `json:"processed_key,omitempty" db:"processed_key"`
	OriginalName   string        `json:"original_name" db:"original_name"`
	ContentType    string        `json:"content_type" db:"content_type"`
	OptionsJSON    string        `json:"-" db:"options"`
	Action         string        `json:"action,omitempty" db:"action"`
	OutputFormat   string        `json:"output_format,omitempty" db:"output_format"`
	Error          string        `json:"error,omitempty" db:"error"`
	WorkerID       string        `json:"worker_id,omitempty" db:"worker_id"`
	Kind           JobKind       `json:"kind" db:"kind"`
	Status         JobStatus     `json:"status" db:"status"`
	ID             uuid.UUID     `json:"id" db:"id"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
	FileSize       int64         `json:"file_size" db:"file_size"`
	OutputWidth    int           `json:"output_width,omitempty" db:"output_width"`
	OutputHeight   int           `json:"output_height,omitempty" db:"output_height"`
	FrameCount     int           `json:"frame_count,omitempty" db:"frame_count"`
	Orientation    int           `json:"orientation,omitempty" db:"orientation"`
	QualityIgnored bool          `json:"quality_ignored,omitempty" db:"quality_ignored"`
}

// NewJob creates a new pending job for an uploaded original
func NewJob(originalKey, originalName, contentType string, fileSize int64, kind JobKind, opts ResizeOptions) *Job {
	now := time.Now()
	return &Job{
		ID:           uuid.New(),
		Status:       JobStatusPending,
		Kind:         kind,
		OriginalKey:  originalKey,
		OriginalName: originalName,
		ContentType:  contentType,
		FileSize:     fileSize,
		Options:      opts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// MarshalOptions serializes the resize options for database storage
func (j *Job) MarshalOptions() error {
	data, err := json.Marshal(j.Options)
	if err != nil {
		return err
	}
	j.OptionsJSON = string(data)
	return nil
}

// UnmarshalOptions deserializes the resize options
func (j *Job) UnmarshalOptions() error {
	if j.OptionsJSON == "" {
		j.Options = ResizeOptions{}
		return nil
	}
	return json.Unmarshal([]byte(j.OptionsJSON), &j.Options)
}

// IsTerminal reports whether the job will not change status again
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobOutcome is what a worker records when a job completes
type JobOutcome struct {
	ProcessedKey   string
	Action         resizer.Action
	Format         resizer.Format
	Width          int
	Height         int
	Frames         int
	Orientation    resizer.Orientation
	QualityIgnored bool
}

// OutcomeFromResult builds an outcome from a pipeline result
func OutcomeFromResult(processedKey string, res *resizer.Result) JobOutcome {
	return JobOutcome{
		ProcessedKey:   processedKey,
		Action:         res.Action,
		Format:         res.Format,
		Width:          res.Width,
		Height:         res.Height,
		Frames:         1,
		Orientation:    res.Orientation,
		QualityIgnored: res.QualityIgnored,
	}
}

// JobMessage represents a job message in the queue
type JobMessage struct {
	Options ResizeOptions `json:"options"`
	Kind    JobKind       `json:"kind"`
	JobID   uuid.UUID     `json:"job_id"`
}

// JobListResponse represents a paginated list of jobs
type JobListResponse struct {
	Jobs       []*Job `json:"jobs"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalPages int    `json:"total_pages"`
}

// QueueStats represents queue statistics
type QueueStats struct {
	StreamLength    int64 `json:"stream_length"`
	PendingMessages int64 `json:"pending_messages"`
	ConsumerCount   int64 `json:"consumer_count"`
	// PendingJobs counts jobs not yet picked up, from the job table
	PendingJobs int `json:"pending_jobs"`
}

// FitRequest is the body of a synchronous dimension computation
type FitRequest struct {
	MaxWidth  *float64 `json:"max_width,omitempty"`
	MaxHeight *float64 `json:"max_height,omitempty"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
}

// FitResponse is the computed target size
type FitResponse struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Scaled bool `json:"scaled"`
}
