// Package worker runs resize jobs pulled from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/timkrebs/image-resizer/internal/database"
	"github.com/timkrebs/image-resizer/internal/metrics"
	"github.com/timkrebs/image-resizer/internal/models"
	"github.com/timkrebs/image-resizer/internal/queue"
	"github.com/timkrebs/image-resizer/internal/resizer"
	"github.com/timkrebs/image-resizer/internal/storage"
)

// JobStore is the part of the job repository a worker needs
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	StartProcessing(ctx context.Context, id uuid.UUID, workerID string) error
	CompleteJob(ctx context.Context, id uuid.UUID, outcome models.JobOutcome, retention time.Duration) error
	FailJob(ctx context.Context, id uuid.UUID, errorMsg string, retention time.Duration) error
}

// ObjectStore moves originals and outputs between storage and local files
type ObjectStore interface {
	DownloadToFile(ctx context.Context, key, filePath string) error
	UploadFile(ctx context.Context, key, filePath, contentType string) error
}

// MessageSource delivers queue messages
type MessageSource interface {
	Consume(ctx context.Context) (*queue.Message, error)
	Acknowledge(ctx context.Context, messageID string) error
	Reject(ctx context.Context, messageID string, reason error) error
}

// Failure messages recorded on jobs
const (
	msgUndecodable = "unsupported or corrupt image"
	msgInvalid     = "invalid resize options"
)

// errTransient marks failures that should leave the message pending
var errTransient = errors.New("transient failure")

// Config holds worker settings
type Config struct {
	ID          string
	Concurrency int
	ScratchDir  string
	Retention   time.Duration
	RetryDelay  time.Duration
}

// Worker consumes resize jobs and runs them through the resizer
type Worker struct {
	jobs    JobStore
	objects ObjectStore
	source  MessageSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
}

// New creates a worker. A nil metrics bundle is replaced by one on a
// private registry.
func New(cfg Config, jobs JobStore, objects ObjectStore, source MessageSource, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if m == nil {
		m = metrics.New("worker", prometheus.NewRegistry())
	}
	return &Worker{
		jobs:    jobs,
		objects: objects,
		source:  source,
		metrics: m,
		logger:  logger.With("worker_id", cfg.ID),
		cfg:     cfg,
	}
}

// ID returns the identifier recorded on jobs this worker runs
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run starts Concurrency consumer loops and blocks until ctx is done and
// every in-flight job has finished
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(i)
	}
	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency)
	wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, n int) {
	logger := w.logger.With("goroutine", n)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker goroutine stopping")
			return
		default:
		}

		msg, err := w.source.Consume(ctx)
		if errors.Is(err, queue.ErrMalformedMessage) && msg != nil {
			if err := w.source.Reject(ctx, msg.ID, err); err != nil {
				logger.Error("failed to reject message", "error", err)
			}
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to consume message", "error", err)
				w.sleep(ctx)
			}
			continue
		}
		if msg == nil {
			continue
		}

		if err := w.ProcessJob(ctx, msg.Job); err != nil {
			logger.Error("failed to process job", "job_id", msg.Job.JobID, "error", err)
			if errors.Is(err, errTransient) {
				w.sleep(ctx)
				continue
			}
		}

		if err := w.source.Acknowledge(ctx, msg.ID); err != nil {
			logger.Error("failed to acknowledge message", "error", err)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.RetryDelay):
	}
}

// ProcessJob runs a single job to completion. Resize failures are recorded
// on the job and returned; a nil error means the job is finished or was
// skipped. Errors wrapping errTransient, including a job cut short by ctx
// being canceled, leave the job unrecorded so its message is retried.
func (w *Worker) ProcessJob(ctx context.Context, msg *models.JobMessage) error {
	logger := w.logger.With("job_id", msg.JobID)

	job, err := w.jobs.GetByID(ctx, msg.JobID)
	if errors.Is(err, database.ErrNotFound) {
		logger.Warn("job not found, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to get job: %v", errTransient, err)
	}
	if job.IsTerminal() {
		logger.Info("job already finished, skipping", "status", job.Status)
		return nil
	}

	if err := w.jobs.StartProcessing(ctx, job.ID, w.cfg.ID); err != nil {
		return fmt.Errorf("%w: failed to start processing: %v", errTransient, err)
	}

	w.metrics.Job.JobsActive.Inc()
	defer w.metrics.Job.JobsActive.Dec()
	start := time.Now()

	outcome, err := w.run(ctx, job, logger)
	status := "completed"
	switch {
	case err != nil && ctx.Err() != nil:
		// shutdown interrupted the job; the unacknowledged message is
		// claimed again once the worker is back
		status = "interrupted"
		logger.Warn("job interrupted, leaving message pending", "error", err)
		err = fmt.Errorf("%w: job interrupted: %v", errTransient, err)
	case err != nil:
		status = "failed"
		w.fail(ctx, job, err, logger)
	default:
		// the output is already uploaded, so record it even during shutdown
		if cerr := w.jobs.CompleteJob(context.WithoutCancel(ctx), job.ID, outcome, w.cfg.Retention); cerr != nil {
			status = "failed"
			err = fmt.Errorf("%w: failed to complete job: %v", errTransient, cerr)
		}
	}

	w.metrics.Job.ProcessingDuration.WithLabelValues(string(job.Kind), status).Observe(time.Since(start).Seconds())
	w.metrics.Job.JobsTotal.WithLabelValues(string(job.Kind), status).Inc()
	if err == nil {
		logger.Info("job completed",
			"action", outcome.Action,
			"width", outcome.Width,
			"height", outcome.Height,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return err
}

// run executes the resize inside a scratch directory removed afterwards
func (w *Worker) run(ctx context.Context, job *models.Job, logger *slog.Logger) (models.JobOutcome, error) {
	scratch, err := os.MkdirTemp(w.cfg.ScratchDir, "job-"+job.ID.String()+"-")
	if err != nil {
		return models.JobOutcome{}, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	inDir := filepath.Join(scratch, "in")
	outDir := filepath.Join(scratch, "out")
	for _, dir := range []string{inDir, outDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return models.JobOutcome{}, fmt.Errorf("failed to create scratch dir: %w", err)
		}
	}

	src := filepath.Join(inDir, sourceName(job.OriginalName))
	stage := time.Now()
	logger.Debug("downloading original", "key", job.OriginalKey)
	if err := w.objects.DownloadToFile(ctx, job.OriginalKey, src); err != nil {
		return models.JobOutcome{}, fmt.Errorf("failed to download original: %w", err)
	}
	w.observeStage("download", stage)

	r := resizer.New(resizer.Config{
		OutputDir: outDir,
		Logger:    logger,
		OnEvent:   w.metrics.Resize.ObserveEvent,
	})

	stage = time.Now()
	var outcome models.JobOutcome
	var outPath string
	switch job.Kind {
	case models.JobKindGIF:
		outcome, outPath, err = w.resizeGIF(r, src, outDir, job.Options)
	default:
		outcome, outPath, err = w.resizeImage(r, src, job.Options)
	}
	if err != nil {
		if errors.Is(err, resizer.ErrUndecodable) {
			w.metrics.Resize.Undecodable.Inc()
		}
		return models.JobOutcome{}, err
	}
	w.observeStage("resize", stage)

	if outPath == "" {
		return outcome, nil
	}

	stage = time.Now()
	key := storage.ProcessedKey(job.ID, filepath.Base(outPath))
	if err := w.objects.UploadFile(ctx, key, outPath, outcome.Format.ContentType()); err != nil {
		return models.JobOutcome{}, fmt.Errorf("failed to upload output: %w", err)
	}
	w.observeStage("upload", stage)

	outcome.ProcessedKey = key
	return outcome, nil
}

// resizeImage returns an empty path when the original is already what
// the caller asked for
func (w *Worker) resizeImage(r *resizer.Resizer, src string, opts models.ResizeOptions) (models.JobOutcome, string, error) {
	res, err := r.ResizeImageIfNeeded(src, opts.ToResizer())
	if err != nil {
		return models.JobOutcome{}, "", err
	}
	w.metrics.Resize.ObserveResult(res)

	outcome := models.OutcomeFromResult("", res)
	if res.Action == resizer.ActionUnchanged {
		return outcome, "", nil
	}
	return outcome, res.Path, nil
}

func (w *Worker) resizeGIF(r *resizer.Resizer, src, outDir string, opts models.ResizeOptions) (models.JobOutcome, string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return models.JobOutcome{}, "", fmt.Errorf("failed to read original: %w", err)
	}

	info, err := r.ResizeGIF(data, opts.MaxWidth, opts.MaxHeight)
	if err != nil {
		return models.JobOutcome{}, "", err
	}
	w.metrics.Resize.ObserveGIF(info)

	outPath := filepath.Join(outDir, resizer.ScaledPrefix+filepath.Base(src))
	f, err := os.Create(outPath)
	if err != nil {
		return models.JobOutcome{}, "", fmt.Errorf("failed to create output file: %w", err)
	}
	if err := resizer.EncodeGIF(f, info, false); err != nil {
		f.Close()
		return models.JobOutcome{}, "", err
	}
	if err := f.Close(); err != nil {
		return models.JobOutcome{}, "", fmt.Errorf("failed to write output file: %w", err)
	}

	return models.JobOutcome{
		Action: resizer.ActionScaled,
		Format: resizer.FormatGIF,
		Width:  info.Frames[0].Width(),
		Height: info.Frames[0].Height(),
		Frames: len(info.Frames),
	}, outPath, nil
}

func (w *Worker) fail(ctx context.Context, job *models.Job, cause error, logger *slog.Logger) {
	reason := cause.Error()
	switch {
	case errors.Is(cause, resizer.ErrUndecodable):
		reason = msgUndecodable
	case errors.Is(cause, resizer.ErrInvalidConstraint):
		reason = msgInvalid + ": " + cause.Error()
	}
	logger.Warn("job failed", "error", cause)

	// record the failure even when shutdown canceled ctx
	if err := w.jobs.FailJob(context.WithoutCancel(ctx), job.ID, reason, w.cfg.Retention); err != nil {
		logger.Error("failed to mark job failed", "error", err)
	}
}

func (w *Worker) observeStage(stage string, start time.Time) {
	metrics.RecordDuration(start, w.metrics.Job.StageDuration.WithLabelValues(stage))
}

// sourceName keeps the uploaded file name so outputs read scaled_<name>
func sourceName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "image"
	}
	return name
}
