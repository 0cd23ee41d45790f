package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/timkrebs/image-resizer/internal/database"
	"github.com/timkrebs/image-resizer/internal/metrics"
	"github.com/timkrebs/image-resizer/internal/models"
	"github.com/timkrebs/image-resizer/internal/resizer"
	"github.com/timkrebs/image-resizer/internal/storage"
)

// JobStore is the part of the job repository the API uses
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, status models.JobStatus, page, pageSize int) ([]*models.Job, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	CancelJob(ctx context.Context, id uuid.UUID) error
	GetPendingJobsCount(ctx context.Context) (int, error)
}

// ObjectStore holds uploaded originals and processed outputs
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Health(ctx context.Context) error
}

// JobQueue hands jobs to the workers
type JobQueue interface {
	Enqueue(ctx context.Context, msg *models.JobMessage) (string, error)
	GetStats(ctx context.Context, consumerGroup string) (*models.QueueStats, error)
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Health(ctx context.Context) error
}

const (
	// sniffLen is how many leading bytes are inspected to detect the image type
	sniffLen = 262
	// presignExpiry bounds the lifetime of ?redirect=true image links
	presignExpiry = 15 * time.Minute
)

// Handlers holds all HTTP handlers
type Handlers struct {
	jobRepo       JobStore
	storage       ObjectStore
	producer      JobQueue
	db            HealthChecker
	logger        *slog.Logger
	httpMetrics   *metrics.HTTPMetrics
	groupName     string
	maxUploadSize int64
}

// NewHandlers creates a new handlers instance
func NewHandlers(
	jobRepo JobStore,
	storage ObjectStore,
	producer JobQueue,
	db HealthChecker,
	groupName string,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		jobRepo:       jobRepo,
		storage:       storage,
		producer:      producer,
		db:            db,
		groupName:     groupName,
		logger:        logger,
		maxUploadSize: 50 << 20,
	}
}

// SetMetrics injects metrics collectors into handlers
func (h *Handlers) SetMetrics(httpMetrics *metrics.HTTPMetrics) {
	h.httpMetrics = httpMetrics
}

// SetMaxUploadSize bounds the multipart form held in memory
func (h *Handlers) SetMaxUploadSize(n int64) {
	if n > 0 {
		h.maxUploadSize = n
	}
}

// writeJSON writes a JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// CreateJob handles POST /api/v1/jobs
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to parse form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	contentType, err := sniffContentType(file, header)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts, err := parseResizeOptions(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind := models.JobKindImage
	if contentType == "image/gif" {
		kind = models.JobKindGIF
	}

	job := models.NewJob("", header.Filename, contentType, header.Size, kind, opts)
	job.OriginalKey = storage.OriginalKey(job.ID, header.Filename)

	if err := h.storage.Upload(ctx, job.OriginalKey, file, header.Size, contentType); err != nil {
		h.logger.Error("failed to upload file", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to upload file")
		return
	}
	if h.httpMetrics != nil {
		h.httpMetrics.UploadBytes.Observe(float64(header.Size))
	}

	if err := h.jobRepo.Create(ctx, job); err != nil {
		h.logger.Error("failed to create job", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := h.jobRepo.UpdateStatus(ctx, job.ID, models.JobStatusQueued); err != nil {
		h.logger.Error("failed to update job status", "error", err)
	}
	job.Status = models.JobStatusQueued

	msg := &models.JobMessage{
		JobID:   job.ID,
		Kind:    job.Kind,
		Options: job.Options,
	}
	messageID, err := h.producer.Enqueue(ctx, msg)
	if err != nil {
		h.logger.Error("failed to enqueue job", "error", err)
		// leave the job pending so it can be re-queued
		if updateErr := h.jobRepo.UpdateStatus(ctx, job.ID, models.JobStatusPending); updateErr != nil {
			h.logger.Error("failed to update job status", "error", updateErr)
		}
		h.writeError(w, http.StatusInternalServerError, "failed to queue job")
		return
	}

	h.logger.Info("job created",
		"job_id", job.ID,
		"kind", job.Kind,
		"message_id", messageID,
		"size", header.Size,
	)
	h.writeJSON(w, http.StatusCreated, job)
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	job, ok := h.lookupJob(r.Context(), w, id, "job not found")
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/v1/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)

	status := models.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !isValidStatus(status) {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status: %s", status))
		return
	}

	jobs, total, err := h.jobRepo.List(r.Context(), status, page, pageSize)
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	h.writeJSON(w, http.StatusOK, models.JobListResponse{
		Jobs:       jobs,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	})
}

// CancelJob handles DELETE /api/v1/jobs/{id}
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	err = h.jobRepo.CancelJob(r.Context(), id)
	switch {
	case errors.Is(err, database.ErrNotCancellable):
		h.writeError(w, http.StatusConflict, "job cannot be canceled")
		return
	case err != nil:
		h.logger.Error("failed to cancel job", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// GetImage handles GET /api/v1/images/{id}. It serves the processed output,
// or the original when the job left the image unchanged or ?original=true.
// With ?redirect=true the client is sent to a presigned storage URL instead.
func (h *Handlers) GetImage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid image ID")
		return
	}

	job, ok := h.lookupJob(r.Context(), w, id, "image not found")
	if !ok {
		return
	}

	key, contentType := imageSource(job, r.URL.Query().Get("original") == "true")

	if r.URL.Query().Get("redirect") == "true" {
		url, err := h.storage.GetPresignedURL(r.Context(), key, presignExpiry)
		if err != nil {
			h.logger.Error("failed to presign image", "key", key, "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to get image URL")
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	reader, err := h.storage.Download(r.Context(), key)
	if err != nil {
		h.logger.Error("failed to download image", "key", key, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to download image")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Error("failed to stream image", "error", err)
	}
}

// Fit handles POST /api/v1/fit, returning the dimensions an image would be
// scaled to without touching any pixels
func (h *Handlers) Fit(w http.ResponseWriter, r *http.Request) {
	var req models.FitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Width < 1 || req.Height < 1 {
		h.writeError(w, http.StatusBadRequest, "width and height must be positive")
		return
	}
	opts := resizer.Options{MaxWidth: req.MaxWidth, MaxHeight: req.MaxHeight}
	if err := opts.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	width, height := resizer.Fit(req.Width, req.Height, req.MaxWidth, req.MaxHeight)
	h.writeJSON(w, http.StatusOK, models.FitResponse{
		Width:  width,
		Height: height,
		Scaled: width != req.Width || height != req.Height,
	})
}

// GetQueueStats handles GET /api/v1/stats/queue
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.producer.GetStats(r.Context(), h.groupName)
	if err != nil {
		h.logger.Error("failed to get queue stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}

	pending, err := h.jobRepo.GetPendingJobsCount(r.Context())
	if err != nil {
		h.logger.Error("failed to count pending jobs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}
	stats.PendingJobs = pending

	h.writeJSON(w, http.StatusOK, stats)
}

// StreamJobStatus handles GET /api/v1/jobs/{id}/stream
// Streams job status updates using Server-Sent Events (SSE)
func (h *Handlers) StreamJobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	job, ok := h.lookupJob(r.Context(), w, id, "job not found")
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if !h.sendEvent(w, flusher, job) || job.IsTerminal() {
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := h.jobRepo.GetByID(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Error("failed to get job during stream", "job_id", id, "error", err)
				}
				return
			}
			if !h.sendEvent(w, flusher, job) || job.IsTerminal() {
				return
			}
		}
	}
}

func (h *Handlers) sendEvent(w io.Writer, flusher http.Flusher, job *models.Job) bool {
	data, err := json.Marshal(job)
	if err != nil {
		h.logger.Error("failed to encode job event", "error", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]any)

	check := func(name string, err error) {
		if err != nil {
			status = "unhealthy"
			checks[name] = map[string]string{"status": "unhealthy", "error": err.Error()}
			return
		}
		checks[name] = map[string]string{"status": "healthy"}
	}

	check("database", h.db.Health(ctx))
	check("storage", h.storage.Health(ctx))
	_, err := h.producer.GetStats(ctx, h.groupName)
	check("redis", err)

	statusCode := http.StatusOK
	if status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	h.writeJSON(w, statusCode, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// lookupJob writes the error response itself when the job is unavailable
func (h *Handlers) lookupJob(ctx context.Context, w http.ResponseWriter, id uuid.UUID, notFound string) (*models.Job, bool) {
	job, err := h.jobRepo.GetByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, notFound)
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get job", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	return job, true
}

// Helper functions

func pagination(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// parseResizeOptions reads the optional max_width, max_height and quality
// form fields. An empty field is absent.
func parseResizeOptions(r *http.Request) (models.ResizeOptions, error) {
	var opts models.ResizeOptions

	bound := func(field string) (*float64, error) {
		raw := strings.TrimSpace(r.FormValue(field))
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q", field, raw)
		}
		return &v, nil
	}

	var err error
	if opts.MaxWidth, err = bound("max_width"); err != nil {
		return opts, err
	}
	if opts.MaxHeight, err = bound("max_height"); err != nil {
		return opts, err
	}

	if raw := strings.TrimSpace(r.FormValue("quality")); raw != "" {
		q, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid quality: %q", raw)
		}
		opts.Quality = &q
	}

	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// sniffContentType detects the upload type from its leading bytes, falling
// back to the declared type and then the extension. The file is rewound.
func sniffContentType(file multipart.File, header *multipart.FileHeader) (string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}

	if kind, err := filetype.Match(head[:n]); err == nil && kind != filetype.Unknown {
		if isValidImageType(kind.MIME.Value) {
			return kind.MIME.Value, nil
		}
		return "", fmt.Errorf("invalid image type %s, must be JPEG, PNG, or GIF", kind.MIME.Value)
	}

	contentType := strings.ToLower(header.Header.Get("Content-Type"))
	if !isValidImageType(contentType) {
		contentType = detectContentType(header.Filename)
	}
	if !isValidImageType(contentType) {
		return "", errors.New("invalid image type, must be JPEG, PNG, or GIF")
	}
	if contentType == "image/jpg" {
		contentType = "image/jpeg"
	}
	return contentType, nil
}

// imageSource picks the object to serve for a job
func imageSource(job *models.Job, original bool) (string, string) {
	if original || job.ProcessedKey == "" || job.ProcessedKey == job.OriginalKey {
		return job.OriginalKey, job.ContentType
	}
	if job.OutputFormat != "" {
		return job.ProcessedKey, resizer.Format(job.OutputFormat).ContentType()
	}
	return job.ProcessedKey, job.ContentType
}

func isValidImageType(contentType string) bool {
	validTypes := []string{
		"image/jpeg",
		"image/jpg",
		"image/png",
		"image/gif",
	}
	for _, t := range validTypes {
		if strings.EqualFold(contentType, t) {
			return true
		}
	}
	return false
}

func detectContentType(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

func isValidStatus(status models.JobStatus) bool {
	switch status {
	case models.JobStatusPending,
		models.JobStatusQueued,
		models.JobStatusProcessing,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled:
		return true
	}
	return false
}
