package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/timkrebs/image-resizer/internal/resizer"
)

// Metrics bundles every collector family used by the service
type Metrics struct {
	HTTP     *HTTPMetrics
	Job      *JobMetrics
	Queue    *QueueMetrics
	Storage  *StorageMetrics
	Database *DatabaseMetrics
	Resize   *ResizeMetrics
}

// New registers all collectors under namespace. A nil registerer uses the
// default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		HTTP:     newHTTPMetrics(f, namespace),
		Job:      newJobMetrics(f, namespace),
		Queue:    newQueueMetrics(f, namespace),
		Storage:  newStorageMetrics(f, namespace),
		Database: newDatabaseMetrics(f, namespace),
		Resize:   newResizeMetrics(f, namespace),
	}
}

// HTTPMetrics holds HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestDuration  *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
	UploadBytes      prometheus.Histogram
}

func newHTTPMetrics(f promauto.Factory, namespace string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being served",
			},
		),
		UploadBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_upload_size_bytes",
				Help:      "Size of accepted image uploads",
				Buckets:   prometheus.ExponentialBuckets(16*1024, 4, 8),
			},
		),
	}
}

// JobMetrics tracks resize jobs through the worker
type JobMetrics struct {
	ProcessingDuration *prometheus.HistogramVec
	JobsTotal          *prometheus.CounterVec
	JobsActive         prometheus.Gauge
	StageDuration      *prometheus.HistogramVec
}

func newJobMetrics(f promauto.Factory, namespace string) *JobMetrics {
	return &JobMetrics{
		ProcessingDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_processing_duration_seconds",
				Help:      "End to end job duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind", "status"},
		),
		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of jobs finished by status",
			},
			[]string{"kind", "status"},
		),
		JobsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_active",
				Help:      "Number of jobs a worker is currently running",
			},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_stage_duration_seconds",
				Help:      "Duration of a single job stage (download, resize, upload)",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
	}
}

// QueueMetrics holds queue-related Prometheus metrics
type QueueMetrics struct {
	Depth            prometheus.Gauge
	MessagesProduced prometheus.Counter
	MessagesConsumed prometheus.Counter
	MessagesFailed   prometheus.Counter
	ConsumeDuration  prometheus.Histogram
}

func newQueueMetrics(f promauto.Factory, namespace string) *QueueMetrics {
	return &QueueMetrics{
		Depth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of messages in the stream",
			},
		),
		MessagesProduced: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_produced_total",
				Help:      "Total number of messages produced to the stream",
			},
		),
		MessagesConsumed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_consumed_total",
				Help:      "Total number of messages consumed from the stream",
			},
		),
		MessagesFailed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_failed_total",
				Help:      "Total number of messages that could not be handled",
			},
		),
		ConsumeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_consume_duration_seconds",
				Help:      "Time spent reading a batch from the stream",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
	}
}

// StorageMetrics holds object storage Prometheus metrics
type StorageMetrics struct {
	OperationDuration *prometheus.HistogramVec
	OperationsTotal   *prometheus.CounterVec
	BytesTransferred  *prometheus.CounterVec
}

func newStorageMetrics(f promauto.Factory, namespace string) *StorageMetrics {
	return &StorageMetrics{
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_operation_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation", "status"},
		),
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),
		BytesTransferred: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_bytes_transferred_total",
				Help:      "Total number of bytes moved to or from storage",
			},
			[]string{"operation"},
		),
	}
}

// Observe records one storage call
func (m *StorageMetrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := statusLabel(err)
	m.OperationDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// DatabaseMetrics holds database Prometheus metrics
type DatabaseMetrics struct {
	QueryDuration     *prometheus.HistogramVec
	QueriesTotal      *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
}

func newDatabaseMetrics(f promauto.Factory, namespace string) *DatabaseMetrics {
	return &DatabaseMetrics{
		QueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "database_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation", "status"},
		),
		QueriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "database_queries_total",
				Help:      "Total number of database queries",
			},
			[]string{"operation", "status"},
		),
		ConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "database_connections_active",
				Help:      "Number of open database connections",
			},
		),
	}
}

// Observe records one query
func (m *DatabaseMetrics) Observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := statusLabel(err)
	m.QueryDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
	m.QueriesTotal.WithLabelValues(operation, status).Inc()
}

// ResizeMetrics describes what the resize pipeline produced
type ResizeMetrics struct {
	Results       *prometheus.CounterVec
	Events        *prometheus.CounterVec
	OutputPixels  prometheus.Histogram
	Undecodable   prometheus.Counter
	FramesResized prometheus.Counter
}

func newResizeMetrics(f promauto.Factory, namespace string) *ResizeMetrics {
	return &ResizeMetrics{
		Results: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resize_results_total",
				Help:      "Resize outcomes by action and output format",
			},
			[]string{"action", "format"},
		),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resize_events_total",
				Help:      "Diagnostic events raised while resizing",
			},
			[]string{"event"},
		),
		OutputPixels: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resize_output_pixels",
				Help:      "Pixel count of produced images",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		Undecodable: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resize_undecodable_total",
				Help:      "Sources that could not be decoded",
			},
		),
		FramesResized: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resize_gif_frames_total",
				Help:      "Animation frames rescaled",
			},
		),
	}
}

// ObserveEvent is a resizer.Config.OnEvent hook
func (m *ResizeMetrics) ObserveEvent(e resizer.Event) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(string(e.Kind)).Inc()
}

// ObserveResult records a finished still image resize
func (m *ResizeMetrics) ObserveResult(res *resizer.Result) {
	if m == nil || res == nil {
		return
	}
	format := string(res.Format)
	if format == "" {
		format = "source"
	}
	m.Results.WithLabelValues(string(res.Action), format).Inc()
	m.OutputPixels.Observe(float64(res.Width * res.Height))
}

// ObserveGIF records a finished animation resize
func (m *ResizeMetrics) ObserveGIF(info *resizer.GIFInfo) {
	if m == nil || info == nil || len(info.Frames) == 0 {
		return
	}
	m.Results.WithLabelValues(string(resizer.ActionScaled), string(resizer.FormatGIF)).Inc()
	m.FramesResized.Add(float64(len(info.Frames)))
	m.OutputPixels.Observe(float64(info.Frames[0].Width() * info.Frames[0].Height()))
}

// RecordDuration helper to record operation duration
func RecordDuration(start time.Time, histogram prometheus.Observer) {
	histogram.Observe(time.Since(start).Seconds())
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
