package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// JobsProcessed counts jobs that reached a terminal state.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs that reached a terminal state",
		},
		[]string{"state", "kind"},
	)

	// ActiveJobs tracks the number of jobs currently in the pipeline.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "active_jobs",
			Help:      "Number of jobs currently in the pipeline",
		},
	)

	// JobDuration tracks wall time from planning to the terminal state.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "job_duration_seconds",
			Help:      "Time from planning to a terminal state",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"state"},
	)

	// StageDuration tracks the time spent in each lifecycle stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each job stage",
			Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage"},
	)

	// ToolInvocations counts external tool runs by tool and result.
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "tool_invocations_total",
			Help:      "Total number of external tool invocations",
		},
		[]string{"tool", "result"},
	)

	// ToolDuration tracks external tool run time.
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "tool_duration_seconds",
			Help:      "Time taken by external tool invocations",
			Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"tool"},
	)

	// RenditionBitrate records the measured bitrate of the latest encode per rendition.
	RenditionBitrate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "rendition_bitrate_bps",
			Help:      "Measured bitrate of the most recent encode per rendition",
		},
		[]string{"rendition"},
	)

	// PublishDuration tracks the time taken to upload a package.
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "publish_duration_seconds",
			Help:      "Time taken to upload a package to object storage",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// PublishedObjects counts objects uploaded to object storage.
	PublishedObjects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "published_objects_total",
			Help:      "Total number of objects uploaded to object storage",
		},
	)

	// PublishedBytes counts bytes uploaded to object storage.
	PublishedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "published_bytes_total",
			Help:      "Total number of bytes uploaded to object storage",
		},
	)

	// ScratchCleanupFailures counts scratch directories that could not be removed.
	ScratchCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "scratch_cleanup_failures_total",
			Help:      "Total number of scratch directories that could not be removed",
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// UploadsReceived counts uploads that were fully written and queued.
	UploadsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "uploads_received_total",
			Help:      "Total number of uploads written to disk and queued",
		},
	)

	// UploadBytes counts bytes received by the ingress.
	UploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "upload_bytes_total",
			Help:      "Total number of uploaded bytes",
		},
	)

	// QueueMessages counts queue messages by what the worker did with them.
	QueueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "worker",
			Name:      "queue_messages_total",
			Help:      "Queue messages handled by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordJob records a job reaching a terminal state.
func RecordJob(state, kind string, seconds float64) {
	JobsProcessed.WithLabelValues(state, kind).Inc()
	JobDuration.WithLabelValues(state).Observe(seconds)
}

// RecordTool records one external tool invocation.
func RecordTool(tool, result string, seconds float64) {
	ToolInvocations.WithLabelValues(tool, result).Inc()
	ToolDuration.WithLabelValues(tool).Observe(seconds)
}
