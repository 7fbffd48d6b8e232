package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job duration buckets in milliseconds, sized for media work that ranges from
// a quick image resize to a multi-minute transcode.
var durationBucketsMs = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// Worker job metrics
var (
	JobsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_worker_jobs_started_total",
			Help: "Total number of jobs picked up, by queue",
		},
		[]string{"queue"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_worker_jobs_completed_total",
			Help: "Total number of jobs completed successfully, by queue",
		},
		[]string{"queue"},
	)

	JobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_worker_jobs_failed_total",
			Help: "Total number of job attempts that failed, by queue",
		},
		[]string{"queue"},
	)

	JobDurationMs = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photoflow_worker_job_duration_milliseconds",
			Help:    "Job handling duration in milliseconds",
			Buckets: durationBucketsMs,
		},
		[]string{"queue"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photoflow_worker_queue_depth",
			Help: "Queue backlog by state (waiting, active, delayed, failed)",
		},
		[]string{"queue", "state"},
	)
)

// Orphan sweep metrics
var (
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_sweep_runs_total",
			Help: "Total number of orphan sweep runs, by scope and mode",
		},
		[]string{"scope", "mode"},
	)

	SweepFilesScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_sweep_files_scanned_total",
			Help: "Total number of files examined by the orphan sweep",
		},
		[]string{"scope"},
	)

	SweepFilesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_sweep_files_deleted_total",
			Help: "Total number of orphan files deleted",
		},
		[]string{"scope"},
	)

	SweepLastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photoflow_sweep_last_run_timestamp",
			Help: "Unix timestamp of the last sweep completion, by scope",
		},
		[]string{"scope"},
	)
)

// Derivative generation metrics
var (
	DerivativesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_derivatives_generated_total",
			Help: "Total number of derivative artifacts written, by variant",
		},
		[]string{"variant"},
	)

	TranscodeDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "photoflow_transcode_duration_seconds",
			Help:    "Playback transcode duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photoflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photoflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photoflow_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	TelemetryStreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "photoflow_telemetry_stream_clients",
			Help: "Number of connected telemetry stream clients",
		},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photoflow_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
