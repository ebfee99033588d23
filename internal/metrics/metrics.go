// Package metrics defines the Prometheus collectors of the gateway.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// composedBuckets cover composed object sizes from 1 MiB to 64 GiB.
var composedBuckets = prometheus.ExponentialBuckets(1<<20, 4, 9)

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iharbor_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iharbor_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iharbor_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Multipart metrics.
var (
	// S3OperationsTotal counts S3 operations by operation name and status.
	S3OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iharbor_s3_operations_total",
			Help: "S3 operations by type",
		},
		[]string{"operation", "status"},
	)

	// CompletionsTotal counts completion attempts by result: success,
	// rejected (taxonomy errors before composing) or failed.
	CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iharbor_multipart_completions_total",
			Help: "Multipart completions by result",
		},
		[]string{"result"},
	)

	// CompletionDuration observes the time spent composing, gate to row delete.
	CompletionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iharbor_multipart_completion_duration_seconds",
			Help:    "Time spent composing multipart uploads",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	// ComposedBytes observes the size of each composed object.
	ComposedBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "iharbor_multipart_composed_bytes",
			Help:    "Size of composed multipart objects",
			Buckets: composedBuckets,
		},
	)

	// PartsUploadedTotal counts accepted part uploads.
	PartsUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iharbor_multipart_parts_uploaded_total",
			Help: "Accepted part uploads",
		},
	)

	// PartBytesTotal counts bytes received through part uploads.
	PartBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iharbor_multipart_part_bytes_total",
			Help: "Bytes received through part uploads",
		},
	)

	// AbortsTotal counts abort attempts by result.
	AbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iharbor_multipart_aborts_total",
			Help: "Multipart aborts by result",
		},
		[]string{"result"},
	)

	// CleanupFailuresTotal counts part bytes or rows left behind, by stage.
	CleanupFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iharbor_multipart_cleanup_failures_total",
			Help: "Part cleanup failures by stage",
		},
		[]string{"stage"},
	)

	// ComposingUploads tracks uploads currently holding the completion gate
	// in this process.
	ComposingUploads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "iharbor_multipart_composing",
			Help: "Uploads being composed by this process",
		},
	)

	// ReaperRunsTotal counts reaper sweeps by result.
	ReaperRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iharbor_reaper_runs_total",
			Help: "Reaper sweeps by result",
		},
		[]string{"result"},
	)

	// ReaperReclaimedTotal counts uploads reclaimed by the reaper.
	ReaperReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iharbor_reaper_reclaimed_total",
			Help: "Uploads reclaimed by the reaper",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			S3OperationsTotal,
			CompletionsTotal,
			CompletionDuration,
			ComposedBytes,
			PartsUploadedTotal,
			PartBytesTotal,
			AbortsTotal,
			CleanupFailuresTotal,
			ComposingUploads,
			ReaperRunsTotal,
			ReaperReclaimedTotal,
		)
		// Initialize result labels so they appear before the first upload.
		for _, r := range []string{"success", "rejected", "failed"} {
			CompletionsTotal.WithLabelValues(r)
			AbortsTotal.WithLabelValues(r)
		}
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual bucket/object names.
func NormalizePath(path string) string {
	switch path {
	case "/health":
		return "/health"
	case "/docs", "/docs/":
		return "/docs"
	case "/metrics":
		return "/metrics"
	case "/openapi.json":
		return "/openapi.json"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "/"
	}

	// Find first slash to separate bucket from key.
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 || trimmed[idx+1:] == "" {
		return "/{bucket}"
	}
	return "/{bucket}/{key}"
}
