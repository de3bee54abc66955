// Package metrics defines the Prometheus metrics ringvault exports.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Object-store transfer metrics.
var (
	// UploadsTotal counts finished uploads by mode ("single", "multipart")
	// and result. Multipart sessions count once, on Completed or Aborted.
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_uploads_total",
			Help: "Finished uploads by mode and result",
		},
		[]string{"mode", "result"},
	)

	// UploadBytesTotal counts bytes of successfully uploaded objects.
	UploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringvault_upload_bytes_total",
			Help: "Bytes of successfully uploaded objects",
		},
	)

	// PartUploadsTotal counts multipart part outcomes after retries.
	PartUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_part_uploads_total",
			Help: "Multipart part uploads by result",
		},
		[]string{"result"},
	)

	// MultipartCompletionsTotal counts multipart completions by final result.
	MultipartCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_multipart_completions_total",
			Help: "Multipart completions by final result, after retries",
		},
		[]string{"result"},
	)

	// DownloadsTotal counts downloads by result.
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_downloads_total",
			Help: "Downloads by result",
		},
		[]string{"result"},
	)

	// DeletesTotal counts batch deletes by result.
	DeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_deletes_total",
			Help: "Batch deletes by result",
		},
		[]string{"result"},
	)

	// RetriesTotal counts retried attempts by operation.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_retries_total",
			Help: "Retried store attempts by operation",
		},
		[]string{"op"},
	)

	// AsyncUploadsTotal counts fire-and-forget uploads by result.
	AsyncUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_async_uploads_total",
			Help: "Background uploads by result",
		},
		[]string{"result"},
	)

	// AsyncQueueDepth tracks queued background uploads.
	AsyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringvault_async_queue_depth",
			Help: "Background uploads waiting for a worker",
		},
	)

	// RetentionReconcilesTotal counts retention reconciliations by action.
	RetentionReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_retention_reconciles_total",
			Help: "Retention rule reconciliations by action",
		},
		[]string{"action"},
	)
)

// Instance registry metrics.
var (
	// RegistryOperationsTotal counts registry operations by op and result.
	RegistryOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_registry_operations_total",
			Help: "Instance registry operations by type and result",
		},
		[]string{"op", "result"},
	)
)

// HTTP metrics for the operator API.
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringvault_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringvault_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Register registers all collectors with the default registry. It is safe
// to call multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			UploadsTotal,
			UploadBytesTotal,
			PartUploadsTotal,
			MultipartCompletionsTotal,
			DownloadsTotal,
			DeletesTotal,
			RetriesTotal,
			AsyncUploadsTotal,
			AsyncQueueDepth,
			RetentionReconcilesTotal,
			RegistryOperationsTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
		// Initialize so the series appear in /metrics before the first upload.
		UploadsTotal.WithLabelValues("single", ResultSuccess)
		UploadsTotal.WithLabelValues("multipart", ResultSuccess)
	})
}

// Result maps an error to a result label value.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// NormalizePath maps request paths to low-cardinality route templates.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/metrics", "/cleanup", "/docs", "/openapi.json", "/openapi.yaml":
		return path
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	trimmed := strings.Trim(path, "/")
	segments := strings.Split(trimmed, "/")
	if segments[0] != "instances" {
		return "/other"
	}
	switch len(segments) {
	case 1:
		return "/instances"
	case 2:
		return "/instances/{app}"
	default:
		return "/instances/{app}/{dc}/{id}"
	}
}
