// Package metrics defines the Prometheus metrics exported by the backup
// engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

var sizeBuckets = []float64{
	1 << 10, 1 << 16, 1 << 20, 8 << 20, 64 << 20, 256 << 20, 1 << 30, 8 << 30,
}

// Lifecycle metrics (RED: rate, errors, duration) for the four manager
// operations.
var (
	// OperationsTotal counts backup/restore/delete/purge invocations by
	// outcome: "created"/"skipped" for backup, "restored" for restore,
	// "deleted" for delete, "purged" for purge, and "failed" for any.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partvault_operations_total",
			Help: "Backup engine operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// OperationDuration observes how long one backup/restore/delete/purge
	// invocation took.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partvault_operation_duration_seconds",
			Help:    "Duration of backup engine operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Transfer metrics.
var (
	// BytesUploaded counts payload bytes actually written to the storage
	// engine (excludes linked/deduplicated parts).
	BytesUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partvault_bytes_uploaded_total",
			Help: "Bytes uploaded to the storage engine (excludes dedup links)",
		},
	)

	// BytesDownloaded counts payload bytes read back during restore.
	BytesDownloaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partvault_bytes_downloaded_total",
			Help: "Bytes downloaded from the storage engine during restore",
		},
	)

	// PartSize observes the payload size of each part processed.
	PartSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partvault_part_size_bytes",
			Help:    "Size distribution of parts moved through the pipeline",
			Buckets: sizeBuckets,
		},
	)

	// DedupDecisions counts parts resolved to a link vs. a fresh upload.
	DedupDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partvault_dedup_decisions_total",
			Help: "Part deduplication decisions",
		},
		[]string{"decision"}, // "linked" or "uploaded"
	)

	// StorageRetries counts retry attempts made by the storage engine.
	StorageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partvault_storage_retries_total",
			Help: "Storage engine retry attempts by operation",
		},
		[]string{"operation"},
	)

	// StorageClientRebuilds counts how many times a storage engine's
	// client was discarded and rebuilt after a connection-level failure.
	StorageClientRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "partvault_storage_client_rebuilds_total",
			Help: "Storage engine client rebuilds after connection-level failures",
		},
	)

	// PipelineJobsInFlight is a gauge of pipeline jobs currently running
	// in the process pool.
	PipelineJobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "partvault_pipeline_jobs_in_flight",
			Help: "Pipeline jobs currently executing in the worker pool",
		},
	)
)

// Register registers all collectors with the default registry. Safe to
// call multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OperationsTotal,
			OperationDuration,
			BytesUploaded,
			BytesDownloaded,
			PartSize,
			DedupDecisions,
			StorageRetries,
			StorageClientRebuilds,
			PipelineJobsInFlight,
		)
	})
}
