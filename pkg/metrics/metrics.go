// Package metrics provides Prometheus collectors for Atlas.
//
// Collectors are registered on the default registry with promauto, so the
// monitor command can expose them with promhttp.Handler().
//
// # Basic Usage
//
//	// Count an asset observed by a scan
//	metrics.AssetsObserved.WithLabelValues("fs1", "created").Inc()
//
//	// Time a source scan
//	timer := metrics.NewTimer()
//	scanSource(ctx, src)
//	metrics.SourceScanDuration.WithLabelValues("fs1", "succeeded").Observe(timer.Stop().Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScanRuns counts finished scan runs.
	// Labels: trigger (full/incremental/manual-source), status
	ScanRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_scan_runs_total",
			Help: "Total number of finished scan runs",
		},
		[]string{"trigger", "status"},
	)

	// SourceScanDuration tracks how long each connector contributed to a run.
	// Labels: source, status (succeeded/failed/timed_out/cancelled)
	SourceScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "atlas_source_scan_duration_seconds",
			Help: "Duration of a single source scan in seconds",
			Buckets: []float64{
				0.1, // local filesystems
				0.5,
				1,
				5,
				15,
				30,
				60,
				120, // default per-connector timeout
				300,
			},
		},
		[]string{"source", "status"},
	)

	// AssetsObserved counts assets processed by the catalog.
	// Labels: source, change (created/updated/unchanged/removed)
	AssetsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_assets_observed_total",
			Help: "Total number of assets written to the catalog by change kind",
		},
		[]string{"source", "change"},
	)

	// CatalogWriteErrors counts per-asset persistence failures.
	CatalogWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_catalog_write_errors_total",
			Help: "Total number of failed catalog writes",
		},
		[]string{"source"},
	)

	// ExtractionDegraded counts assets cataloged with unknown quality or PII risk.
	ExtractionDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_extraction_degraded_total",
			Help: "Total number of assets whose metadata extraction degraded",
		},
		[]string{"source"},
	)

	// MonitorTriggers counts scheduler triggers.
	// Labels: kind (event/interval/manual), outcome (started/collapsed)
	MonitorTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_monitor_triggers_total",
			Help: "Total number of monitoring triggers",
		},
		[]string{"kind", "outcome"},
	)

	// ScansInFlight is the number of source scans currently running.
	ScansInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "atlas_scans_in_flight",
			Help: "Number of source scans currently running",
		},
	)
)

// Timer measures an operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer creates a timer that starts immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It may be called more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
