// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for harnesskit. Logging lives in pkg/logger; this package covers
// the pool, buffer cache and supervisor counters plus trace initialization
// for the CLI.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquisitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "harnesskit",
			Subsystem: "pool",
			Name:      "acquisition_duration_seconds",
			Help:      "Duration of pool acquisitions in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"outcome"},
	)

	poolOccupancy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "harnesskit",
			Subsystem: "pool",
			Name:      "resources",
			Help:      "Current pooled resources by state",
		},
		[]string{"state"},
	)

	poolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harnesskit",
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Total number of resources evicted",
		},
		[]string{"reason"},
	)

	bufferCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "harnesskit",
			Subsystem: "buffers",
			Name:      "entries",
			Help:      "Current number of cached buffers",
		},
	)

	bufferBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "harnesskit",
			Subsystem: "buffers",
			Name:      "bytes",
			Help:      "Current stored size of cached buffers in bytes",
		},
	)

	trackedProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "harnesskit",
			Subsystem: "procman",
			Name:      "tracked_processes",
			Help:      "Current number of supervised processes",
		},
	)
)

// ObserveAcquisition records one pool acquisition with its outcome
// (reused, created or queued).
func ObserveAcquisition(outcome string, d time.Duration) {
	acquisitionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetPoolOccupancy updates the pool occupancy gauges.
func SetPoolOccupancy(inUse, idle, pending int) {
	poolOccupancy.WithLabelValues("in_use").Set(float64(inUse))
	poolOccupancy.WithLabelValues("idle").Set(float64(idle))
	poolOccupancy.WithLabelValues("pending").Set(float64(pending))
}

// IncEviction counts one evicted resource by reason.
func IncEviction(reason string) {
	poolEvictions.WithLabelValues(reason).Inc()
}

// SetBufferCache updates the buffer cache gauges.
func SetBufferCache(count int, bytes int64) {
	bufferCount.Set(float64(count))
	bufferBytes.Set(float64(bytes))
}

// SetTrackedProcesses updates the supervised-process gauge.
func SetTrackedProcesses(n int) {
	trackedProcesses.Set(float64(n))
}
