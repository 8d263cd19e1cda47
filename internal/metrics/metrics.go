package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the session core.
type Metrics struct {
	// Session lifecycle operations by name and outcome
	// (outcome: "ok", "not_found", "conflict", "error")
	SessionOps *prometheus.CounterVec

	// Storage round-trip latency by operation
	StorageLatency *prometheus.HistogramVec

	// Cleanup sweeps
	CleanupSweeps  *prometheus.CounterVec
	CleanupRemoved prometheus.Counter

	// Sandbox acquisitions by strategy and outcome
	SandboxAcquisitions *prometheus.CounterVec
}

var globalMetrics *Metrics

// Init initializes and registers the Prometheus metrics. Safe to call once
// at startup; later calls return the existing set.
func Init() *Metrics {
	if globalMetrics != nil {
		return globalMetrics
	}

	globalMetrics = &Metrics{
		SessionOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_session_operations_total",
			Help: "Total session manager operations by name and outcome",
		}, []string{"op", "outcome"}),

		StorageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sessiond_storage_operation_duration_seconds",
			Help:    "Storage adapter round-trip latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),

		CleanupSweeps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_cleanup_sweeps_total",
			Help: "Total cleanup sweep ticks by outcome",
		}, []string{"outcome"}),

		CleanupRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sessiond_cleanup_sessions_removed_total",
			Help: "Total sessions removed by cleanup sweeps",
		}),

		SandboxAcquisitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sessiond_sandbox_acquisitions_total",
			Help: "Total sandbox acquisitions by strategy and outcome",
		}, []string{"strategy", "outcome"}),
	}
	return globalMetrics
}

// Get returns the metrics set, initializing it on first use.
func Get() *Metrics {
	return Init()
}
