package daemon

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the daemon's Prometheus instrumentation: request counts
// and latency broken down by RPC method and outcome. Query-latency by
// query.Kind is recorded by query.EngineMetrics instead, so it stays
// accurate for the CLI's in-process search path too, not just requests
// that happen to go through this daemon.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ProjectsLoaded  prometheus.Gauge
}

// NewMetrics registers the daemon's metrics against the default
// registerer. Call once per process; the daemon is a long-lived
// singleton, so there is no registration-collision concern the way
// there would be in a test harness (see NewMetricsWithRegistry for that).
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates the daemon's metrics against reg,
// letting tests use a private registry instead of colliding with the
// global one across test runs.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "amanmcp",
				Subsystem: "daemon",
				Name:      "requests_total",
				Help:      "Total number of daemon RPCs by method and status",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "amanmcp",
				Subsystem: "daemon",
				Name:      "request_duration_seconds",
				Help:      "Daemon RPC duration in seconds by method",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method"},
		),
		ProjectsLoaded: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "amanmcp",
				Subsystem: "daemon",
				Name:      "projects_loaded",
				Help:      "Number of projects currently loaded in the daemon's LRU cache",
			},
		),
	}
}

// RecordRequest records one RPC's outcome and duration.
func (m *Metrics) RecordRequest(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetProjectsLoaded updates the loaded-project gauge.
func (m *Metrics) SetProjectsLoaded(n int) {
	if m == nil {
		return
	}
	m.ProjectsLoaded.Set(float64(n))
}
