package query

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics instruments Engine.Search with a query-latency histogram
// broken down by Kind, so a hybrid query's cost is visible separately
// from a pure FTS or semantic one. Dependencies.Metrics is optional --
// an Engine built without one simply skips recording.
type EngineMetrics struct {
	duration *prometheus.HistogramVec
}

// NewEngineMetrics registers the query-latency histogram against the
// default registerer.
func NewEngineMetrics() *EngineMetrics {
	return NewEngineMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewEngineMetricsWithRegistry registers against reg, letting tests use
// a private registry instead of the global default one.
func NewEngineMetricsWithRegistry(reg prometheus.Registerer) *EngineMetrics {
	return &EngineMetrics{
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "amanmcp",
				Subsystem: "query",
				Name:      "engine_search_duration_seconds",
				Help:      "Engine.Search duration in seconds by query kind",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"kind"},
		),
	}
}

func (m *EngineMetrics) observe(kind Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}
