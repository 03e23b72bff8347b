package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netguard/netguardd/internal/domain"
)

// StatsSource provides the current engine counters for export.
type StatsSource interface {
	Stats() domain.EngineStats
}

// Metrics exports the engine counters as Prometheus metrics. Collection
// reads atomic snapshots only; it never touches the registry or queue locks
// beyond the queue-length read.
type Metrics struct {
	registry *prometheus.Registry
}

// NewMetrics builds a metrics exporter over the given stats source.
func NewMetrics(source StatsSource) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "netguard_connections_total",
		Help: "Connection attempts that entered the pending queue (the id allocator).",
	}, func() float64 {
		return float64(source.Stats().TotalConnections)
	}))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "netguard_connections_blocked_total",
		Help: "Connection attempts blocked by a registry verdict or queue saturation.",
	}, func() float64 {
		return float64(source.Stats().BlockedConnections)
	}))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "netguard_connections_allowed_total",
		Help: "Connection attempts permitted by a registry verdict.",
	}, func() float64 {
		return float64(source.Stats().AllowedConnections)
	}))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netguard_pending_connections",
		Help: "Unresolved pending connections awaiting a decision.",
	}, func() float64 {
		return float64(source.Stats().PendingCount)
	}))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netguard_enforcement_enabled",
		Help: "Whether enforcement is currently enabled (1) or disabled (0).",
	}, func() float64 {
		if source.Stats().Enabled {
			return 1
		}
		return 0
	}))

	return &Metrics{registry: reg}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
