// Package metrics exposes the execution core's operational counters in
// Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the runtime touches. One instance per
// process, registered on its own registry so tests can run in parallel.
type Metrics struct {
	registry *prometheus.Registry

	Decisions      *prometheus.CounterVec
	Confirmations  *prometheus.CounterVec
	PendingGauge   prometheus.Gauge
	ActiveSessions prometheus.Gauge
	Subscribers    prometheus.Gauge
	ToolDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_decisions_total",
		Help: "Trust engine decisions by outcome.",
	}, []string{"outcome"})

	m.Confirmations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_confirmations_total",
		Help: "Confirmation request resolutions by status.",
	}, []string{"status"})

	m.PendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentgate_pending_confirmations",
		Help: "Confirmation requests currently waiting on a human.",
	})

	m.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentgate_active_sessions",
		Help: "Sessions that have not reached a terminal state.",
	})

	m.Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentgate_stream_subscribers",
		Help: "Open SSE subscriptions across all sessions.",
	})

	m.ToolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentgate_tool_duration_seconds",
		Help:    "Tool execution latency by tool name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})

	m.registry.MustRegister(
		m.Decisions, m.Confirmations, m.PendingGauge,
		m.ActiveSessions, m.Subscribers, m.ToolDuration,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
