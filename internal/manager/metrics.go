package manager

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Manager's Prometheus collectors. One Metrics set is
// shared across every configured server; per-server values are
// distinguished by the "server" label.
type metrics struct {
	registry *prometheus.Registry

	connectionState *prometheus.GaugeVec
	toolInvocations *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	tokenRefreshes  *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "magictunnel",
			Subsystem: "manager",
			Name:      "server_connection_state",
			Help:      "Current status of an upstream server, as its numeric status.State value.",
		}, []string{"server"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "magictunnel",
			Subsystem: "manager",
			Name:      "tool_invocations_total",
			Help:      "Total tool invocations dispatched, partitioned by server and outcome.",
		}, []string{"server", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "magictunnel",
			Subsystem: "manager",
			Name:      "sse_queue_depth",
			Help:      "Outstanding SSE request tickets for a single-session upstream.",
		}, []string{"server"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "magictunnel",
			Subsystem: "manager",
			Name:      "oauth_token_refreshes_total",
			Help:      "OAuth token refresh attempts, partitioned by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(m.connectionState, m.toolInvocations, m.queueDepth, m.tokenRefreshes)
	return m
}

func (m *metrics) recordInvocation(server, outcome string) {
	m.toolInvocations.WithLabelValues(server, outcome).Inc()
}

func (m *metrics) recordConnectionState(server string, state int) {
	m.connectionState.WithLabelValues(server).Set(float64(state))
}

func (m *metrics) recordQueueDepth(server string, depth int) {
	m.queueDepth.WithLabelValues(server).Set(float64(depth))
}

func (m *metrics) recordTokenRefresh(outcome string) {
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}
