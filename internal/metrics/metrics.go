// Package metrics wraps the Prometheus collectors exposed on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the bridge updates. Collectors register
// against a private registry so tests can build as many instances as
// they like.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients    prometheus.Gauge
	ActiveSubscriptions prometheus.Gauge
	UpstreamUp          prometheus.Gauge

	Reconnects    prometheus.Counter
	EventsRouted  *prometheus.CounterVec // by event class
	EventsDropped *prometheus.CounterVec // by reason
	ClientDropped prometheus.Counter     // queue-overflow drops
	SlowConsumers prometheus.Counter
	OrdersPlaced  prometheus.Counter
	OrdersFilled  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_clients_connected",
			Help: "Number of connected WebSocket clients",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_subscriptions_active",
			Help: "Number of tracked market data subscriptions",
		}),
		UpstreamUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_upstream_up",
			Help: "1 while the upstream session is ready, else 0",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_upstream_reconnects_total",
			Help: "Total upstream reconnect attempts",
		}),
		EventsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_routed_total",
			Help: "Total upstream events delivered to clients, by class",
		}, []string{"class"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_dropped_total",
			Help: "Total upstream events dropped by the router, by reason",
		}, []string{"reason"}),
		ClientDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_client_messages_dropped_total",
			Help: "Total messages dropped from full client queues",
		}),
		SlowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_slow_consumers_total",
			Help: "Total clients disconnected for not draining their queue",
		}),
		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_orders_placed_total",
			Help: "Total orders accepted and sent upstream",
		}),
		OrdersFilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_orders_filled_total",
			Help: "Total orders observed reaching the Filled state",
		}),
	}
}

// Handler returns the HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventTotals sums the routed and dropped event counters across their
// labels, for the status snapshot.
func (m *Metrics) EventTotals() (routed, dropped int64) {
	families, err := m.registry.Gather()
	if err != nil {
		return 0, 0
	}
	for _, fam := range families {
		var sum float64
		for _, metric := range fam.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				sum += c.GetValue()
			}
		}
		switch fam.GetName() {
		case "bridge_events_routed_total":
			routed = int64(sum)
		case "bridge_events_dropped_total":
			dropped = int64(sum)
		}
	}
	return routed, dropped
}
