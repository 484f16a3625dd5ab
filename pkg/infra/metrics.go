package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "presence"

// Heartbeat results.
const (
	HeartbeatAccepted    = "accepted"
	HeartbeatRateLimited = "rate_limited"
	HeartbeatStoreError  = "store_error"
)

// Fanout paths.
const (
	FanoutTransport = "transport"
	FanoutLocal     = "local"
)

type Metrics struct {
	registry *prometheus.Registry

	// Websocket connections currently authenticated on this instance.
	Connections prometheus.Gauge

	// Heartbeats received, labeled by result.
	Heartbeats *prometheus.CounterVec

	// Offline to online transitions observed by this instance.
	Transitions prometheus.Counter

	// Rejected websocket connections, labeled by reason.
	AuthFailures *prometheus.CounterVec

	// Updates handed to fanout, labeled by the path they took.
	FanoutPublishes *prometheus.CounterVec

	// Updates received from the transport and delivered to local clients.
	FanoutDeliveries prometheus.Counter
}

func ProvideMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Authenticated websocket connections on this instance.",
		}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats received, by result.",
		}, []string{"result"}),
		Transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transitions_total",
			Help:      "Offline to online transitions observed.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_failures_total",
			Help:      "Websocket connections rejected at authentication, by reason.",
		}, []string{"reason"}),
		FanoutPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_publishes_total",
			Help:      "Presence updates published, by path.",
		}, []string{"path"}),
		FanoutDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_deliveries_total",
			Help:      "Presence updates delivered to local clients.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.Heartbeats,
		m.Transitions,
		m.AuthFailures,
		m.FanoutPublishes,
		m.FanoutDeliveries,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
