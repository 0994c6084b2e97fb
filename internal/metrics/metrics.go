// Package metrics exposes engine counters through Prometheus.
//
// A nil *Metrics is valid: every recording method is a no-op on it, so
// components can be built without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toyshark"

// Metrics holds the collectors for one engine instance on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	PacketsReceived *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	RepliesSent     *prometheus.CounterVec
	WriteErrors     prometheus.Counter
	SessionsCreated *prometheus.CounterVec
	SessionsClosed  *prometheus.CounterVec
	SessionsActive  *prometheus.GaugeVec
	RelayBytes      *prometheus.CounterVec
}

// New creates and registers the engine collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_received_total",
				Help:      "Datagrams read from the tunnel, by transport protocol",
			},
			[]string{"protocol"},
		),
		PacketsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_dropped_total",
				Help:      "Datagrams dropped by the engine, by reason",
			},
			[]string{"reason"},
		),
		RepliesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_sent_total",
				Help:      "Datagrams written back to the tunnel, by kind",
			},
			[]string{"kind"},
		),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_write_errors_total",
			Help:      "Failed writes to the tunnel device",
		}),
		SessionsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Sessions created, by transport protocol",
			},
			[]string{"protocol"},
		),
		SessionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Sessions removed from the table, by protocol and reason",
			},
			[]string{"protocol", "reason"},
		),
		SessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Sessions currently in the table",
			},
			[]string{"protocol"},
		),
		RelayBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_bytes_total",
				Help:      "Payload bytes moved by the relay, by direction",
			},
			[]string{"direction"},
		),
	}
	m.registry.MustRegister(
		m.PacketsReceived,
		m.PacketsDropped,
		m.RepliesSent,
		m.WriteErrors,
		m.SessionsCreated,
		m.SessionsClosed,
		m.SessionsActive,
		m.RelayBytes,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Received(protocol string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(protocol).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reply(kind string) {
	if m == nil {
		return
	}
	m.RepliesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) WriteError() {
	if m == nil {
		return
	}
	m.WriteErrors.Inc()
}

func (m *Metrics) SessionCreated(protocol string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(protocol).Inc()
	m.SessionsActive.WithLabelValues(protocol).Inc()
}

func (m *Metrics) SessionClosed(protocol, reason string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(protocol, reason).Inc()
	m.SessionsActive.WithLabelValues(protocol).Dec()
}

// Relayed counts n payload bytes moved in direction ("upstream" toward the
// destination, "downstream" toward the client).
func (m *Metrics) Relayed(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RelayBytes.WithLabelValues(direction).Add(float64(n))
}
