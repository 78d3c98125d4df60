// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callrelay"

// Call outcomes recorded in CallsTotal
const (
	CallStarted     = "started"
	CallUnavailable = "unavailable"
	CallAccepted    = "accepted"
	CallRejected    = "rejected"
	CallCancelled   = "cancelled"
	CallTimedOut    = "timeout"
	CallEnded       = "ended"
	CallDropped     = "dropped"
)

// Metrics groups every collector the relay updates.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	UsersOnline       prometheus.Gauge
	Logins            *prometheus.CounterVec
	Calls             *prometheus.CounterVec
	SignalsRelayed    prometheus.Counter
	EventsDropped     *prometheus.CounterVec
}

// New registers the relay collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open signaling connections.",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Signaling connections accepted.",
		}),
		UsersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users_online",
			Help:      "Authenticated connections in the peer registry.",
		}),
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Call state transitions by outcome.",
		}, []string{"outcome"}),
		SignalsRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webrtc_signals_relayed_total",
			Help:      "WebRTC negotiation payloads forwarded.",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped by reason.",
		}, []string{"reason"}),
	}
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
