package websocket

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	directionClientToUpstream = "client_to_upstream"
	directionUpstreamToClient = "upstream_to_client"
)

// Metrics exports bridge counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	clientsActive  prometheus.Gauge
	upstreamDials  *prometheus.CounterVec
	frames         *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	teardowns      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "sessions_active",
			Help:      "Bridge sessions that have not reached the closed state.",
		}),
		clientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "clients_active",
			Help:      "Client connections attached to a bridge session.",
		}),
		upstreamDials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "upstream_dials_total",
			Help:      "Upstream dial attempts by result.",
		}, []string{"result"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "frames_total",
			Help:      "Frames forwarded by direction.",
		}, []string{"direction"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by direction.",
		}, []string{"direction"}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "session_closes_total",
			Help:      "Closed bridge sessions by close code.",
		}, []string{"code"}),
	}

	m.registry.MustRegister(
		m.sessionsActive,
		m.clientsActive,
		m.upstreamDials,
		m.frames,
		m.framesDropped,
		m.teardowns,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed(code int) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.teardowns.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) clientAttached() {
	if m == nil {
		return
	}
	m.clientsActive.Inc()
}

func (m *Metrics) clientsDetached(n int) {
	if m == nil || n == 0 {
		return
	}
	m.clientsActive.Sub(float64(n))
}

func (m *Metrics) dialed(result string) {
	if m == nil {
		return
	}
	m.upstreamDials.WithLabelValues(result).Inc()
}

func (m *Metrics) forwarded(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.frames.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) dropped(direction string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(direction).Inc()
}
