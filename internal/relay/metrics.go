package relay

import (
	"context"

	"crosstown/internal/bridge"
	"crosstown/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesTotal       *prometheus.CounterVec
	eventsTotal       prometheus.Counter
	rateLimitedTotal  prometheus.Counter
	bridgeTotal       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, store storage.Store) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crosstown",
			Name:      "connections_active",
			Help:      "Open relay connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crosstown",
			Name:      "connections_total",
			Help:      "Relay connections accepted.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crosstown",
			Name:      "frames_total",
			Help:      "Inbound frames by command; invalid frames are dropped.",
		}, []string{"command"}),
		eventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crosstown",
			Name:      "events_total",
			Help:      "Events stored and acknowledged.",
		}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crosstown",
			Name:      "events_rate_limited_total",
			Help:      "Events rejected by the per-connection window.",
		}),
		bridgeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crosstown",
			Name:      "bridge_packets_total",
			Help:      "Bridge packets by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.connectionsActive, m.connectionsTotal, m.framesTotal, m.eventsTotal, m.rateLimitedTotal, m.bridgeTotal)
	if store != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "crosstown",
			Name:      "store_events",
			Help:      "Events currently held in the store.",
		}, func() float64 { return float64(store.Len(context.Background())) }))
	}
	return m
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) frame(command string) {
	if m == nil {
		return
	}
	switch command {
	case CommandEvent, CommandReq, CommandClose, "invalid":
	default:
		command = "unknown"
	}
	m.framesTotal.WithLabelValues(command).Inc()
}

func (m *Metrics) stored() {
	if m == nil {
		return
	}
	m.eventsTotal.Inc()
}

func (m *Metrics) rateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

func (m *Metrics) bridged(o bridge.Outcome) {
	if m == nil {
		return
	}
	m.bridgeTotal.WithLabelValues(string(o)).Inc()
}
