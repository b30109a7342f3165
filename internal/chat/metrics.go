package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of the chat core
type Metrics struct {
	Connections prometheus.Gauge
	Rooms       prometheus.Gauge
	Events      *prometheus.CounterVec
	Deliveries  *prometheus.CounterVec
	Dropped     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when non-nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabup",
			Subsystem: "chat",
			Name:      "connections",
			Help:      "Registered websocket connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collabup",
			Subsystem: "chat",
			Name:      "rooms_loaded",
			Help:      "Rooms held in memory.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabup",
			Subsystem: "chat",
			Name:      "inbound_events_total",
			Help:      "Inbound client events by type.",
		}, []string{"type"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collabup",
			Subsystem: "chat",
			Name:      "deliveries_total",
			Help:      "Outbound events queued to connections by type.",
		}, []string{"type"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabup",
			Subsystem: "chat",
			Name:      "dropped_sends_total",
			Help:      "Outbound events lost because a connection buffer was full or closed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Rooms, m.Events, m.Deliveries, m.Dropped)
	}
	return m
}
