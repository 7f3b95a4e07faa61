// Package metrics exposes Prometheus instrumentation for the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared across components.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	Expired           *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	ReaperSweeps      *prometheus.CounterVec
	ConnectedChannels prometheus.Gauge
}

// New creates the collectors and registers them on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotter_transitions_total",
			Help: "Session state transitions by transition name and outcome.",
		}, []string{"transition", "outcome"}),
		Expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotter_sessions_expired_total",
			Help: "Sessions force-expired by the reaper, by prior state.",
		}, []string{"from_state"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotter_broadcasts_total",
			Help: "Event deliveries to attached channels by outcome.",
		}, []string{"outcome"}),
		ReaperSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotter_reaper_sweeps_total",
			Help: "Reaper sweep runs by outcome.",
		}, []string{"outcome"}),
		ConnectedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotter_connected_channels",
			Help: "Currently attached client channels.",
		}),
	}

	reg.MustRegister(
		m.Transitions, m.Expired, m.Broadcasts, m.ReaperSweeps, m.ConnectedChannels,
	)
	return m
}

// NewForTest creates unregistered collectors, for tests that do not need
// an HTTP exposition endpoint.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
