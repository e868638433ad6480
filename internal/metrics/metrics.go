// Package metrics provides Prometheus metrics for the chat server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"soulchat/pkg/types"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	GroupsActive       prometheus.Gauge
	MessagesTotal      *prometheus.CounterVec
	RejectionsTotal    *prometheus.CounterVec
	CrisisTransitions  *prometheus.CounterVec
	CrisisActiveScopes prometheus.Gauge
	EventsDropped      *prometheus.CounterVec
	EventFanout        prometheus.Histogram

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "soulchat_sessions_active",
				Help: "Number of connected sessions.",
			},
		),
		GroupsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "soulchat_groups_active",
				Help: "Number of live groups.",
			},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soulchat_messages_total",
				Help: "Total inbound messages by category.",
			},
			[]string{"category"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soulchat_rejections_total",
				Help: "Total rejected messages by reason.",
			},
			[]string{"reason"},
		),
		CrisisTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soulchat_crisis_transitions_total",
				Help: "Total crisis state transitions by kind.",
			},
			[]string{"transition"},
		),
		CrisisActiveScopes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "soulchat_crisis_active_scopes",
				Help: "Number of scopes currently in crisis mode.",
			},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "soulchat_events_dropped_total",
				Help: "Total outbound events dropped by reason.",
			},
			[]string{"reason"},
		),
		EventFanout: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "soulchat_event_fanout",
				Help:    "Number of sessions each outbound event was delivered to.",
				Buckets: []float64{0, 1, 2, 4, 7, 16, 64, 256, 1024},
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.SessionsActive)
	reg.MustRegister(m.GroupsActive)
	reg.MustRegister(m.MessagesTotal)
	reg.MustRegister(m.RejectionsTotal)
	reg.MustRegister(m.CrisisTransitions)
	reg.MustRegister(m.CrisisActiveScopes)
	reg.MustRegister(m.EventsDropped)
	reg.MustRegister(m.EventFanout)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetPopulation records the current session and group counts.
func (m *Metrics) SetPopulation(sessions, groups int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(sessions))
	m.GroupsActive.Set(float64(groups))
}

// RecordMessage counts a classified inbound message.
func (m *Metrics) RecordMessage(category types.Category) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(string(category)).Inc()
}

// RecordRejection counts a message refused before delivery.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordDrop counts an outbound event that was not delivered.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// ObserveFanout records how many sessions one event reached.
func (m *Metrics) ObserveFanout(n int) {
	if m == nil {
		return
	}
	m.EventFanout.Observe(float64(n))
}

// CrisisActivated implements interfaces.CrisisListener.
func (m *Metrics) CrisisActivated(types.CrisisState) {
	if m == nil {
		return
	}
	m.CrisisTransitions.WithLabelValues("activated").Inc()
	m.CrisisActiveScopes.Inc()
}

// CrisisRefreshed implements interfaces.CrisisListener.
func (m *Metrics) CrisisRefreshed(types.CrisisState) {
	if m == nil {
		return
	}
	m.CrisisTransitions.WithLabelValues("refreshed").Inc()
}

// CrisisEnded implements interfaces.CrisisListener.
func (m *Metrics) CrisisEnded(_ types.CrisisState, reason string) {
	if m == nil {
		return
	}
	m.CrisisTransitions.WithLabelValues(reason).Inc()
	m.CrisisActiveScopes.Dec()
}
