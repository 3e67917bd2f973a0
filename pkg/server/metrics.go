package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec

	// Session metrics
	activeSessions        prometheus.Gauge
	sessionsCreated       prometheus.Counter
	sessionsDisconnected  prometheus.Counter
	connectionsAccepted   *prometheus.CounterVec
	connectionsThrottled  prometheus.Counter
	registrationsRejected prometheus.Counter

	// Message metrics, by protocol kind
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec

	// Rate limiter outcomes
	verdicts *prometheus.CounterVec
}

// NewMetrics registers the server metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
			},
			[]string{"type"},
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatrelay_broadcast_duration_seconds",
				Help:    "Time taken to write a broadcast to every session",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatrelay_active_sessions",
				Help: "Current number of registered sessions",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_sessions_created_total",
				Help: "Total number of sessions started",
			},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_sessions_disconnected_total",
				Help: "Total number of sessions ended",
			},
		),
		connectionsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_connections_accepted_total",
				Help: "Total number of accepted connections by transport",
			},
			[]string{"transport"},
		),
		connectionsThrottled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_connections_throttled_total",
				Help: "Connections refused by the accept rate limit",
			},
		),
		registrationsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatrelay_registrations_rejected_total",
				Help: "Handshakes refused because the requested name is not allowed",
			},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_messages_received_total",
				Help: "Total number of frames received from clients by type",
			},
			[]string{"type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_messages_sent_total",
				Help: "Total number of frames sent to clients by type",
			},
			[]string{"type"},
		),
		verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatrelay_rate_limit_verdicts_total",
				Help: "Rate limiter verdicts by action",
			},
			[]string{"action"},
		),
	}
}

// RecordBroadcastFanout records how many sessions received a broadcast
func (m *Metrics) RecordBroadcastFanout(kind string, recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(kind).Observe(float64(recipients))
}

// RecordBroadcastDuration records how long a broadcast took
func (m *Metrics) RecordBroadcastDuration(kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.broadcastDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordActiveSessions updates the registered session count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

// RecordConnectionAccepted counts an accepted connection for transport
func (m *Metrics) RecordConnectionAccepted(transport string) {
	if m == nil {
		return
	}
	m.connectionsAccepted.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordConnectionThrottled() {
	if m == nil {
		return
	}
	m.connectionsThrottled.Inc()
}

func (m *Metrics) RecordRegistrationRejected() {
	if m == nil {
		return
	}
	m.registrationsRejected.Inc()
}

// RecordMessageReceived increments the received counter for a frame type
func (m *Metrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// RecordMessageSent increments the sent counter for a frame type
func (m *Metrics) RecordMessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

// RecordVerdict counts one rate limiter outcome
func (m *Metrics) RecordVerdict(action string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(action).Inc()
}
