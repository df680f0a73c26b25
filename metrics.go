package livesync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of a client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Connected      prometheus.Gauge
	DialAttempts   prometheus.Counter
	ConnectErrors  *prometheus.CounterVec
	EventsReceived *prometheus.CounterVec
	EventsRouted   *prometheus.CounterVec
	Unread         prometheus.Gauge
	Rollbacks      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "livesync_connected",
				Help: "Whether the realtime connection is established (1 = connected, 0 = not)",
			},
		),
		DialAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "livesync_dial_attempts_total",
				Help: "Total number of realtime dial attempts",
			},
		),
		ConnectErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livesync_connect_errors_total",
				Help: "Total number of failed handshakes by kind",
			},
			[]string{"kind"},
		),
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livesync_events_received_total",
				Help: "Total number of inbound realtime events by event name",
			},
			[]string{"event"},
		),
		EventsRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livesync_events_routed_total",
				Help: "Total number of events turned into notifications by rule and severity",
			},
			[]string{"rule", "severity"},
		),
		Unread: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "livesync_unread_notifications",
				Help: "Current unread notification count",
			},
		),
		Rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livesync_optimistic_rollbacks_total",
				Help: "Total number of compensated optimistic notification updates by operation",
			},
			[]string{"op"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connected,
			m.DialAttempts,
			m.ConnectErrors,
			m.EventsReceived,
			m.EventsRouted,
			m.Unread,
			m.Rollbacks,
		)
	}
	return m
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) dialAttempt() {
	if m == nil {
		return
	}
	m.DialAttempts.Inc()
}

func (m *Metrics) connectError(kind string) {
	if m == nil {
		return
	}
	m.ConnectErrors.WithLabelValues(kind).Inc()
}

// eventReceived keeps label cardinality bounded: names without an
// explicit rule are counted as "other".
func (m *Metrics) eventReceived(event string) {
	if m == nil {
		return
	}
	if _, ok := explicitRules[event]; !ok {
		event = "other"
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) eventRouted(rule string, sev Severity) {
	if m == nil {
		return
	}
	m.EventsRouted.WithLabelValues(rule, string(sev)).Inc()
}

func (m *Metrics) setUnread(n int) {
	if m == nil {
		return
	}
	m.Unread.Set(float64(n))
}

func (m *Metrics) rollback(op string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(op).Inc()
}
