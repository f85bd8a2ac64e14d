// Package hubmetrics provides the Prometheus metrics for the telemetry hub.
package hubmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "telehub"
	subsystem = "hub"
)

// Label names.
const (
	labelKind   = "kind"   // frame kind: event, data
	labelReason = "reason" // drop reason
	labelEvent  = "event"  // reply event name
)

// Frame drop reasons.
const (
	ReasonMalformed    = "malformed"
	ReasonUnauthorized = "unauthorized"
	ReasonUnknownID    = "unknown_id"
	ReasonSaturated    = "saturated"
)

// Collector holds all hub Prometheus metrics. A nil *Collector is valid
// and records nothing, so components can run unmetered in tests.
type Collector struct {
	// Channels tracks the number of channels currently in the table.
	Channels prometheus.Gauge

	// FramesReceived counts accepted UDP frames by kind (event or data).
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts dropped UDP frames by reason.
	FramesDropped *prometheus.CounterVec

	// RepliesSent counts reply frames emitted, by event name.
	RepliesSent *prometheus.CounterVec

	// SamplesStored counts PID samples accepted into channel caches.
	SamplesStored prometheus.Counter

	// CommandsPending tracks outstanding command tokens.
	CommandsPending prometheus.Gauge

	// CommandsResolved counts commands completed by a device ACK.
	CommandsResolved prometheus.Counter

	// CommandsExpired counts commands that timed out without an ACK.
	CommandsExpired prometheus.Counter

	// SessionTimeouts counts sessions parked by the sweeper.
	SessionTimeouts prometheus.Counter
}

// NewCollector creates a Collector with all hub metrics registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Channels,
		c.FramesReceived,
		c.FramesDropped,
		c.RepliesSent,
		c.SamplesStored,
		c.CommandsPending,
		c.CommandsResolved,
		c.CommandsExpired,
		c.SessionTimeouts,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "channels",
			Help:      "Number of channels currently in the table.",
		}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total UDP frames accepted, by frame kind.",
		}, []string{labelKind}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total UDP frames dropped, by reason.",
		}, []string{labelReason}),

		RepliesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replies_sent_total",
			Help:      "Total reply frames emitted, by event.",
		}, []string{labelEvent}),

		SamplesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_stored_total",
			Help:      "Total PID samples accepted into channel caches.",
		}),

		CommandsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_pending",
			Help:      "Outstanding command tokens awaiting device ACK.",
		}),

		CommandsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_resolved_total",
			Help:      "Commands completed by a device ACK.",
		}),

		CommandsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_expired_total",
			Help:      "Commands that timed out without an ACK.",
		}),

		SessionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_timeouts_total",
			Help:      "Sessions parked by the idle sweeper.",
		}),
	}
}

// SetChannels records the current channel count.
func (c *Collector) SetChannels(n int) {
	if c == nil {
		return
	}
	c.Channels.Set(float64(n))
}

// FrameReceived records one accepted frame of the given kind.
func (c *Collector) FrameReceived(kind string) {
	if c == nil {
		return
	}
	c.FramesReceived.WithLabelValues(kind).Inc()
}

// FrameDropped records one dropped frame with the given reason.
func (c *Collector) FrameDropped(reason string) {
	if c == nil {
		return
	}
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// ReplySent records one emitted reply frame.
func (c *Collector) ReplySent(event string) {
	if c == nil {
		return
	}
	c.RepliesSent.WithLabelValues(event).Inc()
}

// SamplesAccepted records n stored PID samples.
func (c *Collector) SamplesAccepted(n int) {
	if c == nil {
		return
	}
	c.SamplesStored.Add(float64(n))
}

// CommandRegistered records a newly pending command token.
func (c *Collector) CommandRegistered() {
	if c == nil {
		return
	}
	c.CommandsPending.Inc()
}

// CommandResolved records a command completed by ACK.
func (c *Collector) CommandResolved() {
	if c == nil {
		return
	}
	c.CommandsPending.Dec()
	c.CommandsResolved.Inc()
}

// CommandExpired records a command that timed out.
func (c *Collector) CommandExpired() {
	if c == nil {
		return
	}
	c.CommandsPending.Dec()
	c.CommandsExpired.Inc()
}

// SessionTimedOut records one session parked by the sweeper.
func (c *Collector) SessionTimedOut() {
	if c == nil {
		return
	}
	c.SessionTimeouts.Inc()
}
