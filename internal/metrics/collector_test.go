package hubmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	hubmetrics "github.com/gundalpha/Freematics-CONF/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hubmetrics.NewCollector(reg)

	if c.Channels == nil {
		t.Error("Channels is nil")
	}
	if c.FramesReceived == nil {
		t.Error("FramesReceived is nil")
	}
	if c.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if c.RepliesSent == nil {
		t.Error("RepliesSent is nil")
	}
	if c.SamplesStored == nil {
		t.Error("SamplesStored is nil")
	}
	if c.CommandsPending == nil {
		t.Error("CommandsPending is nil")
	}

	// Verify all metrics are registered by gathering them.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hubmetrics.NewCollector(reg)

	c.FrameReceived("event")
	c.FrameReceived("data")
	c.FrameReceived("data")
	c.FrameDropped(hubmetrics.ReasonMalformed)
	c.ReplySent("Login")

	if got := counterValue(t, c.FramesReceived, "data"); got != 2 {
		t.Errorf("frames_received{kind=data} = %v, want 2", got)
	}
	if got := counterValue(t, c.FramesReceived, "event"); got != 1 {
		t.Errorf("frames_received{kind=event} = %v, want 1", got)
	}
	if got := counterValue(t, c.FramesDropped, hubmetrics.ReasonMalformed); got != 1 {
		t.Errorf("frames_dropped{reason=malformed} = %v, want 1", got)
	}
	if got := counterValue(t, c.RepliesSent, "Login"); got != 1 {
		t.Errorf("replies_sent{event=Login} = %v, want 1", got)
	}
}

func TestCommandLifecycleGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := hubmetrics.NewCollector(reg)

	c.CommandRegistered()
	c.CommandRegistered()
	if got := gaugeValue(t, c.CommandsPending); got != 2 {
		t.Errorf("commands_pending = %v, want 2", got)
	}

	c.CommandResolved()
	if got := gaugeValue(t, c.CommandsPending); got != 1 {
		t.Errorf("commands_pending after resolve = %v, want 1", got)
	}

	c.CommandExpired()
	if got := gaugeValue(t, c.CommandsPending); got != 0 {
		t.Errorf("commands_pending after expiry = %v, want 0", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	t.Parallel()

	var c *hubmetrics.Collector

	// Every recording method must be a no-op on nil.
	c.SetChannels(5)
	c.FrameReceived("data")
	c.FrameDropped(hubmetrics.ReasonUnknownID)
	c.ReplySent("Sync")
	c.SamplesAccepted(3)
	c.CommandRegistered()
	c.CommandResolved()
	c.CommandExpired()
	c.SessionTimedOut()
}

// counterValue extracts the current value of one labeled counter.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// gaugeValue extracts the current value of a gauge.
func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}
