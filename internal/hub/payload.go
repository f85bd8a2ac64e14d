package hub

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	hubmetrics "github.com/gundalpha/Freematics-CONF/internal/metrics"
)

// sampleRateMinInterval is the minimum device-tick advance, in
// milliseconds, before the sample-rate estimate is recomputed.
const sampleRateMinInterval = 100

// millisPerMinute converts a per-interval sample count to samples/minute.
const millisPerMinute = 60_000

// PayloadProcessor consumes data-frame payloads: comma-separated
// <pid-hex>:<value> pairs where a pair with pid 0 is an in-band timestamp
// applying to the pairs that follow it in the same payload. It updates
// the channel's latest-sample cache, derives the sample-rate and elapsed
// statistics, and mirrors the sidecar PIDs onto the channel.
type PayloadProcessor struct {
	table   *ChannelTable
	store   Store
	clock   Clock
	logger  *slog.Logger
	metrics *hubmetrics.Collector
}

// ProcessorOption configures a PayloadProcessor.
type ProcessorOption func(*PayloadProcessor)

// WithProcessorMetrics wires a metrics collector into the processor.
func WithProcessorMetrics(m *hubmetrics.Collector) ProcessorOption {
	return func(p *PayloadProcessor) { p.metrics = m }
}

// NewPayloadProcessor creates a processor bound to a table and store.
func NewPayloadProcessor(table *ChannelTable, store Store, clock Clock, logger *slog.Logger, opts ...ProcessorOption) *PayloadProcessor {
	p := &PayloadProcessor{
		table:  table,
		store:  store,
		clock:  clock,
		logger: logger.With(slog.String("component", "hub.payload")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process applies one payload to the channel and returns the number of
// samples stored. Pairs with no ':', a non-hex PID, or a PID preceding
// any in-band timestamp marker are skipped without aborting the payload.
//
// A payload arriving for a channel that is not running restarts the
// session (the UDP engine gates data frames on the running flag before
// calling Process; the HTTP ingest paths rely on this restart).
func (p *PayloadProcessor) Process(ctx context.Context, c *Channel, payload string) int {
	now := p.clock.NowMillis()

	var snap ChannelSnapshot
	count := 0

	p.table.Update(c, func(c *Channel) {
		if !c.Running() {
			c.Flags |= FlagRunning
			c.Flags &^= FlagSleeping
			c.SessionStartTick = now
		}

		var timestamp int64
		for _, pair := range strings.Split(payload, ",") {
			pidText, value, ok := strings.Cut(pair, ":")
			if !ok {
				continue
			}
			pid, err := strconv.ParseUint(pidText, 16, 32)
			if err != nil {
				continue
			}

			if pid == PIDTimestamp {
				ts, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					continue
				}
				timestamp = ts
				continue
			}
			if timestamp == 0 {
				// No in-band timestamp yet; pre-marker pairs are dropped.
				continue
			}

			c.Data[int(pid)] = Sample{TS: timestamp, Value: value}
			switch pid {
			case PIDRSSI:
				if v, err := strconv.Atoi(value); err == nil {
					c.RSSI = v
				}
			case PIDDeviceTemp:
				if v, err := strconv.Atoi(value); err == nil {
					c.DeviceTemp = v
				}
			}
			count++
		}

		if timestamp == 0 {
			timestamp = c.DeviceTick
		}
		if c.DeviceTick > 0 {
			if interval := timestamp - c.DeviceTick; interval > sampleRateMinInterval {
				c.SampleRate = float64(count) * millisPerMinute / float64(interval)
			}
		}
		c.DeviceTick = timestamp
		c.noteData(now, len(payload))

		snap = c.Snapshot(false)
	})

	p.metrics.SamplesAccepted(count)
	p.logger.Debug("payload processed",
		slog.String("id", snap.ID),
		slog.Uint64("recv", snap.RecvCount),
		slog.Int("bytes", len(payload)),
		slog.Int("samples", count),
		slog.Int64("devtick", snap.DeviceTick),
	)

	persistChannel(ctx, p.store, p.logger, snap)
	return count
}

// persistChannel writes a snapshot through the store, logging failures.
// The in-memory table stays authoritative; store errors never propagate.
func persistChannel(ctx context.Context, store Store, logger *slog.Logger, snap ChannelSnapshot) {
	if store == nil {
		return
	}
	if err := store.SaveChannel(ctx, snap); err != nil {
		logger.Warn("store write failed",
			slog.String("id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
}
