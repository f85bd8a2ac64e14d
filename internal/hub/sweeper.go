package hub

import (
	"context"
	"log/slog"
	"time"

	hubmetrics "github.com/gundalpha/Freematics-CONF/internal/metrics"
)

// defaultSweepInterval is how often the sweeper scans the table.
const defaultSweepInterval = 10 * time.Second

// Sweeper periodically parks sessions that have gone data-idle: any
// running channel whose last accepted data is older than the channel
// timeout loses its running flag. The sweeper never deletes channels;
// eviction is operator-driven. It also purges expired command tokens.
type Sweeper struct {
	table      *ChannelTable
	dispatcher *CommandDispatcher
	store      Store
	clock      Clock
	logger     *slog.Logger
	metrics    *hubmetrics.Collector

	interval      time.Duration
	timeoutMillis int64
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the scan interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithSweeperMetrics wires a metrics collector into the sweeper.
func WithSweeperMetrics(m *hubmetrics.Collector) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper creates a sweeper that parks sessions idle for longer than
// timeout.
func NewSweeper(
	table *ChannelTable,
	dispatcher *CommandDispatcher,
	store Store,
	timeout time.Duration,
	clock Clock,
	logger *slog.Logger,
	opts ...SweeperOption,
) *Sweeper {
	s := &Sweeper{
		table:         table,
		dispatcher:    dispatcher,
		store:         store,
		clock:         clock,
		logger:        logger.With(slog.String("component", "hub.sweeper")),
		interval:      defaultSweepInterval,
		timeoutMillis: timeout.Milliseconds(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: parks idle sessions, persists them, and purges
// expired command tokens.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock.NowMillis()

	for _, snap := range s.table.SweepIdle(now, s.timeoutMillis) {
		s.metrics.SessionTimedOut()
		s.logger.Info("channel timed out",
			slog.String("devid", snap.DevID),
			slog.Int64("idle_ms", now-snap.ServerDataTick),
		)
		persistChannel(ctx, s.store, s.logger, snap)
	}

	if s.dispatcher != nil {
		s.dispatcher.PurgeExpired(now)
	}
}
