package hub

import (
	"log/slog"
	"sync"

	hubmetrics "github.com/gundalpha/Freematics-CONF/internal/metrics"
)

// CommandState is the lifecycle state of an issued command token.
type CommandState int

const (
	// CommandUnknown means no entry exists for the token (never issued,
	// or purged long after expiry).
	CommandUnknown CommandState = iota

	// CommandPending means the command was sent and no ACK has arrived.
	CommandPending

	// CommandDone means a device ACK resolved the command.
	CommandDone

	// CommandExpired means the timeout elapsed without an ACK. Commands
	// are never retried; delivery is at most once.
	CommandExpired
)

// String returns the human-readable name of the state.
func (s CommandState) String() string {
	switch s {
	case CommandPending:
		return "Pending"
	case CommandDone:
		return "Done"
	case CommandExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

type pendingKey struct {
	channelID string
	token     int
}

type pendingCommand struct {
	cmd       string
	msg       string
	state     CommandState
	expiresAt int64
}

// purgeGrace is how long, in milliseconds, a resolved or expired entry
// remains queryable before the sweeper purges it.
const purgeGrace = 10 * 60_000

// CommandDispatcher owns the pending-command registry that correlates
// server-originated commands with the ACK frames that arrive later on
// the UDP socket. It is shared by the HTTP frontend (which issues
// commands and polls tokens) and the UDP engine (which resolves them),
// and is guarded by its own lock, separate from the channel table's.
type CommandDispatcher struct {
	mu      sync.Mutex
	pending map[pendingKey]*pendingCommand

	timeoutMillis int64
	clock         Clock
	logger        *slog.Logger
	metrics       *hubmetrics.Collector
}

// DispatcherOption configures a CommandDispatcher.
type DispatcherOption func(*CommandDispatcher)

// WithDispatcherMetrics wires a metrics collector into the dispatcher.
func WithDispatcherMetrics(m *hubmetrics.Collector) DispatcherOption {
	return func(d *CommandDispatcher) { d.metrics = m }
}

// NewCommandDispatcher creates a dispatcher whose pending entries expire
// after timeoutMillis.
func NewCommandDispatcher(timeoutMillis int64, clock Clock, logger *slog.Logger, opts ...DispatcherOption) *CommandDispatcher {
	d := &CommandDispatcher{
		pending:       make(map[pendingKey]*pendingCommand),
		timeoutMillis: timeoutMillis,
		clock:         clock,
		logger:        logger.With(slog.String("component", "hub.dispatch")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register records a freshly sent command under (channelID, token).
func (d *CommandDispatcher) Register(channelID string, token int, cmd string) {
	now := d.clock.NowMillis()

	d.mu.Lock()
	d.pending[pendingKey{channelID, token}] = &pendingCommand{
		cmd:       cmd,
		state:     CommandPending,
		expiresAt: now + d.timeoutMillis,
	}
	d.mu.Unlock()

	d.metrics.CommandRegistered()
	d.logger.Info("command pending",
		slog.String("id", channelID),
		slog.Int("token", token),
		slog.String("cmd", cmd),
	)
}

// Resolve completes a pending command with the device's MSG payload.
// Returns false when no live pending entry matches: an unknown token, an
// already resolved one, or one past its expiry.
func (d *CommandDispatcher) Resolve(channelID string, token int, msg string) bool {
	now := d.clock.NowMillis()

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[pendingKey{channelID, token}]
	if !ok || p.state != CommandPending || now > p.expiresAt {
		return false
	}
	p.state = CommandDone
	p.msg = msg

	d.metrics.CommandResolved()
	d.logger.Info("command resolved",
		slog.String("id", channelID),
		slog.Int("token", token),
		slog.String("msg", msg),
	)
	return true
}

// Status reports the state of a token and, when done, the response MSG.
func (d *CommandDispatcher) Status(channelID string, token int) (CommandState, string) {
	now := d.clock.NowMillis()

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[pendingKey{channelID, token}]
	switch {
	case !ok:
		return CommandUnknown, ""
	case p.state == CommandDone:
		return CommandDone, p.msg
	case p.state == CommandExpired:
		return CommandExpired, ""
	case now > p.expiresAt:
		return CommandExpired, ""
	default:
		return CommandPending, ""
	}
}

// PurgeExpired drops entries whose timeout (plus a grace period for
// status polling) has passed, counting newly observed expiries. The
// sweeper calls this on its interval.
func (d *CommandDispatcher) PurgeExpired(now int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	purged := 0
	for key, p := range d.pending {
		if p.state == CommandPending && now > p.expiresAt {
			// Keep the entry queryable as Expired for a grace period.
			p.state = CommandExpired
			d.metrics.CommandExpired()
			d.logger.Warn("command expired",
				slog.String("id", key.channelID),
				slog.Int("token", key.token),
				slog.String("cmd", p.cmd),
			)
			continue
		}
		if now > p.expiresAt+purgeGrace {
			delete(d.pending, key)
			purged++
		}
	}
	return purged
}
