package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	hubmetrics "github.com/gundalpha/Freematics-CONF/internal/metrics"
)

// readTimeout bounds each blocking datagram read so the receive loop can
// observe shutdown.
const readTimeout = 1 * time.Second

// defaultSyncInterval is the minimum gap between data-frame replies.
const defaultSyncInterval = 30 * time.Second

// Command dispatch errors, surfaced verbatim by the HTTP frontend.
var (
	// ErrNoPeer indicates the target channel has no known UDP endpoint.
	ErrNoPeer = errors.New("device not connected via UDP")

	// ErrSendFailed indicates the command datagram could not be sent.
	ErrSendFailed = errors.New("command unsent")
)

// PacketConn is the subset of net.PacketConn the engine needs. The
// receive side is owned by the engine's Run loop; WriteTo is safe for
// concurrent use (commands originate from HTTP handlers).
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

// Engine is the UDP protocol engine: it owns the receive loop, classifies
// each datagram as an event or data frame, drives the per-channel session
// state machine, emits reply frames, and originates outgoing commands.
type Engine struct {
	conn       PacketConn
	table      *ChannelTable
	proc       *PayloadProcessor
	dispatcher *CommandDispatcher
	store      Store
	clock      Clock
	logger     *slog.Logger
	metrics    *hubmetrics.Collector

	serverKey          string
	syncIntervalMillis int64

	// dropLog throttles malformed-frame logging so a garbage flood
	// cannot saturate the log sink.
	dropLog *rate.Limiter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineMetrics wires a metrics collector into the engine.
func WithEngineMetrics(m *hubmetrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithServerKey requires LOGIN frames to carry a matching SK field.
// An empty key disables the check.
func WithServerKey(key string) EngineOption {
	return func(e *Engine) { e.serverKey = key }
}

// WithSyncInterval overrides the minimum gap between data-frame replies.
func WithSyncInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.syncIntervalMillis = d.Milliseconds() }
}

// NewEngine creates an engine reading from conn and mutating table state
// through the payload processor and dispatcher.
func NewEngine(
	conn PacketConn,
	table *ChannelTable,
	proc *PayloadProcessor,
	dispatcher *CommandDispatcher,
	store Store,
	clock Clock,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		conn:               conn,
		table:              table,
		proc:               proc,
		dispatcher:         dispatcher,
		store:              store,
		clock:              clock,
		logger:             logger.With(slog.String("component", "hub.engine")),
		syncIntervalMillis: defaultSyncInterval.Milliseconds(),
		dropLog:            rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run reads datagrams until ctx is cancelled. Read errors other than
// deadline expiry are logged and do not stop the loop; closing the
// socket or cancelling the context terminates it.
func (e *Engine) Run(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := e.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			e.logger.Warn("udp read error", slog.String("error", err.Error()))
			continue
		}

		src, ok := addrPort(addr)
		if !ok {
			continue
		}
		e.HandleDatagram(ctx, string(buf[:n]), src)
	}
}

// addrPort extracts the netip.AddrPort from a datagram source address.
func addrPort(addr net.Addr) (netip.AddrPort, bool) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.AddrPort(), true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, false
	}
	return ap, true
}

// HandleDatagram processes one raw datagram from src: checksum and frame
// validation, channel lookup, and the event/data state machine. Malformed
// frames are dropped without a reply and without mutating any state.
func (e *Engine) HandleDatagram(ctx context.Context, raw string, src netip.AddrPort) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		e.dropFrame(hubmetrics.ReasonMalformed, src, err)
		return
	}

	c := e.table.FindByChannelID(frame.ID)
	if c == nil {
		c = e.table.FindByDeviceID(frame.ID)
	}

	if frame.Event() {
		evt, err := ParseEvent(frame.Body)
		if err != nil {
			e.dropFrame(hubmetrics.ReasonMalformed, src, err)
			return
		}
		e.metrics.FrameReceived("event")
		e.handleEvent(ctx, c, frame, evt, src)
		return
	}

	e.metrics.FrameReceived("data")
	e.handleData(ctx, c, frame, src)
}

// handleEvent drives the per-channel state machine for one event frame.
func (e *Engine) handleEvent(ctx context.Context, c *Channel, frame Frame, evt Event, src netip.AddrPort) {
	if evt.ID == EventLogin {
		e.handleLogin(ctx, c, frame, evt, src)
		return
	}

	// Every other event needs an existing channel.
	if c == nil {
		e.dropFrame(hubmetrics.ReasonUnknownID, src,
			fmt.Errorf("event %s for unknown id %q", evt.ID, frame.ID))
		return
	}

	now := e.clock.NowMillis()

	switch evt.ID {
	case EventLogout:
		// Reply carries the pre-logout counters, then the session ends.
		e.reply(c, EventLogout, src)
		var snap ChannelSnapshot
		e.table.Update(c, func(c *Channel) {
			c.logout(now)
			snap = c.Snapshot(false)
		})
		persistChannel(ctx, e.store, e.logger, snap)
		e.logger.Info("device logout", slog.String("devid", c.DevID))

	case EventPing:
		e.table.Update(c, func(c *Channel) {
			c.ping(now)
		})
		e.logger.Info("device ping", slog.String("devid", c.DevID))
		e.reply(c, EventPing, src)

	case EventAck:
		if !e.dispatcher.Resolve(c.ID, evt.Token, evt.Msg) {
			e.logger.Warn("ack with no pending command",
				slog.String("id", c.ID),
				slog.Int("token", evt.Token),
			)
		}
		e.reply(c, EventAck, src)

	default:
		// SYNC, RECONNECT, and COMMAND from a device carry no state
		// transition; acknowledge with the echoed event id.
		e.reply(c, evt.ID, src)
	}
}

// handleLogin admits unknown devices (the identity token on a first login
// is the device id) and starts or resumes the session.
func (e *Engine) handleLogin(ctx context.Context, c *Channel, frame Frame, evt Event, src netip.AddrPort) {
	if e.serverKey != "" && evt.Key != e.serverKey {
		e.dropFrame(hubmetrics.ReasonUnauthorized, src,
			fmt.Errorf("login key mismatch for %q", frame.ID))
		return
	}

	if c == nil {
		var err error
		c, err = e.table.Admit(frame.ID)
		if err != nil {
			reason := hubmetrics.ReasonMalformed
			if errors.Is(err, ErrTableSaturated) {
				reason = hubmetrics.ReasonSaturated
			}
			e.metrics.FrameDropped(reason)
			e.logger.Error("channel assignment failed",
				slog.String("devid", frame.ID),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	now := e.clock.NowMillis()
	var fresh bool
	var snap ChannelSnapshot
	e.table.Update(c, func(c *Channel) {
		fresh = c.login(now, evt)
		c.UDPPeer = src
		snap = c.Snapshot(false)
	})

	if fresh {
		e.logger.Info("device login",
			slog.String("devid", c.DevID),
			slog.String("peer", src.String()),
		)
	} else {
		e.logger.Info("device relogin", slog.String("devid", c.DevID))
	}

	persistChannel(ctx, e.store, e.logger, snap)
	e.reply(c, EventLogin, src)
}

// handleData feeds a data frame through the payload processor, replying
// only when a sync is due. A data frame for a channel without a running
// session gets a RECONNECT to force re-login and stores nothing.
func (e *Engine) handleData(ctx context.Context, c *Channel, frame Frame, src netip.AddrPort) {
	if c == nil {
		e.dropFrame(hubmetrics.ReasonUnknownID, src,
			fmt.Errorf("data frame for unknown id %q", frame.ID))
		return
	}

	running := false
	e.table.Update(c, func(c *Channel) { running = c.Running() })
	if !running {
		e.reply(c, EventReconnect, src)
		return
	}

	e.proc.Process(ctx, c, frame.Body)

	now := e.clock.NowMillis()
	syncDue := false
	e.table.Update(c, func(c *Channel) {
		c.IPAddr = src.Addr().String()
		if now-c.ServerSyncTick >= e.syncIntervalMillis {
			c.ServerSyncTick = now
			syncDue = true
		}
	})

	// No per-frame reply: the SYNC gap is the backpressure signal, and a
	// SYNC reply re-confirms the channel-id binding to the current peer.
	if syncDue {
		e.reply(c, EventSync, src)
	}
}

// reply emits <id>#EV=<event>,RX=<recv>,TX=<tx+1>*<cs> to dst and then
// increments the channel's TX counter, so TxCount always equals the
// number of reply frames emitted on the channel.
func (e *Engine) reply(c *Channel, event EventID, dst netip.AddrPort) {
	var wire string
	e.table.Update(c, func(c *Channel) {
		wire = EncodeReply(c.ID, event, c.RecvCount, c.TxCount+1)
	})

	if _, err := e.conn.WriteTo([]byte(wire), net.UDPAddrFromAddrPort(dst)); err != nil {
		e.logger.Warn("reply send failed",
			slog.String("id", c.ID),
			slog.String("event", event.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	e.table.Update(c, func(c *Channel) { c.TxCount++ })
	e.metrics.ReplySent(event.String())
	e.logger.Debug("reply sent",
		slog.String("id", c.ID),
		slog.String("event", event.String()),
	)
}

// SendCommand allocates the next command token for the channel, sends
// EV=5,TK=<token>,CMD=<cmd> to the device's last-seen UDP endpoint, and
// registers the pending token with the dispatcher. Delivery is at most
// once; expiry is the dispatcher's concern.
func (e *Engine) SendCommand(c *Channel, cmd string) (int, error) {
	var (
		token int
		peer  netip.AddrPort
		wire  string
	)
	e.table.Update(c, func(c *Channel) {
		peer = c.UDPPeer
		if !peer.IsValid() {
			return
		}
		c.CmdCount++
		token = c.CmdCount
		wire = EncodeCommand(c.ID, token, cmd)
	})

	if !peer.IsValid() {
		return 0, ErrNoPeer
	}

	if _, err := e.conn.WriteTo([]byte(wire), net.UDPAddrFromAddrPort(peer)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	e.dispatcher.Register(c.ID, token, cmd)
	e.logger.Info("command sent",
		slog.String("id", c.ID),
		slog.Int("token", token),
		slog.String("cmd", cmd),
	)
	return token, nil
}

// dropFrame records a dropped datagram. Logging is rate limited; the
// metric is not.
func (e *Engine) dropFrame(reason string, src netip.AddrPort, err error) {
	e.metrics.FrameDropped(reason)
	if e.dropLog.Allow() {
		e.logger.Warn("frame dropped",
			slog.String("reason", reason),
			slog.String("src", src.String()),
			slog.String("error", err.Error()),
		)
	}
}
