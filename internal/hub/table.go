package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	hubmetrics "github.com/gundalpha/Freematics-CONF/internal/metrics"
)

// -------------------------------------------------------------------------
// Table Errors
// -------------------------------------------------------------------------

var (
	// ErrTableSaturated indicates the table already holds MaxChannels
	// channels; admission fails without mutating the table.
	ErrTableSaturated = errors.New("channel table saturated")

	// ErrInvalidDeviceID indicates the device id is empty, shorter than
	// four characters, or contains a non-alphanumeric character.
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// ValidDeviceID reports whether devid is acceptable for admission:
// at least four characters, all ASCII alphanumeric.
func ValidDeviceID(devid string) bool {
	if len(devid) < 4 {
		return false
	}
	for i := 0; i < len(devid); i++ {
		c := devid[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}

// newChannelID generates a fresh opaque channel id: a random 128-bit
// value rendered as 32 uppercase hex digits.
func newChannelID() string {
	u := uuid.New()
	return fmt.Sprintf("%X", u[:])
}

// -------------------------------------------------------------------------
// ChannelTable
// -------------------------------------------------------------------------

// ChannelTable is the concurrent mapping from channel id and device id to
// channel records. A single table-level mutex serializes every channel
// mutation; the datagram receiver, the HTTP handlers, and the sweeper all
// share one table.
type ChannelTable struct {
	mu    sync.Mutex
	byID  map[string]*Channel
	byDev map[string]*Channel

	max     int
	clock   Clock
	logger  *slog.Logger
	metrics *hubmetrics.Collector
}

// TableOption configures a ChannelTable.
type TableOption func(*ChannelTable)

// WithTableMetrics wires a metrics collector into the table.
func WithTableMetrics(m *hubmetrics.Collector) TableOption {
	return func(t *ChannelTable) { t.metrics = m }
}

// NewChannelTable creates an empty table bounded by max channels.
func NewChannelTable(max int, clock Clock, logger *slog.Logger, opts ...TableOption) *ChannelTable {
	t := &ChannelTable{
		byID:   make(map[string]*Channel),
		byDev:  make(map[string]*Channel),
		max:    max,
		clock:  clock,
		logger: logger.With(slog.String("component", "hub.table")),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Len returns the number of channels in the table.
func (t *ChannelTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// FindByChannelID returns the channel with the given server-assigned id,
// or nil.
func (t *ChannelTable) FindByChannelID(id string) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// FindByDeviceID returns the channel with the given device id, or nil.
func (t *ChannelTable) FindByDeviceID(devid string) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byDev[devid]
}

// Admit returns the channel for devid, creating it when unknown. Admission
// is idempotent on an existing device id. A new channel gets a fresh
// opaque id and is inserted atomically; when the table is full,
// ErrTableSaturated is returned and nothing changes.
func (t *ChannelTable) Admit(devid string) (*Channel, error) {
	if !ValidDeviceID(devid) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDeviceID, devid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.byDev[devid]; ok {
		return c, nil
	}
	if len(t.byID) >= t.max {
		return nil, ErrTableSaturated
	}

	now := t.clock.NowMillis()
	c := &Channel{
		ID:               newChannelID(),
		DevID:            devid,
		Data:             make(map[int]Sample),
		SessionStartTick: now,
		ServerDataTick:   now,
		CreatedAt:        now,
	}
	t.byID[c.ID] = c
	t.byDev[devid] = c
	t.metrics.SetChannels(len(t.byID))

	t.logger.Info("channel admitted",
		slog.String("devid", devid),
		slog.String("id", c.ID),
	)
	return c, nil
}

// Evict removes the channel with the given id. Returns whether a channel
// was removed. Eviction is operator-driven; the sweeper never evicts.
func (t *ChannelTable) Evict(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	delete(t.byDev, c.DevID)
	t.metrics.SetChannels(len(t.byID))

	t.logger.Info("channel evicted", slog.String("id", id), slog.String("devid", c.DevID))
	return true
}

// Update runs fn on c under the table lock. All multi-field channel
// mutation goes through here, so mutations on one channel are totally
// ordered and readers never observe a half-applied transition.
func (t *ChannelTable) Update(c *Channel, fn func(*Channel)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(c)
}

// Snapshot returns a point-in-time copy of every channel. When withData
// is set, each snapshot carries a copy of the sample map.
func (t *ChannelTable) Snapshot(withData bool) []ChannelSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ChannelSnapshot, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c.Snapshot(withData))
	}
	return out
}

// SnapshotOf returns a point-in-time copy of a single channel.
func (t *ChannelTable) SnapshotOf(c *Channel, withData bool) ChannelSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return c.Snapshot(withData)
}

// SweepIdle clears the running flag on every channel whose last accepted
// data is older than timeoutMillis, returning snapshots of the channels
// it parked. Channels are never removed here.
func (t *ChannelTable) SweepIdle(now, timeoutMillis int64) []ChannelSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var parked []ChannelSnapshot
	for _, c := range t.byID {
		if c.Running() && now-c.ServerDataTick > timeoutMillis {
			c.Flags &^= FlagRunning
			parked = append(parked, c.Snapshot(false))
		}
	}
	return parked
}

// Load seeds the table from persisted snapshots, typically once at
// startup. Rows with an invalid device id or beyond the table cap are
// skipped with a log line; a partial load never fails.
func (t *ChannelTable) Load(snaps []ChannelSnapshot) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	loaded := 0
	for _, s := range snaps {
		if !ValidDeviceID(s.DevID) || s.ID == "" {
			t.logger.Warn("skipping persisted channel with bad identity",
				slog.String("id", s.ID), slog.String("devid", s.DevID))
			continue
		}
		if len(t.byID) >= t.max {
			t.logger.Warn("table full during load", slog.Int("loaded", loaded))
			break
		}
		if _, dup := t.byID[s.ID]; dup {
			continue
		}
		if _, dup := t.byDev[s.DevID]; dup {
			continue
		}
		c := &Channel{
			ID:               s.ID,
			DevID:            s.DevID,
			VIN:              s.VIN,
			Flags:            s.Flags,
			DevFlags:         s.DevFlags,
			RSSI:             s.RSSI,
			DeviceTemp:       s.DeviceTemp,
			DeviceTick:       s.DeviceTick,
			ServerDataTick:   s.ServerDataTick,
			ServerPingTick:   s.ServerPingTick,
			SessionStartTick: s.SessionStartTick,
			Elapsed:          s.Elapsed,
			RecvCount:        s.RecvCount,
			TxCount:          s.TxCount,
			DataReceived:     s.DataReceived,
			SampleRate:       s.SampleRate,
			Data:             make(map[int]Sample),
			IPAddr:           s.IPAddr,
			CreatedAt:        s.CreatedAt,
		}
		t.byID[c.ID] = c
		t.byDev[c.DevID] = c
		loaded++
	}
	t.metrics.SetChannels(len(t.byID))
	return loaded
}
