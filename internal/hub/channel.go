package hub

import (
	"net/netip"
)

// -------------------------------------------------------------------------
// Channel Flags
// -------------------------------------------------------------------------

// Channel flag bits.
const (
	// FlagRunning is set while the server considers the channel's session
	// active.
	FlagRunning uint32 = 0x1

	// FlagSleeping is set by a device ping and cleared at the next login
	// or accepted data.
	FlagSleeping uint32 = 0x2
)

// sessionResumeWindow is how stale the last accepted data may be, in
// milliseconds, for a LOGIN to resume the current session instead of
// starting a new one.
const sessionResumeWindow = 60_000

// vinLength is the only accepted VIN length; anything else leaves the
// stored VIN untouched.
const vinLength = 17

// Well-known sidecar and synthetic PIDs.
const (
	// PIDTimestamp is the reserved in-band timestamp marker. It is never
	// stored in the sample map.
	PIDTimestamp = 0x0

	// PIDRSSI carries radio signal strength; its numeric parse is
	// mirrored onto Channel.RSSI.
	PIDRSSI = 0x100

	// PIDDeviceTemp carries the device temperature; mirrored onto
	// Channel.DeviceTemp.
	PIDDeviceTemp = 0x101

	// GPS PIDs synthesized by the HTTP /api/post GET form.
	PIDGPSLatitude  = 0x200
	PIDGPSLongitude = 0x201
	PIDGPSSpeed     = 0x202
	PIDGPSAltitude  = 0x203
	PIDGPSHeading   = 0x204
)

// -------------------------------------------------------------------------
// Channel — per-device session state
// -------------------------------------------------------------------------

// Sample is the latest value recorded for one PID. TS is the device tick
// (ms since device boot) in effect when the sample was produced; stored
// samples always have TS > 0.
type Sample struct {
	TS    int64
	Value string
}

// Channel is the server's representation of one device: its identity,
// session state, counters, and latest-sample cache. All mutation happens
// under the owning ChannelTable's lock; see ChannelTable.Update.
type Channel struct {
	// ID is the server-assigned opaque identifier, rendered as uppercase
	// hex on the wire. Set once at admission.
	ID string

	// DevID is the device-chosen identifier (alphanumeric, length >= 4).
	DevID string

	// VIN is the 17-character vehicle identification number, if reported.
	VIN string

	// Flags holds the FlagRunning / FlagSleeping bits.
	Flags uint32

	// Last-seen device state.
	DevFlags   int
	RSSI       int
	DeviceTemp int

	// DeviceTick is the last timestamp reported by the device (ms since
	// device boot). Monotonic within a session; reset across a login.
	DeviceTick int64

	// Server wall-clock marks, ms since the Unix epoch.
	ServerDataTick   int64 // last accepted data
	ServerPingTick   int64 // last ping or logout
	ServerSyncTick   int64 // last SYNC reply sent
	SessionStartTick int64 // current session start

	// Counters for the current session.
	Elapsed      int64 // seconds since session start at last data
	RecvCount    uint64
	TxCount      uint64
	DataReceived uint64

	// SampleRate is the samples-per-minute estimate.
	SampleRate float64

	// Data maps PID to its latest sample. Keys are positive; PID 0 is the
	// in-band timestamp marker and never stored.
	Data map[int]Sample

	// UDPPeer is the last observed device UDP endpoint; the zero value
	// means the device has never been seen over UDP.
	UDPPeer netip.AddrPort

	// CmdCount is the monotonic command token counter.
	CmdCount int

	// IPAddr is the last HTTP source address.
	IPAddr string

	// CreatedAt is the admission timestamp, ms since the Unix epoch.
	CreatedAt int64
}

// Running reports whether the server considers the session active.
func (c *Channel) Running() bool { return c.Flags&FlagRunning != 0 }

// Sleeping reports whether the channel was parked by a device ping.
func (c *Channel) Sleeping() bool { return c.Flags&FlagSleeping != 0 }

// login applies a LOGIN event. A new session starts when the channel is
// not running or its last accepted data is older than the resume window;
// otherwise the session is resumed and counters are kept. Returns true
// when a new session started.
//
// Caller holds the table lock.
func (c *Channel) login(now int64, evt Event) bool {
	fresh := !c.Running() || now-c.ServerDataTick > sessionResumeWindow
	if fresh {
		c.DataReceived = 0
		c.RecvCount = 0
		c.TxCount = 0
		c.Elapsed = 0
		c.SampleRate = 0
		c.Data = make(map[int]Sample)
		c.SessionStartTick = now
		c.ServerDataTick = now
		c.Flags |= FlagRunning
		c.Flags &^= FlagSleeping
	}

	c.DeviceTick = evt.DeviceTick
	c.RSSI = evt.RSSI
	c.DevFlags = evt.DevFlags
	if len(evt.VIN) == vinLength {
		c.VIN = evt.VIN
	}
	return fresh
}

// logout clears the running flag and records the time.
//
// Caller holds the table lock.
func (c *Channel) logout(now int64) {
	c.Flags &^= FlagRunning
	c.ServerPingTick = now
}

// ping parks the channel: sleeping on, running off.
//
// Caller holds the table lock.
func (c *Channel) ping(now int64) {
	c.Flags &^= FlagRunning
	c.Flags |= FlagSleeping
	c.ServerPingTick = now
}

// noteData records one accepted payload: bumps the receive counter, adds
// the payload length, and refreshes the data tick and elapsed time.
//
// Caller holds the table lock.
func (c *Channel) noteData(now int64, payloadLen int) {
	c.RecvCount++
	c.DataReceived += uint64(payloadLen)
	c.ServerDataTick = now
	if c.SessionStartTick > 0 {
		c.Elapsed = (now - c.SessionStartTick) / 1000
	}
}

// -------------------------------------------------------------------------
// Snapshot — point-in-time copy for persistence and the dashboard
// -------------------------------------------------------------------------

// ChannelSnapshot is a copy of a channel's fields taken under the table
// lock, safe to use for store writes and HTTP responses after the lock is
// released.
type ChannelSnapshot struct {
	ID               string
	DevID            string
	VIN              string
	Flags            uint32
	DevFlags         int
	RSSI             int
	DeviceTemp       int
	DeviceTick       int64
	ServerDataTick   int64
	ServerPingTick   int64
	SessionStartTick int64
	Elapsed          int64
	RecvCount        uint64
	TxCount          uint64
	DataReceived     uint64
	SampleRate       float64
	Data             map[int]Sample
	IPAddr           string
	CreatedAt        int64
}

// Running reports whether the snapshot has the running flag set.
func (s ChannelSnapshot) Running() bool { return s.Flags&FlagRunning != 0 }

// Snapshot copies the channel. When withData is set the sample map is
// copied as well; otherwise Data is nil.
//
// Caller holds the table lock, typically inside a ChannelTable.Update
// closure.
func (c *Channel) Snapshot(withData bool) ChannelSnapshot {
	snap := ChannelSnapshot{
		ID:               c.ID,
		DevID:            c.DevID,
		VIN:              c.VIN,
		Flags:            c.Flags,
		DevFlags:         c.DevFlags,
		RSSI:             c.RSSI,
		DeviceTemp:       c.DeviceTemp,
		DeviceTick:       c.DeviceTick,
		ServerDataTick:   c.ServerDataTick,
		ServerPingTick:   c.ServerPingTick,
		SessionStartTick: c.SessionStartTick,
		Elapsed:          c.Elapsed,
		RecvCount:        c.RecvCount,
		TxCount:          c.TxCount,
		DataReceived:     c.DataReceived,
		SampleRate:       c.SampleRate,
		IPAddr:           c.IPAddr,
		CreatedAt:        c.CreatedAt,
	}
	if withData {
		snap.Data = make(map[int]Sample, len(c.Data))
		for pid, s := range c.Data {
			snap.Data[pid] = s
		}
	}
	return snap
}
