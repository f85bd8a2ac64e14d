package hub_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gundalpha/Freematics-CONF/internal/hub"
)

// engineHarness bundles an engine with its collaborators and fakes.
type engineHarness struct {
	engine     *hub.Engine
	table      *hub.ChannelTable
	dispatcher *hub.CommandDispatcher
	conn       *fakeConn
	clock      *fakeClock
	store      *memStore
}

func newEngineHarness(t *testing.T, opts ...hub.EngineOption) *engineHarness {
	t.Helper()

	clock := newFakeClock(1_000_000)
	logger := testLogger()
	conn := &fakeConn{}
	st := &memStore{}

	table := hub.NewChannelTable(16, clock, logger)
	dispatcher := hub.NewCommandDispatcher(10_000, clock, logger)
	proc := hub.NewPayloadProcessor(table, st, clock, logger)

	opts = append([]hub.EngineOption{hub.WithSyncInterval(30 * time.Second)}, opts...)
	engine := hub.NewEngine(conn, table, proc, dispatcher, st, clock, logger, opts...)

	return &engineHarness{
		engine:     engine,
		table:      table,
		dispatcher: dispatcher,
		conn:       conn,
		clock:      clock,
		store:      st,
	}
}

// login runs a LOGIN handshake for devid and returns the channel.
func (h *engineHarness) login(t *testing.T, devid, body string) *hub.Channel {
	t.Helper()

	h.engine.HandleDatagram(context.Background(), hub.EncodeFrame(devid, body), testPeer)
	c := h.table.FindByDeviceID(devid)
	if c == nil {
		t.Fatalf("device %q not admitted by login", devid)
	}
	return c
}

func TestEngineColdLogin(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	c := h.login(t, "TEST1234", "EV=1,TS=1000,SSI=-70,DF=1")

	snap := h.table.SnapshotOf(c, false)
	if !snap.Running() {
		t.Error("session not running after login")
	}
	if snap.DeviceTick != 1000 {
		t.Errorf("DeviceTick = %d, want 1000", snap.DeviceTick)
	}
	if snap.RSSI != -70 {
		t.Errorf("RSSI = %d, want -70", snap.RSSI)
	}
	if snap.TxCount != 1 {
		t.Errorf("TxCount = %d, want 1", snap.TxCount)
	}

	sent := h.conn.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	want := hub.EncodeReply(c.ID, hub.EventLogin, 0, 1)
	if sent[0].wire != want {
		t.Errorf("reply = %q, want %q", sent[0].wire, want)
	}
	if sent[0].dst != testPeer.String() {
		t.Errorf("reply dst = %q, want %q", sent[0].dst, testPeer.String())
	}

	// Login persisted the channel.
	if len(h.store.Saves()) != 1 {
		t.Errorf("store saves = %d, want 1", len(h.store.Saves()))
	}
}

func TestEngineLoginVINLength(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	// A 17-character VIN is stored on login.
	c := h.login(t, "TEST1234", "EV=1,TS=1000,VIN=1HGBH41JXMN109186")
	if got := h.table.SnapshotOf(c, false).VIN; got != "1HGBH41JXMN109186" {
		t.Fatalf("VIN = %q, want 1HGBH41JXMN109186", got)
	}

	// Re-logins with a short or overlong VIN leave it untouched.
	for _, vin := range []string{"SHORT", "1HGBH41JXMN1091867"} {
		h.login(t, "TEST1234", "EV=1,TS=2000,VIN="+vin)
		if got := h.table.SnapshotOf(c, false).VIN; got != "1HGBH41JXMN109186" {
			t.Errorf("VIN after login with %q = %q, want unchanged", vin, got)
		}
	}

	// A bad-length VIN on a cold login stores nothing.
	c2 := h.login(t, "OTHER567", "EV=1,TS=1000,VIN=TOOSHORT")
	if got := h.table.SnapshotOf(c2, false).VIN; got != "" {
		t.Errorf("VIN = %q, want empty", got)
	}
}

func TestEngineDataFrameAndSync(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	c := h.login(t, "TEST1234", "EV=1,TS=1000")

	// First data frame: samples land and a SYNC is due (no SYNC sent yet
	// this session).
	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "0:2000,10C:3500,10D:45"), testPeer)

	snap := h.table.SnapshotOf(c, true)
	if got := snap.Data[0x10D]; got.Value != "45" {
		t.Errorf("Data[0x10D] = %+v", got)
	}
	if snap.DeviceTick != 2000 {
		t.Errorf("DeviceTick = %d, want 2000", snap.DeviceTick)
	}

	sent := h.conn.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2 (login reply + sync)", len(sent))
	}
	wantSync := hub.EncodeReply(c.ID, hub.EventSync, 1, 2)
	if sent[1].wire != wantSync {
		t.Errorf("sync reply = %q, want %q", sent[1].wire, wantSync)
	}

	// Within the sync interval: data is accepted silently.
	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "0:3000,10D:50"), testPeer)
	if got := len(h.conn.Sent()); got != 2 {
		t.Fatalf("sent %d frames, want 2 (no reply inside sync interval)", got)
	}

	// Past the interval the next data frame gets a SYNC again.
	h.clock.Advance(31 * time.Second)
	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "0:4000,10D:55"), testPeer)
	if got := len(h.conn.Sent()); got != 3 {
		t.Fatalf("sent %d frames, want 3", got)
	}
}

func TestEnginePingParksSession(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	c := h.login(t, "TEST1234", "EV=1,TS=1000")

	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "EV=7,TS=5000"), testPeer)

	snap := h.table.SnapshotOf(c, false)
	if snap.Running() {
		t.Error("session still running after ping")
	}
	if snap.Flags&hub.FlagSleeping == 0 {
		t.Error("sleeping flag not set by ping")
	}

	sent := h.conn.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if want := hub.EncodeReply(c.ID, hub.EventPing, 0, 2); sent[1].wire != want {
		t.Errorf("ping reply = %q, want %q", sent[1].wire, want)
	}

	// A data frame for the parked session triggers RECONNECT and stores
	// nothing.
	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "0:6000,10D:45"), testPeer)

	snap = h.table.SnapshotOf(c, true)
	if len(snap.Data) != 0 {
		t.Errorf("parked session stored %d samples, want 0", len(snap.Data))
	}
	sent = h.conn.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	if want := hub.EncodeReply(c.ID, hub.EventReconnect, 0, 3); sent[2].wire != want {
		t.Errorf("reconnect reply = %q, want %q", sent[2].wire, want)
	}
}

func TestEngineLogout(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	c := h.login(t, "TEST1234", "EV=1,TS=1000")

	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "EV=2,TS=9000"), testPeer)

	if h.table.SnapshotOf(c, false).Running() {
		t.Error("session still running after logout")
	}
	if h.table.FindByDeviceID("TEST1234") == nil {
		t.Error("logout removed the channel; it must only park it")
	}

	sent := h.conn.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if want := hub.EncodeReply(c.ID, hub.EventLogout, 0, 2); sent[1].wire != want {
		t.Errorf("logout reply = %q, want %q", sent[1].wire, want)
	}
}

func TestEngineSessionResume(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	c := h.login(t, "TEST1234", "EV=1,TS=1000")

	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "0:2000,10D:45"), testPeer)
	if got := h.table.SnapshotOf(c, false).RecvCount; got != 1 {
		t.Fatalf("RecvCount = %d, want 1", got)
	}

	// A re-login within the resume window keeps the session counters.
	h.clock.Advance(30 * time.Second)
	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "EV=1,TS=32000"), testPeer)
	if got := h.table.SnapshotOf(c, false).RecvCount; got != 1 {
		t.Errorf("RecvCount after resume = %d, want 1", got)
	}

	// Past the window a login starts a new session.
	h.clock.Advance(2 * time.Minute)
	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "EV=1,TS=1000"), testPeer)

	snap := h.table.SnapshotOf(c, true)
	if snap.RecvCount != 0 {
		t.Errorf("RecvCount after new session = %d, want 0", snap.RecvCount)
	}
	if len(snap.Data) != 0 {
		t.Errorf("sample cache carried %d entries into new session", len(snap.Data))
	}
}

func TestEngineCommandAndAck(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	c := h.login(t, "TEST1234", "EV=1,TS=1000")

	token, err := h.engine.SendCommand(c, "REBOOT")
	if err != nil {
		t.Fatalf("SendCommand() error: %v", err)
	}
	if token != 1 {
		t.Errorf("token = %d, want 1", token)
	}

	sent := h.conn.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if want := hub.EncodeCommand(c.ID, 1, "REBOOT"); sent[1].wire != want {
		t.Errorf("command frame = %q, want %q", sent[1].wire, want)
	}

	if state, _ := h.dispatcher.Status(c.ID, token); state != hub.CommandPending {
		t.Fatalf("Status = %v, want Pending", state)
	}

	// Device ACK resolves the token and is acknowledged.
	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame(c.ID, "EV=6,TK=1,MSG=OK"), testPeer)

	state, msg := h.dispatcher.Status(c.ID, token)
	if state != hub.CommandDone {
		t.Errorf("Status = %v, want Done", state)
	}
	if msg != "OK" {
		t.Errorf("msg = %q, want OK", msg)
	}

	// Tokens are per channel and monotonic.
	if token, err := h.engine.SendCommand(c, "STATS"); err != nil || token != 2 {
		t.Errorf("second SendCommand = (%d, %v), want (2, nil)", token, err)
	}
}

func TestEngineCommandNoPeer(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	// Admitted but never seen over UDP.
	c, err := h.table.Admit("TEST1234")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if _, err := h.engine.SendCommand(c, "REBOOT"); !errors.Is(err, hub.ErrNoPeer) {
		t.Errorf("SendCommand error = %v, want ErrNoPeer", err)
	}
	if len(h.conn.Sent()) != 0 {
		t.Error("command frame sent despite missing peer")
	}
}

func TestEngineServerKey(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, hub.WithServerKey("s3cret"))

	// Wrong key: silently dropped, nothing admitted.
	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame("TEST1234", "EV=1,TS=1000,SK=wrong"), testPeer)
	if h.table.Len() != 0 {
		t.Fatal("unauthorized login admitted a channel")
	}
	if len(h.conn.Sent()) != 0 {
		t.Fatal("unauthorized login got a reply")
	}

	// Correct key admits.
	h.engine.HandleDatagram(context.Background(),
		hub.EncodeFrame("TEST1234", "EV=1,TS=1000,SK=s3cret"), testPeer)
	if h.table.FindByDeviceID("TEST1234") == nil {
		t.Error("authorized login not admitted")
	}
}

func TestEngineDropsMalformedAndUnknown(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	for _, raw := range []string{
		"",
		"garbage",
		"AB#C*00",                               // checksum mismatch
		hub.EncodeFrame("TEST1234", "EV=42"),    // unknown event id
		hub.EncodeFrame("DEADBEEF", "0:1,30:2"), // data for unknown id
		hub.EncodeFrame("DEADBEEF", "EV=7"),     // ping for unknown id
	} {
		h.engine.HandleDatagram(context.Background(), raw, testPeer)
	}

	if h.table.Len() != 0 {
		t.Errorf("table holds %d channels, want 0", h.table.Len())
	}
	if len(h.conn.Sent()) != 0 {
		t.Errorf("sent %d frames, want 0", len(h.conn.Sent()))
	}
}

func TestEngineSaturatedLogin(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(1_000_000)
	logger := testLogger()
	conn := &fakeConn{}
	table := hub.NewChannelTable(1, clock, logger)
	dispatcher := hub.NewCommandDispatcher(10_000, clock, logger)
	proc := hub.NewPayloadProcessor(table, nil, clock, logger)
	engine := hub.NewEngine(conn, table, proc, dispatcher, nil, clock, logger)

	engine.HandleDatagram(context.Background(),
		hub.EncodeFrame("DEV00001", "EV=1,TS=1"), testPeer)
	engine.HandleDatagram(context.Background(),
		hub.EncodeFrame("DEV00002", "EV=1,TS=1"), testPeer)

	if table.Len() != 1 {
		t.Errorf("table holds %d channels, want 1", table.Len())
	}
	if table.FindByDeviceID("DEV00002") != nil {
		t.Error("second device admitted past the cap")
	}
	// Only the first login was answered.
	if got := len(conn.Sent()); got != 1 {
		t.Errorf("sent %d frames, want 1", got)
	}
}
