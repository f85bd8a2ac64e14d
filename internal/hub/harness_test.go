package hub_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gundalpha/Freematics-CONF/internal/hub"
)

// testLogger returns a logger that discards everything.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable hub.Clock.
type fakeClock struct {
	mu sync.Mutex
	ms int64
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{ms: ms}
}

func (f *fakeClock) NowMillis() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ms
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.ms += d.Milliseconds()
	f.mu.Unlock()
}

// sentFrame is one datagram captured by the fake connection.
type sentFrame struct {
	wire string
	dst  string
}

// fakeConn captures WriteTo calls. ReadFrom reports a closed socket so an
// Engine.Run loop over it exits immediately.
type fakeConn struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (f *fakeConn) ReadFrom([]byte) (int, net.Addr, error) {
	return 0, nil, net.ErrClosed
}

func (f *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{wire: string(p), dst: addr.String()})
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) Sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

// memStore is an in-memory hub.Store recording every save.
type memStore struct {
	mu    sync.Mutex
	saves []hub.ChannelSnapshot
	rows  []hub.ChannelSnapshot
	err   error
}

func (m *memStore) SaveChannel(_ context.Context, snap hub.ChannelSnapshot) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	m.saves = append(m.saves, snap)
	m.mu.Unlock()
	return nil
}

func (m *memStore) LoadChannels(context.Context) ([]hub.ChannelSnapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rows, nil
}

func (m *memStore) Saves() []hub.ChannelSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hub.ChannelSnapshot, len(m.saves))
	copy(out, m.saves)
	return out
}

// testPeer is the device endpoint used throughout the engine tests.
var testPeer = netip.MustParseAddrPort("192.0.2.10:33000")
