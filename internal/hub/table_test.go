package hub_test

import (
	"errors"
	"testing"

	"github.com/gundalpha/Freematics-CONF/internal/hub"
)

func TestValidDeviceID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		devid string
		want  bool
	}{
		{name: "alphanumeric", devid: "TEST1234", want: true},
		{name: "minimum length", devid: "ab12", want: true},
		{name: "too short", devid: "ab1", want: false},
		{name: "empty", devid: "", want: false},
		{name: "hash rejected", devid: "AB#12", want: false},
		{name: "space rejected", devid: "AB 12", want: false},
		{name: "star rejected", devid: "ABC*1", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := hub.ValidDeviceID(tt.devid); got != tt.want {
				t.Errorf("ValidDeviceID(%q) = %v, want %v", tt.devid, got, tt.want)
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(1_000_000)
	table := hub.NewChannelTable(10, clock, testLogger())

	c, err := table.Admit("TEST1234")
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if c.ID == "" {
		t.Error("channel id is empty")
	}
	if c.DevID != "TEST1234" {
		t.Errorf("DevID = %q", c.DevID)
	}
	if c.CreatedAt != 1_000_000 {
		t.Errorf("CreatedAt = %d, want 1000000", c.CreatedAt)
	}

	// Idempotent on the same device id.
	again, err := table.Admit("TEST1234")
	if err != nil {
		t.Fatalf("second Admit() error: %v", err)
	}
	if again != c {
		t.Error("second Admit returned a different channel")
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}

	// Lookup by both identities.
	if table.FindByChannelID(c.ID) != c {
		t.Error("FindByChannelID did not return the channel")
	}
	if table.FindByDeviceID("TEST1234") != c {
		t.Error("FindByDeviceID did not return the channel")
	}
}

func TestAdmitInvalidDeviceID(t *testing.T) {
	t.Parallel()

	table := hub.NewChannelTable(10, newFakeClock(0), testLogger())

	if _, err := table.Admit("x"); !errors.Is(err, hub.ErrInvalidDeviceID) {
		t.Errorf("Admit error = %v, want ErrInvalidDeviceID", err)
	}
}

func TestAdmitSaturation(t *testing.T) {
	t.Parallel()

	table := hub.NewChannelTable(2, newFakeClock(0), testLogger())

	if _, err := table.Admit("DEV0001"); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := table.Admit("DEV0002"); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := table.Admit("DEV0003"); !errors.Is(err, hub.ErrTableSaturated) {
		t.Errorf("Admit error = %v, want ErrTableSaturated", err)
	}

	// A known device still resolves at capacity.
	if _, err := table.Admit("DEV0001"); err != nil {
		t.Errorf("re-Admit at capacity: %v", err)
	}
}

func TestEvict(t *testing.T) {
	t.Parallel()

	table := hub.NewChannelTable(10, newFakeClock(0), testLogger())
	c, err := table.Admit("TEST1234")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if !table.Evict(c.ID) {
		t.Error("Evict returned false for existing channel")
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
	if table.FindByDeviceID("TEST1234") != nil {
		t.Error("device id still resolves after eviction")
	}
	if table.Evict(c.ID) {
		t.Error("second Evict returned true")
	}
}

func TestSweepIdle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(1_000_000)
	table := hub.NewChannelTable(10, clock, testLogger())

	idle, err := table.Admit("IDLE0001")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	fresh, err := table.Admit("LIVE0001")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	table.Update(idle, func(c *hub.Channel) {
		c.Flags |= hub.FlagRunning
		c.ServerDataTick = 1_000_000
	})
	table.Update(fresh, func(c *hub.Channel) {
		c.Flags |= hub.FlagRunning
		c.ServerDataTick = 1_290_000
	})

	// 300s timeout: at t=1,310,000 only the idle channel is past it.
	parked := table.SweepIdle(1_310_000, 300_000)
	if len(parked) != 1 {
		t.Fatalf("parked %d channels, want 1", len(parked))
	}
	if parked[0].DevID != "IDLE0001" {
		t.Errorf("parked %q, want IDLE0001", parked[0].DevID)
	}

	if idle.Running() {
		t.Error("idle channel still running after sweep")
	}
	if !fresh.Running() {
		t.Error("fresh channel was parked")
	}
	if table.Len() != 2 {
		t.Errorf("Len() = %d after sweep, want 2 (sweeper never evicts)", table.Len())
	}

	// A second sweep finds nothing new.
	if parked := table.SweepIdle(1_310_000, 300_000); len(parked) != 0 {
		t.Errorf("second sweep parked %d channels, want 0", len(parked))
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	table := hub.NewChannelTable(2, newFakeClock(0), testLogger())

	rows := []hub.ChannelSnapshot{
		{ID: "AAAA", DevID: "DEV0001", VIN: "1HGBH41JXMN109186", RecvCount: 9},
		{ID: "", DevID: "DEV0002"},     // missing channel id
		{ID: "BBBB", DevID: "x"},       // invalid device id
		{ID: "AAAA", DevID: "DEV0004"}, // duplicate channel id
		{ID: "CCCC", DevID: "DEV0005"},
		{ID: "DDDD", DevID: "DEV0006"}, // beyond the cap of 2
	}

	if got := table.Load(rows); got != 2 {
		t.Errorf("Load() = %d, want 2", got)
	}

	c := table.FindByDeviceID("DEV0001")
	if c == nil {
		t.Fatal("DEV0001 not restored")
	}
	if c.RecvCount != 9 {
		t.Errorf("RecvCount = %d, want 9", c.RecvCount)
	}
	if c.VIN != "1HGBH41JXMN109186" {
		t.Errorf("VIN = %q", c.VIN)
	}
	if c.Data == nil {
		t.Error("restored channel has nil sample map")
	}
}

func TestUpdateOrdering(t *testing.T) {
	t.Parallel()

	table := hub.NewChannelTable(10, newFakeClock(0), testLogger())
	c, err := table.Admit("TEST1234")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			table.Update(c, func(c *hub.Channel) { c.RecvCount++ })
		}
	}()
	for i := 0; i < 1000; i++ {
		table.Update(c, func(c *hub.Channel) { c.RecvCount++ })
	}
	<-done

	if got := table.SnapshotOf(c, false).RecvCount; got != 2000 {
		t.Errorf("RecvCount = %d, want 2000", got)
	}
}
