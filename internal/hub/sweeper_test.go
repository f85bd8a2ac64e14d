package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/gundalpha/Freematics-CONF/internal/hub"
)

func TestSweepParksIdleSessions(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(1_000_000)
	logger := testLogger()
	st := &memStore{}
	table := hub.NewChannelTable(10, clock, logger)
	dispatcher := hub.NewCommandDispatcher(10_000, clock, logger)
	sweeper := hub.NewSweeper(table, dispatcher, st, 300*time.Second, clock, logger)

	idle := newRunningChannel(t, table, "IDLE0001")
	live := newRunningChannel(t, table, "LIVE0001")

	table.Update(idle, func(c *hub.Channel) { c.ServerDataTick = 1_000_000 })
	table.Update(live, func(c *hub.Channel) { c.ServerDataTick = 1_000_000 })

	// Keep the live channel fresh, let the idle one go stale.
	clock.Advance(301 * time.Second)
	table.Update(live, func(c *hub.Channel) { c.ServerDataTick = clock.NowMillis() })

	sweeper.Sweep(context.Background())

	if idle.Running() {
		t.Error("idle channel still running after sweep")
	}
	if !live.Running() {
		t.Error("live channel was parked")
	}
	if table.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (sweeper never evicts)", table.Len())
	}

	// The parked channel was persisted.
	saves := st.Saves()
	if len(saves) != 1 {
		t.Fatalf("store saves = %d, want 1", len(saves))
	}
	if saves[0].DevID != "IDLE0001" {
		t.Errorf("persisted %q, want IDLE0001", saves[0].DevID)
	}
}

func TestSweepExpiresCommands(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(1_000_000)
	logger := testLogger()
	table := hub.NewChannelTable(10, clock, logger)
	dispatcher := hub.NewCommandDispatcher(10_000, clock, logger)
	sweeper := hub.NewSweeper(table, dispatcher, nil, 300*time.Second, clock, logger)

	dispatcher.Register("CH01", 1, "REBOOT")

	clock.Advance(11 * time.Second)
	sweeper.Sweep(context.Background())

	if state, _ := dispatcher.Status("CH01", 1); state != hub.CommandExpired {
		t.Errorf("Status = %v, want Expired", state)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(1_000_000)
	logger := testLogger()
	table := hub.NewChannelTable(10, clock, logger)
	sweeper := hub.NewSweeper(table, nil, nil, 300*time.Second, clock, logger,
		hub.WithSweepInterval(time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
