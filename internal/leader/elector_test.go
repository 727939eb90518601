package leader

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/runnerd/internal/broker"
	"git.home.luguber.info/inful/runnerd/internal/config"
	"git.home.luguber.info/inful/runnerd/internal/events"
)

func haConfig(enabled bool) config.HAConfig {
	return config.HAConfig{
		Enabled:       enabled,
		NodeID:        "node-a",
		LockKey:       "runnerd:leader",
		LockTTL:       "200ms",
		RenewInterval: "50ms",
	}
}

func TestDisabledElectionAlwaysLeads(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	changes, unsub := events.Subscribe[events.LeadershipChanged](bus, 1)
	defer unsub()

	e := NewElector(broker.NewMemory(), haConfig(false), bus, slog.Default())
	require.True(t, e.IsLeader(), "leadership must hold before Start when disabled")

	require.NoError(t, e.Start(t.Context()))
	defer func() { require.NoError(t, e.Stop(t.Context())) }()

	select {
	case evt := <-changes:
		require.True(t, evt.Leader)
		require.Equal(t, "node-a", evt.NodeID)
	case <-time.After(time.Second):
		t.Fatal("expected a leadership announcement")
	}
	require.True(t, e.IsLeader())
}

func TestElectorAcquiresFreeLock(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	changes, unsub := events.Subscribe[events.LeadershipChanged](bus, 2)
	defer unsub()

	e := NewElector(broker.NewMemory(), haConfig(true), bus, slog.Default())
	require.False(t, e.IsLeader())

	require.NoError(t, e.Start(t.Context()))
	defer func() { _ = e.Stop(t.Context()) }()

	select {
	case evt := <-changes:
		require.True(t, evt.Leader)
	case <-time.After(2 * time.Second):
		t.Fatal("expected to acquire the free lock")
	}
	require.True(t, e.IsLeader())
}

func TestSecondElectorWaitsForRelease(t *testing.T) {
	kv := broker.NewMemory()
	bus := events.NewBus()
	defer bus.Close()

	first := NewElector(kv, haConfig(true), bus, slog.Default())
	require.NoError(t, first.Start(t.Context()))
	require.Eventually(t, first.IsLeader, 2*time.Second, 10*time.Millisecond)

	secondCfg := haConfig(true)
	secondCfg.NodeID = "node-b"
	second := NewElector(kv, secondCfg, bus, slog.Default())
	require.NoError(t, second.Start(t.Context()))
	defer func() { _ = second.Stop(t.Context()) }()

	// While the first holds and renews, the second must not lead.
	time.Sleep(300 * time.Millisecond)
	require.False(t, second.IsLeader())

	// Stopping the first releases the lock; the second takes over.
	require.NoError(t, first.Stop(t.Context()))
	require.Eventually(t, second.IsLeader, 3*time.Second, 10*time.Millisecond)
}

func TestStopReleasesLock(t *testing.T) {
	kv := broker.NewMemory()
	bus := events.NewBus()
	defer bus.Close()

	e := NewElector(kv, haConfig(true), bus, slog.Default())
	require.NoError(t, e.Start(t.Context()))
	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Stop(t.Context()))
	require.False(t, e.IsLeader())

	// The key must be gone, not just expiring.
	_, held, err := kv.Get(t.Context(), "runnerd:leader")
	require.NoError(t, err)
	require.False(t, held)
}

func TestLostRenewalDropsLeadership(t *testing.T) {
	kv := broker.NewMemory()
	bus := events.NewBus()
	defer bus.Close()
	changes, unsub := events.Subscribe[events.LeadershipChanged](bus, 4)
	defer unsub()

	e := NewElector(kv, haConfig(true), bus, slog.Default())
	require.NoError(t, e.Start(t.Context()))
	defer func() { _ = e.Stop(t.Context()) }()

	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)
	// Drain the gain event.
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("expected the gain event")
	}

	// Steal the lock out from under the elector; the next renewal fails.
	require.NoError(t, kv.Del(t.Context(), "runnerd:leader"))
	require.NoError(t, kv.Set(t.Context(), "runnerd:leader", "someone-else", time.Minute))

	select {
	case evt := <-changes:
		require.False(t, evt.Leader)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a leadership loss event")
	}
}
