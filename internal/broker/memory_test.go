package broker

import (
	"sort"
	"testing"
	"time"
)

// fixedClock lets tests step time without sleeping.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedMemory() (*Memory, *fixedClock) {
	m := NewMemory()
	clock := &fixedClock{t: time.Now()}
	m.now = clock.now
	return m, clock
}

func TestMemorySetNXWindow(t *testing.T) {
	m, clock := newClockedMemory()
	ctx := t.Context()

	ok, err := m.SetNX(ctx, "dedup:abc", "d-1", time.Minute)
	if err != nil {
		t.Fatalf("setnx failed: %v", err)
	}
	if !ok {
		t.Fatal("first setnx should win")
	}

	ok, err = m.SetNX(ctx, "dedup:abc", "d-2", time.Minute)
	if err != nil {
		t.Fatalf("setnx failed: %v", err)
	}
	if ok {
		t.Fatal("second setnx inside the window should lose")
	}

	clock.advance(61 * time.Second)
	ok, err = m.SetNX(ctx, "dedup:abc", "d-3", time.Minute)
	if err != nil {
		t.Fatalf("setnx failed: %v", err)
	}
	if !ok {
		t.Fatal("setnx after expiry should win again")
	}
}

func TestMemoryGetSetExpiry(t *testing.T) {
	m, clock := newClockedMemory()
	ctx := t.Context()

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("expected v, got %q ok=%v err=%v", val, ok, err)
	}

	clock.advance(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expected key expired")
	}

	// ttl <= 0 means no expiry.
	if err := m.Set(ctx, "forever", "v", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	clock.advance(24 * time.Hour)
	if _, ok, _ := m.Get(ctx, "forever"); !ok {
		t.Error("expected key without ttl to survive")
	}
}

func TestMemoryIncr(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()

	for want := int64(1); want <= 3; want++ {
		n, err := m.Incr(ctx, "seq")
		if err != nil {
			t.Fatalf("incr failed: %v", err)
		}
		if n != want {
			t.Errorf("expected %d, got %d", want, n)
		}
	}

	_ = m.Set(ctx, "text", "abc", 0)
	if _, err := m.Incr(ctx, "text"); err == nil {
		t.Error("expected error incrementing non-integer")
	}
}

func TestMemorySets(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()

	if err := m.SAdd(ctx, "tag:repo", "k1", "k2", "k1"); err != nil {
		t.Fatalf("sadd failed: %v", err)
	}
	members, err := m.SMembers(ctx, "tag:repo")
	if err != nil {
		t.Fatalf("smembers failed: %v", err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "k1" || members[1] != "k2" {
		t.Errorf("unexpected members: %v", members)
	}

	if err := m.Del(ctx, "tag:repo"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	members, _ = m.SMembers(ctx, "tag:repo")
	if len(members) != 0 {
		t.Errorf("expected empty set after delete, got %v", members)
	}
}

func TestMemoryLockTokens(t *testing.T) {
	m, clock := newClockedMemory()
	ctx := t.Context()

	ok, err := m.AcquireLock(ctx, "runnerd:leader", "node-a", 15*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquire to win: ok=%v err=%v", ok, err)
	}

	if ok, _ := m.AcquireLock(ctx, "runnerd:leader", "node-b", 15*time.Second); ok {
		t.Fatal("second acquire while held should lose")
	}

	// Only the holder's token may renew or release.
	if ok, _ := m.RenewLock(ctx, "runnerd:leader", "node-b", 15*time.Second); ok {
		t.Error("renew with wrong token should fail")
	}
	if ok, _ := m.RenewLock(ctx, "runnerd:leader", "node-a", 15*time.Second); !ok {
		t.Error("renew with holder token should succeed")
	}
	if ok, _ := m.ReleaseLock(ctx, "runnerd:leader", "node-b"); ok {
		t.Error("release with wrong token should fail")
	}
	if ok, _ := m.ReleaseLock(ctx, "runnerd:leader", "node-a"); !ok {
		t.Error("release with holder token should succeed")
	}

	// Expired locks are up for grabs.
	if ok, _ := m.AcquireLock(ctx, "runnerd:leader", "node-b", 15*time.Second); !ok {
		t.Fatal("acquire after release should win")
	}
	clock.advance(16 * time.Second)
	if ok, _ := m.AcquireLock(ctx, "runnerd:leader", "node-c", 15*time.Second); !ok {
		t.Error("acquire after expiry should win")
	}
}

func TestMemoryExpire(t *testing.T) {
	m, clock := newClockedMemory()
	ctx := t.Context()

	_ = m.Set(ctx, "k", "v", 0)
	if err := m.Expire(ctx, "k", time.Second); err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	clock.advance(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expected key expired after Expire")
	}

	// Expire on a missing key is a no-op.
	if err := m.Expire(ctx, "missing", time.Second); err != nil {
		t.Errorf("expected no-op, got %v", err)
	}
}
