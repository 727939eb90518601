// Package leader elects one daemon instance as coordinator through a
// compare-token lock on the broker. Leader-gated work (autoscaling, sweeps)
// consults IsLeader; everything else runs on every instance.
package leader

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/runnerd/internal/broker"
	"git.home.luguber.info/inful/runnerd/internal/config"
	"git.home.luguber.info/inful/runnerd/internal/events"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
)

// Elector maintains this node's claim on the coordination lock. With HA
// disabled it reports leadership unconditionally and never touches the
// broker.
type Elector struct {
	kv  broker.KV
	cfg config.HAConfig
	bus *events.Bus
	log *slog.Logger

	nodeID string
	token  string
	leader atomic.Bool

	runCtx   context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewElector builds an elector. The lock token is unique per process so a
// restarted node cannot release a lock it no longer holds.
func NewElector(kv broker.KV, cfg config.HAConfig, bus *events.Bus, log *slog.Logger) *Elector {
	if log == nil {
		log = slog.Default()
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		if host, err := os.Hostname(); err == nil {
			nodeID = host
		} else {
			nodeID = uuid.NewString()[:8]
		}
	}
	return &Elector{
		kv:     kv,
		cfg:    cfg,
		bus:    bus,
		log:    log.With("component", "leader"),
		nodeID: nodeID,
		token:  uuid.NewString(),
	}
}

// NodeID returns this node's identifier.
func (e *Elector) NodeID() string { return e.nodeID }

// IsLeader reports whether this node currently coordinates.
func (e *Elector) IsLeader() bool {
	if !e.cfg.Enabled {
		return true
	}
	return e.leader.Load()
}

// Start begins the acquire/renew loop. With HA disabled it only announces
// standing leadership.
func (e *Elector) Start(ctx context.Context) error {
	e.runCtx, e.cancel = context.WithCancel(context.Background())

	if !e.cfg.Enabled {
		e.log.Info("Leader election disabled, assuming leadership", slog.String("node_id", e.nodeID))
		e.publishChange(ctx, true)
		return nil
	}

	e.wg.Add(1)
	go e.run()
	e.log.Info("Leader election started", slog.String("node_id", e.nodeID),
		slog.String("lock_key", e.cfg.LockKey))
	return nil
}

// Stop releases the lock if held and halts the loop.
func (e *Elector) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if e.cfg.Enabled && e.leader.Load() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.kv.ReleaseLock(releaseCtx, e.cfg.LockKey, e.token); err != nil {
			e.log.Warn("Lock release failed", logfields.Error(err))
		}
		e.setLeader(releaseCtx, false)
	}
	return nil
}

// run alternates between trying to acquire the lock and renewing it. Losing
// a renewal drops back to acquisition with jitter so former leaders do not
// stampede the lock.
func (e *Elector) run() {
	defer e.wg.Done()

	ttl := e.cfg.TTL()
	renew := e.cfg.Renew()
	if renew >= ttl/2 {
		renew = ttl / 3
	}

	for {
		if e.runCtx.Err() != nil {
			return
		}

		acquired, err := e.kv.AcquireLock(e.runCtx, e.cfg.LockKey, e.token, ttl)
		if err != nil {
			e.log.Warn("Lock acquisition failed", logfields.Error(err))
		}
		if acquired {
			e.setLeader(e.runCtx, true)
			e.renewUntilLost(ttl, renew)
			if e.runCtx.Err() != nil {
				// Shutdown: Stop releases the lock and announces the loss.
				return
			}
			e.setLeader(e.runCtx, false)
		}

		// Re-acquire after a jittered wait so contending nodes spread out.
		wait := renew + time.Duration(rand.Int63n(int64(renew)))
		select {
		case <-e.runCtx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (e *Elector) renewUntilLost(ttl, renew time.Duration) {
	ticker := time.NewTicker(renew)
	defer ticker.Stop()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-ticker.C:
			ok, err := e.kv.RenewLock(e.runCtx, e.cfg.LockKey, e.token, ttl)
			if err != nil {
				e.log.Warn("Lock renewal failed", logfields.Error(err))
				return
			}
			if !ok {
				e.log.Info("Lost leadership", slog.String("node_id", e.nodeID))
				return
			}
		}
	}
}

func (e *Elector) setLeader(ctx context.Context, leader bool) {
	if e.leader.Swap(leader) == leader {
		return
	}
	if leader {
		e.log.Info("Acquired leadership", slog.String("node_id", e.nodeID))
	}
	e.publishChange(ctx, leader)
}

func (e *Elector) publishChange(ctx context.Context, leader bool) {
	if ctx == nil || ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.bus.Publish(ctx, events.LeadershipChanged{
		NodeID: e.nodeID,
		Leader: leader,
		At:     time.Now(),
	}); err != nil {
		e.log.Warn("Publish leadership change failed", logfields.Error(err))
	}
}
