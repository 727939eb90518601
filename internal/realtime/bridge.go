package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/runnerd/internal/events"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
)

// Bridge subscribes to the in-process bus and forwards every event family to
// the feed. Slow or unreachable NATS never blocks publishers: each family
// rides its own buffered subscription and drops are logged, not propagated.
type Bridge struct {
	bus  *events.Bus
	feed Feed
	log  *slog.Logger

	runCtx   context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	unsubs   []func()
}

// NewBridge wires the bus to a feed.
func NewBridge(bus *events.Bus, feed Feed, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{bus: bus, feed: feed, log: log.With("component", "realtime")}
}

// Start subscribes to every forwarded event family.
func (b *Bridge) Start(ctx context.Context) error {
	b.runCtx, b.cancel = context.WithCancel(context.Background())

	forward[events.WebhookReceived](b, "webhook", "received")
	forward[events.JobQueued](b, "job", "queued")
	forward[events.JobStatusChanged](b, "job", "status")
	forward[events.JobCompleted](b, "job", "completed")
	forward[events.RunnerRequested](b, "runner", "requested")
	forward[events.RunnerReleased](b, "runner", "released")
	forward[events.ContainerStateChanged](b, "container", "state")
	forward[events.ContainerHighUsage](b, "container", "usage")
	forward[events.ScaleDecision](b, "scaler", "decision")
	forward[events.LeadershipChanged](b, "leader", "changed")
	return nil
}

// Stop unsubscribes and waits for in-flight publishes.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		for _, unsub := range b.unsubs {
			unsub()
		}
		if b.cancel != nil {
			b.cancel()
		}
	})
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forward pumps one event family from the bus into the feed.
func forward[T any](b *Bridge, kind, subkind string) {
	ch, unsub := events.Subscribe[T](b.bus, 64)
	b.unsubs = append(b.unsubs, unsub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.runCtx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := b.feed.Publish(ctx, kind, subkind, evt); err != nil {
					b.log.Warn("Event publish failed",
						slog.String("kind", kind), slog.String("subkind", subkind),
						logfields.Error(err))
				}
				cancel()
			}
		}
	}()
}
