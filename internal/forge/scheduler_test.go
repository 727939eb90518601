package forge

import (
	"container/heap"
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"git.home.luguber.info/inful/runnerd/internal/broker"
)

func newTestScheduler() *scheduler {
	return newScheduler(
		rate.NewLimiter(rate.Inf, 0),
		func(State, time.Time) time.Duration { return 0 },
		newLimitState(broker.NewMemory(), testLogger()),
		testLogger(),
	)
}

func TestCallQueueAging(t *testing.T) {
	// A low-priority call that has waited beats a fresher higher tier once
	// the wait exceeds the priority gap.
	q := callQueue{}
	heap.Push(&q, &call{endpoint: "old-low", score: float64(PriorityLow) + 0})
	heap.Push(&q, &call{endpoint: "new-normal", score: float64(PriorityNormal) + 11})
	heap.Push(&q, &call{endpoint: "new-critical", score: float64(PriorityCritical) + 11})

	want := []string{"new-critical", "old-low", "new-normal"}
	for _, expect := range want {
		c := heap.Pop(&q).(*call)
		if c.endpoint != expect {
			t.Fatalf("pop order: got %s, want %s", c.endpoint, expect)
		}
	}
}

func TestSchedulerOrdersByPriority(t *testing.T) {
	s := newTestScheduler()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Queue everything before dispatch begins so ordering is observable.
	var wg sync.WaitGroup
	for _, c := range []struct {
		name string
		p    Priority
	}{{"low", PriorityLow}, {"critical", PriorityCritical}, {"normal", PriorityNormal}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.submit(t.Context(), c.p, c.name, record(c.name)); err != nil {
				t.Errorf("submit %s: %v", c.name, err)
			}
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for submissions to queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Start(t.Context())
	wg.Wait()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("failed to stop scheduler: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "critical" || order[1] != "normal" || order[2] != "low" {
		t.Errorf("dispatch order = %v, want [critical normal low]", order)
	}
}

func TestSchedulerRejectsAfterStop(t *testing.T) {
	s := newTestScheduler()
	s.Start(t.Context())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("failed to stop scheduler: %v", err)
	}
	err := s.submit(t.Context(), PriorityNormal, "late", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected submit after stop to fail")
	}
}

func TestSchedulerCanceledCallSkipped(t *testing.T) {
	s := newTestScheduler()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.submit(ctx, PriorityNormal, "canceled", func(context.Context) error {
			t.Error("canceled call must not run")
			return nil
		})
	}()

	s.Start(t.Context())
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected context error for canceled submission")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for canceled call result")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("failed to stop scheduler: %v", err)
	}
}
