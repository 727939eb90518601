package forge

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"git.home.luguber.info/inful/runnerd/internal/logfields"
)

// Priority orders forge calls. Lower values run first; a queued call gains
// one point of urgency per minute waited, so nothing starves.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 10
	PriorityNormal   Priority = 20
	PriorityLow      Priority = 30
)

type call struct {
	endpoint string
	score    float64
	ctx      context.Context
	run      func(ctx context.Context) error
	done     chan error
}

type callQueue []*call

func (q callQueue) Len() int           { return len(q) }
func (q callQueue) Less(i, j int) bool { return q[i].score < q[j].score }
func (q callQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *callQueue) Push(x any)        { *q = append(*q, x.(*call)) }

func (q *callQueue) Pop() any {
	old := *q
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return c
}

// scheduler serializes forge calls through one goroutine, ordered by aged
// priority, throttled by the strategy delay and a hard request-rate cap.
type scheduler struct {
	mu      sync.Mutex
	pending callQueue
	stopped bool

	epoch   time.Time
	wake    chan struct{}
	limiter *rate.Limiter
	pace    pacer
	limits  *limitState
	log     *slog.Logger

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newScheduler(limiter *rate.Limiter, pace pacer, limits *limitState, log *slog.Logger) *scheduler {
	return &scheduler{
		epoch:   time.Now(),
		wake:    make(chan struct{}, 1),
		limiter: limiter,
		pace:    pace,
		limits:  limits,
		log:     log,
	}
}

// Start launches the dispatch loop. Calls submitted earlier begin draining.
func (s *scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)
}

// Stop halts dispatch and fails every still-queued call.
func (s *scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("forge scheduler stop: %w", ctx.Err())
	}
	for {
		c := s.next()
		if c == nil {
			return nil
		}
		c.done <- fmt.Errorf("forge scheduler stopped")
	}
}

// submit queues a call and blocks until it has run or ctx ends. Aging moves
// every queued call at the same rate, so a score fixed at submit time
// preserves the order of aged priorities.
func (s *scheduler) submit(ctx context.Context, p Priority, endpoint string, run func(context.Context) error) error {
	c := &call{
		endpoint: endpoint,
		score:    float64(p) + time.Since(s.epoch).Minutes(),
		ctx:      ctx,
		run:      run,
		done:     make(chan error, 1),
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("forge scheduler stopped")
	}
	heap.Push(&s.pending, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		c := s.next()
		if c == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		if err := c.ctx.Err(); err != nil {
			c.done <- err
			continue
		}
		if delay := s.pace(s.limits.Snapshot(), time.Now()); delay > 0 {
			s.log.Debug("Pacing forge call", logfields.Endpoint(c.endpoint), "delay", delay)
			if !sleepCtx(ctx, delay) {
				c.done <- ctx.Err()
				return
			}
		}
		if err := s.limiter.Wait(c.ctx); err != nil {
			c.done <- err
			continue
		}
		c.done <- c.run(c.ctx)
	}
}

func (s *scheduler) next() *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	return heap.Pop(&s.pending).(*call)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
