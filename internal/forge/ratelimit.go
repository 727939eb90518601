package forge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/runnerd/internal/broker"
	"git.home.luguber.info/inful/runnerd/internal/config"
)

// rateLimitKey is where the shared rate-limit snapshot lives in the broker,
// so every instance paces against the same budget.
const rateLimitKey = "forge:ratelimit"

// rateWindow is the forge's rate-limit accounting window.
const rateWindow = time.Hour

// State is the rate-limit budget as of the last forge response.
type State struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	ResetAt   time.Time `json:"reset_at"`
}

// limitState guards the in-process copy of State and mirrors updates to the
// broker with a TTL covering the rest of the window.
type limitState struct {
	mu  sync.Mutex
	s   State
	kv  broker.KV
	log *slog.Logger
}

func newLimitState(kv broker.KV, log *slog.Logger) *limitState {
	return &limitState{kv: kv, log: log}
}

// Load seeds the state from the broker. Missing or unreadable snapshots are
// not an error; the first response refreshes it.
func (l *limitState) Load(ctx context.Context) {
	raw, ok, err := l.kv.Get(ctx, rateLimitKey)
	if err != nil || !ok {
		return
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		l.log.Warn("Discarding unreadable rate-limit snapshot", "error", err)
		return
	}
	l.mu.Lock()
	l.s = s
	l.mu.Unlock()
}

// Update records the budget observed on a response and persists it.
func (l *limitState) Update(ctx context.Context, limit, remaining int, resetAt time.Time) {
	if limit <= 0 {
		return
	}
	s := State{
		Limit:     limit,
		Remaining: remaining,
		Used:      limit - remaining,
		ResetAt:   resetAt,
	}
	l.mu.Lock()
	l.s = s
	l.mu.Unlock()

	ttl := time.Until(resetAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := l.kv.Set(ctx, rateLimitKey, string(raw), ttl); err != nil {
		l.log.Warn("Failed to persist rate-limit snapshot", "error", err)
	}
}

func (l *limitState) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.s
}

// Pacing delay bounds shared by all strategies.
const (
	paceMin = 100 * time.Millisecond
	paceMax = 5 * time.Second
)

// pacer computes how long to hold the next call given the current budget.
type pacer func(s State, now time.Time) time.Duration

func pacerFor(name config.StrategyName) pacer {
	switch name {
	case config.StrategyAggressive:
		return aggressivePace
	case config.StrategyAdaptive:
		return adaptivePace
	default:
		return conservativePace
	}
}

// conservativePace starts delaying once less than 20% of the window budget
// remains, scaling from paceMin at the threshold to paceMax near zero.
func conservativePace(s State, _ time.Time) time.Duration {
	if s.Limit <= 0 {
		return 0
	}
	frac := float64(s.Remaining) / float64(s.Limit)
	if frac >= 0.2 {
		return 0
	}
	scale := 1 - frac/0.2
	return paceMin + time.Duration(scale*float64(paceMax-paceMin))
}

// aggressivePace spends the budget freely and only brakes when fewer than 50
// calls remain, whatever the limit.
func aggressivePace(s State, _ time.Time) time.Duration {
	if s.Limit <= 0 || s.Remaining >= 50 {
		return 0
	}
	scale := 1 - float64(s.Remaining)/50
	return paceMin + time.Duration(scale*float64(paceMax-paceMin))
}

// adaptivePace projects the current burn rate over the rest of the window;
// if the projection overshoots 90% of what remains, calls are spread evenly
// across the time left.
func adaptivePace(s State, now time.Time) time.Duration {
	if s.Limit <= 0 || s.ResetAt.IsZero() {
		return 0
	}
	untilReset := s.ResetAt.Sub(now)
	if untilReset <= 0 {
		return 0
	}
	elapsed := rateWindow - untilReset
	if elapsed <= 0 || s.Used <= 0 {
		return 0
	}
	burn := float64(s.Used) / elapsed.Seconds()
	projected := burn * untilReset.Seconds()
	if projected <= 0.9*float64(s.Remaining) {
		return 0
	}
	if s.Remaining <= 0 {
		return paceMax
	}
	d := untilReset / time.Duration(s.Remaining)
	if d < paceMin {
		return paceMin
	}
	if d > paceMax {
		return paceMax
	}
	return d
}
