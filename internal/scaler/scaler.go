// Package scaler sizes runner pools from live demand. Each tick evaluates a
// decision ladder per pool; the first matching rule wins and at most one
// scaling action runs per pool at a time.
package scaler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"git.home.luguber.info/inful/runnerd/internal/config"
	"git.home.luguber.info/inful/runnerd/internal/events"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/metrics"
	"git.home.luguber.info/inful/runnerd/internal/pool"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

// Action is the outcome of one ladder evaluation.
type Action string

const (
	ActionScaleUp   Action = "scale-up"
	ActionScaleDown Action = "scale-down"
	ActionMaintain  Action = "maintain"
)

// queueWindow bounds how far back pending jobs count toward queue depth.
const queueWindow = 5 * time.Minute

// historyWindow bounds in-memory decisions and utilization samples.
const historyWindow = time.Hour

// Inputs are the pool observations one evaluation ran against.
type Inputs struct {
	Utilization float64
	QueueDepth  int
	AvgWait     time.Duration
	ActiveJobs  int
	RunnerCount int
}

// Evaluation is one ladder outcome, kept in the per-pool history.
type Evaluation struct {
	Repository string
	Action     Action
	Reason     string
	Delta      int
	Inputs     Inputs
	At         time.Time
}

// Prediction is a short-horizon forecast for one pool.
type Prediction struct {
	PredictedUtilization float64
	RecommendedRunners   int
	Confidence           float64
}

type sample struct {
	at          time.Time
	utilization float64
}

// Scaler evaluates every pool on a fixed tick. Scale actions are realized by
// the pool manager; the scaler only decides.
type Scaler struct {
	store    *storage.Store
	pools    *pool.Manager
	cfg      config.ScalerConfig
	bus      *events.Bus
	log      *slog.Logger
	recorder metrics.Recorder

	leaderGate func() bool
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
	history  map[string][]Evaluation
	samples  map[string][]sample
}

// NewScaler builds a scaler over the pool manager and storage gateway.
func NewScaler(store *storage.Store, pools *pool.Manager, cfg config.ScalerConfig, bus *events.Bus, log *slog.Logger) *Scaler {
	if log == nil {
		log = slog.Default()
	}
	return &Scaler{
		store:    store,
		pools:    pools,
		cfg:      cfg,
		bus:      bus,
		log:      log.With("component", "scaler"),
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
		inFlight: make(map[string]bool),
		history:  make(map[string][]Evaluation),
		samples:  make(map[string][]sample),
	}
}

// SetRecorder installs the metrics recorder. Nil resets to the noop recorder.
func (s *Scaler) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	s.recorder = r
}

// SetLeaderGate installs the leadership check consulted by Tick. Without a
// gate every tick evaluates.
func (s *Scaler) SetLeaderGate(gate func() bool) { s.leaderGate = gate }

// Tick evaluates every known pool once. Non-leaders skip the tick so only
// one instance scales.
func (s *Scaler) Tick(ctx context.Context) error {
	if s.leaderGate != nil && !s.leaderGate() {
		return nil
	}
	pools, err := s.store.ListPools(ctx)
	if err != nil {
		return err
	}
	for _, p := range pools {
		if _, err := s.evaluatePool(ctx, p); err != nil {
			s.log.Warn("Pool evaluation failed", logfields.Repository(p.Repository), logfields.Error(err))
		}
	}
	return nil
}

// EvaluateNow runs the ladder for one pool immediately, bypassing the tick
// and the leader gate but not the cooldown.
func (s *Scaler) EvaluateNow(ctx context.Context, repository string) (*Evaluation, error) {
	p, err := s.pools.GetOrCreatePool(ctx, repository)
	if err != nil {
		return nil, err
	}
	return s.evaluatePool(ctx, p)
}

// Predict forecasts the next-horizon utilization of a pool from its sample
// history. Confidence falls with sample variance.
func (s *Scaler) Predict(ctx context.Context, repository string) (Prediction, error) {
	p, err := s.pools.GetOrCreatePool(ctx, repository)
	if err != nil {
		return Prediction{}, err
	}
	pm, err := s.pools.PoolMetrics(ctx, repository)
	if err != nil {
		return Prediction{}, err
	}

	s.mu.Lock()
	samples := append([]sample(nil), s.samples[repository]...)
	s.mu.Unlock()

	predicted := pm.Utilization
	confidence := 0.0
	if len(samples) >= 2 {
		values := make([]float64, len(samples))
		for i, smp := range samples {
			values[i] = smp.utilization
		}
		// Half-window trend: the second half's mean, projected one step by
		// its drift from the first half.
		half := len(values) / 2
		first := mean(values[:half])
		second := mean(values[half:])
		predicted = clamp(second+(second-first), 0, 1)
		confidence = clamp(1-stddev(values), 0, 1)
	}

	recommended := pm.Total
	threshold := upThreshold(p, s.cfg)
	if threshold > 0 {
		recommended = int(math.Ceil(float64(pm.Total) * predicted / threshold))
	}
	if recommended < p.MinRunners {
		recommended = p.MinRunners
	}
	if recommended > p.MaxRunners {
		recommended = p.MaxRunners
	}

	return Prediction{
		PredictedUtilization: predicted,
		RecommendedRunners:   recommended,
		Confidence:           confidence,
	}, nil
}

// History returns the retained evaluations for a pool, oldest first.
func (s *Scaler) History(repository string) []Evaluation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Evaluation(nil), s.history[repository]...)
}

func (s *Scaler) evaluatePool(ctx context.Context, p *storage.Pool) (*Evaluation, error) {
	in, err := s.gatherInputs(ctx, p.Repository)
	if err != nil {
		return nil, err
	}
	s.recordSample(p.Repository, in.Utilization)

	eval := s.decide(p, in)
	if err := s.execute(ctx, p, eval); err != nil {
		return eval, err
	}
	s.recordDecision(eval)

	s.recorder.IncScaleDecision(p.Repository, string(eval.Action))
	if err := s.bus.Publish(ctx, events.ScaleDecision{
		Repository:  eval.Repository,
		Action:      string(eval.Action),
		Reason:      eval.Reason,
		Delta:       eval.Delta,
		RunnerCount: in.RunnerCount,
		At:          eval.At,
	}); err != nil {
		s.log.Warn("Publish scale decision failed", logfields.Error(err))
	}

	if eval.Action != ActionMaintain {
		s.log.Info("Scale decision", logfields.Repository(eval.Repository),
			logfields.Decision(string(eval.Action)), slog.String("reason", eval.Reason),
			slog.Int("delta", eval.Delta))
	}
	return eval, nil
}

func (s *Scaler) gatherInputs(ctx context.Context, repository string) (Inputs, error) {
	pm, err := s.pools.PoolMetrics(ctx, repository)
	if err != nil {
		return Inputs{}, err
	}
	now := s.now()
	pendingJobs, err := s.store.PendingJobs(ctx, repository, now.Add(-queueWindow))
	if err != nil {
		return Inputs{}, err
	}
	var wait time.Duration
	for _, job := range pendingJobs {
		wait += now.Sub(job.QueuedAt)
	}
	if len(pendingJobs) > 0 {
		wait /= time.Duration(len(pendingJobs))
	}
	active, err := s.store.ActiveJobCount(ctx, repository)
	if err != nil {
		return Inputs{}, err
	}
	return Inputs{
		Utilization: pm.Utilization,
		QueueDepth:  len(pendingJobs),
		AvgWait:     wait,
		ActiveJobs:  active,
		RunnerCount: pm.Total,
	}, nil
}

// decide runs the ladder. Order matters: the first rule that fires wins.
func (s *Scaler) decide(p *storage.Pool, in Inputs) *Evaluation {
	eval := &Evaluation{
		Repository: p.Repository,
		Action:     ActionMaintain,
		Inputs:     in,
		At:         s.now(),
	}

	s.mu.Lock()
	busy := s.inFlight[p.Repository]
	s.mu.Unlock()
	if busy {
		eval.Reason = "scaling action in flight"
		return eval
	}

	if p.LastScaledAt != nil && s.now().Sub(*p.LastScaledAt) < s.cfg.CooldownPeriod() {
		eval.Reason = "cooldown"
		return eval
	}

	threshold := upThreshold(p, s.cfg)
	increment := upIncrement(p, s.cfg)

	if in.QueueDepth >= s.cfg.QueueDepthThreshold && in.RunnerCount < p.MaxRunners {
		eval.Action = ActionScaleUp
		eval.Reason = "queue depth"
		eval.Delta = minInt(increment, p.MaxRunners-in.RunnerCount)
		return eval
	}
	if in.Utilization >= threshold && in.RunnerCount < p.MaxRunners {
		eval.Action = ActionScaleUp
		eval.Reason = "utilization"
		eval.Delta = minInt(increment, p.MaxRunners-in.RunnerCount)
		return eval
	}
	if in.AvgWait > s.cfg.AvgWait() && in.RunnerCount < p.MaxRunners {
		eval.Action = ActionScaleUp
		eval.Reason = "wait time"
		eval.Delta = minInt(increment, p.MaxRunners-in.RunnerCount)
		return eval
	}
	if in.Utilization <= s.cfg.ScaleDownThreshold && in.RunnerCount > p.MinRunners &&
		in.QueueDepth == 0 && in.ActiveJobs == 0 {
		eval.Action = ActionScaleDown
		eval.Reason = "idle"
		eval.Delta = -minInt(s.cfg.ScaleDownIncrement, in.RunnerCount-p.MinRunners)
		return eval
	}

	eval.Reason = "within thresholds"
	return eval
}

func (s *Scaler) execute(ctx context.Context, p *storage.Pool, eval *Evaluation) error {
	if eval.Action == ActionMaintain {
		return nil
	}

	s.mu.Lock()
	if s.inFlight[p.Repository] {
		s.mu.Unlock()
		eval.Action = ActionMaintain
		eval.Reason = "scaling action in flight"
		eval.Delta = 0
		return nil
	}
	s.inFlight[p.Repository] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, p.Repository)
		s.mu.Unlock()
	}()

	switch eval.Action {
	case ActionScaleUp:
		n, err := s.pools.ScaleUp(ctx, p.Repository, eval.Delta)
		if err != nil {
			return err
		}
		eval.Delta = n
	case ActionScaleDown:
		removed := 0
		for i := 0; i < -eval.Delta; i++ {
			ok, err := s.pools.ScaleDown(ctx, p.Repository)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			removed++
		}
		eval.Delta = -removed
	}
	return nil
}

func (s *Scaler) recordSample(repository string, utilization float64) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := pruneSamples(s.samples[repository], now)
	s.samples[repository] = append(kept, sample{at: now, utilization: utilization})
}

func (s *Scaler) recordDecision(eval *Evaluation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.history[eval.Repository]
	cutoff := s.now().Add(-historyWindow)
	for len(history) > 0 && history[0].At.Before(cutoff) {
		history = history[1:]
	}
	s.history[eval.Repository] = append(history, *eval)
}

func pruneSamples(samples []sample, now time.Time) []sample {
	cutoff := now.Add(-historyWindow)
	for len(samples) > 0 && samples[0].at.Before(cutoff) {
		samples = samples[1:]
	}
	return samples
}

// upThreshold prefers the per-pool row value; zero falls back to config.
func upThreshold(p *storage.Pool, cfg config.ScalerConfig) float64 {
	if p.ScaleThreshold > 0 {
		return p.ScaleThreshold
	}
	return cfg.ScaleUpThreshold
}

// upIncrement prefers the per-pool row value; zero falls back to config.
func upIncrement(p *storage.Pool, cfg config.ScalerConfig) int {
	if p.ScaleIncrement > 0 {
		return p.ScaleIncrement
	}
	return cfg.ScaleUpIncrement
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
