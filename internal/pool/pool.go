// Package pool tracks per-repository runner capacity. It hands idle runners
// to callers, queues demand it cannot satisfy, and grows or shrinks pools
// within the persisted min/max bounds.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/events"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/metrics"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

// claimTTL bounds how long a handed-out runner stays reserved before the
// match loop considers it free again. Callers normally bind or release well
// inside this window.
const claimTTL = time.Minute

// Provisioner creates and destroys warm runner capacity on scale actions.
// The orchestrator implements it; the pool manager never talks to the
// container engine directly.
type Provisioner interface {
	ProvisionRunner(ctx context.Context, repository string) (*storage.Runner, error)
	DecommissionRunner(ctx context.Context, runner *storage.Runner) error
}

// RunnerRequest is the result of asking the pool for a runner. Runner is set
// when an idle runner matched immediately; otherwise the request is pending
// and Ready delivers the runner once a release or scale-up satisfies it.
type RunnerRequest struct {
	ID             string
	Repository     string
	RequiredLabels []string
	CreatedAt      time.Time
	Runner         *storage.Runner

	ready chan *storage.Runner
}

// Pending reports whether the request is still waiting for capacity.
func (r *RunnerRequest) Pending() bool { return r.Runner == nil }

// Ready delivers the matched runner. Immediately satisfied requests deliver
// their runner on it as well, so callers can select on one channel.
func (r *RunnerRequest) Ready() <-chan *storage.Runner { return r.ready }

// Metrics is a point-in-time utilization snapshot of one pool.
type Metrics struct {
	Total       int
	Active      int
	Busy        int
	Utilization float64
}

// Manager owns pool rows and the pending-request queue. All matching runs
// under one mutex so a runner is never handed out twice.
type Manager struct {
	store    *storage.Store
	pools    config.PoolsConfig
	scale    config.ScalerConfig
	bus      *events.Bus
	log      *slog.Logger
	recorder metrics.Recorder

	mu          sync.Mutex
	pending     map[string][]*RunnerRequest
	claimed     map[string]time.Time
	provisioner Provisioner
}

// NewManager builds a pool manager over the storage gateway. Pool rows are
// created lazily with bounds from the pools config and scaling knobs from
// the scaler config.
func NewManager(store *storage.Store, pools config.PoolsConfig, scale config.ScalerConfig, bus *events.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:    store,
		pools:    pools,
		scale:    scale,
		bus:      bus,
		log:      log.With("component", "pool"),
		recorder: metrics.NoopRecorder{},
		pending:  make(map[string][]*RunnerRequest),
		claimed:  make(map[string]time.Time),
	}
}

// SetRecorder installs the metrics recorder. Nil resets to the noop recorder.
func (m *Manager) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	m.recorder = r
}

// SetProvisioner installs the component that realizes scale actions.
func (m *Manager) SetProvisioner(p Provisioner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisioner = p
}

// GetOrCreatePool returns the pool row for a repository, creating it with
// configured bounds on first use.
func (m *Manager) GetOrCreatePool(ctx context.Context, repository string) (*storage.Pool, error) {
	pool, err := m.store.GetPool(ctx, repository)
	if err == nil {
		return pool, nil
	}
	if !rerrors.IsCategory(err, rerrors.CategoryNotFound) {
		return nil, err
	}

	minRunners, maxRunners := m.pools.BoundsFor(repository)
	pool = &storage.Pool{
		Repository:     repository,
		MinRunners:     minRunners,
		MaxRunners:     maxRunners,
		ScaleIncrement: m.scale.ScaleUpIncrement,
		ScaleThreshold: m.scale.ScaleUpThreshold,
	}
	if err := m.store.UpsertPool(ctx, pool); err != nil {
		return nil, err
	}
	m.log.Info("Created runner pool", logfields.Repository(repository),
		slog.Int("min", minRunners), slog.Int("max", maxRunners))
	return pool, nil
}

// ActiveRunners returns the non-offline runners of a repository.
func (m *Manager) ActiveRunners(ctx context.Context, repository string) ([]*storage.Runner, error) {
	return m.store.ActiveRunners(ctx, repository)
}

// RequestRunner hands out an idle runner whose labels cover requiredLabels,
// or records a pending request satisfied FIFO by the next release or
// scale-up.
func (m *Manager) RequestRunner(ctx context.Context, repository string, requiredLabels []string) (*RunnerRequest, error) {
	if _, err := m.GetOrCreatePool(ctx, repository); err != nil {
		return nil, err
	}
	runners, err := m.store.ActiveRunners(ctx, repository)
	if err != nil {
		return nil, err
	}

	req := &RunnerRequest{
		ID:             uuid.NewString(),
		Repository:     repository,
		RequiredLabels: requiredLabels,
		CreatedAt:      time.Now(),
		ready:          make(chan *storage.Runner, 1),
	}

	m.mu.Lock()
	for _, r := range runners {
		if r.Status != storage.RunnerIdle || m.isClaimed(r.ID) {
			continue
		}
		if !labelsCover(r.Labels, requiredLabels) {
			continue
		}
		m.claimed[r.ID] = time.Now()
		req.Runner = r
		req.ready <- r
		break
	}
	if req.Runner == nil {
		m.pending[repository] = append(m.pending[repository], req)
	}
	m.mu.Unlock()

	if err := m.bus.Publish(ctx, events.RunnerRequested{
		Repository:     repository,
		RequiredLabels: requiredLabels,
		Pending:        req.Pending(),
		At:             req.CreatedAt,
	}); err != nil {
		m.log.Warn("Publish runner requested failed", logfields.Error(err))
	}

	if req.Pending() {
		m.log.Debug("Runner request queued", logfields.Repository(repository),
			slog.Any("required_labels", requiredLabels))
	}
	m.refreshGauges(ctx, repository)
	return req, nil
}

// CancelRequest removes a pending request from the queue. Satisfied or
// unknown requests are a no-op.
func (m *Manager) CancelRequest(req *RunnerRequest) {
	if req == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.pending[req.Repository]
	for i, p := range queue {
		if p.ID == req.ID {
			m.pending[req.Repository] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// ReleaseRunner returns a runner to Idle and offers it to the oldest pending
// request it can satisfy.
func (m *Manager) ReleaseRunner(ctx context.Context, runnerID string) error {
	runner, err := m.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if err := m.store.ReleaseRunner(ctx, runnerID); err != nil {
		return err
	}
	runner.Status = storage.RunnerIdle
	runner.CurrentJobID = ""

	m.mu.Lock()
	delete(m.claimed, runnerID)
	satisfied := m.offerLocked(runner)
	m.mu.Unlock()

	if err := m.bus.Publish(ctx, events.RunnerReleased{
		RunnerID:   runnerID,
		Repository: runner.Repository,
		At:         time.Now(),
	}); err != nil {
		m.log.Warn("Publish runner released failed", logfields.Error(err))
	}

	m.log.Debug("Runner released", logfields.RunnerID(runnerID),
		logfields.Repository(runner.Repository), slog.Bool("handed_out", satisfied))
	m.refreshGauges(ctx, runner.Repository)
	return nil
}

// RetireRunner marks a one-shot runner Offline so the cleanup sweep can take
// its container apart. Retired runners are never offered to pending requests.
func (m *Manager) RetireRunner(ctx context.Context, runnerID string) error {
	runner, err := m.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if _, err := m.store.TransitionRunner(ctx, runnerID, storage.RunnerOffline); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.claimed, runnerID)
	m.mu.Unlock()

	if err := m.bus.Publish(ctx, events.RunnerReleased{
		RunnerID:   runnerID,
		Repository: runner.Repository,
		Destroyed:  true,
		At:         time.Now(),
	}); err != nil {
		m.log.Warn("Publish runner released failed", logfields.Error(err))
	}
	m.log.Debug("Runner retired", logfields.RunnerID(runnerID), logfields.Repository(runner.Repository))
	m.refreshGauges(ctx, runner.Repository)
	return nil
}

// ScaleUp provisions up to n warm runners, clamped so the pool never exceeds
// its max. Returns how many were provisioned.
func (m *Manager) ScaleUp(ctx context.Context, repository string, n int) (int, error) {
	pool, err := m.GetOrCreatePool(ctx, repository)
	if err != nil {
		return 0, err
	}
	total, _, err := m.store.CountRunners(ctx, repository)
	if err != nil {
		return 0, err
	}
	if room := pool.MaxRunners - total; n > room {
		n = room
	}
	if n <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	prov := m.provisioner
	m.mu.Unlock()
	if prov == nil {
		return 0, rerrors.InternalError("scale-up requires a provisioner", nil)
	}

	provisioned := 0
	for i := 0; i < n; i++ {
		runner, err := prov.ProvisionRunner(ctx, repository)
		if err != nil {
			m.log.Error("Provision runner failed", logfields.Repository(repository), logfields.Error(err))
			break
		}
		provisioned++
		m.mu.Lock()
		m.offerLocked(runner)
		m.mu.Unlock()
	}
	if provisioned > 0 {
		if err := m.store.MarkPoolScaled(ctx, repository, time.Now()); err != nil {
			m.log.Warn("Mark pool scaled failed", logfields.Repository(repository), logfields.Error(err))
		}
	}
	m.log.Info("Pool scaled up", logfields.Repository(repository),
		slog.Int("requested", n), slog.Int("provisioned", provisioned))
	m.refreshGauges(ctx, repository)
	return provisioned, nil
}

// ScaleDown decommissions one idle runner if the pool stays at or above its
// min. Returns whether a runner was removed.
func (m *Manager) ScaleDown(ctx context.Context, repository string) (bool, error) {
	pool, err := m.GetOrCreatePool(ctx, repository)
	if err != nil {
		return false, err
	}
	runners, err := m.store.ActiveRunners(ctx, repository)
	if err != nil {
		return false, err
	}
	if len(runners) <= pool.MinRunners {
		return false, nil
	}

	var victim *storage.Runner
	m.mu.Lock()
	for _, r := range runners {
		if r.Status != storage.RunnerIdle || m.isClaimed(r.ID) {
			continue
		}
		if victim == nil || r.LastHeartbeat.Before(victim.LastHeartbeat) {
			victim = r
		}
	}
	if victim != nil {
		m.claimed[victim.ID] = time.Now()
	}
	prov := m.provisioner
	m.mu.Unlock()

	if victim == nil {
		return false, nil
	}
	if prov == nil {
		return false, rerrors.InternalError("scale-down requires a provisioner", nil)
	}
	if err := prov.DecommissionRunner(ctx, victim); err != nil {
		m.mu.Lock()
		delete(m.claimed, victim.ID)
		m.mu.Unlock()
		return false, err
	}

	m.mu.Lock()
	delete(m.claimed, victim.ID)
	m.mu.Unlock()

	if err := m.store.MarkPoolScaled(ctx, repository, time.Now()); err != nil {
		m.log.Warn("Mark pool scaled failed", logfields.Repository(repository), logfields.Error(err))
	}
	if err := m.bus.Publish(ctx, events.RunnerReleased{
		RunnerID:   victim.ID,
		Repository: repository,
		Destroyed:  true,
		At:         time.Now(),
	}); err != nil {
		m.log.Warn("Publish runner released failed", logfields.Error(err))
	}
	m.log.Info("Pool scaled down", logfields.Repository(repository), logfields.RunnerID(victim.ID))
	m.refreshGauges(ctx, repository)
	return true, nil
}

// PoolMetrics computes the utilization snapshot for a repository. Active
// counts runners that are idle or busy; starting runners count toward total
// only.
func (m *Manager) PoolMetrics(ctx context.Context, repository string) (Metrics, error) {
	runners, err := m.store.ActiveRunners(ctx, repository)
	if err != nil {
		return Metrics{}, err
	}
	var out Metrics
	out.Total = len(runners)
	for _, r := range runners {
		switch r.Status {
		case storage.RunnerBusy:
			out.Busy++
			out.Active++
		case storage.RunnerIdle:
			out.Active++
		}
	}
	if out.Total > 0 {
		out.Utilization = float64(out.Busy) / float64(out.Total)
	}
	return out, nil
}

// PendingCount reports how many requests are queued for a repository.
func (m *Manager) PendingCount(repository string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[repository])
}

// offerLocked hands a runner to the oldest pending request whose labels it
// covers. Caller holds m.mu.
func (m *Manager) offerLocked(runner *storage.Runner) bool {
	queue := m.pending[runner.Repository]
	for i, req := range queue {
		if !labelsCover(runner.Labels, req.RequiredLabels) {
			continue
		}
		m.pending[runner.Repository] = append(queue[:i], queue[i+1:]...)
		m.claimed[runner.ID] = time.Now()
		req.Runner = runner
		req.ready <- runner
		return true
	}
	return false
}

func (m *Manager) isClaimed(runnerID string) bool {
	at, ok := m.claimed[runnerID]
	if !ok {
		return false
	}
	if time.Since(at) > claimTTL {
		delete(m.claimed, runnerID)
		return false
	}
	return true
}

func (m *Manager) refreshGauges(ctx context.Context, repository string) {
	pm, err := m.PoolMetrics(ctx, repository)
	if err != nil {
		return
	}
	m.recorder.SetPoolRunners(repository, pm.Total, pm.Busy)
	m.recorder.SetPoolUtilization(repository, pm.Utilization)
}

// labelsCover reports whether every required label appears in have.
func labelsCover(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[l] = struct{}{}
	}
	for _, l := range required {
		if _, ok := set[l]; !ok {
			return false
		}
	}
	return true
}
