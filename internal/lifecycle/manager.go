// Package lifecycle drives runner containers on the local engine through an
// explicit state machine. Every transition lands on the event bus, so the
// orchestrator can follow container progress without polling the engine.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/pkg/stdcopy"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/events"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/metrics"
)

// Labels stamped on every container the manager creates. Reconciliation
// adopts anything carrying LabelManaged after a daemon restart.
const (
	LabelManaged    = "runnerd.managed"
	LabelRunnerID   = "runnerd.runner_id"
	LabelJobID      = "runnerd.job_id"
	LabelRepository = "runnerd.repository"
)

const (
	workDir   = "/home/runner/work"
	tmpfsOpts = "rw,noexec,nosuid,size=1g"

	highCPUPercent    = 80.0
	highMemoryPercent = 90.0
)

// ContainerSpec describes one runner container. Image falls back to the
// configured runner image when empty.
type ContainerSpec struct {
	Name       string
	Image      string
	Repository string
	Env        []string
	Cmd        []string
	Labels     map[string]string
}

// ContainerInfo is a point-in-time snapshot of a tracked container.
type ContainerInfo struct {
	ID         string
	Name       string
	RunnerID   string
	JobID      string
	Repository string
	State      State
	ExitCode   int
	Message    string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// ExecResult carries the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Output   string
}

// ExecOptions adjust how Exec runs its command.
type ExecOptions struct {
	Env        []string
	WorkingDir string
}

// ResourceUsage is one stats sample of a running container.
type ResourceUsage struct {
	CPUPercent    float64
	MemoryUsed    uint64
	MemoryLimit   uint64
	MemoryPercent float64
	Pids          uint64
}

type tracked struct {
	id         string
	name       string
	runnerID   string
	jobID      string
	repository string
	state      State
	exitCode   int
	message    string
	createdAt  time.Time
	finishedAt time.Time
}

func (t *tracked) info() ContainerInfo {
	return ContainerInfo{
		ID:         t.id,
		Name:       t.name,
		RunnerID:   t.runnerID,
		JobID:      t.jobID,
		Repository: t.repository,
		State:      t.state,
		ExitCode:   t.exitCode,
		Message:    t.message,
		CreatedAt:  t.createdAt,
		FinishedAt: t.finishedAt,
	}
}

// Manager owns every runnerd-managed container on one engine.
type Manager struct {
	api      DockerAPI
	cfg      config.DockerConfig
	bus      *events.Bus
	log      *slog.Logger
	recorder metrics.Recorder

	mu         sync.RWMutex
	containers map[string]*tracked

	leaderGate func() bool

	opTimeout     time.Duration
	pollEvery     time.Duration
	sweepEvery    time.Duration
	retainStopped time.Duration

	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager wires the manager. Start must run before container operations.
func NewManager(api DockerAPI, cfg config.DockerConfig, bus *events.Bus, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		api:           api,
		cfg:           cfg,
		bus:           bus,
		log:           log.With("component", "lifecycle"),
		recorder:      metrics.NoopRecorder{},
		containers:    make(map[string]*tracked),
		opTimeout:     30 * time.Second,
		pollEvery:     30 * time.Second,
		sweepEvery:    5 * time.Minute,
		retainStopped: time.Hour,
	}
}

// SetRecorder injects a metrics recorder (optional).
func (m *Manager) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	m.recorder = r
}

// SetLeaderGate restricts the stopped-container sweep to the leader in
// multi-instance deployments. Nil means always sweep.
func (m *Manager) SetLeaderGate(gate func() bool) { m.leaderGate = gate }

// Start adopts existing managed containers, then launches the stats poll and
// the stopped-container sweep. Loops run until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx, m.cancel = context.WithCancel(ctx)
	if err := m.reconcile(ctx); err != nil {
		return err
	}
	m.wg.Add(2)
	go m.statsLoop()
	go m.sweepLoop()
	return nil
}

// Stop halts the background loops. Running containers are left in place and
// re-adopted on the next Start.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lifecycle stop: %w", ctx.Err())
	}
}

// Create provisions a container for a runner/job pair without starting it.
// Hardening is unconditional: every container drops all capabilities, mounts
// a noexec /tmp, and runs with privilege escalation disabled.
func (m *Manager) Create(ctx context.Context, runnerID, jobID string, spec ContainerSpec, limits Limits) (string, error) {
	if spec.Name == "" {
		return "", rerrors.ValidationError("container name is required")
	}
	image := spec.Image
	if image == "" {
		image = m.cfg.RunnerImage
	}
	if image == "" {
		return "", rerrors.ConfigRequired("docker.runner_image")
	}

	labels := map[string]string{
		LabelManaged:    "true",
		LabelRunnerID:   runnerID,
		LabelJobID:      jobID,
		LabelRepository: spec.Repository,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	conf := &container.Config{
		Image:      image,
		Env:        spec.Env,
		Cmd:        strslice.StrSlice(spec.Cmd),
		WorkingDir: workDir,
		Labels:     labels,
	}
	host := &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     strslice.StrSlice{"ALL"},
		Tmpfs:       map[string]string{"/tmp": tmpfsOpts},
		Resources:   limits.resources(),
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	resp, err := m.api.ContainerCreate(opCtx, conf, host, nil, nil, spec.Name)
	if err != nil {
		return "", rerrors.ContainerOpFailed("create", spec.Name, err)
	}

	m.mu.Lock()
	m.containers[resp.ID] = &tracked{
		id:         resp.ID,
		name:       spec.Name,
		runnerID:   runnerID,
		jobID:      jobID,
		repository: spec.Repository,
		state:      StateCreating,
		createdAt:  time.Now(),
	}
	m.mu.Unlock()
	_ = m.transition(resp.ID, StateCreated, "")

	attrs := []any{logfields.ContainerID(shortID(resp.ID)),
		logfields.RunnerID(runnerID), logfields.JobID(jobID), logfields.Repository(spec.Repository)}
	if limits.MemoryBytes > 0 {
		attrs = append(attrs, slog.String("memory", FormatMemory(limits.MemoryBytes)))
	}
	m.log.Info("Created container", attrs...)
	return resp.ID, nil
}

// StartContainer boots a created container and begins watching for its exit.
func (m *Manager) StartContainer(ctx context.Context, id string) error {
	if err := m.transition(id, StateStarting, ""); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	if err := m.api.ContainerStart(opCtx, id, container.StartOptions{}); err != nil {
		m.fail(id, err)
		return rerrors.ContainerOpFailed("start", id, err)
	}
	if err := m.transition(id, StateRunning, ""); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.waitForExit(id)
	return nil
}

// StopContainer stops a container, giving it timeout to exit gracefully.
// Stopping an already-stopped or unknown container is a no-op.
func (m *Manager) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.RLock()
	t, known := m.containers[id]
	var state State
	if known {
		state = t.state
	}
	m.mu.RUnlock()

	if known {
		switch state {
		case StateStopping, StateStopped, StateRemoving, StateRemoved:
			return nil
		}
		if err := m.transition(id, StateStopping, ""); err != nil {
			return err
		}
	}

	var opts container.StopOptions
	if timeout > 0 {
		secs := int(timeout / time.Second)
		opts.Timeout = &secs
	}
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout+timeout)
	defer cancel()
	if err := m.api.ContainerStop(opCtx, id, opts); err != nil && !cerrdefs.IsNotFound(err) {
		m.fail(id, err)
		return rerrors.ContainerOpFailed("stop", id, err)
	}
	if known {
		_ = m.transition(id, StateStopped, "")
	}
	return nil
}

// Remove deletes the container from the engine. force also removes a running
// container; removing an already-gone container is a no-op.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	m.mu.RLock()
	t, known := m.containers[id]
	var state State
	if known {
		state = t.state
	}
	m.mu.RUnlock()

	if known {
		switch state {
		case StateRemoving, StateRemoved:
			return nil
		}
		if !force && !ValidTransition(state, StateRemoving) {
			return rerrors.Conflict("container is " + string(state) + ", stop it before removing")
		}
		m.forceTransition(id, StateRemoving, "")
	}

	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	err := m.api.ContainerRemove(opCtx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		m.fail(id, err)
		return rerrors.ContainerOpFailed("remove", id, err)
	}
	if known {
		m.forceTransition(id, StateRemoved, "")
	}
	return nil
}

// Exec runs a command inside a running container and returns its combined
// output and exit code. The caller's context bounds the command.
func (m *Manager) Exec(ctx context.Context, id string, cmd []string, opts ExecOptions) (ExecResult, error) {
	if len(cmd) == 0 {
		return ExecResult{}, rerrors.ValidationError("exec command is required")
	}
	create, err := m.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, rerrors.ContainerOpFailed("exec-create", id, err)
	}
	attach, err := m.api.ContainerExecAttach(ctx, create.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, rerrors.ContainerOpFailed("exec-attach", id, err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return ExecResult{}, rerrors.ContainerOpFailed("exec-read", id, err)
	}
	inspect, err := m.api.ContainerExecInspect(ctx, create.ID)
	if err != nil {
		return ExecResult{}, rerrors.ContainerOpFailed("exec-inspect", id, err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Output: out.String()}, nil
}

// Logs returns up to tail lines of a container's combined output. tail <= 0
// returns everything.
func (m *Manager) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	rc, err := m.api.ContainerLogs(opCtx, id, opts)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", rerrors.NotFound("container", id)
		}
		return "", rerrors.ContainerOpFailed("logs", id, err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", rerrors.ContainerOpFailed("logs-read", id, err)
	}
	return out.String(), nil
}

// Stats samples the current resource usage of one container.
func (m *Manager) Stats(ctx context.Context, id string) (ResourceUsage, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	reader, err := m.api.ContainerStats(opCtx, id, false)
	if err != nil {
		return ResourceUsage{}, rerrors.ContainerOpFailed("stats", id, err)
	}
	defer reader.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&raw); err != nil {
		return ResourceUsage{}, rerrors.ContainerOpFailed("stats-decode", id, err)
	}
	return usageFrom(raw), nil
}

// Info returns a snapshot of one tracked container.
func (m *Manager) Info(id string) (ContainerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.containers[id]
	if !ok {
		return ContainerInfo{}, false
	}
	return t.info(), true
}

// List snapshots every tracked container.
func (m *Manager) List() []ContainerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ContainerInfo, 0, len(m.containers))
	for _, t := range m.containers {
		out = append(out, t.info())
	}
	return out
}

// SweepStopped removes containers that have sat in Stopped beyond the
// retention window, returning how many went away.
func (m *Manager) SweepStopped(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.retainStopped)
	m.mu.RLock()
	var stale []string
	for id, t := range m.containers {
		if t.state == StateStopped && !t.finishedAt.IsZero() && t.finishedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	var firstErr error
	for _, id := range stale {
		if err := m.Remove(ctx, id, true); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// transition moves a container along a validated edge and publishes the
// change. Same-state calls are no-ops.
func (m *Manager) transition(id string, to State, msg string) error {
	m.mu.Lock()
	t, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return rerrors.NotFound("container", id)
	}
	if t.state == to {
		m.mu.Unlock()
		return nil
	}
	if !ValidTransition(t.state, to) {
		from := t.state
		m.mu.Unlock()
		return rerrors.Conflict(fmt.Sprintf("container cannot go from %s to %s", from, to))
	}
	evt := m.applyLocked(t, to, msg)
	m.mu.Unlock()
	m.afterTransition(evt)
	return nil
}

// forceTransition applies an edge without validating it, for forced removal
// and the error sink.
func (m *Manager) forceTransition(id string, to State, msg string) {
	m.mu.Lock()
	t, ok := m.containers[id]
	if !ok || t.state == to {
		m.mu.Unlock()
		return
	}
	evt := m.applyLocked(t, to, msg)
	m.mu.Unlock()
	m.afterTransition(evt)
}

// fail parks a container in the error sink with the cause message.
func (m *Manager) fail(id string, cause error) {
	m.forceTransition(id, StateError, cause.Error())
}

// applyLocked mutates the tracked entry and builds the event while m.mu is
// held. Removed entries leave the map; their history lives in the events.
func (m *Manager) applyLocked(t *tracked, to State, msg string) events.ContainerStateChanged {
	from := t.state
	t.state = to
	if msg != "" {
		t.message = msg
	}
	if to == StateStopped && t.finishedAt.IsZero() {
		t.finishedAt = time.Now()
	}
	if to == StateRemoved {
		delete(m.containers, t.id)
	}
	return events.ContainerStateChanged{
		ContainerID: t.id,
		RunnerID:    t.runnerID,
		JobID:       t.jobID,
		Repository:  t.repository,
		From:        string(from),
		To:          string(to),
		Message:     msg,
		At:          time.Now(),
	}
}

// afterTransition publishes outside the lock. A fresh context bounds the
// publish because transitions also fire during shutdown.
func (m *Manager) afterTransition(evt events.ContainerStateChanged) {
	m.recorder.IncContainerTransition(evt.To)
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.log.Warn("Dropped container event",
			logfields.ContainerID(shortID(evt.ContainerID)), logfields.Error(err))
	}
}

// waitForExit blocks on the engine until the container stops, then records
// the exit code. Shutdown abandons the wait; the container is re-adopted on
// the next start.
func (m *Manager) waitForExit(id string) {
	defer m.wg.Done()
	statusCh, errCh := m.api.ContainerWait(m.runCtx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		m.mu.Lock()
		if t, ok := m.containers[id]; ok {
			t.exitCode = int(status.StatusCode)
			t.finishedAt = time.Now()
		}
		m.mu.Unlock()
		_ = m.transition(id, StateStopped, fmt.Sprintf("exit code %d", status.StatusCode))
		m.log.Info("Container exited", logfields.ContainerID(shortID(id)),
			"exit_code", status.StatusCode)
	case err := <-errCh:
		if m.runCtx.Err() != nil {
			return
		}
		m.fail(id, err)
		m.log.Warn("Container wait failed", logfields.ContainerID(shortID(id)), logfields.Error(err))
	case <-m.runCtx.Done():
	}
}

// reconcile adopts engine containers carrying the managed label, typically
// after a daemon restart. Running containers keep running and get an exit
// watcher; stopped ones become sweep candidates.
func (m *Manager) reconcile(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	list, err := m.api.ContainerList(opCtx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return rerrors.ContainerOpFailed("list", "", err)
	}

	adopted := 0
	for _, c := range list {
		m.mu.RLock()
		_, known := m.containers[c.ID]
		m.mu.RUnlock()
		if known {
			continue
		}
		t := &tracked{
			id:         c.ID,
			name:       containerName(c.Names),
			runnerID:   c.Labels[LabelRunnerID],
			jobID:      c.Labels[LabelJobID],
			repository: c.Labels[LabelRepository],
			state:      stateFromEngine(c.State),
			createdAt:  time.Unix(c.Created, 0),
		}
		if t.state == StateStopped {
			if ins, err := m.api.ContainerInspect(opCtx, c.ID); err == nil && ins.ContainerJSONBase != nil && ins.State != nil {
				t.exitCode = ins.State.ExitCode
				if at, err := time.Parse(time.RFC3339Nano, ins.State.FinishedAt); err == nil {
					t.finishedAt = at
				}
			}
			if t.finishedAt.IsZero() {
				t.finishedAt = time.Now()
			}
		}
		m.mu.Lock()
		m.containers[c.ID] = t
		m.mu.Unlock()
		if t.state == StateRunning {
			m.wg.Add(1)
			go m.waitForExit(c.ID)
		}
		adopted++
	}
	if adopted > 0 {
		m.log.Info("Adopted managed containers", "count", adopted)
	}
	return nil
}

func (m *Manager) statsLoop() {
	defer m.wg.Done()
	tick := time.NewTicker(m.pollEvery)
	defer tick.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-tick.C:
			m.pollStats(m.runCtx)
		}
	}
}

// pollStats samples every running container and flags the hot ones.
func (m *Manager) pollStats(ctx context.Context) {
	m.mu.RLock()
	running := make([]string, 0, len(m.containers))
	for id, t := range m.containers {
		if t.state == StateRunning {
			running = append(running, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range running {
		usage, err := m.Stats(ctx, id)
		if err != nil {
			m.log.Debug("Stats sample failed", logfields.ContainerID(shortID(id)), logfields.Error(err))
			continue
		}
		if usage.CPUPercent > highCPUPercent {
			m.log.Warn("Container CPU above threshold",
				logfields.ContainerID(shortID(id)), "cpu_percent", usage.CPUPercent)
			m.publishUsage(id, "high-cpu", usage)
		}
		if usage.MemoryPercent > highMemoryPercent {
			m.log.Warn("Container memory above threshold",
				logfields.ContainerID(shortID(id)), "memory_percent", usage.MemoryPercent)
			m.publishUsage(id, "high-memory", usage)
		}
	}
}

func (m *Manager) publishUsage(id, kind string, usage ResourceUsage) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evt := events.ContainerHighUsage{
		ContainerID:   id,
		Kind:          kind,
		CPUPercent:    usage.CPUPercent,
		MemoryPercent: usage.MemoryPercent,
		At:            time.Now(),
	}
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.log.Warn("Dropped usage event", logfields.Error(err))
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	tick := time.NewTicker(m.sweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-tick.C:
			if m.leaderGate != nil && !m.leaderGate() {
				continue
			}
			n, err := m.SweepStopped(m.runCtx)
			if err != nil {
				m.log.Warn("Container sweep failed", logfields.Error(err))
			}
			if n > 0 {
				m.log.Info("Swept stopped containers", "count", n)
			}
		}
	}
}

// usageFrom mirrors the engine CLI's percent math: CPU deltas scaled by
// online CPUs, memory net of the page cache's inactive file pages.
func usageFrom(s container.StatsResponse) ResourceUsage {
	var cpu float64
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		online := float64(s.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
		}
		if online == 0 {
			online = 1
		}
		cpu = cpuDelta / sysDelta * online * 100
	}

	used := s.MemoryStats.Usage
	if inactive, ok := s.MemoryStats.Stats["inactive_file"]; ok && inactive < used {
		used -= inactive
	} else if inactive, ok := s.MemoryStats.Stats["total_inactive_file"]; ok && inactive < used {
		used -= inactive
	}
	u := ResourceUsage{
		CPUPercent:  cpu,
		MemoryUsed:  used,
		MemoryLimit: s.MemoryStats.Limit,
		Pids:        s.PidsStats.Current,
	}
	if u.MemoryLimit > 0 {
		u.MemoryPercent = float64(u.MemoryUsed) / float64(u.MemoryLimit) * 100
	}
	return u
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
