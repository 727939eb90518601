package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeContainer struct {
	id      string
	name    string
	config  *container.Config
	host    *container.HostConfig
	running bool
	waitCh  chan container.WaitResponse
	errCh   chan error
}

// fakeDocker is an in-memory engine. Containers created through it get wait
// channels the tests can fire to simulate exits.
type fakeDocker struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	list       []container.Summary
	inspect    map[string]container.InspectResponse
	stats      container.StatsResponse
	logs       []byte
	execOutput string
	execExit   int

	startErr error

	stopCalls   int
	removeCalls int
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		containers: make(map[string]*fakeContainer),
		inspect:    make(map[string]container.InspectResponse),
	}
}

func notFoundErr(id string) error {
	return fmt.Errorf("no such container %s: %w", id, cerrdefs.ErrNotFound)
}

func (f *fakeDocker) ContainerCreate(_ context.Context, conf *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%064d", f.seq)
	f.containers[id] = &fakeContainer{
		id:     id,
		name:   name,
		config: conf,
		host:   host,
		waitCh: make(chan container.WaitResponse, 1),
		errCh:  make(chan error, 1),
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return notFoundErr(id)
	}
	c.running = true
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	c, ok := f.containers[id]
	if !ok {
		return notFoundErr(id)
	}
	if c.running {
		c.running = false
		c.waitCh <- container.WaitResponse{StatusCode: 0}
	}
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	c, ok := f.containers[id]
	if !ok {
		return notFoundErr(id)
	}
	if c.running && !opts.Force {
		return fmt.Errorf("container %s is running", id)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeDocker) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]container.Summary(nil), f.list...), nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ins, ok := f.inspect[id]; ok {
		return ins, nil
	}
	return container.InspectResponse{}, notFoundErr(id)
}

func (f *fakeDocker) ContainerWait(_ context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		// adopted containers the fake never created just park forever
		return make(chan container.WaitResponse), make(chan error)
	}
	return c.waitCh, c.errCh
}

func (f *fakeDocker) ContainerLogs(_ context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return nil, notFoundErr(id)
	}
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerStats(_ context.Context, _ string, _ bool) (container.StatsResponseReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, err := json.Marshal(f.stats)
	if err != nil {
		return container.StatsResponseReader{}, err
	}
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader(buf))}, nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, id string, _ container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "exec-" + id}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, _ string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	output := f.execOutput
	f.mu.Unlock()
	server, client := net.Pipe()
	go func() {
		w := stdcopy.NewStdWriter(server, stdcopy.Stdout)
		_, _ = w.Write([]byte(output))
		_ = server.Close()
	}()
	return types.NewHijackedResponse(client, "application/vnd.docker.multiplexed-stream"), nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.ExecInspect{ExecID: execID, ExitCode: f.execExit}, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDocker, *events.Bus) {
	t.Helper()
	fake := newFakeDocker()
	bus := events.NewBus()
	m := NewManager(fake, config.DockerConfig{RunnerImage: "forge-runner:latest"}, bus, testLogger())
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Stop(context.Background()); err != nil {
			t.Errorf("failed to stop manager: %v", err)
		}
	})
	return m, fake, bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateAppliesHardening(t *testing.T) {
	m, fake, _ := newTestManager(t)

	id, err := m.Create(t.Context(), "runner-1", "job-1", ContainerSpec{
		Name:       "ephemeral-acme-widgets-abc123",
		Repository: "acme/widgets",
		Env:        []string{"RUNNER_EPHEMERAL=1"},
		Labels:     map[string]string{"team": "ci"},
	}, Limits{MemoryBytes: 1 << 30})
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}

	fake.mu.Lock()
	c := fake.containers[id]
	fake.mu.Unlock()
	if c == nil {
		t.Fatal("container not recorded by engine fake")
	}
	if c.config.Image != "forge-runner:latest" {
		t.Errorf("image = %q, want configured runner image", c.config.Image)
	}
	if c.config.WorkingDir != workDir {
		t.Errorf("working dir = %q, want %q", c.config.WorkingDir, workDir)
	}
	if c.config.Labels[LabelManaged] != "true" {
		t.Errorf("managed label = %q, want true", c.config.Labels[LabelManaged])
	}
	if c.config.Labels[LabelRunnerID] != "runner-1" || c.config.Labels[LabelJobID] != "job-1" {
		t.Errorf("identity labels = %v", c.config.Labels)
	}
	if c.config.Labels["team"] != "ci" {
		t.Errorf("caller label lost: %v", c.config.Labels)
	}
	if len(c.host.SecurityOpt) != 1 || c.host.SecurityOpt[0] != "no-new-privileges" {
		t.Errorf("SecurityOpt = %v", c.host.SecurityOpt)
	}
	if len(c.host.CapDrop) != 1 || c.host.CapDrop[0] != "ALL" {
		t.Errorf("CapDrop = %v", c.host.CapDrop)
	}
	if c.host.Tmpfs["/tmp"] != tmpfsOpts {
		t.Errorf("tmpfs = %v", c.host.Tmpfs)
	}
	if c.host.Resources.MemorySwap != c.host.Resources.Memory {
		t.Errorf("swap = %d, memory = %d, want equal", c.host.Resources.MemorySwap, c.host.Resources.Memory)
	}

	info, ok := m.Info(id)
	if !ok || info.State != StateCreated {
		t.Errorf("state = %s (tracked %v), want created", info.State, ok)
	}
}

func TestCreateRequiresNameAndImage(t *testing.T) {
	fake := newFakeDocker()
	m := NewManager(fake, config.DockerConfig{}, events.NewBus(), testLogger())
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	if _, err := m.Create(t.Context(), "r", "j", ContainerSpec{}, Limits{}); !rerrors.IsCategory(err, rerrors.CategoryValidation) {
		t.Errorf("expected validation error without a name, got %v", err)
	}
	if _, err := m.Create(t.Context(), "r", "j", ContainerSpec{Name: "x"}, Limits{}); !rerrors.IsCategory(err, rerrors.CategoryConfig) {
		t.Errorf("expected config error without an image, got %v", err)
	}
}

func TestStartRunsAndRecordsExit(t *testing.T) {
	m, fake, bus := newTestManager(t)
	changes, unsub := events.Subscribe[events.ContainerStateChanged](bus, 16)
	defer unsub()

	id, err := m.Create(t.Context(), "runner-1", "job-1", ContainerSpec{Name: "r1"}, Limits{})
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	if err := m.StartContainer(t.Context(), id); err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	if info, _ := m.Info(id); info.State != StateRunning {
		t.Fatalf("state = %s, want running", info.State)
	}

	fake.mu.Lock()
	fake.containers[id].waitCh <- container.WaitResponse{StatusCode: 7}
	fake.mu.Unlock()

	waitFor(t, "container stopped", func() bool {
		info, ok := m.Info(id)
		return ok && info.State == StateStopped
	})
	if info, _ := m.Info(id); info.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", info.ExitCode)
	}

	want := []string{"created", "starting", "running", "stopped"}
	var got []string
	for range want {
		select {
		case evt := <-changes:
			got = append(got, evt.To)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transitions, got %v", got)
		}
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func TestStopContainerIdempotent(t *testing.T) {
	m, fake, _ := newTestManager(t)

	id, err := m.Create(t.Context(), "runner-1", "job-1", ContainerSpec{Name: "r1"}, Limits{})
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	if err := m.StartContainer(t.Context(), id); err != nil {
		t.Fatalf("failed to start container: %v", err)
	}

	if err := m.StopContainer(t.Context(), id, time.Second); err != nil {
		t.Fatalf("failed to stop container: %v", err)
	}
	if info, _ := m.Info(id); info.State != StateStopped {
		t.Fatalf("state = %s, want stopped", info.State)
	}

	fake.mu.Lock()
	before := fake.stopCalls
	fake.mu.Unlock()
	if err := m.StopContainer(t.Context(), id, time.Second); err != nil {
		t.Fatalf("second stop returned %v, want nil", err)
	}
	fake.mu.Lock()
	after := fake.stopCalls
	fake.mu.Unlock()
	if after != before {
		t.Error("second stop hit the engine for an already-stopped container")
	}
}

func TestStopUnknownContainerIsNoop(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.StopContainer(t.Context(), "gone", time.Second); err != nil {
		t.Fatalf("stop of unknown container = %v, want nil", err)
	}
}

func TestRemoveRequiresStopUnlessForced(t *testing.T) {
	m, _, _ := newTestManager(t)

	id, err := m.Create(t.Context(), "runner-1", "job-1", ContainerSpec{Name: "r1"}, Limits{})
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	if err := m.StartContainer(t.Context(), id); err != nil {
		t.Fatalf("failed to start container: %v", err)
	}

	if err := m.Remove(t.Context(), id, false); !rerrors.IsCategory(err, rerrors.CategoryConflict) {
		t.Fatalf("expected conflict removing a running container, got %v", err)
	}
	if err := m.Remove(t.Context(), id, true); err != nil {
		t.Fatalf("forced remove failed: %v", err)
	}
	if _, ok := m.Info(id); ok {
		t.Error("container still tracked after removal")
	}
	if err := m.Remove(t.Context(), id, true); err != nil {
		t.Fatalf("removing a removed container = %v, want nil", err)
	}
}

func TestStartFailureEntersErrorSink(t *testing.T) {
	m, fake, _ := newTestManager(t)

	id, err := m.Create(t.Context(), "runner-1", "job-1", ContainerSpec{Name: "r1"}, Limits{})
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	fake.mu.Lock()
	fake.startErr = fmt.Errorf("boom")
	fake.mu.Unlock()

	if err := m.StartContainer(t.Context(), id); err == nil {
		t.Fatal("expected start to fail")
	}
	info, ok := m.Info(id)
	if !ok || info.State != StateError {
		t.Fatalf("state = %s (tracked %v), want error", info.State, ok)
	}
	if info.Message == "" {
		t.Error("error sink should record the cause")
	}
	if err := m.Remove(t.Context(), id, true); err != nil {
		t.Fatalf("failed to remove errored container: %v", err)
	}
}

func TestReconcileAdoptsManagedContainers(t *testing.T) {
	fake := newFakeDocker()
	runningID := "aaa1111111111111"
	stoppedID := "bbb2222222222222"
	fake.list = []container.Summary{
		{
			ID:      runningID,
			Names:   []string{"/ephemeral-acme-widgets-1"},
			State:   "running",
			Created: time.Now().Add(-time.Hour).Unix(),
			Labels: map[string]string{
				LabelManaged:    "true",
				LabelRunnerID:   "runner-1",
				LabelJobID:      "job-1",
				LabelRepository: "acme/widgets",
			},
		},
		{
			ID:     stoppedID,
			Names:  []string{"/ephemeral-acme-widgets-2"},
			State:  "exited",
			Labels: map[string]string{LabelManaged: "true"},
		},
	}
	fake.inspect[stoppedID] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{
				ExitCode:   3,
				FinishedAt: time.Now().Add(-2 * time.Hour).Format(time.RFC3339Nano),
			},
		},
	}

	m := NewManager(fake, config.DockerConfig{RunnerImage: "img"}, events.NewBus(), testLogger())
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	if got := len(m.List()); got != 2 {
		t.Fatalf("tracked containers = %d, want 2", got)
	}
	running, ok := m.Info(runningID)
	if !ok || running.State != StateRunning {
		t.Errorf("running container state = %s (tracked %v)", running.State, ok)
	}
	if running.RunnerID != "runner-1" || running.Repository != "acme/widgets" {
		t.Errorf("adopted identity = %+v", running)
	}
	if running.Name != "ephemeral-acme-widgets-1" {
		t.Errorf("name = %q, want slash stripped", running.Name)
	}
	stopped, ok := m.Info(stoppedID)
	if !ok || stopped.State != StateStopped {
		t.Errorf("stopped container state = %s (tracked %v)", stopped.State, ok)
	}
	if stopped.ExitCode != 3 || stopped.FinishedAt.IsZero() {
		t.Errorf("stopped container = %+v, want exit 3 with finish time", stopped)
	}
}

func TestSweepRemovesOnlyOldStopped(t *testing.T) {
	fake := newFakeDocker()
	oldID := "ccc3333333333333"
	freshID := "ddd4444444444444"
	fake.list = []container.Summary{
		{ID: oldID, Names: []string{"/old"}, State: "exited", Labels: map[string]string{LabelManaged: "true"}},
		{ID: freshID, Names: []string{"/fresh"}, State: "exited", Labels: map[string]string{LabelManaged: "true"}},
	}
	fake.inspect[oldID] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{FinishedAt: time.Now().Add(-2 * time.Hour).Format(time.RFC3339Nano)},
		},
	}
	fake.inspect[freshID] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{FinishedAt: time.Now().Format(time.RFC3339Nano)},
		},
	}

	m := NewManager(fake, config.DockerConfig{RunnerImage: "img"}, events.NewBus(), testLogger())
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	n, err := m.SweepStopped(t.Context())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	if _, ok := m.Info(oldID); ok {
		t.Error("old stopped container survived the sweep")
	}
	if _, ok := m.Info(freshID); !ok {
		t.Error("fresh stopped container was swept early")
	}
}

func TestPollStatsEmitsHighUsage(t *testing.T) {
	m, fake, bus := newTestManager(t)
	hot, unsub := events.Subscribe[events.ContainerHighUsage](bus, 8)
	defer unsub()

	id, err := m.Create(t.Context(), "runner-1", "job-1", ContainerSpec{Name: "r1"}, Limits{})
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	if err := m.StartContainer(t.Context(), id); err != nil {
		t.Fatalf("failed to start container: %v", err)
	}

	fake.mu.Lock()
	fake.stats = container.StatsResponse{
		Stats: container.Stats{
			CPUStats: container.CPUStats{
				CPUUsage:    container.CPUUsage{TotalUsage: 900},
				SystemUsage: 1000,
				OnlineCPUs:  1,
			},
			PreCPUStats: container.CPUStats{},
			MemoryStats: container.MemoryStats{Usage: 950, Limit: 1000},
		},
	}
	fake.mu.Unlock()

	m.pollStats(t.Context())

	kinds := map[string]bool{}
	for range 2 {
		select {
		case evt := <-hot:
			kinds[evt.Kind] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for usage events, got %v", kinds)
		}
	}
	if !kinds["high-cpu"] || !kinds["high-memory"] {
		t.Errorf("kinds = %v, want high-cpu and high-memory", kinds)
	}
}

func TestLogsDemultiplexes(t *testing.T) {
	m, fake, _ := newTestManager(t)

	id, err := m.Create(t.Context(), "runner-1", "job-1", ContainerSpec{Name: "r1"}, Limits{})
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}

	var framed bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write([]byte("line one\n")); err != nil {
		t.Fatalf("failed to frame stdout: %v", err)
	}
	if _, err := stdcopy.NewStdWriter(&framed, stdcopy.Stderr).Write([]byte("line two\n")); err != nil {
		t.Fatalf("failed to frame stderr: %v", err)
	}
	fake.mu.Lock()
	fake.logs = framed.Bytes()
	fake.mu.Unlock()

	out, err := m.Logs(t.Context(), id, 50)
	if err != nil {
		t.Fatalf("failed to read logs: %v", err)
	}
	if out != "line one\nline two\n" {
		t.Errorf("logs = %q, want both demultiplexed lines", out)
	}
}

func TestLogsMissingContainer(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Logs(t.Context(), "gone", 10); !rerrors.IsCategory(err, rerrors.CategoryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExecCapturesOutputAndExitCode(t *testing.T) {
	m, fake, _ := newTestManager(t)

	id, err := m.Create(t.Context(), "runner-1", "job-1", ContainerSpec{Name: "r1"}, Limits{})
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	fake.mu.Lock()
	fake.execOutput = "runner version 2.320\n"
	fake.execExit = 4
	fake.mu.Unlock()

	res, err := m.Exec(t.Context(), id, []string{"runner", "--version"}, ExecOptions{})
	if err != nil {
		t.Fatalf("failed to exec: %v", err)
	}
	if res.Output != "runner version 2.320\n" {
		t.Errorf("output = %q", res.Output)
	}
	if res.ExitCode != 4 {
		t.Errorf("exit code = %d, want 4", res.ExitCode)
	}

	if _, err := m.Exec(t.Context(), id, nil, ExecOptions{}); !rerrors.IsCategory(err, rerrors.CategoryValidation) {
		t.Errorf("expected validation error for empty command, got %v", err)
	}
}

func TestUsageFromStats(t *testing.T) {
	u := usageFrom(container.StatsResponse{
		Stats: container.Stats{
			CPUStats: container.CPUStats{
				CPUUsage:    container.CPUUsage{TotalUsage: 400},
				SystemUsage: 1000,
				OnlineCPUs:  2,
			},
			PreCPUStats: container.CPUStats{},
			MemoryStats: container.MemoryStats{
				Usage: 800,
				Limit: 1000,
				Stats: map[string]uint64{"inactive_file": 300},
			},
		},
	})
	if u.CPUPercent != 80 {
		t.Errorf("cpu = %v, want 80", u.CPUPercent)
	}
	if u.MemoryUsed != 500 {
		t.Errorf("memory used = %d, want 500 (inactive pages excluded)", u.MemoryUsed)
	}
	if u.MemoryPercent != 50 {
		t.Errorf("memory percent = %v, want 50", u.MemoryPercent)
	}
}
