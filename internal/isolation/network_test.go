package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNetwork struct {
	id         string
	name       string
	labels     map[string]string
	containers map[string]network.EndpointResource
}

type fakeNetAPI struct {
	mu   sync.Mutex
	seq  int
	nets map[string]*fakeNetwork

	creates     int
	createErr   error
	raceWinner  bool // materialize the network even when create errors
	lastAliases []string
	removed     []string
}

func newFakeNetAPI() *fakeNetAPI {
	return &fakeNetAPI{nets: make(map[string]*fakeNetwork)}
}

func (f *fakeNetAPI) addLocked(name string, labels map[string]string) *fakeNetwork {
	f.seq++
	n := &fakeNetwork{
		id:         fmt.Sprintf("net%03d", f.seq),
		name:       name,
		labels:     labels,
		containers: make(map[string]network.EndpointResource),
	}
	f.nets[name] = n
	return n
}

func (f *fakeNetAPI) lookupLocked(nameOrID string) *fakeNetwork {
	for _, n := range f.nets {
		if n.name == nameOrID || n.id == nameOrID {
			return n
		}
	}
	return nil
}

func netNotFound(nameOrID string) error {
	return fmt.Errorf("network %s not found: %w", nameOrID, cerrdefs.ErrNotFound)
}

func (f *fakeNetAPI) NetworkCreate(_ context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		if f.raceWinner {
			f.addLocked(name, opts.Labels)
		}
		return network.CreateResponse{}, f.createErr
	}
	n := f.addLocked(name, opts.Labels)
	return network.CreateResponse{ID: n.id}, nil
}

func (f *fakeNetAPI) NetworkInspect(_ context.Context, nameOrID string, _ network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.lookupLocked(nameOrID)
	if n == nil {
		return network.Inspect{}, netNotFound(nameOrID)
	}
	return network.Inspect{
		Name:       n.name,
		ID:         n.id,
		Labels:     n.labels,
		Containers: n.containers,
	}, nil
}

func (f *fakeNetAPI) NetworkConnect(_ context.Context, networkID, containerID string, cfg *network.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.lookupLocked(networkID)
	if n == nil {
		return netNotFound(networkID)
	}
	n.containers[containerID] = network.EndpointResource{Name: containerID}
	if cfg != nil {
		f.lastAliases = cfg.Aliases
	}
	return nil
}

func (f *fakeNetAPI) NetworkDisconnect(_ context.Context, networkID, containerID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.lookupLocked(networkID)
	if n == nil {
		return netNotFound(networkID)
	}
	delete(n.containers, containerID)
	return nil
}

func (f *fakeNetAPI) NetworkRemove(_ context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.lookupLocked(networkID)
	if n == nil {
		return netNotFound(networkID)
	}
	delete(f.nets, n.name)
	f.removed = append(f.removed, n.name)
	return nil
}

func (f *fakeNetAPI) NetworkList(_ context.Context, _ network.ListOptions) ([]network.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []network.Summary
	for _, n := range f.nets {
		if n.labels[LabelManaged] != "true" {
			continue
		}
		// The engine's list response carries no endpoint details.
		out = append(out, network.Summary{Name: n.name, ID: n.id, Labels: n.labels})
	}
	return out, nil
}

func newTestManager(api NetworkAPI) *Manager {
	return NewManager(api, config.DockerConfig{NetworkPrefix: "runnerd"}, testLogger())
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"acme/widgets", "acme-widgets"},
		{"Acme/Widgets.Docs", "acme-widgets-docs"},
		{"a_b c", "a-b-c"},
		{"Ünïcode/Repo", "--n-code-repo"},
		{"already-clean", "already-clean"},
	}
	for _, tc := range cases {
		got := Sanitize(tc.in)
		require.Equal(t, tc.want, got)
		require.Equal(t, got, Sanitize(got), "sanitize must be idempotent")
	}
}

func TestEnsureCreatesNetworkOnce(t *testing.T) {
	api := newFakeNetAPI()
	m := newTestManager(api)

	id, err := m.Ensure(t.Context(), "acme/widgets")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, api.creates)

	n := api.nets["runnerd-acme-widgets"]
	require.NotNil(t, n)
	require.Equal(t, "true", n.labels[LabelManaged])
	require.Equal(t, "acme/widgets", n.labels[LabelRepository])

	again, err := m.Ensure(t.Context(), "acme/widgets")
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, 1, api.creates, "existing network must not be recreated")
}

func TestEnsureRequiresRepository(t *testing.T) {
	m := newTestManager(newFakeNetAPI())
	_, err := m.Ensure(t.Context(), "")
	require.True(t, rerrors.IsCategory(err, rerrors.CategoryValidation))
}

func TestEnsureFallsBackWhenCreateRaceLost(t *testing.T) {
	api := newFakeNetAPI()
	api.createErr = errors.New("network with name runnerd-acme-widgets already exists")
	api.raceWinner = true
	m := newTestManager(api)

	id, err := m.Ensure(t.Context(), "acme/widgets")
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestAttachRecordsAlias(t *testing.T) {
	api := newFakeNetAPI()
	m := newTestManager(api)
	_, err := m.Ensure(t.Context(), "acme/widgets")
	require.NoError(t, err)

	require.NoError(t, m.Attach(t.Context(), "acme/widgets", "c1", "runner-1"))
	require.Equal(t, []string{"runner-1"}, api.lastAliases)

	n := api.nets["runnerd-acme-widgets"]
	require.Contains(t, n.containers, "c1")
}

func TestDetachMissingNetworkIsFine(t *testing.T) {
	m := newTestManager(newFakeNetAPI())
	require.NoError(t, m.Detach(t.Context(), "never/created", "c1"))
}

func TestSweepOrphansRemovesEmptyManagedNetworks(t *testing.T) {
	api := newFakeNetAPI()
	m := newTestManager(api)

	_, err := m.Ensure(t.Context(), "acme/widgets")
	require.NoError(t, err)
	_, err = m.Ensure(t.Context(), "acme/gadgets")
	require.NoError(t, err)
	require.NoError(t, m.Attach(t.Context(), "acme/widgets", "c1", "runner-1"))

	// Unmanaged networks are invisible to the sweep.
	api.mu.Lock()
	api.addLocked("bridge", nil)
	api.mu.Unlock()

	removed, err := m.SweepOrphans(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, []string{"runnerd-acme-gadgets"}, api.removed)
	require.Contains(t, api.nets, "runnerd-acme-widgets")
	require.Contains(t, api.nets, "bridge")
}
