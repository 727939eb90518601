// Package isolation keeps each repository's runners on a dedicated bridge
// network so jobs from different repositories cannot reach each other. Network
// names are derived from the repository, creation is idempotent, and networks
// left without containers are collected by the orphan sweep.
package isolation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
)

// Labels stamped on every network the manager creates.
const (
	LabelManaged    = "runnerd.managed"
	LabelRepository = "runnerd.repository"
)

// NetworkAPI is the slice of the Docker client the manager needs. *client.Client
// satisfies it.
type NetworkAPI interface {
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
}

// Manager owns the per-repository networks.
type Manager struct {
	api       NetworkAPI
	prefix    string
	log       *slog.Logger
	opTimeout time.Duration
}

func NewManager(api NetworkAPI, cfg config.DockerConfig, log *slog.Logger) *Manager {
	return &Manager{
		api:       api,
		prefix:    cfg.NetworkPrefix,
		log:       log.With("component", "isolation"),
		opTimeout: 30 * time.Second,
	}
}

// Sanitize maps a repository onto the character set Docker accepts in network
// names: lowercase, anything outside [a-z0-9] becomes '-'. Applying it twice
// yields the same result.
func Sanitize(repository string) string {
	lower := strings.ToLower(repository)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// NetworkName returns the bridge network name for a repository.
func (m *Manager) NetworkName(repository string) string {
	return m.prefix + "-" + Sanitize(repository)
}

// Ensure returns the id of the repository's network, creating it on first
// use. Concurrent callers for the same repository are safe: whoever loses the
// create race falls back to the network the winner just made.
func (m *Manager) Ensure(ctx context.Context, repository string) (string, error) {
	if repository == "" {
		return "", rerrors.ValidationFailed("repository", "repository is required")
	}
	name := m.NetworkName(repository)
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	ins, err := m.api.NetworkInspect(opCtx, name, network.InspectOptions{})
	if err == nil {
		return ins.ID, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return "", rerrors.NetworkOpFailed("inspect", name, err)
	}

	created, err := m.api.NetworkCreate(opCtx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelRepository: repository,
		},
	})
	if err != nil {
		if ins, insErr := m.api.NetworkInspect(opCtx, name, network.InspectOptions{}); insErr == nil {
			return ins.ID, nil
		}
		return "", rerrors.NetworkOpFailed("create", name, err)
	}
	if created.Warning != "" {
		m.log.Warn("Network created with warning", logfields.Network(name), "warning", created.Warning)
	}
	m.log.Info("Created repository network",
		logfields.Network(name), logfields.Repository(repository))
	return created.ID, nil
}

// Attach joins a container to its repository network under the runner's name,
// so runners on the same network resolve each other by a stable alias instead
// of a container id.
func (m *Manager) Attach(ctx context.Context, repository, containerID, runnerName string) error {
	name := m.NetworkName(repository)
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	var aliases []string
	if runnerName != "" {
		aliases = append(aliases, runnerName)
	}
	if err := m.api.NetworkConnect(opCtx, name, containerID, &network.EndpointSettings{Aliases: aliases}); err != nil {
		return rerrors.NetworkOpFailed("connect", name, err)
	}
	m.log.Debug("Attached container to network",
		logfields.Network(name), logfields.ContainerID(containerID), logfields.RunnerName(runnerName))
	return nil
}

// Detach disconnects a container from its repository network. Networks that
// are already gone and containers that are no longer attached are fine.
func (m *Manager) Detach(ctx context.Context, repository, containerID string) error {
	name := m.NetworkName(repository)
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	if err := m.api.NetworkDisconnect(opCtx, name, containerID, true); err != nil && !cerrdefs.IsNotFound(err) {
		return rerrors.NetworkOpFailed("disconnect", name, err)
	}
	return nil
}

// SweepOrphans removes managed networks with no containers attached. Runs at
// startup and periodically from the scheduler on the leader. List output does
// not carry endpoints, so each candidate is inspected before removal.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	nets, err := m.api.NetworkList(opCtx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, rerrors.NetworkOpFailed("list", "", err)
	}

	removed := 0
	var firstErr error
	for _, n := range nets {
		ins, err := m.api.NetworkInspect(opCtx, n.ID, network.InspectOptions{})
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				continue
			}
			if firstErr == nil {
				firstErr = rerrors.NetworkOpFailed("inspect", n.Name, err)
			}
			continue
		}
		if len(ins.Containers) > 0 {
			continue
		}
		if err := m.api.NetworkRemove(opCtx, n.ID); err != nil {
			if cerrdefs.IsNotFound(err) {
				continue
			}
			if firstErr == nil {
				firstErr = rerrors.NetworkOpFailed("remove", n.Name, err)
			}
			continue
		}
		removed++
		m.log.Info("Removed orphaned network", logfields.Network(ins.Name))
	}
	return removed, firstErr
}
