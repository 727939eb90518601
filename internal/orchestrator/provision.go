package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/isolation"
	"git.home.luguber.info/inful/runnerd/internal/lifecycle"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

// ProvisionRunner brings up one warm long-lived runner for the pool manager.
// The returned runner is Idle with its container running and registered.
func (o *Orchestrator) ProvisionRunner(ctx context.Context, repository string) (*storage.Runner, error) {
	runner := &storage.Runner{
		ID:         uuid.NewString(),
		Name:       fmt.Sprintf("runner-%s-%s", isolation.Sanitize(repository), uuid.NewString()[:8]),
		Type:       storage.RunnerProxy,
		Status:     storage.RunnerStarting,
		Repository: repository,
		Labels:     []string{"self-hosted"},
	}
	if err := o.store.InsertRunner(ctx, runner); err != nil {
		return nil, err
	}

	containerID, err := o.provisionContainer(ctx, runner)
	if err != nil {
		bg, cancel := o.cleanupContext()
		defer cancel()
		if containerID != "" {
			_ = o.containers.StopContainer(bg, containerID, o.stopGrace)
			_ = o.containers.Remove(bg, containerID, true)
		}
		if delErr := o.store.DeleteRunner(bg, runner.ID); delErr != nil {
			o.log.Warn("Provision rollback failed", logfields.RunnerID(runner.ID), logfields.Error(delErr))
		}
		return nil, err
	}

	ready, err := o.store.TransitionRunner(ctx, runner.ID, storage.RunnerIdle)
	if err != nil {
		return nil, err
	}
	o.log.Info("Warm runner provisioned",
		logfields.Repository(repository), logfields.RunnerID(runner.ID),
		logfields.RunnerName(runner.Name), logfields.ContainerID(containerID))
	return ready, nil
}

func (o *Orchestrator) provisionContainer(ctx context.Context, runner *storage.Runner) (string, error) {
	token, err := o.forge.GenerateRunnerToken(ctx, runner.Repository)
	if err != nil {
		return "", err
	}
	if err := o.checkImagePolicy(ctx, o.docker.RunnerImage); err != nil {
		return "", err
	}

	containerID, err := o.containers.Create(ctx, runner.ID, "", lifecycle.ContainerSpec{
		Name:       runner.Name,
		Image:      o.docker.RunnerImage,
		Repository: runner.Repository,
		Env:        o.runnerEnv(nil, runner, token.Token, false),
	}, o.limits)
	if err != nil {
		return "", err
	}
	if err := o.store.SetRunnerContainer(ctx, runner.ID, containerID); err != nil {
		return containerID, err
	}
	if _, err := o.networks.Ensure(ctx, runner.Repository); err != nil {
		return containerID, err
	}
	if err := o.networks.Attach(ctx, runner.Repository, containerID, runner.Name); err != nil {
		return containerID, err
	}
	if err := o.containers.StartContainer(ctx, containerID); err != nil {
		return containerID, err
	}
	return containerID, nil
}

// DecommissionRunner tears a warm runner down: forge registration, container,
// then the row. Forge-side removal is best effort; a runner that never
// registered has nothing to remove.
func (o *Orchestrator) DecommissionRunner(ctx context.Context, runner *storage.Runner) error {
	o.removeForgeRegistration(ctx, runner)

	if runner.ContainerID != "" {
		if err := o.containers.StopContainer(ctx, runner.ContainerID, o.stopGrace); err != nil {
			o.log.Warn("Decommission stop failed", logfields.ContainerID(runner.ContainerID), logfields.Error(err))
		}
		if err := o.containers.Remove(ctx, runner.ContainerID, true); err != nil {
			return err
		}
	}
	if err := o.store.DeleteRunner(ctx, runner.ID); err != nil {
		return err
	}
	o.log.Info("Runner decommissioned",
		logfields.Repository(runner.Repository), logfields.RunnerID(runner.ID))
	return nil
}

func (o *Orchestrator) removeForgeRegistration(ctx context.Context, runner *storage.Runner) {
	registered, err := o.forge.ListRunners(ctx, runner.Repository)
	if err != nil {
		o.log.Warn("List forge runners failed", logfields.Repository(runner.Repository), logfields.Error(err))
		return
	}
	for _, fr := range registered {
		if fr.Name != runner.Name {
			continue
		}
		if err := o.forge.RemoveRunner(ctx, runner.Repository, fr.ID); err != nil {
			o.log.Warn("Remove forge runner failed",
				logfields.RunnerName(runner.Name), logfields.Error(err))
		}
		return
	}
}

// CleanupCompleted removes containers of ephemeral runners that have been
// Offline longer than the retention window, then drops their rows. Runs on
// the leader every minute. Ephemeral runners deregister themselves from the
// forge after their single job, so only local resources are swept.
func (o *Orchestrator) CleanupCompleted(ctx context.Context) (int, error) {
	offline, err := o.store.RunnersByStatus(ctx, storage.RunnerOffline)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, r := range offline {
		if r.Type != storage.RunnerEphemeral {
			continue
		}
		if time.Since(r.UpdatedAt) < o.cleanupAge {
			continue
		}
		if r.ContainerID != "" {
			if err := o.containers.Remove(ctx, r.ContainerID, true); err != nil &&
				!rerrors.IsCategory(err, rerrors.CategoryNotFound) {
				o.log.Warn("Cleanup container remove failed",
					logfields.ContainerID(r.ContainerID), logfields.Error(err))
				continue
			}
		}
		if err := o.store.DeleteRunner(ctx, r.ID); err != nil {
			o.log.Warn("Cleanup runner delete failed", logfields.RunnerID(r.ID), logfields.Error(err))
			continue
		}
		removed++
		o.log.Info("Ephemeral runner cleaned up",
			logfields.Repository(r.Repository), logfields.RunnerID(r.ID))
	}
	return removed, nil
}
