package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/runnerd/internal/logfields"
)

const (
	cleanupEvery   = time.Minute
	retentionEvery = time.Minute
	rateProbeEvery = 5 * time.Minute

	// taskTimeout caps one scheduled run. Provisioning during a scale-up
	// can pull images, so the cap is generous.
	taskTimeout = 5 * time.Minute
)

// startSchedules builds the scheduler and registers the periodic work:
// the scaling tick, completed-runner cleanup, queue retention, and the
// rate-limit probe. Rules refresh and the stopped-container sweep run
// inside their owning components and are not scheduled here.
func (s *System) startSchedules(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(s.cfg.Scaler.TickInterval()),
		gocron.NewTask(s.scheduled(ctx, s.runScalerTick)),
		gocron.WithName("scaler-tick"),
	); err != nil {
		return fmt.Errorf("schedule scaler tick: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(cleanupEvery),
		gocron.NewTask(s.scheduled(ctx, s.runRunnerCleanup)),
		gocron.WithName("runner-cleanup"),
	); err != nil {
		return fmt.Errorf("schedule runner cleanup: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(retentionEvery),
		gocron.NewTask(s.scheduled(ctx, s.runQueueRetention)),
		gocron.WithName("queue-retention"),
	); err != nil {
		return fmt.Errorf("schedule queue retention: %w", err)
	}

	if _, err := sched.NewJob(
		gocron.DurationJob(rateProbeEvery),
		gocron.NewTask(s.scheduled(ctx, s.runRateProbe)),
		gocron.WithName("rate-limit-probe"),
	); err != nil {
		return fmt.Errorf("schedule rate limit probe: %w", err)
	}

	s.scheduler = sched
	sched.Start()
	return nil
}

// scheduled wraps a periodic task with the run context and a deadline so
// a wedged dependency cannot pile up overlapping runs forever.
func (s *System) scheduled(ctx context.Context, fn func(context.Context)) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		taskCtx, cancel := context.WithTimeout(ctx, taskTimeout)
		defer cancel()
		fn(taskCtx)
	}
}

// runScalerTick evaluates every pool. The scaler itself skips the tick on
// non-leader nodes.
func (s *System) runScalerTick(ctx context.Context) {
	if err := s.scaler.Tick(ctx); err != nil {
		s.log.Warn("Scaler tick failed", logfields.Error(err))
	}
}

// runRunnerCleanup removes completed ephemeral runners and sweeps
// orphaned job networks. Leader-only so replicas do not race deletes.
func (s *System) runRunnerCleanup(ctx context.Context) {
	if !s.elector.IsLeader() {
		return
	}
	if _, err := s.orch.CleanupCompleted(ctx); err != nil {
		s.log.Warn("Runner cleanup failed", logfields.Error(err))
	}
	if _, err := s.networks.SweepOrphans(ctx); err != nil {
		s.log.Warn("Network sweep failed", logfields.Error(err))
	}
}

// runQueueRetention prunes aged completed and dead tasks and promotes any
// delayed tasks whose backoff expired while no worker was looking.
func (s *System) runQueueRetention(ctx context.Context) {
	if err := s.queue.Prune(ctx); err != nil {
		s.log.Warn("Queue prune failed", logfields.Error(err))
	}
	if _, err := s.queue.MoveDue(ctx); err != nil {
		s.log.Warn("Delayed task promotion failed", logfields.Error(err))
	}
}

// runRateProbe refreshes the shared rate-limit snapshot so pacing reflects
// budget spent by other consumers of the same token.
func (s *System) runRateProbe(ctx context.Context) {
	if _, err := s.forge.RateLimit(ctx); err != nil {
		s.log.Warn("Rate limit probe failed", logfields.Error(err))
	}
}
