// Package orchestrator drives a delegated job end to end: claim the row,
// route it, register an ephemeral runner, run its container, and settle the
// outcome. It also provisions and decommissions the warm runners the pool
// manager scales with.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/runnerd/internal/config"
	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/events"
	"git.home.luguber.info/inful/runnerd/internal/forge"
	"git.home.luguber.info/inful/runnerd/internal/isolation"
	"git.home.luguber.info/inful/runnerd/internal/lifecycle"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/metrics"
	"git.home.luguber.info/inful/runnerd/internal/queue"
	"git.home.luguber.info/inful/runnerd/internal/router"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

const (
	defaultJobTimeout = time.Hour
	defaultPollEvery  = 5 * time.Second
	defaultStopGrace  = 10 * time.Second
	defaultCleanupAge = 5 * time.Minute

	logTailLines = 50
	maxErrorLen  = 4096
)

// JobRouter resolves the pool and runner subset for a job.
type JobRouter interface {
	Route(ctx context.Context, job *storage.Job) (*router.Decision, error)
}

// Forge is the slice of the forge client the orchestrator needs.
type Forge interface {
	GenerateRunnerToken(ctx context.Context, repository string) (*forge.RegistrationToken, error)
	ListRunners(ctx context.Context, repository string) ([]forge.Runner, error)
	RemoveRunner(ctx context.Context, repository string, runnerID int64) error
}

// Containers is the slice of the lifecycle manager the orchestrator needs.
type Containers interface {
	Create(ctx context.Context, runnerID, jobID string, spec lifecycle.ContainerSpec, limits lifecycle.Limits) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Logs(ctx context.Context, id string, tail int) (string, error)
	Info(id string) (lifecycle.ContainerInfo, bool)
}

// Networks is the slice of the isolation manager the orchestrator needs.
type Networks interface {
	Ensure(ctx context.Context, repository string) (string, error)
	Attach(ctx context.Context, repository, containerID, runnerName string) error
	Detach(ctx context.Context, repository, containerID string) error
}

// Orchestrator executes jobs popped from the queue and implements the pool
// manager's Provisioner seam for warm capacity.
type Orchestrator struct {
	store      *storage.Store
	router     JobRouter
	forge      Forge
	containers Containers
	networks   Networks
	scanner    ImageScanner
	bus        *events.Bus
	log        *slog.Logger
	recorder   metrics.Recorder

	docker   config.DockerConfig
	scan     config.ScanConfig
	forgeURL string
	limits   lifecycle.Limits

	jobTimeout time.Duration
	pollEvery  time.Duration
	stopGrace  time.Duration
	cleanupAge time.Duration
}

// New builds an orchestrator. Container limits are parsed from config once;
// a bad limits stanza fails construction rather than every job.
func New(store *storage.Store, rt JobRouter, fc Forge, containers Containers, networks Networks,
	cfg *config.Config, bus *events.Bus, log *slog.Logger) (*Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}
	limits, err := lifecycle.LimitsFromConfig(cfg.Docker.Limits)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		store:      store,
		router:     rt,
		forge:      fc,
		containers: containers,
		networks:   networks,
		scanner:    NoopScanner{},
		bus:        bus,
		log:        log.With("component", "orchestrator"),
		recorder:   metrics.NoopRecorder{},
		docker:     cfg.Docker,
		scan:       cfg.Scan,
		forgeURL:   cfg.Forge.BaseURL,
		limits:     limits,
		jobTimeout: defaultJobTimeout,
		pollEvery:  defaultPollEvery,
		stopGrace:  defaultStopGrace,
		cleanupAge: defaultCleanupAge,
	}, nil
}

// SetScanner installs the image scanner. Nil resets to the noop scanner.
func (o *Orchestrator) SetScanner(s ImageScanner) {
	if s == nil {
		s = NoopScanner{}
	}
	o.scanner = s
}

// SetRecorder installs the metrics recorder. Nil resets to the noop recorder.
func (o *Orchestrator) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	o.recorder = r
}

// Handler adapts the orchestrator to the queue's worker contract. Returning
// an error asks the queue for a retry, so only failures worth retrying
// propagate; everything else is settled on the job row.
func (o *Orchestrator) Handler() queue.Handler {
	return func(ctx context.Context, task *queue.Task) error {
		var evt events.JobQueued
		if err := json.Unmarshal(task.Payload, &evt); err != nil {
			o.log.Error("Dropping unparseable job task", slog.String("task", task.Name), logfields.Error(err))
			return nil
		}
		job, err := o.store.GetJob(ctx, evt.JobID)
		if err != nil {
			if rerrors.IsCategory(err, rerrors.CategoryNotFound) {
				o.log.Warn("Queued job row is gone", logfields.JobID(evt.JobID))
				return nil
			}
			return err
		}
		resume := task.Attempt > 1
		last := task.MaxAttempts <= 1 || task.Attempt >= task.MaxAttempts
		return o.executeJob(ctx, job, resume, last)
	}
}

// ExecuteJob runs one job to completion. Failures finalize the job row; use
// Handler for the retrying path.
func (o *Orchestrator) ExecuteJob(ctx context.Context, job *storage.Job) error {
	return o.executeJob(ctx, job, false, true)
}

// execScope tracks resources acquired so far so failure paths release them
// in reverse order.
type execScope struct {
	runner      *storage.Runner
	containerID string
}

func (o *Orchestrator) executeJob(ctx context.Context, job *storage.Job, resume, last bool) error {
	log := o.log.With(logfields.JobID(job.ID), logfields.Repository(job.Repository))

	// Claim. The Pending -> Assigned write is the linearization point between
	// workers; a resumed retry picks its own Assigned claim back up as long as
	// no runner got bound.
	switch job.Status {
	case storage.JobPending:
		claimed, err := o.store.TransitionJob(ctx, job.ID, storage.JobAssigned)
		if err != nil {
			if rerrors.IsCategory(err, rerrors.CategoryConflict) {
				log.Info("Job claimed elsewhere")
				return nil
			}
			return err
		}
		job = claimed
		o.publishJobStatus(ctx, job, string(storage.JobPending), string(storage.JobAssigned))
	case storage.JobAssigned:
		if !resume || job.AssignedRunnerID != "" {
			log.Info("Job already claimed", slog.Bool("resume", resume))
			return nil
		}
		log.Info("Resuming interrupted job")
	default:
		log.Debug("Job not claimable", slog.String("status", string(job.Status)))
		return nil
	}

	scope := &execScope{}

	// Routing.
	decision, err := o.router.Route(ctx, job)
	if err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}
	ruleName := "default"
	if decision.Rule != nil {
		ruleName = decision.Rule.Name
	}
	log.Info("Job routed", slog.String("rule", ruleName), logfields.Pool(decision.Pool))

	// Ephemeral runner row.
	runner := &storage.Runner{
		ID:         uuid.NewString(),
		Name:       ephemeralRunnerName(job.Repository),
		Type:       storage.RunnerEphemeral,
		Status:     storage.RunnerStarting,
		Repository: job.Repository,
		Labels:     runnerLabels(job, decision),
	}
	if err := o.store.InsertRunner(ctx, runner); err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}
	scope.runner = runner

	// Registration token.
	token, err := o.forge.GenerateRunnerToken(ctx, job.Repository)
	if err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}

	// Optional image scan.
	image := o.docker.RunnerImage
	if err := o.checkImagePolicy(ctx, image); err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}

	// Container.
	containerID, err := o.containers.Create(ctx, runner.ID, job.ID, lifecycle.ContainerSpec{
		Name:       runner.Name,
		Image:      image,
		Repository: job.Repository,
		Env:        o.runnerEnv(job, runner, token.Token, true),
	}, o.limits)
	if err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}
	scope.containerID = containerID
	if err := o.store.SetRunnerContainer(ctx, runner.ID, containerID); err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}

	if _, err := o.networks.Ensure(ctx, job.Repository); err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}
	if err := o.networks.Attach(ctx, job.Repository, containerID, runner.Name); err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}

	// Subscribe before starting so a fast exit cannot slip past the wait.
	containerEvts, unsubContainers := events.Subscribe[events.ContainerStateChanged](o.bus, 16)
	defer unsubContainers()
	jobEvts, unsubJobs := events.Subscribe[events.JobStatusChanged](o.bus, 16)
	defer unsubJobs()

	if err := o.containers.StartContainer(ctx, containerID); err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}

	// Assigned -> Running with the runner bound.
	if err := o.store.BindRunner(ctx, job.ID, runner.ID); err != nil {
		return o.abortExecution(ctx, job, scope, err, last)
	}
	job.Status = storage.JobRunning
	job.AssignedRunnerID = runner.ID
	o.publishJobStatus(ctx, job, string(storage.JobAssigned), string(storage.JobRunning))
	log.Info("Job running", logfields.RunnerID(runner.ID), logfields.ContainerID(containerID))

	outcome := o.waitForCompletion(ctx, job, containerID, containerEvts, jobEvts)
	return o.settle(ctx, job, runner, containerID, outcome)
}

// waitOutcome is the result of watching one job's container.
type waitOutcome struct {
	exitCode int
	settled  bool // another path already finalized the job row
	timedOut bool
	err      error // context cancellation only
}

// waitForCompletion blocks until the container stops, the job is finalized
// elsewhere, the deadline passes, or the context is canceled. The poll tick
// backstops missed events.
func (o *Orchestrator) waitForCompletion(ctx context.Context, job *storage.Job, containerID string,
	containerEvts <-chan events.ContainerStateChanged, jobEvts <-chan events.JobStatusChanged) waitOutcome {
	deadline := time.NewTimer(o.jobTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(o.pollEvery)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return waitOutcome{err: ctx.Err()}

		case evt := <-containerEvts:
			if evt.ContainerID != containerID {
				continue
			}
			if evt.To == string(lifecycle.StateStopped) || evt.To == string(lifecycle.StateError) {
				return waitOutcome{exitCode: o.containerExit(containerID)}
			}

		case evt := <-jobEvts:
			if evt.JobID == job.ID && storage.JobStatus(evt.To).Terminal() {
				return waitOutcome{settled: true}
			}

		case <-poll.C:
			if info, ok := o.containers.Info(containerID); ok {
				if info.State == lifecycle.StateStopped || info.State == lifecycle.StateError {
					return waitOutcome{exitCode: info.ExitCode}
				}
			}
			if row, err := o.store.GetJob(ctx, job.ID); err == nil && row.Status.Terminal() {
				return waitOutcome{settled: true}
			}

		case <-deadline.C:
			return waitOutcome{timedOut: true}
		}
	}
}

func (o *Orchestrator) containerExit(containerID string) int {
	if info, ok := o.containers.Info(containerID); ok {
		return info.ExitCode
	}
	return -1
}

// settle writes the terminal state for a watched job. The container stays in
// place for the cleanup sweep; only the timeout path stops it early.
func (o *Orchestrator) settle(ctx context.Context, job *storage.Job, runner *storage.Runner, containerID string, outcome waitOutcome) error {
	log := o.log.With(logfields.JobID(job.ID), logfields.Repository(job.Repository))

	switch {
	case outcome.err != nil:
		// Shutdown mid-run. Leave the container working: reconcile re-adopts
		// it on restart and the webhook completion settles the row.
		log.Warn("Job wait interrupted", logfields.Error(outcome.err))
		return outcome.err

	case outcome.settled:
		log.Info("Job finalized by webhook")
		o.retireRunner(ctx, runner.ID)
		return nil

	case outcome.timedOut:
		bg, cancel := o.cleanupContext()
		defer cancel()
		_ = o.containers.StopContainer(bg, containerID, o.stopGrace)
		err := rerrors.DaemonError(fmt.Sprintf("job exceeded %s deadline", o.jobTimeout))
		o.finalize(ctx, job, runner, storage.JobFailed, "failure", nil, err.Error(), "")
		return nil

	default:
		tail, logErr := o.containers.Logs(ctx, containerID, logTailLines)
		if logErr != nil {
			log.Debug("Log capture failed", logfields.Error(logErr))
		}
		exit := outcome.exitCode
		if exit == 0 {
			o.finalize(ctx, job, runner, storage.JobCompleted, "success", &exit, "", tail)
		} else {
			o.finalize(ctx, job, runner, storage.JobFailed, "failure", &exit, truncate(tail, maxErrorLen), tail)
		}
		return nil
	}
}

// finalize moves the job to its terminal state, records the outcome, retires
// the runner, and publishes completion. Conflicts mean the webhook completion
// path won the race; the bookkeeping below is idempotent either way.
func (o *Orchestrator) finalize(ctx context.Context, job *storage.Job, runner *storage.Runner,
	to storage.JobStatus, conclusion string, exitCode *int, errMsg, logTail string) {
	log := o.log.With(logfields.JobID(job.ID), logfields.Repository(job.Repository))

	done, err := o.store.CompleteJob(ctx, job.ID, to, conclusion, exitCode, errMsg)
	if err != nil {
		if !rerrors.IsCategory(err, rerrors.CategoryConflict) {
			log.Error("Job finalize failed", logfields.Error(err))
			return
		}
		log.Debug("Job already finalized")
		if done, err = o.store.GetJob(ctx, job.ID); err != nil {
			return
		}
	} else {
		o.publishJobStatus(ctx, done, string(storage.JobRunning), string(to))
	}

	if err := o.store.RecordJobOutcome(ctx, &storage.JobMetric{
		JobID:      done.JobID,
		Repository: done.Repository,
		Conclusion: done.Conclusion,
		DurationMS: done.DurationMS,
		RunnerID:   done.AssignedRunnerID,
	}); err != nil {
		log.Warn("Record job outcome failed", logfields.Error(err))
	}
	o.recorder.IncJobOutcome(done.Repository, done.Conclusion)
	o.recorder.ObserveJobDuration(done.Repository, time.Duration(done.DurationMS)*time.Millisecond)

	o.retireRunner(ctx, runner.ID)

	exit := 0
	if done.ExitCode != nil {
		exit = *done.ExitCode
	}
	if err := o.bus.Publish(ctx, events.JobCompleted{
		JobID:      done.ID,
		Repository: done.Repository,
		Conclusion: done.Conclusion,
		ExitCode:   exit,
		Duration:   time.Duration(done.DurationMS) * time.Millisecond,
		At:         time.Now(),
	}); err != nil {
		log.Warn("Publish job completed failed", logfields.Error(err))
	}

	log.Info("Job settled",
		slog.String("conclusion", done.Conclusion),
		slog.Int("exit_code", exit),
		slog.Int64("duration_ms", done.DurationMS),
		slog.Int("log_lines", strings.Count(logTail, "\n")))
}

// retireRunner parks an ephemeral runner Offline so the cleanup sweep removes
// its container after the retention window.
func (o *Orchestrator) retireRunner(ctx context.Context, runnerID string) {
	if _, err := o.store.TransitionRunner(ctx, runnerID, storage.RunnerOffline); err != nil &&
		!rerrors.IsCategory(err, rerrors.CategoryConflict) {
		o.log.Warn("Retire runner failed", logfields.RunnerID(runnerID), logfields.Error(err))
	}
}

// abortExecution releases everything acquired so far. Retryable causes with
// attempts left keep the job Assigned for the next try; otherwise the job is
// finalized Failed.
func (o *Orchestrator) abortExecution(ctx context.Context, job *storage.Job, scope *execScope, cause error, last bool) error {
	log := o.log.With(logfields.JobID(job.ID), logfields.Repository(job.Repository))
	log.Error("Job execution aborted", logfields.Error(cause))

	bg, cancel := o.cleanupContext()
	defer cancel()

	if scope.containerID != "" {
		_ = o.containers.StopContainer(bg, scope.containerID, o.stopGrace)
		if err := o.containers.Remove(bg, scope.containerID, true); err != nil {
			log.Warn("Abort container remove failed", logfields.ContainerID(scope.containerID), logfields.Error(err))
		}
	}
	if scope.runner != nil {
		if err := o.store.DeleteRunner(bg, scope.runner.ID); err != nil {
			log.Warn("Abort runner delete failed", logfields.RunnerID(scope.runner.ID), logfields.Error(err))
		}
	}

	if rerrors.IsRetryable(cause) && !last {
		return cause
	}

	conclusion := "failure"
	done, err := o.store.CompleteJob(ctx, job.ID, storage.JobFailed, conclusion, nil, truncate(cause.Error(), maxErrorLen))
	if err != nil {
		if !rerrors.IsCategory(err, rerrors.CategoryConflict) {
			log.Error("Mark job failed errored", logfields.Error(err))
		}
		return nil
	}
	o.publishJobStatus(ctx, done, string(storage.JobAssigned), string(storage.JobFailed))
	if err := o.store.RecordJobOutcome(ctx, &storage.JobMetric{
		JobID:      done.JobID,
		Repository: done.Repository,
		Conclusion: done.Conclusion,
		DurationMS: done.DurationMS,
	}); err != nil {
		log.Warn("Record job outcome failed", logfields.Error(err))
	}
	o.recorder.IncJobOutcome(done.Repository, done.Conclusion)
	if err := o.bus.Publish(ctx, events.JobCompleted{
		JobID:      done.ID,
		Repository: done.Repository,
		Conclusion: done.Conclusion,
		Duration:   time.Duration(done.DurationMS) * time.Millisecond,
		At:         time.Now(),
	}); err != nil {
		log.Warn("Publish job completed failed", logfields.Error(err))
	}
	return nil
}

func (o *Orchestrator) publishJobStatus(ctx context.Context, job *storage.Job, from, to string) {
	if err := o.bus.Publish(ctx, events.JobStatusChanged{
		JobID:      job.ID,
		Repository: job.Repository,
		From:       from,
		To:         to,
		RunnerID:   job.AssignedRunnerID,
		At:         time.Now(),
	}); err != nil {
		o.log.Warn("Publish job status failed", logfields.JobID(job.ID), logfields.Error(err))
	}
}

// cleanupContext returns a context for release work; the caller's context is
// often already canceled or about to be.
func (o *Orchestrator) cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// runnerEnv assembles the environment the runner bootstrap expects.
func (o *Orchestrator) runnerEnv(job *storage.Job, runner *storage.Runner, token string, ephemeral bool) []string {
	env := []string{
		"RUNNER_TOKEN=" + token,
		"RUNNER_NAME=" + runner.Name,
		"RUNNER_LABELS=" + strings.Join(runner.Labels, ","),
		"REPO_URL=" + repoHTMLURL(o.forgeURL, runner.Repository),
	}
	if ephemeral {
		env = append(env, "RUNNER_EPHEMERAL=1")
	}
	if job != nil {
		env = append(env,
			fmt.Sprintf("GITHUB_JOB_ID=%d", job.JobID),
			fmt.Sprintf("GITHUB_RUN_ID=%d", job.RunID),
			"GITHUB_WORKFLOW="+job.Workflow,
		)
	}
	return env
}

// runnerLabels picks the labels the ephemeral runner registers with: the
// rule's runner labels when routed, otherwise the job's own.
func runnerLabels(job *storage.Job, decision *router.Decision) []string {
	if decision != nil && decision.Rule != nil && len(decision.Rule.Targets.RunnerLabels) > 0 {
		return decision.Rule.Targets.RunnerLabels
	}
	if len(job.Labels) > 0 {
		return job.Labels
	}
	return []string{"self-hosted"}
}

func ephemeralRunnerName(repository string) string {
	return fmt.Sprintf("ephemeral-%s-%s", isolation.Sanitize(repository), uuid.NewString()[:8])
}

// repoHTMLURL derives the browse URL runners clone from out of the API base
// URL: api.github.com maps to github.com, GHES drops the /api/v3 suffix.
func repoHTMLURL(baseURL, repository string) string {
	base := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	switch {
	case base == "" || strings.Contains(base, "api.github.com"):
		base = "https://github.com"
	case strings.HasSuffix(base, "/api/v3"):
		base = strings.TrimSuffix(base, "/api/v3")
	}
	return base + "/" + repository
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
