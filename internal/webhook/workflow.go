package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"
	"github.com/google/uuid"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
	"git.home.luguber.info/inful/runnerd/internal/events"
	"git.home.luguber.info/inful/runnerd/internal/logfields"
	"git.home.luguber.info/inful/runnerd/internal/queue"
	"git.home.luguber.info/inful/runnerd/internal/storage"
)

// Label tiers for the priority formula. A tier contributes once, no matter
// how many of its labels a job carries.
var (
	productionLabels  = []string{"production", "prod", "deploy-prod"}
	stagingLabels     = []string{"staging", "stage", "deploy-staging"}
	urgentLabels      = []string{"critical", "urgent", "hotfix"}
	pipelineLabels    = []string{"ci", "cd", "build", "test"}
	smallRunnerLabels = []string{"small", "medium", "2-core", "4-core", "ubuntu-latest"}
	largeRunnerLabels = []string{"large", "xlarge", "8-core", "16-core", "gpu"}
)

// jobPriority computes the dispatch priority for a queued job. Higher pops
// from the queue first.
func jobPriority(labels []string, privateRepo bool) int {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[strings.ToLower(l)] = struct{}{}
	}
	anyIn := func(tier []string) bool {
		for _, l := range tier {
			if _, ok := set[l]; ok {
				return true
			}
		}
		return false
	}

	priority := 0
	if anyIn(productionLabels) {
		priority += 100
	}
	if anyIn(stagingLabels) {
		priority += 75
	}
	if anyIn(urgentLabels) {
		priority += 50
	}
	if anyIn(pipelineLabels) {
		priority += 20
	}
	if anyIn(smallRunnerLabels) {
		priority += 10
	}
	if anyIn(largeRunnerLabels) {
		priority -= 10
	}
	if privateRepo {
		priority += 5
	}
	return priority
}

func (ing *Ingestor) handleWorkflowJob(ctx context.Context, evt *github.WorkflowJobEvent) error {
	wj := evt.GetWorkflowJob()
	if wj == nil {
		return rerrors.ValidationError("workflow_job delivery has no job payload")
	}
	switch evt.GetAction() {
	case "queued":
		return ing.jobQueued(ctx, evt, wj)
	case "in_progress":
		return ing.jobInProgress(ctx, evt, wj)
	case "completed":
		return ing.jobCompleted(ctx, evt, wj)
	default:
		// "waiting" and future actions carry no work for the dispatcher.
		ing.log.Debug("Workflow job action ignored",
			logfields.Action(evt.GetAction()), logfields.ForgeJobID(wj.GetID()))
		return nil
	}
}

// jobQueued persists the job, enqueues it by priority, and registers demand
// with the pool so capacity exists by the time the queue worker picks it up.
func (ing *Ingestor) jobQueued(ctx context.Context, evt *github.WorkflowJobEvent, wj *github.WorkflowJob) error {
	repo := evt.GetRepo().GetFullName()
	priority := jobPriority(wj.Labels, evt.GetRepo().GetPrivate())
	queuedAt := wj.GetCreatedAt().Time
	if queuedAt.IsZero() {
		queuedAt = time.Now()
	}

	if err := ing.store.UpsertJob(ctx, &storage.Job{
		ID:         uuid.NewString(),
		JobID:      wj.GetID(),
		RunID:      wj.GetRunID(),
		Repository: repo,
		JobName:    wj.GetName(),
		Workflow:   wj.GetWorkflowName(),
		HeadSHA:    wj.GetHeadSHA(),
		JobURL:     wj.GetHTMLURL(),
		Labels:     wj.Labels,
		Status:     storage.JobPending,
		Priority:   priority,
		QueuedAt:   queuedAt,
	}); err != nil {
		return err
	}
	// A redelivered queued event keeps the original row's local id; the
	// upsert preserves it, so read the canonical row back.
	job, err := ing.store.GetJobByForgeID(ctx, wj.GetID())
	if err != nil {
		return err
	}

	payload, err := json.Marshal(events.JobQueued{
		JobID:      job.ID,
		ForgeJobID: job.JobID,
		RunID:      job.RunID,
		Repository: repo,
		Workflow:   job.Workflow,
		Labels:     job.Labels,
		Priority:   priority,
		QueuedAt:   queuedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal queued job: %w", err)
	}
	if err := ing.queue.Add(ctx, job.ID, payload, queue.Options{Priority: priority}); err != nil {
		return err
	}

	if _, err := ing.pools.RequestRunner(ctx, repo, job.Labels); err != nil {
		// The job is queued; the autoscaler sees the demand either way.
		ing.log.Warn("Runner request failed", logfields.Repository(repo), logfields.Error(err))
	}

	ing.recorder.IncJobQueued(repo)
	if err := ing.bus.Publish(ctx, events.JobQueued{
		JobID:      job.ID,
		ForgeJobID: job.JobID,
		RunID:      job.RunID,
		Repository: repo,
		Workflow:   job.Workflow,
		Labels:     job.Labels,
		Priority:   priority,
		QueuedAt:   queuedAt,
	}); err != nil {
		ing.log.Warn("Publish job queued failed", logfields.Error(err))
	}

	ing.log.Info("Job queued", logfields.JobID(job.ID), logfields.ForgeJobID(job.JobID),
		logfields.Repository(repo), logfields.Workflow(job.Workflow),
		logfields.JobPriority(priority))
	return nil
}

// jobInProgress marks the job running and, when the named runner is locally
// tracked, binds it busy in the same transaction.
func (ing *Ingestor) jobInProgress(ctx context.Context, evt *github.WorkflowJobEvent, wj *github.WorkflowJob) error {
	repo := evt.GetRepo().GetFullName()
	job, err := ing.ensureJob(ctx, evt, wj)
	if err != nil {
		return err
	}
	if err := ing.store.SetJobForgeRunner(ctx, job.ID, wj.GetRunnerID(), wj.GetRunnerName()); err != nil {
		ing.log.Warn("Record forge runner failed", logfields.JobID(job.ID), logfields.Error(err))
	}

	runnerID := ""
	runner, err := ing.store.GetRunnerByName(ctx, repo, wj.GetRunnerName())
	switch {
	case err == nil:
		runnerID = runner.ID
		err = ing.store.BindRunner(ctx, job.ID, runner.ID)
	case rerrors.IsCategory(err, rerrors.CategoryNotFound):
		// The job landed on a runner this instance does not track.
		_, err = ing.store.TransitionJob(ctx, job.ID, storage.JobRunning)
	}
	if err != nil {
		if rerrors.IsCategory(err, rerrors.CategoryConflict) {
			ing.log.Debug("Job already running", logfields.JobID(job.ID))
			return nil
		}
		return err
	}

	if err := ing.bus.Publish(ctx, events.JobStatusChanged{
		JobID:      job.ID,
		Repository: repo,
		From:       string(job.Status),
		To:         string(storage.JobRunning),
		RunnerID:   runnerID,
		At:         time.Now(),
	}); err != nil {
		ing.log.Warn("Publish job status failed", logfields.Error(err))
	}

	ing.log.Info("Job started", logfields.JobID(job.ID), logfields.ForgeJobID(job.JobID),
		logfields.Repository(repo), logfields.RunnerName(wj.GetRunnerName()))
	return nil
}

// jobCompleted finalizes the job and always releases the runner the delivery
// names, even when another path finalized the row first.
func (ing *Ingestor) jobCompleted(ctx context.Context, evt *github.WorkflowJobEvent, wj *github.WorkflowJob) error {
	repo := evt.GetRepo().GetFullName()
	job, err := ing.ensureJob(ctx, evt, wj)
	if err != nil {
		return err
	}

	conclusion := wj.GetConclusion()
	target := storage.JobFailed
	switch conclusion {
	case "success":
		target = storage.JobCompleted
	case "cancelled", "skipped":
		target = storage.JobCancelled
	}

	// Jobs finished before this instance saw them pass through Running so
	// the terminal transition stays on the DAG.
	if job.Status == storage.JobPending || job.Status == storage.JobAssigned {
		if _, terr := ing.store.TransitionJob(ctx, job.ID, storage.JobRunning); terr != nil &&
			!rerrors.IsCategory(terr, rerrors.CategoryConflict) {
			return terr
		}
	}

	done, err := ing.store.CompleteJob(ctx, job.ID, target, conclusion, nil, "")
	if err != nil {
		if rerrors.IsCategory(err, rerrors.CategoryConflict) {
			// Finalized elsewhere; the runner release still applies.
			ing.log.Debug("Job already finalized", logfields.JobID(job.ID))
			return ing.releaseJobRunner(ctx, job, wj)
		}
		return err
	}

	duration := time.Duration(done.DurationMS) * time.Millisecond
	if err := ing.store.RecordJobOutcome(ctx, &storage.JobMetric{
		JobID:      done.JobID,
		Repository: repo,
		Conclusion: conclusion,
		DurationMS: done.DurationMS,
		RunnerID:   done.AssignedRunnerID,
	}); err != nil {
		ing.log.Warn("Record job outcome failed", logfields.JobID(done.ID), logfields.Error(err))
	}
	ing.recorder.IncJobOutcome(repo, conclusion)
	ing.recorder.ObserveJobDuration(repo, duration)

	exitCode := 0
	if done.ExitCode != nil {
		exitCode = *done.ExitCode
	}
	if err := ing.bus.Publish(ctx, events.JobCompleted{
		JobID:      done.ID,
		Repository: repo,
		Conclusion: conclusion,
		ExitCode:   exitCode,
		Duration:   duration,
		At:         time.Now(),
	}); err != nil {
		ing.log.Warn("Publish job completed failed", logfields.Error(err))
	}

	ing.log.Info("Job completed", logfields.JobID(done.ID), logfields.ForgeJobID(done.JobID),
		logfields.Repository(repo), slog.String("conclusion", conclusion),
		logfields.DurationMS(float64(done.DurationMS)))
	return ing.releaseJobRunner(ctx, done, wj)
}

// ensureJob returns the local row for a forge job, creating a pending row
// when the queued delivery was never seen (instance restart, webhook gaps).
func (ing *Ingestor) ensureJob(ctx context.Context, evt *github.WorkflowJobEvent, wj *github.WorkflowJob) (*storage.Job, error) {
	job, err := ing.store.GetJobByForgeID(ctx, wj.GetID())
	if err == nil {
		return job, nil
	}
	if !rerrors.IsCategory(err, rerrors.CategoryNotFound) {
		return nil, err
	}

	repo := evt.GetRepo().GetFullName()
	queuedAt := wj.GetCreatedAt().Time
	if queuedAt.IsZero() {
		queuedAt = time.Now()
	}
	if err := ing.store.UpsertJob(ctx, &storage.Job{
		ID:         uuid.NewString(),
		JobID:      wj.GetID(),
		RunID:      wj.GetRunID(),
		Repository: repo,
		JobName:    wj.GetName(),
		Workflow:   wj.GetWorkflowName(),
		HeadSHA:    wj.GetHeadSHA(),
		JobURL:     wj.GetHTMLURL(),
		Labels:     wj.Labels,
		Status:     storage.JobPending,
		Priority:   jobPriority(wj.Labels, evt.GetRepo().GetPrivate()),
		QueuedAt:   queuedAt,
	}); err != nil {
		return nil, err
	}
	ing.log.Info("Job backfilled from late delivery", logfields.ForgeJobID(wj.GetID()),
		logfields.Repository(repo), logfields.Action(evt.GetAction()))
	return ing.store.GetJobByForgeID(ctx, wj.GetID())
}

// releaseJobRunner returns the job's runner to the pool, retiring one-shot
// runners so the cleanup sweep removes their containers.
func (ing *Ingestor) releaseJobRunner(ctx context.Context, job *storage.Job, wj *github.WorkflowJob) error {
	runner, err := ing.findJobRunner(ctx, job, wj)
	if err != nil {
		if rerrors.IsCategory(err, rerrors.CategoryNotFound) {
			return nil
		}
		return err
	}
	if runner == nil {
		return nil
	}
	if runner.Type == storage.RunnerEphemeral {
		return ing.pools.RetireRunner(ctx, runner.ID)
	}
	return ing.pools.ReleaseRunner(ctx, runner.ID)
}

func (ing *Ingestor) findJobRunner(ctx context.Context, job *storage.Job, wj *github.WorkflowJob) (*storage.Runner, error) {
	if job.AssignedRunnerID != "" {
		return ing.store.GetRunner(ctx, job.AssignedRunnerID)
	}
	if name := wj.GetRunnerName(); name != "" {
		return ing.store.GetRunnerByName(ctx, job.Repository, name)
	}
	return nil, nil
}

func (ing *Ingestor) handleWorkflowRun(ctx context.Context, evt *github.WorkflowRunEvent) error {
	run := evt.GetWorkflowRun()
	if run == nil {
		return rerrors.ValidationError("workflow_run delivery has no run payload")
	}
	record := &storage.WorkflowRun{
		RunID:        run.GetID(),
		Repository:   evt.GetRepo().GetFullName(),
		WorkflowName: run.GetName(),
		HeadBranch:   run.GetHeadBranch(),
		HeadSHA:      run.GetHeadSHA(),
		Event:        run.GetEvent(),
		Status:       run.GetStatus(),
		Conclusion:   run.GetConclusion(),
		CreatedAt:    run.GetCreatedAt().Time,
	}
	if err := ing.store.UpsertWorkflowRun(ctx, record); err != nil {
		return err
	}
	ing.log.Debug("Workflow run recorded", logfields.RunID(record.RunID),
		logfields.Repository(record.Repository), logfields.Action(evt.GetAction()))
	return nil
}
