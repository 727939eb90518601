package storage

import (
	"testing"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

func testJob(id string, forgeID int64) *Job {
	return &Job{
		ID:         id,
		JobID:      forgeID,
		RunID:      900,
		Repository: "acme/widgets",
		JobName:    "build",
		Workflow:   "ci",
		HeadSHA:    "abc123",
		Labels:     []string{"self-hosted", "linux"},
		Status:     JobPending,
		Priority:   20,
		QueuedAt:   time.Now(),
	}
}

func intPtr(v int) *int { return &v }

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.UpsertJob(ctx, testJob("job-1", 101)); err != nil {
		t.Fatalf("failed to upsert job: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.Status != JobPending {
		t.Errorf("expected pending, got %s", job.Status)
	}
	if len(job.Labels) != 2 || job.Labels[0] != "self-hosted" {
		t.Errorf("labels not round-tripped: %v", job.Labels)
	}

	job, err = s.TransitionJob(ctx, "job-1", JobRunning)
	if err != nil {
		t.Fatalf("failed to transition to running: %v", err)
	}
	if job.StartedAt == nil {
		t.Error("expected started_at to be set")
	}

	job, err = s.CompleteJob(ctx, "job-1", JobCompleted, "success", intPtr(0), "")
	if err != nil {
		t.Fatalf("failed to complete job: %v", err)
	}
	if job.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if job.Conclusion != "success" {
		t.Errorf("expected conclusion success, got %q", job.Conclusion)
	}
	if job.ExitCode == nil || *job.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", job.ExitCode)
	}
}

func TestJobUpsertPreservesLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.UpsertJob(ctx, testJob("job-1", 101)); err != nil {
		t.Fatalf("failed to upsert job: %v", err)
	}
	if _, err := s.TransitionJob(ctx, "job-1", JobRunning); err != nil {
		t.Fatalf("failed to transition: %v", err)
	}

	// Replayed queued delivery must not rewind status or replace the local id.
	replay := testJob("job-1-replayed", 101)
	replay.Priority = 75
	if err := s.UpsertJob(ctx, replay); err != nil {
		t.Fatalf("failed to re-upsert job: %v", err)
	}

	job, err := s.GetJobByForgeID(ctx, 101)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.ID != "job-1" {
		t.Errorf("expected local id preserved, got %s", job.ID)
	}
	if job.Status != JobRunning {
		t.Errorf("expected running after replay, got %s", job.Status)
	}
	if job.Priority != 75 {
		t.Errorf("expected priority refreshed to 75, got %d", job.Priority)
	}
}

func TestJobInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.UpsertJob(ctx, testJob("job-1", 101)); err != nil {
		t.Fatalf("failed to upsert job: %v", err)
	}
	if _, err := s.CompleteJob(ctx, "job-1", JobCancelled, "cancelled", nil, ""); err != nil {
		t.Fatalf("failed to cancel job: %v", err)
	}

	_, err := s.TransitionJob(ctx, "job-1", JobRunning)
	if err == nil {
		t.Fatal("expected conflict for cancelled -> running")
	}
	if !rerrors.IsCategory(err, rerrors.CategoryConflict) {
		t.Errorf("expected conflict category, got %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.Status != JobCancelled {
		t.Errorf("row should be untouched, got %s", job.Status)
	}
}

func TestCompleteJobRequiresTerminal(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CompleteJob(t.Context(), "job-1", JobRunning, "", nil, ""); err == nil {
		t.Fatal("expected validation error for non-terminal completion")
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(t.Context(), "missing")
	if err == nil {
		t.Fatal("expected error for missing job")
	}
	if !rerrors.IsCategory(err, rerrors.CategoryNotFound) {
		t.Errorf("expected not_found category, got %v", err)
	}
}

func TestBindRunner(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.UpsertJob(ctx, testJob("job-1", 101)); err != nil {
		t.Fatalf("failed to upsert job: %v", err)
	}
	runner := &Runner{
		ID:         "runner-1",
		Name:       "ephemeral-acme-widgets-abc",
		Type:       RunnerEphemeral,
		Status:     RunnerIdle,
		Repository: "acme/widgets",
		Labels:     []string{"self-hosted"},
	}
	if err := s.InsertRunner(ctx, runner); err != nil {
		t.Fatalf("failed to insert runner: %v", err)
	}

	if err := s.BindRunner(ctx, "job-1", "runner-1"); err != nil {
		t.Fatalf("failed to bind runner: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.Status != JobRunning || job.AssignedRunnerID != "runner-1" {
		t.Errorf("expected running on runner-1, got %s on %q", job.Status, job.AssignedRunnerID)
	}

	got, err := s.GetRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("failed to get runner: %v", err)
	}
	if got.Status != RunnerBusy || got.CurrentJobID != "job-1" {
		t.Errorf("expected busy on job-1, got %s on %q", got.Status, got.CurrentJobID)
	}
}

func TestBindRunnerOfflineRunner(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.UpsertJob(ctx, testJob("job-1", 101)); err != nil {
		t.Fatalf("failed to upsert job: %v", err)
	}
	runner := &Runner{
		ID: "runner-1", Name: "r1", Type: RunnerEphemeral,
		Status: RunnerOffline, Repository: "acme/widgets",
	}
	if err := s.InsertRunner(ctx, runner); err != nil {
		t.Fatalf("failed to insert runner: %v", err)
	}

	err := s.BindRunner(ctx, "job-1", "runner-1")
	if err == nil {
		t.Fatal("expected conflict binding offline runner")
	}
	if !rerrors.IsCategory(err, rerrors.CategoryConflict) {
		t.Errorf("expected conflict category, got %v", err)
	}

	// The failed bind must not have touched the job.
	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if job.Status != JobPending {
		t.Errorf("expected job still pending, got %s", job.Status)
	}
}

func TestJobCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for i, id := range []string{"job-1", "job-2", "job-3"} {
		if err := s.UpsertJob(ctx, testJob(id, int64(100+i))); err != nil {
			t.Fatalf("failed to upsert job: %v", err)
		}
	}
	if _, err := s.TransitionJob(ctx, "job-3", JobRunning); err != nil {
		t.Fatalf("failed to transition: %v", err)
	}

	counts, err := s.CountJobsByStatus(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("failed to count jobs: %v", err)
	}
	if counts[JobPending] != 2 || counts[JobRunning] != 1 {
		t.Errorf("expected 2 pending / 1 running, got %v", counts)
	}

	active, err := s.ActiveJobCount(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("failed to count active jobs: %v", err)
	}
	if active != 1 {
		t.Errorf("expected 1 active, got %d", active)
	}

	pending, err := s.PendingJobs(ctx, "acme/widgets", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("failed to list pending jobs: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending jobs, got %d", len(pending))
	}

	jobs, err := s.ListJobs(ctx, "", 2)
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected limit of 2, got %d", len(jobs))
	}
}
