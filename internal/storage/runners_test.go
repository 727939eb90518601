package storage

import (
	"testing"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

func testRunner(id string, status RunnerStatus) *Runner {
	return &Runner{
		ID:         id,
		Name:       "runner-" + id,
		Type:       RunnerEphemeral,
		Status:     status,
		Repository: "acme/widgets",
		Labels:     []string{"self-hosted", "linux"},
	}
}

func TestRunnerLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertRunner(ctx, testRunner("r1", RunnerStarting)); err != nil {
		t.Fatalf("failed to insert runner: %v", err)
	}

	r, err := s.TransitionRunner(ctx, "r1", RunnerIdle)
	if err != nil {
		t.Fatalf("failed to transition to idle: %v", err)
	}
	if r.Status != RunnerIdle {
		t.Errorf("expected idle, got %s", r.Status)
	}

	if _, err := s.TransitionRunner(ctx, "r1", RunnerBusy); err != nil {
		t.Fatalf("failed to transition to busy: %v", err)
	}
	if err := s.ReleaseRunner(ctx, "r1"); err != nil {
		t.Fatalf("failed to release runner: %v", err)
	}

	r, err = s.GetRunner(ctx, "r1")
	if err != nil {
		t.Fatalf("failed to get runner: %v", err)
	}
	if r.Status != RunnerIdle || r.CurrentJobID != "" {
		t.Errorf("expected idle with no job, got %s / %q", r.Status, r.CurrentJobID)
	}
}

func TestRunnerInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertRunner(ctx, testRunner("r1", RunnerOffline)); err != nil {
		t.Fatalf("failed to insert runner: %v", err)
	}
	_, err := s.TransitionRunner(ctx, "r1", RunnerBusy)
	if err == nil {
		t.Fatal("expected conflict for offline -> busy")
	}
	if !rerrors.IsCategory(err, rerrors.CategoryConflict) {
		t.Errorf("expected conflict category, got %v", err)
	}
}

func TestRunnerContainerBinding(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertRunner(ctx, testRunner("r1", RunnerStarting)); err != nil {
		t.Fatalf("failed to insert runner: %v", err)
	}
	if err := s.SetRunnerContainer(ctx, "r1", "cid-123"); err != nil {
		t.Fatalf("failed to set container: %v", err)
	}

	r, err := s.GetRunnerByContainer(ctx, "cid-123")
	if err != nil {
		t.Fatalf("failed to get runner by container: %v", err)
	}
	if r.ID != "r1" {
		t.Errorf("expected r1, got %s", r.ID)
	}

	if err := s.ClearRunnerContainer(ctx, "cid-123"); err != nil {
		t.Fatalf("failed to clear container: %v", err)
	}
	if _, err := s.GetRunnerByContainer(ctx, "cid-123"); err == nil {
		t.Error("expected not found after clearing binding")
	}

	// Clearing an unknown container is a no-op.
	if err := s.ClearRunnerContainer(ctx, "cid-unknown"); err != nil {
		t.Errorf("expected idempotent clear, got %v", err)
	}
}

func TestCountRunners(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for _, r := range []*Runner{
		testRunner("r1", RunnerIdle),
		testRunner("r2", RunnerBusy),
		testRunner("r3", RunnerBusy),
		testRunner("r4", RunnerOffline),
	} {
		if err := s.InsertRunner(ctx, r); err != nil {
			t.Fatalf("failed to insert runner: %v", err)
		}
	}

	total, busy, err := s.CountRunners(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("failed to count runners: %v", err)
	}
	if total != 3 || busy != 2 {
		t.Errorf("expected total=3 busy=2, got total=%d busy=%d", total, busy)
	}

	active, err := s.ActiveRunners(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("failed to list active runners: %v", err)
	}
	if len(active) != 3 {
		t.Errorf("expected 3 active runners, got %d", len(active))
	}

	busyRunners, err := s.RunnersByStatus(ctx, RunnerBusy)
	if err != nil {
		t.Fatalf("failed to list busy runners: %v", err)
	}
	if len(busyRunners) != 2 {
		t.Errorf("expected 2 busy runners, got %d", len(busyRunners))
	}
}

func TestDeleteAndHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertRunner(ctx, testRunner("r1", RunnerIdle)); err != nil {
		t.Fatalf("failed to insert runner: %v", err)
	}

	at := time.Now().Add(time.Minute)
	if err := s.HeartbeatRunner(ctx, "r1", at); err != nil {
		t.Fatalf("failed to heartbeat: %v", err)
	}
	r, err := s.GetRunner(ctx, "r1")
	if err != nil {
		t.Fatalf("failed to get runner: %v", err)
	}
	if r.LastHeartbeat.UnixMilli() != at.UnixMilli() {
		t.Errorf("expected heartbeat %v, got %v", at, r.LastHeartbeat)
	}

	if err := s.DeleteRunner(ctx, "r1"); err != nil {
		t.Fatalf("failed to delete runner: %v", err)
	}
	if _, err := s.GetRunner(ctx, "r1"); err == nil {
		t.Error("expected not found after delete")
	}
	// Deleting again is a no-op.
	if err := s.DeleteRunner(ctx, "r1"); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
}
