package storage

import (
	"testing"
	"time"
)

func TestRecordJobOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	outcomes := []*JobMetric{
		{JobID: 101, Repository: "acme/widgets", Conclusion: "success", DurationMS: 1200, RunnerID: "r1"},
		{JobID: 102, Repository: "acme/widgets", Conclusion: "failure", DurationMS: 300, RunnerID: "r2"},
		{JobID: 103, Repository: "acme/widgets", Conclusion: "success", DurationMS: 900, RunnerID: "r1"},
		{JobID: 201, Repository: "acme/gadgets", Conclusion: "cancelled", DurationMS: 10, RunnerID: "r3"},
	}
	for _, m := range outcomes {
		if err := s.RecordJobOutcome(ctx, m); err != nil {
			t.Fatalf("failed to record outcome: %v", err)
		}
	}

	st, err := s.GetRepositoryStats(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if st.TotalJobs != 3 || st.SuccessfulJobs != 2 || st.FailedJobs != 1 {
		t.Errorf("expected 3/2/1, got %d/%d/%d", st.TotalJobs, st.SuccessfulJobs, st.FailedJobs)
	}
	if st.LastJobAt == nil {
		t.Error("expected last_job_at to be set")
	}

	// Cancelled counts against the failure column.
	st, err = s.GetRepositoryStats(ctx, "acme/gadgets")
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if st.TotalJobs != 1 || st.FailedJobs != 1 {
		t.Errorf("expected 1 failed, got %d/%d", st.TotalJobs, st.FailedJobs)
	}
}

func TestRecordJobOutcomeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	m := &JobMetric{JobID: 101, Repository: "acme/widgets", Conclusion: "success", DurationMS: 1200}
	if err := s.RecordJobOutcome(ctx, m); err != nil {
		t.Fatalf("failed to record outcome: %v", err)
	}
	// A redelivered completion must not double-count.
	if err := s.RecordJobOutcome(ctx, m); err != nil {
		t.Fatalf("failed to re-record outcome: %v", err)
	}

	st, err := s.GetRepositoryStats(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if st.TotalJobs != 1 || st.SuccessfulJobs != 1 {
		t.Errorf("expected 1/1, got %d/%d", st.TotalJobs, st.SuccessfulJobs)
	}
}

func TestJobMetricsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	old := &JobMetric{JobID: 101, Repository: "acme/widgets", Conclusion: "success",
		DurationMS: 100, RecordedAt: time.Now().Add(-2 * time.Hour)}
	recent := &JobMetric{JobID: 102, Repository: "acme/widgets", Conclusion: "success",
		DurationMS: 200}
	for _, m := range []*JobMetric{old, recent} {
		if err := s.RecordJobOutcome(ctx, m); err != nil {
			t.Fatalf("failed to record outcome: %v", err)
		}
	}

	metrics, err := s.JobMetricsSince(ctx, "acme/widgets", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("failed to list metrics: %v", err)
	}
	if len(metrics) != 1 || metrics[0].JobID != 102 {
		t.Errorf("expected only the recent metric, got %+v", metrics)
	}
}

func TestListRepositoryStats(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for i, m := range []*JobMetric{
		{JobID: 101, Repository: "acme/busy", Conclusion: "success"},
		{JobID: 102, Repository: "acme/busy", Conclusion: "success"},
		{JobID: 201, Repository: "acme/quiet", Conclusion: "success"},
	} {
		m.DurationMS = int64(i)
		if err := s.RecordJobOutcome(ctx, m); err != nil {
			t.Fatalf("failed to record outcome: %v", err)
		}
	}

	all, err := s.ListRepositoryStats(ctx)
	if err != nil {
		t.Fatalf("failed to list stats: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 repositories, got %d", len(all))
	}
	if all[0].Repository != "acme/busy" {
		t.Errorf("expected busiest first, got %s", all[0].Repository)
	}
}
