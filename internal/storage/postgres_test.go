package storage

import (
	"os"
	"testing"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

// postgresDSN gates the live-postgres tests. They exercise the pgx driver and
// the ? -> $n rebind against a real server; everything else in this package
// runs on in-memory sqlite.
func postgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping live postgres tests")
	}
	return dsn
}

func TestPostgresJobRoundTrip(t *testing.T) {
	s, err := Open(t.Context(), DriverPostgres, postgresDSN(t), "")
	if err != nil {
		t.Fatalf("failed to open postgres store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	job := testJob("pg-job-1", 9101)
	t.Cleanup(func() {
		_, _ = s.writer.Exec(s.rebind(`DELETE FROM jobs WHERE id = ?`), job.ID)
	})

	if err := s.UpsertJob(t.Context(), job); err != nil {
		t.Fatalf("failed to upsert job: %v", err)
	}

	got, err := s.GetJob(t.Context(), job.ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.Status != JobPending || got.Repository != job.Repository {
		t.Errorf("job round trip = %+v", got)
	}
	if len(got.Labels) != len(job.Labels) {
		t.Errorf("labels = %v, want %v", got.Labels, job.Labels)
	}

	if _, err := s.TransitionJob(t.Context(), job.ID, JobRunning); err != nil {
		t.Fatalf("failed to transition job: %v", err)
	}

	// Backward writes must be rejected on postgres exactly as on sqlite.
	if _, err := s.TransitionJob(t.Context(), job.ID, JobPending); !rerrors.IsCategory(err, rerrors.CategoryConflict) {
		t.Errorf("backward transition error = %v, want conflict", err)
	}
}

func TestPostgresDeliveryInsertDedups(t *testing.T) {
	s, err := Open(t.Context(), DriverPostgres, postgresDSN(t), "")
	if err != nil {
		t.Fatalf("failed to open postgres store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ev := testDelivery("pg-delivery-1")
	t.Cleanup(func() {
		_, _ = s.writer.Exec(s.rebind(`DELETE FROM webhook_events WHERE delivery_id = ?`), ev.DeliveryID)
	})

	if err := s.InsertWebhookEvent(t.Context(), ev); err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}

	err = s.InsertWebhookEvent(t.Context(), testDelivery("pg-delivery-1"))
	if !rerrors.IsCategory(err, rerrors.CategoryConflict) {
		t.Errorf("duplicate delivery error = %v, want conflict", err)
	}
}
