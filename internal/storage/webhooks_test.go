package storage

import (
	"bytes"
	"testing"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

func testDelivery(id string) *WebhookEvent {
	return &WebhookEvent{
		DeliveryID: id,
		Repository: "acme/widgets",
		Event:      "workflow_job",
		Action:     "queued",
		Payload:    []byte(`{"action":"queued"}`),
		Signature:  "sha256=deadbeef",
		DedupKey:   "dk-" + id,
	}
}

func TestWebhookInsertAndDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertWebhookEvent(ctx, testDelivery("d-1")); err != nil {
		t.Fatalf("failed to insert delivery: %v", err)
	}

	err := s.InsertWebhookEvent(ctx, testDelivery("d-1"))
	if err == nil {
		t.Fatal("expected conflict for duplicate delivery")
	}
	if !rerrors.IsCategory(err, rerrors.CategoryConflict) {
		t.Errorf("expected conflict category, got %v", err)
	}

	got, err := s.GetWebhookEvent(ctx, "d-1")
	if err != nil {
		t.Fatalf("failed to get delivery: %v", err)
	}
	if !bytes.Equal(got.Payload, []byte(`{"action":"queued"}`)) {
		t.Errorf("payload not round-tripped: %s", got.Payload)
	}
	if got.Processed {
		t.Error("new delivery should not be processed")
	}
}

func TestWebhookProcessingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	if err := s.InsertWebhookEvent(ctx, testDelivery("d-1")); err != nil {
		t.Fatalf("failed to insert delivery: %v", err)
	}

	if err := s.RecordWebhookFailure(ctx, "d-1", "queue unavailable"); err != nil {
		t.Fatalf("failed to record failure: %v", err)
	}
	got, err := s.GetWebhookEvent(ctx, "d-1")
	if err != nil {
		t.Fatalf("failed to get delivery: %v", err)
	}
	if got.ProcessingAttempts != 1 || got.LastError != "queue unavailable" {
		t.Errorf("failure not recorded: attempts=%d err=%q", got.ProcessingAttempts, got.LastError)
	}

	if err := s.MarkWebhookProcessed(ctx, "d-1", 42*time.Millisecond); err != nil {
		t.Fatalf("failed to mark processed: %v", err)
	}
	got, err = s.GetWebhookEvent(ctx, "d-1")
	if err != nil {
		t.Fatalf("failed to get delivery: %v", err)
	}
	if !got.Processed || got.ProcessingDurationMS != 42 {
		t.Errorf("processed flags wrong: processed=%v duration=%d", got.Processed, got.ProcessingDurationMS)
	}
	if got.LastError != "" {
		t.Errorf("expected error cleared, got %q", got.LastError)
	}
}

func TestListUnprocessed(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for _, id := range []string{"d-1", "d-2", "d-3"} {
		if err := s.InsertWebhookEvent(ctx, testDelivery(id)); err != nil {
			t.Fatalf("failed to insert delivery: %v", err)
		}
	}
	if err := s.MarkWebhookProcessed(ctx, "d-1", time.Millisecond); err != nil {
		t.Fatalf("failed to mark processed: %v", err)
	}
	// d-2 exhausts its attempts.
	for range 3 {
		if err := s.RecordWebhookFailure(ctx, "d-2", "boom"); err != nil {
			t.Fatalf("failed to record failure: %v", err)
		}
	}

	pending, err := s.ListUnprocessed(ctx, 10, 3)
	if err != nil {
		t.Fatalf("failed to list unprocessed: %v", err)
	}
	if len(pending) != 1 || pending[0].DeliveryID != "d-3" {
		t.Errorf("expected only d-3 pending, got %+v", pending)
	}
}

func TestListWebhookEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	first := testDelivery("d-1")
	first.Timestamp = time.Now().Add(-time.Minute)
	if err := s.InsertWebhookEvent(ctx, first); err != nil {
		t.Fatalf("failed to insert delivery: %v", err)
	}
	second := testDelivery("d-2")
	if err := s.InsertWebhookEvent(ctx, second); err != nil {
		t.Fatalf("failed to insert delivery: %v", err)
	}
	other := testDelivery("d-3")
	other.Repository = "acme/gadgets"
	if err := s.InsertWebhookEvent(ctx, other); err != nil {
		t.Fatalf("failed to insert delivery: %v", err)
	}

	events, err := s.ListWebhookEvents(ctx, "acme/widgets", 10)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].DeliveryID != "d-2" {
		t.Errorf("expected newest first, got %s", events[0].DeliveryID)
	}

	all, err := s.ListWebhookEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("failed to list all events: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 events, got %d", len(all))
	}
}

func TestInsertWebhookMetric(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	metrics := []*WebhookMetric{
		{EventType: "workflow_job", Success: true, ProcessingTimeMS: 12},
		{EventType: "workflow_job", Success: false, ProcessingTimeMS: 80},
		{EventType: "ping", Success: true, ProcessingTimeMS: 1},
	}
	for _, m := range metrics {
		if err := s.InsertWebhookMetric(ctx, m); err != nil {
			t.Fatalf("failed to insert metric: %v", err)
		}
	}

	var n int
	err := s.reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_metrics WHERE event_type = 'workflow_job'`).Scan(&n)
	if err != nil {
		t.Fatalf("failed to count metrics: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 workflow_job metrics, got %d", n)
	}
}
