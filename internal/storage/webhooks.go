package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

const webhookColumns = `delivery_id, repository, event, action, payload, signature,
	timestamp, processed, processing_attempts, last_processing_error,
	processing_duration_ms, dedup_key`

// InsertWebhookEvent persists a received delivery. The delivery_id primary
// key makes the insert the linearization point for duplicate deliveries:
// a second insert with the same id affects zero rows and returns a
// conflict, regardless of which instance got there first.
func (s *Store) InsertWebhookEvent(ctx context.Context, e *WebhookEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	res, err := s.writer.ExecContext(ctx, s.rebind(`INSERT INTO webhook_events
		(delivery_id, repository, event, action, payload, signature, timestamp,
		 processed, processing_attempts, last_processing_error, processing_duration_ms, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (delivery_id) DO NOTHING`),
		e.DeliveryID, e.Repository, e.Event, e.Action, e.Payload, e.Signature,
		e.Timestamp.UnixMilli(), boolToInt(e.Processed), e.ProcessingAttempts,
		e.LastError, e.ProcessingDurationMS, e.DedupKey)
	if err != nil {
		return fmt.Errorf("insert webhook event %s: %w", e.DeliveryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rerrors.Conflict(fmt.Sprintf("delivery %s already recorded", e.DeliveryID))
	}
	return nil
}

// GetWebhookEvent fetches a stored delivery, payload included, so that
// replay can re-dispatch exactly what the forge sent.
func (s *Store) GetWebhookEvent(ctx context.Context, deliveryID string) (*WebhookEvent, error) {
	row := s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+webhookColumns+` FROM webhook_events WHERE delivery_id = ?`),
		deliveryID)
	return scanWebhookEvent(row, deliveryID)
}

// MarkWebhookProcessed flags a delivery as handled and records how long
// processing took.
func (s *Store) MarkWebhookProcessed(ctx context.Context, deliveryID string, took time.Duration) error {
	res, err := s.writer.ExecContext(ctx, s.rebind(`UPDATE webhook_events
		SET processed = 1,
			processing_attempts = processing_attempts + 1,
			last_processing_error = '',
			processing_duration_ms = ?
		WHERE delivery_id = ?`), took.Milliseconds(), deliveryID)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rerrors.NotFound("webhook event", deliveryID)
	}
	return nil
}

// RecordWebhookFailure bumps the attempt counter and stores the error so a
// later sweep can decide whether the delivery is worth retrying.
func (s *Store) RecordWebhookFailure(ctx context.Context, deliveryID, errMsg string) error {
	res, err := s.writer.ExecContext(ctx, s.rebind(`UPDATE webhook_events
		SET processing_attempts = processing_attempts + 1,
			last_processing_error = ?
		WHERE delivery_id = ?`), errMsg, deliveryID)
	if err != nil {
		return fmt.Errorf("record webhook failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rerrors.NotFound("webhook event", deliveryID)
	}
	return nil
}

// ListUnprocessed returns deliveries that have not been handled yet and
// still have attempts left, oldest first.
func (s *Store) ListUnprocessed(ctx context.Context, limit, maxAttempts int) ([]*WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.reader.QueryContext(ctx, s.rebind(`SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE processed = 0 AND processing_attempts < ?
		ORDER BY timestamp ASC LIMIT ?`), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed webhooks: %w", err)
	}
	defer rows.Close()
	return scanWebhookEvents(rows)
}

// ListWebhookEvents returns recent deliveries for a repository, newest
// first. An empty repository lists across all of them.
func (s *Store) ListWebhookEvents(ctx context.Context, repository string, limit int) ([]*WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + webhookColumns + ` FROM webhook_events`
	args := []any{}
	if repository != "" {
		query += ` WHERE repository = ?`
		args = append(args, repository)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.reader.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()
	return scanWebhookEvents(rows)
}

// InsertWebhookMetric appends one processing observation.
func (s *Store) InsertWebhookMetric(ctx context.Context, m *WebhookMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	_, err := s.writer.ExecContext(ctx, s.rebind(`INSERT INTO webhook_metrics
		(event_type, success, processing_time_ms, recorded_at)
		VALUES (?, ?, ?, ?)`),
		m.EventType, boolToInt(m.Success), m.ProcessingTimeMS, m.RecordedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert webhook metric: %w", err)
	}
	return nil
}

func scanWebhookEvent(row rowScanner, deliveryID string) (*WebhookEvent, error) {
	var (
		e         WebhookEvent
		ts        int64
		processed int
	)
	err := row.Scan(&e.DeliveryID, &e.Repository, &e.Event, &e.Action, &e.Payload,
		&e.Signature, &ts, &processed, &e.ProcessingAttempts, &e.LastError,
		&e.ProcessingDurationMS, &e.DedupKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rerrors.NotFound("webhook event", deliveryID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}
	e.Timestamp = time.UnixMilli(ts)
	e.Processed = processed != 0
	return &e, nil
}

func scanWebhookEvents(rows *sql.Rows) ([]*WebhookEvent, error) {
	var events []*WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows, "")
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook events: %w", err)
	}
	return events, nil
}
