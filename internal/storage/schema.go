package storage

import (
	"context"
	"fmt"
)

// Schema notes: timestamps are unix milliseconds (INTEGER) on both drivers,
// booleans are 0/1 INTEGERs, and set-valued columns (labels, conditions,
// targets) are JSON text. Only the auto-increment id columns differ by dialect.
func (s *Store) initialize(ctx context.Context) error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blob := "BLOB"
	if s.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
		blob = "BYTEA"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			run_id INTEGER NOT NULL,
			repository TEXT NOT NULL,
			job_name TEXT NOT NULL DEFAULT '',
			workflow_name TEXT NOT NULL DEFAULT '',
			head_sha TEXT NOT NULL DEFAULT '',
			job_url TEXT NOT NULL DEFAULT '',
			labels TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			runner_id INTEGER NOT NULL DEFAULT 0,
			runner_name TEXT NOT NULL DEFAULT '',
			assigned_runner_id TEXT NOT NULL DEFAULT '',
			conclusion TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			error TEXT NOT NULL DEFAULT '',
			queued_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_repository ON jobs(repository)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queued_at ON jobs(queued_at)`,

		`CREATE TABLE IF NOT EXISTS runners (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			repository TEXT NOT NULL,
			labels TEXT NOT NULL DEFAULT '[]',
			container_id TEXT NOT NULL DEFAULT '',
			current_job_id TEXT NOT NULL DEFAULT '',
			last_heartbeat INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runners_repository ON runners(repository)`,
		`CREATE INDEX IF NOT EXISTS idx_runners_status ON runners(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runners_container ON runners(container_id)`,

		`CREATE TABLE IF NOT EXISTS runner_pools (
			repository TEXT PRIMARY KEY,
			min_runners INTEGER NOT NULL,
			max_runners INTEGER NOT NULL,
			scale_increment INTEGER NOT NULL,
			scale_threshold REAL NOT NULL,
			last_scaled_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS routing_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			conditions TEXT NOT NULL DEFAULT '{}',
			targets TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_enabled ON routing_rules(enabled)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS routing_decisions (
			id %s,
			job_id TEXT NOT NULL,
			rule_id TEXT NOT NULL DEFAULT '',
			target_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_decisions_job ON routing_decisions(job_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS webhook_events (
			delivery_id TEXT PRIMARY KEY,
			repository TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			payload %s NOT NULL,
			signature TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			processing_attempts INTEGER NOT NULL DEFAULT 0,
			last_processing_error TEXT NOT NULL DEFAULT '',
			processing_duration_ms INTEGER NOT NULL DEFAULT 0,
			dedup_key TEXT NOT NULL DEFAULT ''
		)`, blob),
		`CREATE INDEX IF NOT EXISTS idx_webhooks_repository ON webhook_events(repository)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_event ON webhook_events(event)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_timestamp ON webhook_events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_dedup ON webhook_events(dedup_key)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_processed ON webhook_events(processed)`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id INTEGER PRIMARY KEY,
			repository TEXT NOT NULL,
			workflow_name TEXT NOT NULL DEFAULT '',
			head_branch TEXT NOT NULL DEFAULT '',
			head_sha TEXT NOT NULL DEFAULT '',
			event TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			conclusion TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_repository ON workflow_runs(repository)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS webhook_metrics (
			id %s,
			event_type TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			recorded_at INTEGER NOT NULL
		)`, serial),

		`CREATE TABLE IF NOT EXISTS job_metrics (
			job_id INTEGER PRIMARY KEY,
			repository TEXT NOT NULL,
			conclusion TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			runner_id TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_metrics_repo ON job_metrics(repository)`,

		`CREATE TABLE IF NOT EXISTS repository_stats (
			repository TEXT PRIMARY KEY,
			total_jobs INTEGER NOT NULL DEFAULT 0,
			successful_jobs INTEGER NOT NULL DEFAULT 0,
			failed_jobs INTEGER NOT NULL DEFAULT 0,
			last_job_at INTEGER
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.writer.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
