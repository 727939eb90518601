package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

// RecordJobOutcome stores the per-job metric row and folds the outcome into
// repository_stats in one transaction. The job_metrics primary key makes the
// whole thing idempotent: a redelivered completion neither rewrites the
// metric nor double-counts the aggregate.
func (s *Store) RecordJobOutcome(ctx context.Context, m *JobMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now()
	}
	success, failed := 0, 1
	if m.Conclusion == "success" {
		success, failed = 1, 0
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO job_metrics
			(job_id, repository, conclusion, duration_ms, runner_id, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id) DO NOTHING`),
			m.JobID, m.Repository, m.Conclusion, m.DurationMS, m.RunnerID,
			m.RecordedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert job metric %d: %w", m.JobID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO repository_stats
			(repository, total_jobs, successful_jobs, failed_jobs, last_job_at)
			VALUES (?, 1, ?, ?, ?)
			ON CONFLICT (repository) DO UPDATE SET
				total_jobs = repository_stats.total_jobs + 1,
				successful_jobs = repository_stats.successful_jobs + excluded.successful_jobs,
				failed_jobs = repository_stats.failed_jobs + excluded.failed_jobs,
				last_job_at = excluded.last_job_at`),
			m.Repository, success, failed, m.RecordedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("update repository stats %s: %w", m.Repository, err)
		}
		return nil
	})
}

// GetRepositoryStats fetches the aggregate for one repository.
func (s *Store) GetRepositoryStats(ctx context.Context, repository string) (*RepositoryStats, error) {
	row := s.reader.QueryRowContext(ctx, s.rebind(`SELECT repository, total_jobs,
		successful_jobs, failed_jobs, last_job_at
		FROM repository_stats WHERE repository = ?`), repository)
	return scanRepositoryStats(row, repository)
}

// ListRepositoryStats returns aggregates for every repository seen so far,
// busiest first.
func (s *Store) ListRepositoryStats(ctx context.Context) ([]*RepositoryStats, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT repository, total_jobs,
		successful_jobs, failed_jobs, last_job_at
		FROM repository_stats ORDER BY total_jobs DESC`)
	if err != nil {
		return nil, fmt.Errorf("list repository stats: %w", err)
	}
	defer rows.Close()

	var all []*RepositoryStats
	for rows.Next() {
		st, err := scanRepositoryStats(rows, "")
		if err != nil {
			return nil, err
		}
		all = append(all, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repository stats: %w", err)
	}
	return all, nil
}

// JobMetricsSince returns metric rows recorded at or after the cutoff for a
// repository, oldest first. Used for duration summaries in the admin API.
func (s *Store) JobMetricsSince(ctx context.Context, repository string, since time.Time) ([]*JobMetric, error) {
	rows, err := s.reader.QueryContext(ctx, s.rebind(`SELECT job_id, repository,
		conclusion, duration_ms, runner_id, recorded_at
		FROM job_metrics WHERE repository = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC`), repository, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list job metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*JobMetric
	for rows.Next() {
		var (
			m  JobMetric
			at int64
		)
		if err := rows.Scan(&m.JobID, &m.Repository, &m.Conclusion, &m.DurationMS,
			&m.RunnerID, &at); err != nil {
			return nil, fmt.Errorf("scan job metric: %w", err)
		}
		m.RecordedAt = time.UnixMilli(at)
		metrics = append(metrics, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job metrics: %w", err)
	}
	return metrics, nil
}

func scanRepositoryStats(row rowScanner, repository string) (*RepositoryStats, error) {
	var (
		st     RepositoryStats
		lastAt sql.NullInt64
	)
	err := row.Scan(&st.Repository, &st.TotalJobs, &st.SuccessfulJobs, &st.FailedJobs, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rerrors.NotFound("repository stats", repository)
	}
	if err != nil {
		return nil, fmt.Errorf("scan repository stats: %w", err)
	}
	if lastAt.Valid {
		t := time.UnixMilli(lastAt.Int64)
		st.LastJobAt = &t
	}
	return &st, nil
}
