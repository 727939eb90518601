package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

const jobColumns = `job_id, id, run_id, repository, job_name, workflow_name, head_sha, job_url,
	labels, status, priority, runner_id, runner_name, assigned_runner_id, conclusion,
	exit_code, error, queued_at, started_at, completed_at, duration_ms`

// UpsertJob inserts a job row or refreshes the forge-sourced fields of an
// existing one. The local id, status, and assignment fields of an existing row
// are preserved so webhook replays cannot rewind the lifecycle.
func (s *Store) UpsertJob(ctx context.Context, job *Job) error {
	labels, err := marshalStrings(job.Labels)
	if err != nil {
		return err
	}
	query := s.rebind(`INSERT INTO jobs (job_id, id, run_id, repository, job_name, workflow_name,
		head_sha, job_url, labels, status, priority, runner_id, runner_name, assigned_runner_id,
		conclusion, exit_code, error, queued_at, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			run_id = excluded.run_id,
			job_name = excluded.job_name,
			workflow_name = excluded.workflow_name,
			head_sha = excluded.head_sha,
			job_url = excluded.job_url,
			labels = excluded.labels,
			priority = excluded.priority`)
	_, err = s.writer.ExecContext(ctx, query,
		job.JobID, job.ID, job.RunID, job.Repository, job.JobName, job.Workflow,
		job.HeadSHA, job.JobURL, labels, string(job.Status), job.Priority,
		job.RunnerID, job.RunnerName, job.AssignedRunnerID, job.Conclusion,
		nullableInt(job.ExitCode), job.Error, job.QueuedAt.UnixMilli(),
		nullableTime(job.StartedAt), nullableTime(job.CompletedAt), job.DurationMS)
	if err != nil {
		return fmt.Errorf("upsert job %d: %w", job.JobID, err)
	}
	return nil
}

// GetJob fetches a job by its local id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	return scanJob(row, "job", id)
}

// GetJobByForgeID fetches a job by the forge-assigned id.
func (s *Store) GetJobByForgeID(ctx context.Context, jobID int64) (*Job, error) {
	row := s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`), jobID)
	return scanJob(row, "job", fmt.Sprintf("%d", jobID))
}

// TransitionJob moves a job along the lifecycle DAG. Running sets started_at;
// terminal states set completed_at and duration. Backward writes return a
// conflict error and leave the row untouched.
func (s *Store) TransitionJob(ctx context.Context, id string, to JobStatus) (*Job, error) {
	var out *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
		job, err := scanJob(row, "job", id)
		if err != nil {
			return err
		}
		if !ValidJobTransition(job.Status, to) {
			return rerrors.Conflict(fmt.Sprintf("job %s: transition %s -> %s not allowed", id, job.Status, to))
		}

		now := time.Now()
		from := job.Status
		job.Status = to
		switch {
		case to == JobRunning && job.StartedAt == nil:
			job.StartedAt = &now
		case to.Terminal():
			job.CompletedAt = &now
			if job.StartedAt != nil {
				job.DurationMS = now.Sub(*job.StartedAt).Milliseconds()
			}
		}

		// Guard on the status we read so concurrent transitions lose cleanly.
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs
			SET status = ?, started_at = ?, completed_at = ?, duration_ms = ?
			WHERE id = ? AND status = ?`),
			string(to), nullableTime(job.StartedAt), nullableTime(job.CompletedAt),
			job.DurationMS, id, string(from))
		if err != nil {
			return fmt.Errorf("transition job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return rerrors.Conflict(fmt.Sprintf("job %s: concurrent transition to %s", id, to))
		}
		out = job
		return nil
	})
	return out, err
}

// CompleteJob finalizes a job with its outcome fields in one write.
func (s *Store) CompleteJob(ctx context.Context, id string, to JobStatus, conclusion string, exitCode *int, errMsg string) (*Job, error) {
	if !to.Terminal() {
		return nil, rerrors.ValidationError(fmt.Sprintf("complete job: %s is not terminal", to))
	}
	job, err := s.TransitionJob(ctx, id, to)
	if err != nil {
		return nil, err
	}
	_, err = s.writer.ExecContext(ctx, s.rebind(`UPDATE jobs
		SET conclusion = ?, exit_code = ?, error = ? WHERE id = ?`),
		conclusion, nullableInt(exitCode), errMsg, id)
	if err != nil {
		return nil, fmt.Errorf("finalize job %s: %w", id, err)
	}
	job.Conclusion = conclusion
	job.ExitCode = exitCode
	job.Error = errMsg
	return job, nil
}

// SetJobForgeRunner records the forge-reported runner identity on a job.
// The forge only names the runner once the job is in progress.
func (s *Store) SetJobForgeRunner(ctx context.Context, id string, runnerID int64, runnerName string) error {
	res, err := s.writer.ExecContext(ctx, s.rebind(`UPDATE jobs
		SET runner_id = ?, runner_name = ? WHERE id = ?`), runnerID, runnerName, id)
	if err != nil {
		return fmt.Errorf("set job forge runner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rerrors.NotFound("job", id)
	}
	return nil
}

// BindRunner marks a job Running on the given runner and the runner Busy on
// the job, atomically. Both transitions are validated.
func (s *Store) BindRunner(ctx context.Context, jobID, runnerID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), jobID)
		job, err := scanJob(row, "job", jobID)
		if err != nil {
			return err
		}
		if !ValidJobTransition(job.Status, JobRunning) {
			return rerrors.Conflict(fmt.Sprintf("job %s: transition %s -> %s not allowed", jobID, job.Status, JobRunning))
		}

		runner, err := scanRunner(tx.QueryRowContext(ctx,
			s.rebind(`SELECT `+runnerColumns+` FROM runners WHERE id = ?`), runnerID), runnerID)
		if err != nil {
			return err
		}
		if !ValidRunnerTransition(runner.Status, RunnerBusy) {
			return rerrors.Conflict(fmt.Sprintf("runner %s: transition %s -> %s not allowed", runnerID, runner.Status, RunnerBusy))
		}

		now := time.Now()
		started := nullableTime(job.StartedAt)
		if job.StartedAt == nil {
			started = sql.NullInt64{Int64: now.UnixMilli(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE jobs
			SET status = ?, assigned_runner_id = ?, started_at = ? WHERE id = ?`),
			string(JobRunning), runnerID, started, jobID); err != nil {
			return fmt.Errorf("bind job %s: %w", jobID, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE runners
			SET status = ?, current_job_id = ?, updated_at = ? WHERE id = ?`),
			string(RunnerBusy), jobID, now.UnixMilli(), runnerID); err != nil {
			return fmt.Errorf("bind runner %s: %w", runnerID, err)
		}
		return nil
	})
}

// PendingJobs returns Pending jobs for a repository queued within the window,
// oldest first. Used by the autoscaler for queue depth and wait time.
func (s *Store) PendingJobs(ctx context.Context, repository string, since time.Time) ([]*Job, error) {
	rows, err := s.reader.QueryContext(ctx, s.rebind(`SELECT `+jobColumns+`
		FROM jobs WHERE repository = ? AND status = ? AND queued_at >= ?
		ORDER BY queued_at ASC`),
		repository, string(JobPending), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountJobsByStatus returns counts keyed by status, optionally scoped to one repository.
func (s *Store) CountJobsByStatus(ctx context.Context, repository string) (map[JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs GROUP BY status`
	args := []any{}
	if repository != "" {
		query = `SELECT status, COUNT(*) FROM jobs WHERE repository = ? GROUP BY status`
		args = append(args, repository)
	}
	rows, err := s.reader.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return counts, nil
}

// ActiveJobCount returns the number of Running jobs for a repository.
func (s *Store) ActiveJobCount(ctx context.Context, repository string) (int, error) {
	var n int
	err := s.reader.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM jobs WHERE repository = ? AND status = ?`),
		repository, string(JobRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// ListJobs returns the most recently queued jobs, optionally scoped to a repository.
func (s *Store) ListJobs(ctx context.Context, repository string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY queued_at DESC LIMIT ?`
	args := []any{limit}
	if repository != "" {
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE repository = ? ORDER BY queued_at DESC LIMIT ?`
		args = []any{repository, limit}
	}
	rows, err := s.reader.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner, kind, id string) (*Job, error) {
	var (
		j         Job
		labels    string
		status    string
		exitCode  sql.NullInt64
		queuedAt  int64
		startedAt sql.NullInt64
		doneAt    sql.NullInt64
	)
	err := row.Scan(&j.JobID, &j.ID, &j.RunID, &j.Repository, &j.JobName, &j.Workflow,
		&j.HeadSHA, &j.JobURL, &labels, &status, &j.Priority, &j.RunnerID, &j.RunnerName,
		&j.AssignedRunnerID, &j.Conclusion, &exitCode, &j.Error, &queuedAt, &startedAt,
		&doneAt, &j.DurationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rerrors.NotFound(kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = JobStatus(status)
	if j.Labels, err = unmarshalStrings(labels); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		j.ExitCode = &v
	}
	j.QueuedAt = time.UnixMilli(queuedAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		j.StartedAt = &t
	}
	if doneAt.Valid {
		t := time.UnixMilli(doneAt.Int64)
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows, "job", "")
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
