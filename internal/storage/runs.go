package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

const runColumns = `run_id, repository, workflow_name, head_branch, head_sha,
	event, status, conclusion, created_at, updated_at`

// UpsertWorkflowRun records or refreshes the forge-level run a job belongs
// to. Runs arrive out of order relative to their jobs, so status and
// conclusion are always taken from the latest delivery.
func (s *Store) UpsertWorkflowRun(ctx context.Context, r *WorkflowRun) error {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err := s.writer.ExecContext(ctx, s.rebind(`INSERT INTO workflow_runs
		(run_id, repository, workflow_name, head_branch, head_sha, event, status, conclusion, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			head_branch = excluded.head_branch,
			head_sha = excluded.head_sha,
			event = excluded.event,
			status = excluded.status,
			conclusion = excluded.conclusion,
			updated_at = excluded.updated_at`),
		r.RunID, r.Repository, r.WorkflowName, r.HeadBranch, r.HeadSHA,
		r.Event, r.Status, r.Conclusion, r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert workflow run %d: %w", r.RunID, err)
	}
	return nil
}

// GetWorkflowRun fetches one run by its forge id.
func (s *Store) GetWorkflowRun(ctx context.Context, runID int64) (*WorkflowRun, error) {
	row := s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+runColumns+` FROM workflow_runs WHERE run_id = ?`), runID)
	return scanWorkflowRun(row, runID)
}

// ListWorkflowRuns returns recent runs for a repository, newest first.
func (s *Store) ListWorkflowRuns(ctx context.Context, repository string, limit int) ([]*WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.reader.QueryContext(ctx, s.rebind(`SELECT `+runColumns+`
		FROM workflow_runs WHERE repository = ?
		ORDER BY updated_at DESC LIMIT ?`), repository, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		r, err := scanWorkflowRun(rows, 0)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow runs: %w", err)
	}
	return runs, nil
}

func scanWorkflowRun(row rowScanner, runID int64) (*WorkflowRun, error) {
	var (
		r                  WorkflowRun
		createdAt, updated int64
	)
	err := row.Scan(&r.RunID, &r.Repository, &r.WorkflowName, &r.HeadBranch,
		&r.HeadSHA, &r.Event, &r.Status, &r.Conclusion, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rerrors.NotFound("workflow run", strconv.FormatInt(runID, 10))
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow run: %w", err)
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updated)
	return &r, nil
}
