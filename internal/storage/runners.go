package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

const runnerColumns = `id, name, type, status, repository, labels, container_id,
	current_job_id, last_heartbeat, updated_at`

// InsertRunner persists a new runner row.
func (s *Store) InsertRunner(ctx context.Context, r *Runner) error {
	labels, err := marshalStrings(r.Labels)
	if err != nil {
		return err
	}
	now := time.Now()
	if r.LastHeartbeat.IsZero() {
		r.LastHeartbeat = now
	}
	r.UpdatedAt = now
	_, err = s.writer.ExecContext(ctx, s.rebind(`INSERT INTO runners
		(id, name, type, status, repository, labels, container_id, current_job_id, last_heartbeat, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Name, string(r.Type), string(r.Status), r.Repository, labels,
		r.ContainerID, r.CurrentJobID, r.LastHeartbeat.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert runner %s: %w", r.ID, err)
	}
	return nil
}

// GetRunner fetches a runner by id.
func (s *Store) GetRunner(ctx context.Context, id string) (*Runner, error) {
	row := s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+runnerColumns+` FROM runners WHERE id = ?`), id)
	return scanRunner(row, id)
}

// GetRunnerByContainer fetches the runner owning a container.
func (s *Store) GetRunnerByContainer(ctx context.Context, containerID string) (*Runner, error) {
	row := s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+runnerColumns+` FROM runners WHERE container_id = ?`), containerID)
	return scanRunner(row, containerID)
}

// GetRunnerByName fetches a repository's runner by the name it registered
// with the forge. Webhook payloads identify runners by name only.
func (s *Store) GetRunnerByName(ctx context.Context, repository, name string) (*Runner, error) {
	row := s.reader.QueryRowContext(ctx, s.rebind(`SELECT `+runnerColumns+`
		FROM runners WHERE repository = ? AND name = ?`), repository, name)
	return scanRunner(row, name)
}

// TransitionRunner moves a runner along the lifecycle graph, rejecting
// disallowed edges with a conflict error.
func (s *Store) TransitionRunner(ctx context.Context, id string, to RunnerStatus) (*Runner, error) {
	var out *Runner
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		runner, err := scanRunner(tx.QueryRowContext(ctx,
			s.rebind(`SELECT `+runnerColumns+` FROM runners WHERE id = ?`), id), id)
		if err != nil {
			return err
		}
		if !ValidRunnerTransition(runner.Status, to) {
			return rerrors.Conflict(fmt.Sprintf("runner %s: transition %s -> %s not allowed", id, runner.Status, to))
		}
		from := runner.Status
		runner.Status = to
		runner.UpdatedAt = time.Now()
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE runners
			SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
			string(to), runner.UpdatedAt.UnixMilli(), id, string(from))
		if err != nil {
			return fmt.Errorf("transition runner %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return rerrors.Conflict(fmt.Sprintf("runner %s: concurrent transition to %s", id, to))
		}
		out = runner
		return nil
	})
	return out, err
}

// SetRunnerContainer binds a container to a runner.
func (s *Store) SetRunnerContainer(ctx context.Context, id, containerID string) error {
	res, err := s.writer.ExecContext(ctx, s.rebind(`UPDATE runners
		SET container_id = ?, updated_at = ? WHERE id = ?`),
		containerID, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set runner container: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rerrors.NotFound("runner", id)
	}
	return nil
}

// ClearRunnerContainer removes the container binding wherever it appears.
// Called when a container is removed; idempotent.
func (s *Store) ClearRunnerContainer(ctx context.Context, containerID string) error {
	_, err := s.writer.ExecContext(ctx, s.rebind(`UPDATE runners
		SET container_id = '', updated_at = ? WHERE container_id = ?`),
		time.Now().UnixMilli(), containerID)
	if err != nil {
		return fmt.Errorf("clear runner container: %w", err)
	}
	return nil
}

// ReleaseRunner clears the job binding and returns the runner to Idle.
func (s *Store) ReleaseRunner(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		runner, err := scanRunner(tx.QueryRowContext(ctx,
			s.rebind(`SELECT `+runnerColumns+` FROM runners WHERE id = ?`), id), id)
		if err != nil {
			return err
		}
		if !ValidRunnerTransition(runner.Status, RunnerIdle) {
			return rerrors.Conflict(fmt.Sprintf("runner %s: transition %s -> %s not allowed", id, runner.Status, RunnerIdle))
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE runners
			SET status = ?, current_job_id = '', updated_at = ? WHERE id = ?`),
			string(RunnerIdle), time.Now().UnixMilli(), id); err != nil {
			return fmt.Errorf("release runner %s: %w", id, err)
		}
		return nil
	})
}

// DeleteRunner removes the row. Missing rows are a no-op.
func (s *Store) DeleteRunner(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, s.rebind(`DELETE FROM runners WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete runner %s: %w", id, err)
	}
	return nil
}

// HeartbeatRunner refreshes the liveness timestamp.
func (s *Store) HeartbeatRunner(ctx context.Context, id string, at time.Time) error {
	_, err := s.writer.ExecContext(ctx, s.rebind(`UPDATE runners
		SET last_heartbeat = ?, updated_at = ? WHERE id = ?`),
		at.UnixMilli(), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("heartbeat runner %s: %w", id, err)
	}
	return nil
}

// ActiveRunners returns the non-offline runners of a repository.
func (s *Store) ActiveRunners(ctx context.Context, repository string) ([]*Runner, error) {
	rows, err := s.reader.QueryContext(ctx, s.rebind(`SELECT `+runnerColumns+`
		FROM runners WHERE repository = ? AND status != ? ORDER BY name`),
		repository, string(RunnerOffline))
	if err != nil {
		return nil, fmt.Errorf("query active runners: %w", err)
	}
	defer rows.Close()
	return scanRunners(rows)
}

// RunnersByStatus returns runners in a given state across all repositories.
func (s *Store) RunnersByStatus(ctx context.Context, status RunnerStatus) ([]*Runner, error) {
	rows, err := s.reader.QueryContext(ctx, s.rebind(`SELECT `+runnerColumns+`
		FROM runners WHERE status = ? ORDER BY repository, name`), string(status))
	if err != nil {
		return nil, fmt.Errorf("query runners by status: %w", err)
	}
	defer rows.Close()
	return scanRunners(rows)
}

// CountRunners returns (total, busy) for a repository, counting non-offline rows.
func (s *Store) CountRunners(ctx context.Context, repository string) (int, int, error) {
	var total, busy int
	err := s.reader.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM runners WHERE repository = ? AND status != ?`),
		string(RunnerBusy), repository, string(RunnerOffline)).Scan(&total, &busy)
	if err != nil {
		return 0, 0, fmt.Errorf("count runners: %w", err)
	}
	return total, busy, nil
}

func scanRunner(row rowScanner, id string) (*Runner, error) {
	var (
		r         Runner
		typ       string
		status    string
		labels    string
		heartbeat int64
		updatedAt int64
	)
	err := row.Scan(&r.ID, &r.Name, &typ, &status, &r.Repository, &labels,
		&r.ContainerID, &r.CurrentJobID, &heartbeat, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rerrors.NotFound("runner", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan runner: %w", err)
	}
	r.Type = RunnerType(typ)
	r.Status = RunnerStatus(status)
	if r.Labels, err = unmarshalStrings(labels); err != nil {
		return nil, err
	}
	r.LastHeartbeat = time.UnixMilli(heartbeat)
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}

func scanRunners(rows *sql.Rows) ([]*Runner, error) {
	var runners []*Runner
	for rows.Next() {
		r, err := scanRunner(rows, "")
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runners: %w", err)
	}
	return runners, nil
}
