package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

const poolColumns = `repository, min_runners, max_runners, scale_increment, scale_threshold, last_scaled_at`

// GetPool fetches pool bounds for a repository.
func (s *Store) GetPool(ctx context.Context, repository string) (*Pool, error) {
	row := s.reader.QueryRowContext(ctx,
		s.rebind(`SELECT `+poolColumns+` FROM runner_pools WHERE repository = ?`), repository)
	return scanPool(row, repository)
}

// UpsertPool creates or updates a pool row.
func (s *Store) UpsertPool(ctx context.Context, p *Pool) error {
	_, err := s.writer.ExecContext(ctx, s.rebind(`INSERT INTO runner_pools
		(repository, min_runners, max_runners, scale_increment, scale_threshold, last_scaled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (repository) DO UPDATE SET
			min_runners = excluded.min_runners,
			max_runners = excluded.max_runners,
			scale_increment = excluded.scale_increment,
			scale_threshold = excluded.scale_threshold`),
		p.Repository, p.MinRunners, p.MaxRunners, p.ScaleIncrement, p.ScaleThreshold,
		nullableTime(p.LastScaledAt))
	if err != nil {
		return fmt.Errorf("upsert pool %s: %w", p.Repository, err)
	}
	return nil
}

// MarkPoolScaled records the time of the last scaling action.
func (s *Store) MarkPoolScaled(ctx context.Context, repository string, at time.Time) error {
	res, err := s.writer.ExecContext(ctx, s.rebind(`UPDATE runner_pools
		SET last_scaled_at = ? WHERE repository = ?`), at.UnixMilli(), repository)
	if err != nil {
		return fmt.Errorf("mark pool scaled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rerrors.NotFound("pool", repository)
	}
	return nil
}

// ListPools returns every pool row.
func (s *Store) ListPools(ctx context.Context) ([]*Pool, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+poolColumns+` FROM runner_pools ORDER BY repository`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []*Pool
	for rows.Next() {
		p, err := scanPool(rows, "")
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pools: %w", err)
	}
	return pools, nil
}

func scanPool(row rowScanner, repository string) (*Pool, error) {
	var (
		p        Pool
		scaledAt sql.NullInt64
	)
	err := row.Scan(&p.Repository, &p.MinRunners, &p.MaxRunners, &p.ScaleIncrement,
		&p.ScaleThreshold, &scaledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rerrors.NotFound("pool", repository)
	}
	if err != nil {
		return nil, fmt.Errorf("scan pool: %w", err)
	}
	if scaledAt.Valid {
		t := time.UnixMilli(scaledAt.Int64)
		p.LastScaledAt = &t
	}
	return &p, nil
}
