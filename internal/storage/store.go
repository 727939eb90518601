package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the relational gateway. It owns the authoritative state for jobs,
// runners, pools, rules, and webhook events. Writes always hit the primary;
// reads prefer the replica when one is configured.
type Store struct {
	driver string
	writer *sql.DB
	reader *sql.DB
}

// Open connects the configured driver, creates the schema, and verifies both
// connections. replicaDSN is optional and only meaningful for postgres.
func Open(ctx context.Context, driver, dsn, replicaDSN string) (*Store, error) {
	driverName, err := sqlDriverName(driver)
	if err != nil {
		return nil, err
	}

	writer, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == DriverSQLite {
		// modernc sqlite serializes writes; a single connection avoids
		// SQLITE_BUSY between the pool's connections.
		writer.SetMaxOpenConns(1)
	}
	if err := writer.PingContext(ctx); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}

	s := &Store{driver: driver, writer: writer, reader: writer}

	if replicaDSN != "" {
		reader, err := sql.Open(driverName, replicaDSN)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("open %s replica: %w", driver, err)
		}
		if err := reader.PingContext(ctx); err != nil {
			_ = reader.Close()
			_ = writer.Close()
			return nil, fmt.Errorf("ping %s replica: %w", driver, err)
		}
		s.reader = reader
	}

	if err := s.initialize(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case DriverSQLite:
		return "sqlite", nil
	case DriverPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported store driver: %s", driver)
	}
}

// Ping verifies both connections; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("ping primary: %w", err)
	}
	if s.reader != s.writer {
		if err := s.reader.PingContext(ctx); err != nil {
			return fmt.Errorf("ping replica: %w", err)
		}
	}
	return nil
}

// Close closes both connections.
func (s *Store) Close() error {
	var firstErr error
	if s.reader != s.writer {
		firstErr = s.reader.Close()
	}
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// rebind converts `?` placeholders to the driver's dialect. Queries in this
// package are written with `?`; postgres needs positional `$n`.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn inside a transaction on the primary, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(raw), nil
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	return v, nil
}
