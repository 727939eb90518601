package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	rerrors "git.home.luguber.info/inful/runnerd/internal/errors"
)

const ruleColumns = `id, name, priority, conditions, targets, enabled, created_at, updated_at`

// ListEnabledRules returns enabled rules in routing order:
// priority descending, then created_at ascending.
func (s *Store) ListEnabledRules(ctx context.Context) ([]*RoutingRule, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT `+ruleColumns+`
		FROM routing_rules WHERE enabled = 1
		ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListRules returns every rule regardless of enabled state.
func (s *Store) ListRules(ctx context.Context) ([]*RoutingRule, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT `+ruleColumns+`
		FROM routing_rules ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// UpsertRule creates or replaces a rule definition.
func (s *Store) UpsertRule(ctx context.Context, r *RoutingRule) error {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal rule conditions: %w", err)
	}
	targets, err := json.Marshal(r.Targets)
	if err != nil {
		return fmt.Errorf("marshal rule targets: %w", err)
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err = s.writer.ExecContext(ctx, s.rebind(`INSERT INTO routing_rules
		(id, name, priority, conditions, targets, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			priority = excluded.priority,
			conditions = excluded.conditions,
			targets = excluded.targets,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`),
		r.ID, r.Name, r.Priority, string(conditions), string(targets),
		boolToInt(r.Enabled), r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert rule %s: %w", r.ID, err)
	}
	return nil
}

// SetRuleEnabled toggles a rule.
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.writer.ExecContext(ctx, s.rebind(`UPDATE routing_rules
		SET enabled = ?, updated_at = ? WHERE id = ?`),
		boolToInt(enabled), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set rule enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rerrors.NotFound("rule", id)
	}
	return nil
}

// DeleteRule removes a rule. Missing rows are a no-op.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, s.rebind(`DELETE FROM routing_rules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return nil
}

// InsertDecision persists one routing outcome for analytics.
func (s *Store) InsertDecision(ctx context.Context, d *RoutingDecision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.writer.ExecContext(ctx, s.rebind(`INSERT INTO routing_decisions
		(job_id, rule_id, target_count, created_at) VALUES (?, ?, ?, ?)`),
		d.JobID, d.RuleID, d.TargetCount, d.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert routing decision: %w", err)
	}
	return nil
}

// DecisionsForJob returns the routing decisions recorded for a job, newest first.
func (s *Store) DecisionsForJob(ctx context.Context, jobID string) ([]*RoutingDecision, error) {
	rows, err := s.reader.QueryContext(ctx, s.rebind(`SELECT id, job_id, rule_id, target_count, created_at
		FROM routing_decisions WHERE job_id = ? ORDER BY created_at DESC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("query routing decisions: %w", err)
	}
	defer rows.Close()

	var out []*RoutingDecision
	for rows.Next() {
		var d RoutingDecision
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.JobID, &d.RuleID, &d.TargetCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}
		d.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing decisions: %w", err)
	}
	return out, nil
}

func scanRules(rows *sql.Rows) ([]*RoutingRule, error) {
	var rules []*RoutingRule
	for rows.Next() {
		var (
			r          RoutingRule
			conditions string
			targets    string
			enabled    int
			createdAt  int64
			updatedAt  int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &conditions, &targets,
			&enabled, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal rule conditions: %w", err)
		}
		if err := json.Unmarshal([]byte(targets), &r.Targets); err != nil {
			return nil, fmt.Errorf("unmarshal rule targets: %w", err)
		}
		r.Enabled = enabled != 0
		r.CreatedAt = time.UnixMilli(createdAt)
		r.UpdatedAt = time.UnixMilli(updatedAt)
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
