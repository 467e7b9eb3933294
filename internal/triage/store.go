package triage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

// RuleSource loads the enabled rule set and a monotonically increasing
// version so the cache can skip reloads when nothing changed.
type RuleSource interface {
	Version(ctx context.Context) (int64, error)
	LoadEnabled(ctx context.Context) ([]Rule, error)
}

// Store reads triage rules from the triage_rules table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open Postgres handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Version returns the table's change counter. Any insert/update/delete on
// triage_rules bumps the counter via trigger, so comparing versions is
// enough to know whether a reload is needed.
func (s *Store) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT counter FROM triage_rules_version WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("triage rules version: %w", err)
	}
	return v, nil
}

// LoadEnabled returns all enabled rules in evaluation order
// (priority ASC, created_at ASC).
func (s *Store) LoadEnabled(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, priority, conditions, action, enabled, created_at, updated_at
		FROM triage_rules
		WHERE enabled
		ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load triage rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var (
			r        Rule
			condJSON []byte
			actJSON  []byte
		)
		if err := rows.Scan(&r.ID, &r.Priority, &condJSON, &actJSON, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan triage rule: %w", err)
		}
		if err := json.Unmarshal(condJSON, &r.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions for rule %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(actJSON, &r.Action); err != nil {
			return nil, fmt.Errorf("decode action for rule %s: %w", r.ID, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SortRules orders rules for evaluation: priority ASC with creation time as
// the stable tie-break. Exposed for sources that cannot order server-side.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}
