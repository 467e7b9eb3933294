// Package audit records operator interventions. The log is append-only:
// rows are never updated or deleted, and the schema enforces that with a
// trigger. Every entry names who acted and why.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operator actions.
const (
	ActionManualReroute    = "manual_reroute"
	ActionCancel           = "cancel"
	ActionAbort            = "abort"
	ActionControlledReplay = "controlled_replay"
	ActionControlledRetry  = "controlled_retry"
	ActionForceComplete    = "force_complete"
)

// Outcomes of an intervention. Partial covers interventions that landed on
// some but not all of a fanout's subroutes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomePartial  = "partial"
)

// Entry is one audit row.
type Entry struct {
	ID               string    `json:"id"`
	OperatorIdentity string    `json:"operator_identity"`
	Action           string    `json:"action"`
	RequestID        string    `json:"request_id"`
	Reason           string    `json:"reason"`
	Outcome          string    `json:"outcome"`
	Detail           string    `json:"detail,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate enforces the non-negotiables: an intervention without an
// operator or a reason is not recordable, and that failure blocks the
// intervention itself.
func (e *Entry) Validate() error {
	if e.OperatorIdentity == "" {
		return fmt.Errorf("audit entry requires operator_identity")
	}
	if e.Reason == "" {
		return fmt.Errorf("audit entry requires a non-empty reason")
	}
	switch e.Action {
	case ActionManualReroute, ActionCancel, ActionAbort,
		ActionControlledReplay, ActionControlledRetry, ActionForceComplete:
	default:
		return fmt.Errorf("unknown audit action %q", e.Action)
	}
	switch e.Outcome {
	case OutcomeSuccess, OutcomeFailed, OutcomeRejected, OutcomePartial:
	default:
		return fmt.Errorf("unknown audit outcome %q", e.Outcome)
	}
	return nil
}

// Store appends to operator_audit_log.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open Postgres handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes one entry and returns its id.
func (s *Store) Append(ctx context.Context, e *Entry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operator_audit_log (id, operator_identity, action, request_id, reason, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		id, e.OperatorIdentity, e.Action, e.RequestID, e.Reason, e.Outcome, e.Detail,
	)
	if err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}
	return id, nil
}

// ForRequest returns the interventions on one request, oldest first.
func (s *Store) ForRequest(ctx context.Context, requestID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operator_identity, action, request_id, reason, outcome, detail, created_at
		FROM operator_audit_log WHERE request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("load audit for %s: %w", requestID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OperatorIdentity, &e.Action, &e.RequestID,
			&e.Reason, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
