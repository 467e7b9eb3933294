package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// ErrStaleTransition is returned when a conditional lifecycle UPDATE matched
// no row, meaning another writer moved the record first.
var ErrStaleTransition = errors.New("lifecycle transition lost: state changed concurrently")

// ErrNotFound is returned when a request id has no inbox row.
var ErrNotFound = errors.New("inbox record not found")

// Store persists inbox records in the partitioned message_inbox table.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore wraps an open Postgres handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[INBOX] ", log.LstdFlags),
	}
}

// Append inserts the immutable core of a new inbound record. If the dedupe
// key already exists in the current partition window the prior request_id is
// returned with duplicate=true — the same envelope always maps to the same
// row.
func (s *Store) Append(ctx context.Context, env *contract.Envelope, dedupeKey string) (requestID string, duplicate bool, err error) {
	requestID = uuid.NewString()
	envJSON, err := json.Marshal(env)
	if err != nil {
		return "", false, fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_inbox
			(request_id, received_at, envelope, dedupe_key, schema_version, direction, lifecycle_state)
		VALUES ($1, now(), $2, $3, $4, 'inbound', 'accepted')`,
		requestID, envJSON, dedupeKey, env.SchemaVersion,
	)
	if err == nil {
		return requestID, false, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		prior, lookupErr := s.FindByDedupeKey(ctx, dedupeKey)
		if lookupErr != nil {
			return "", false, fmt.Errorf("dedupe conflict but prior row not found: %w", lookupErr)
		}
		return prior, true, nil
	}
	return "", false, fmt.Errorf("append inbox record: %w", err)
}

// AppendOutbound logs a notify.v1 message into the same table with
// direction "outbound". Outbound rows skip dedup and lifecycle processing.
func (s *Store) AppendOutbound(ctx context.Context, notify *contract.NotifyRequest) (string, error) {
	requestID := uuid.NewString()
	payload, err := json.Marshal(notify)
	if err != nil {
		return "", fmt.Errorf("marshal notify payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_inbox
			(request_id, received_at, envelope, schema_version, direction, lifecycle_state)
		VALUES ($1, now(), $2, $3, 'outbound', 'completed')`,
		requestID, payload, contract.SchemaNotifyV1,
	)
	if err != nil {
		return "", fmt.Errorf("append outbound record: %w", err)
	}
	return requestID, nil
}

// FindByDedupeKey returns the most recent request id carrying a dedupe key.
// The ingest fast path uses it to answer duplicates flagged by the window.
func (s *Store) FindByDedupeKey(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id FROM message_inbox
		WHERE dedupe_key = $1
		ORDER BY received_at DESC
		LIMIT 1`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

// Get loads a full record by request id.
func (s *Store) Get(ctx context.Context, requestID string) (*Record, error) {
	var (
		rec       Record
		envJSON   []byte
		dedupeKey sql.NullString
		triage    sql.NullString
		classRaw  []byte
		outcomes  []byte
		procMeta  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, received_at, envelope, dedupe_key, schema_version, direction,
		       lifecycle_state, triage_outcome, classification, dispatch_outcomes, processing_metadata
		FROM message_inbox WHERE request_id = $1`, requestID).Scan(
		&rec.RequestID, &rec.ReceivedAt, &envJSON, &dedupeKey, &rec.SchemaVersion,
		&rec.Direction, &rec.LifecycleState, &triage, &classRaw, &outcomes, &procMeta,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load inbox record: %w", err)
	}

	rec.DedupeKey = dedupeKey.String
	rec.TriageOutcome = triage.String
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &rec.Envelope); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
	}
	if len(classRaw) > 0 {
		rec.Classification = json.RawMessage(classRaw)
	}
	if len(outcomes) > 0 {
		if err := json.Unmarshal(outcomes, &rec.DispatchOutcomes); err != nil {
			return nil, fmt.Errorf("decode dispatch outcomes: %w", err)
		}
	}
	if len(procMeta) > 0 {
		_ = json.Unmarshal(procMeta, &rec.ProcessingMeta)
	}
	return &rec, nil
}

// Transition moves the record from one lifecycle state to another with a
// conditional UPDATE on (request_id, lifecycle_state) so concurrent writers
// cannot lose transitions. Illegal moves are rejected before touching the DB.
func (s *Store) Transition(ctx context.Context, requestID, from, to string) error {
	if !TransitionAllowed(from, to) {
		return fmt.Errorf("illegal lifecycle transition %s -> %s", from, to)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE message_inbox
		SET lifecycle_state = $1, updated_at = now()
		WHERE request_id = $2 AND lifecycle_state = $3`,
		to, requestID, from,
	)
	if err != nil {
		return fmt.Errorf("lifecycle transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetTriageOutcome records the triage decision alongside the triaged state.
func (s *Store) SetTriageOutcome(ctx context.Context, requestID, from, outcome string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_inbox
		SET lifecycle_state = 'triaged', triage_outcome = $1, updated_at = now()
		WHERE request_id = $2 AND lifecycle_state = $3`,
		outcome, requestID, from,
	)
	if err != nil {
		return fmt.Errorf("set triage outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetClassification stores the classifier's structured decision.
func (s *Store) SetClassification(ctx context.Context, requestID string, decision json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE message_inbox
		SET classification = $1, updated_at = now()
		WHERE request_id = $2`,
		[]byte(decision), requestID,
	)
	if err != nil {
		return fmt.Errorf("set classification: %w", err)
	}
	return nil
}

// RecordDispatchOutcomes appends per-target outcomes and moves the record to
// its final dispatch state (completed or failed).
func (s *Store) RecordDispatchOutcomes(ctx context.Context, requestID, toState string, outcomes []DispatchOutcome) error {
	if toState != StateCompleted && toState != StateFailed {
		return fmt.Errorf("dispatch outcome state must be completed or failed, got %q", toState)
	}
	blob, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("marshal dispatch outcomes: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE message_inbox
		SET lifecycle_state = $1,
		    dispatch_outcomes = COALESCE(dispatch_outcomes, '[]'::jsonb) || $2::jsonb,
		    updated_at = now()
		WHERE request_id = $3 AND lifecycle_state IN ('dispatching', 'failed')`,
		toState, blob, requestID,
	)
	if err != nil {
		return fmt.Errorf("record dispatch outcomes: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// RecordCancellation closes out an operator-cancelled request: the record
// lands in failed and the note is kept in processing_metadata, so a
// cancellation is never mistaken for a successful completion.
func (s *Store) RecordCancellation(ctx context.Context, requestID, note string) error {
	meta, err := json.Marshal(map[string]string{"cancellation": note})
	if err != nil {
		return fmt.Errorf("marshal cancellation note: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_inbox
		SET lifecycle_state = 'failed',
		    processing_metadata = COALESCE(processing_metadata, '{}'::jsonb) || $1::jsonb,
		    updated_at = now()
		WHERE request_id = $2 AND lifecycle_state NOT IN ('completed', 'dead_lettered')`,
		meta, requestID,
	)
	if err != nil {
		return fmt.Errorf("record cancellation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// ForceComplete is the operator escape hatch: it moves any non-terminal
// record straight to completed.
func (s *Store) ForceComplete(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message_inbox
		SET lifecycle_state = 'completed', updated_at = now()
		WHERE request_id = $1 AND lifecycle_state NOT IN ('completed', 'dead_lettered')`,
		requestID,
	)
	if err != nil {
		return fmt.Errorf("force complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// RecentByThread returns the latest inbound request ids for a thread key,
// newest first, using the thread-affinity index.
func (s *Store) RecentByThread(ctx context.Context, channel, threadID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id FROM message_inbox
		WHERE direction = 'inbound'
		  AND envelope->'source'->>'channel' = $1
		  AND envelope->'event'->>'external_thread_id' = $2
		ORDER BY received_at DESC
		LIMIT $3`, channel, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent by thread: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
