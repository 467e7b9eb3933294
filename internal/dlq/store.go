// Package dlq holds requests that exhausted their retries. Every entry keeps
// the full envelope so a replay can re-enter the front door as a fresh
// request, every entry replays at most once, and an entry marked ineligible
// never replays at all.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// Replay errors.
var (
	ErrNotFound         = errors.New("dead letter entry not found")
	ErrAlreadyReplayed  = errors.New("dead letter entry already_replayed")
	ErrReplayIneligible = errors.New("dead letter entry is not replay eligible")
)

// Replay outcomes recorded on the entry.
const (
	ReplaySucceeded = "success"
	ReplayFailed    = "failed"
	ReplayRejected  = "rejected"
)

// Entry is one dead-lettered request. Everything except the replay fields
// is immutable once buried.
type Entry struct {
	RequestID      string
	SourceTable    string
	Envelope       contract.Envelope
	ErrorCategory  string
	FailureDetail  string
	RetryCount     int
	ReplayEligible bool
	DeadLetteredAt time.Time

	// Replay lineage. A non-empty ReplayedRequestID means the entry has
	// been consumed; the store refuses a second replay. ReplayOutcome
	// records how the last replay attempt ended.
	ReplayedRequestID string
	ReplayOutcome     string
	ReplayedAt        time.Time
}

// Store persists the dead_letter_queue table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open Postgres handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Bury moves a terminally failed request into the DLQ. retryCount is how
// many dispatch rounds the request burned before giving up. Entries start
// replay-eligible; operators quarantine poison entries by clearing the flag.
func (s *Store) Bury(ctx context.Context, requestID string, env *contract.Envelope, category contract.ErrorCategory, detail string, retryCount int) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for dlq: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue
			(request_id, source_table, envelope, error_category, failure_detail, retry_count, replay_eligible, dead_lettered_at)
		VALUES ($1, 'message_inbox', $2, $3, $4, $5, true, now())`,
		requestID, raw, string(category), detail, retryCount,
	)
	if err != nil {
		return fmt.Errorf("bury request %s: %w", requestID, err)
	}
	return nil
}

const entryColumns = `request_id, source_table, envelope, error_category, failure_detail,
	       retry_count, replay_eligible, dead_lettered_at,
	       COALESCE(replayed_request_id, ''), COALESCE(replay_outcome, ''), COALESCE(replayed_at, 'epoch'::timestamptz)`

// Get loads one entry by its original request id.
func (s *Store) Get(ctx context.Context, requestID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM dead_letter_queue WHERE request_id = $1`, requestID)
	return scanEntry(row)
}

// List returns the most recent entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM dead_letter_queue ORDER BY dead_lettered_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e   Entry
		raw []byte
	)
	err := row.Scan(&e.RequestID, &e.SourceTable, &raw, &e.ErrorCategory, &e.FailureDetail,
		&e.RetryCount, &e.ReplayEligible, &e.DeadLetteredAt,
		&e.ReplayedRequestID, &e.ReplayOutcome, &e.ReplayedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	if err := json.Unmarshal(raw, &e.Envelope); err != nil {
		return nil, fmt.Errorf("decode buried envelope: %w", err)
	}
	return &e, nil
}

// markReplayed consumes the entry. The WHERE clause is the replay-once
// guard: two concurrent replays race on it and exactly one wins.
func (s *Store) markReplayed(ctx context.Context, requestID, newRequestID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET replayed_request_id = $2, replay_outcome = 'success', replayed_at = now()
		WHERE request_id = $1 AND replayed_request_id IS NULL`,
		requestID, newRequestID,
	)
	if err != nil {
		return fmt.Errorf("mark replayed %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyReplayed
	}
	return nil
}

// recordReplayOutcome notes a failed or rejected replay attempt without
// consuming the entry, so a later attempt can still go through.
func (s *Store) recordReplayOutcome(ctx context.Context, requestID, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue
		SET replay_outcome = $2
		WHERE request_id = $1 AND replayed_request_id IS NULL`,
		requestID, outcome,
	)
	if err != nil {
		return fmt.Errorf("record replay outcome %s: %w", requestID, err)
	}
	return nil
}
