package classify

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// InstructionStore reads standing routing directives from the
// routing_instructions table. Directives are free text an operator writes
// ("billing questions go to finance"); they are handed to the classifier as
// context, priority order preserved.
type InstructionStore struct {
	db *sql.DB
}

// NewInstructionStore wraps an open Postgres handle.
func NewInstructionStore(db *sql.DB) *InstructionStore {
	return &InstructionStore{db: db}
}

// LoadActive returns active directives in injection order (priority ASC,
// created_at ASC for a stable tie-break).
func (s *InstructionStore) LoadActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT directive
		FROM routing_instructions
		WHERE active
		ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load routing instructions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan routing instruction: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Add inserts a directive. Lower priority injects earlier.
func (s *InstructionStore) Add(ctx context.Context, directive string, priority int) error {
	if directive == "" {
		return fmt.Errorf("directive must not be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_instructions (directive, priority, active, created_at)
		VALUES ($1, $2, true, now())`,
		directive, priority,
	)
	if err != nil {
		return fmt.Errorf("add routing instruction: %w", err)
	}
	return nil
}

// Deactivate retires a directive without losing its history.
func (s *InstructionStore) Deactivate(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE routing_instructions SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate routing instruction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("routing instruction %d not found", id)
	}
	return nil
}

// Instructions caches the active directive list in process so the dispatch
// hot path never waits on Postgres. A failed refresh keeps the previous
// snapshot.
type Instructions struct {
	store   *InstructionStore
	refresh time.Duration
	logger  *log.Logger

	mu   sync.RWMutex
	list []string
}

// NewInstructions creates a directive cache refreshing every interval
// (default 60s).
func NewInstructions(store *InstructionStore, interval time.Duration) *Instructions {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Instructions{
		store:   store,
		refresh: interval,
		logger:  log.New(log.Writer(), "[CLASSIFY] ", log.LstdFlags),
	}
}

// Directives returns the current snapshot. Callers must not mutate it.
func (i *Instructions) Directives(ctx context.Context) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.list
}

// Refresh reloads the snapshot from the store.
func (i *Instructions) Refresh(ctx context.Context) error {
	list, err := i.store.LoadActive(ctx)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.list = list
	i.mu.Unlock()
	return nil
}

// Run refreshes periodically until ctx is cancelled.
func (i *Instructions) Run(ctx context.Context) {
	ticker := time.NewTicker(i.refresh)
	defer ticker.Stop()

	for {
		if err := i.Refresh(ctx); err != nil && ctx.Err() == nil {
			i.logger.Printf("instruction refresh failed, keeping snapshot: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
