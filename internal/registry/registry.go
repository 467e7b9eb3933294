// Package registry tracks the butler roster: who exists, where to reach
// them, and what they are capable of. Targets absent from the registry are
// a routing error; nothing is created implicitly.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
)

// Transports a butler endpoint can speak.
const (
	TransportHTTP = "http"
	TransportSSE  = "sse"
)

// ErrUnknownButler is returned when a dispatch names an unregistered target.
var ErrUnknownButler = errors.New("unknown butler target")

// Entry is one butler in the roster.
type Entry struct {
	Name         string          `yaml:"name"`
	EndpointURL  string          `yaml:"endpoint_url"`
	Transport    string          `yaml:"transport"`
	Description  string          `yaml:"description"`
	Modules      []string        `yaml:"modules"`
	Capabilities map[string]bool `yaml:"capabilities"`
	LastSeenAt   time.Time       `yaml:"-"`
}

// Can reports whether the butler advertises a capability flag.
func (e *Entry) Can(capability string) bool {
	return e.Capabilities[capability]
}

// Store persists the roster in the butler_registry table.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open Postgres handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert registers or refreshes a butler by name.
func (s *Store) Upsert(ctx context.Context, e *Entry) error {
	if e.Name == "" || e.EndpointURL == "" {
		return fmt.Errorf("registry entry needs name and endpoint_url")
	}
	if e.Transport == "" {
		e.Transport = TransportHTTP
	}

	caps := make(map[string]bool, len(e.Capabilities))
	for k, v := range e.Capabilities {
		caps[k] = v
	}
	capList := make([]string, 0, len(caps))
	for k, v := range caps {
		if v {
			capList = append(capList, k)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO butler_registry (name, endpoint_url, transport, description, modules, capabilities, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (name) DO UPDATE SET
			endpoint_url = EXCLUDED.endpoint_url,
			transport = EXCLUDED.transport,
			description = EXCLUDED.description,
			modules = EXCLUDED.modules,
			capabilities = EXCLUDED.capabilities`,
		e.Name, e.EndpointURL, e.Transport, e.Description,
		pq.Array(e.Modules), pq.Array(capList),
	)
	if err != nil {
		return fmt.Errorf("upsert butler %s: %w", e.Name, err)
	}
	return nil
}

// Heartbeat bumps last_seen_at after a successful dispatch.
func (s *Store) Heartbeat(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE butler_registry SET last_seen_at = now() WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", name, err)
	}
	return nil
}

// LoadAll returns the full roster.
func (s *Store) LoadAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, endpoint_url, transport, description, modules, capabilities, last_seen_at
		FROM butler_registry ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("load butler registry: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			modules  pq.StringArray
			caps     pq.StringArray
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&e.Name, &e.EndpointURL, &e.Transport, &e.Description, &modules, &caps, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan butler entry: %w", err)
		}
		e.Modules = modules
		e.Capabilities = make(map[string]bool, len(caps))
		for _, c := range caps {
			e.Capabilities[c] = true
		}
		e.LastSeenAt = lastSeen.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ============================================================================
// COPY-ON-WRITE CACHE
// ============================================================================

// Cache is the read path for routing: an atomically swapped snapshot of the
// roster. Lookups never block refreshes.
type Cache struct {
	snapshot atomic.Value // map[string]Entry
}

// NewCache starts with an empty snapshot.
func NewCache() *Cache {
	c := &Cache{}
	c.snapshot.Store(map[string]Entry{})
	return c
}

// Replace swaps in a new roster snapshot.
func (c *Cache) Replace(entries []Entry) {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	c.snapshot.Store(m)
}

// Lookup resolves a butler by name.
func (c *Cache) Lookup(name string) (Entry, error) {
	m := c.snapshot.Load().(map[string]Entry)
	e, ok := m[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownButler, name)
	}
	return e, nil
}

// Names lists the registered butlers.
func (c *Cache) Names() []string {
	m := c.snapshot.Load().(map[string]Entry)
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}
