// Package connector hosts the external-source adapters. Connectors
// translate provider events into ingest.v1 envelopes and hand them to the
// ingest entry point; the only state they own is their source cursor and a
// liveness heartbeat. Routing never leaks into a connector.
package connector

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// Submitter delivers a translated envelope to the switchboard.
type Submitter interface {
	Submit(ctx context.Context, env *contract.Envelope) (*contract.AcceptResponse, error)
}

// Connector is one running source adapter.
type Connector interface {
	Name() string
	Run(ctx context.Context) error
}

// ============================================================================
// SUBMITTERS
// ============================================================================

// HTTPSubmitter posts envelopes to a remote /v1/ingest endpoint. Used when
// connectors run out of process.
type HTTPSubmitter struct {
	endpoint string
	httpc    *http.Client
}

// NewHTTPSubmitter creates a submitter for baseURL (no trailing slash).
func NewHTTPSubmitter(baseURL string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSubmitter{
		endpoint: baseURL + "/v1/ingest",
		httpc:    &http.Client{Timeout: timeout},
	}
}

// Submit posts the envelope and decodes the canonical accept response.
func (s *HTTPSubmitter) Submit(ctx context.Context, env *contract.Envelope) (*contract.AcceptResponse, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, contract.Categorized(contract.Categorize(err), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		var ar contract.AcceptResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return nil, fmt.Errorf("decode accept response: %w", err)
		}
		return &ar, nil
	case http.StatusBadRequest:
		return nil, contract.Categorized(contract.ErrValidation, fmt.Errorf("ingest rejected envelope: %d", resp.StatusCode))
	case http.StatusTooManyRequests:
		return nil, contract.Categorized(contract.ErrOverload, fmt.Errorf("ingest overloaded"))
	default:
		return nil, contract.Categorized(contract.ErrDownstreamFailure, fmt.Errorf("ingest returned %d", resp.StatusCode))
	}
}

// ============================================================================
// CURSOR + HEARTBEAT
// ============================================================================

// Cursor persists a connector's source position so a restart resumes where
// the previous run stopped.
type Cursor interface {
	Load(ctx context.Context, connector string) (string, error)
	Store(ctx context.Context, connector, position string) error
}

// RedisCursor keeps cursors and heartbeats in Redis.
type RedisCursor struct {
	rdb *redis.Client
}

// NewRedisCursor wraps a Redis client.
func NewRedisCursor(rdb *redis.Client) *RedisCursor {
	return &RedisCursor{rdb: rdb}
}

// Load returns the stored position, empty when the connector is new.
func (c *RedisCursor) Load(ctx context.Context, connector string) (string, error) {
	val, err := c.rdb.Get(ctx, "swb:cursor:"+connector).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Store persists the position. Cursors do not expire.
func (c *RedisCursor) Store(ctx context.Context, connector, position string) error {
	return c.rdb.Set(ctx, "swb:cursor:"+connector, position, 0).Err()
}

// Heartbeat marks the connector alive for ttl.
func (c *RedisCursor) Heartbeat(ctx context.Context, connector string, ttl time.Duration) error {
	return c.rdb.Set(ctx, "swb:connector:alive:"+connector,
		time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// MemoryCursor is the in-process fallback when Redis is not configured.
type MemoryCursor struct {
	positions map[string]string
}

// NewMemoryCursor creates an empty cursor store.
func NewMemoryCursor() *MemoryCursor {
	return &MemoryCursor{positions: make(map[string]string)}
}

func (c *MemoryCursor) Load(_ context.Context, connector string) (string, error) {
	return c.positions[connector], nil
}

func (c *MemoryCursor) Store(_ context.Context, connector, position string) error {
	c.positions[connector] = position
	return nil
}

// ============================================================================
// ROLLUPS
// ============================================================================

// Rollup accumulates per-connector acceptance counters in Postgres. One row
// per connector, incremented as batches land.
type Rollup struct {
	db *sql.DB
}

// NewRollup wraps an open Postgres handle.
func NewRollup(db *sql.DB) *Rollup {
	return &Rollup{db: db}
}

// Bump adds a batch's counts to the connector's rollup row.
func (r *Rollup) Bump(ctx context.Context, connector string, accepted, duplicate, rejected int) error {
	if accepted == 0 && duplicate == 0 && rejected == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connector_rollup (connector, accepted, duplicate, rejected, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (connector) DO UPDATE SET
			accepted = connector_rollup.accepted + EXCLUDED.accepted,
			duplicate = connector_rollup.duplicate + EXCLUDED.duplicate,
			rejected = connector_rollup.rejected + EXCLUDED.rejected,
			updated_at = now()`,
		connector, accepted, duplicate, rejected,
	)
	if err != nil {
		return fmt.Errorf("bump rollup for %s: %w", connector, err)
	}
	return nil
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager supervises connectors: each runs until ctx is cancelled and is
// restarted with backoff after an error. One misbehaving source never takes
// the process down.
type Manager struct {
	connectors []Connector
	logger     *log.Logger
}

// NewManager creates a supervisor over a set of connectors.
func NewManager(connectors ...Connector) *Manager {
	return &Manager{
		connectors: connectors,
		logger:     log.New(log.Writer(), "[CONNECTOR] ", log.LstdFlags),
	}
}

// Run starts every connector and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	done := make(chan struct{})
	for _, c := range m.connectors {
		go func(c Connector) {
			defer func() { done <- struct{}{} }()
			backoff := time.Second
			for {
				err := c.Run(ctx)
				if ctx.Err() != nil {
					return
				}
				m.logger.Printf("connector %s stopped: %v (restarting in %s)", c.Name(), err, backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
			}
		}(c)
	}
	for range m.connectors {
		<-done
	}
}
