package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window answers "have we seen this dedupe key recently, and if so which
// request did it map to?". The authoritative uniqueness check is the partial
// unique index on the inbox table; the window only guards the rare
// cross-partition duplicate and gives the accept path a fast pre-insert
// lookup.
type Window interface {
	// Seen returns the request id previously recorded for key, if any.
	Seen(ctx context.Context, key string) (requestID string, ok bool, err error)
	// Record remembers key -> requestID for the window duration.
	Record(ctx context.Context, key, requestID string) error
}

// ============================================================================
// REDIS WINDOW
// ============================================================================

// RedisWindow stores key -> request_id mappings in Redis with a TTL.
type RedisWindow struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisWindow creates a Redis-backed dedup window. ttl is the deployment
// dedup window length (default 48h when zero).
func NewRedisWindow(rdb *redis.Client, ttl time.Duration) *RedisWindow {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisWindow{rdb: rdb, ttl: ttl}
}

func (w *RedisWindow) key(k string) string { return "swb:dedup:" + k }

// Seen looks up the key in Redis.
func (w *RedisWindow) Seen(ctx context.Context, key string) (string, bool, error) {
	val, err := w.rdb.Get(ctx, w.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Record writes the mapping with the window TTL. SetNX keeps the first
// request id stable if two accepts race.
func (w *RedisWindow) Record(ctx context.Context, key, requestID string) error {
	return w.rdb.SetNX(ctx, w.key(key), requestID, w.ttl).Err()
}

// ============================================================================
// IN-MEMORY WINDOW
// ============================================================================

// MemoryWindow is the fallback used when Redis is not configured. Entries
// expire lazily on lookup.
type MemoryWindow struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	requestID string
	expires   time.Time
}

// NewMemoryWindow creates an in-process dedup window.
func NewMemoryWindow(ttl time.Duration) *MemoryWindow {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &MemoryWindow{ttl: ttl, entries: make(map[string]memoryEntry)}
}

// Seen returns the recorded request id for key if the entry is still live.
func (w *MemoryWindow) Seen(_ context.Context, key string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(e.expires) {
		delete(w.entries, key)
		return "", false, nil
	}
	return e.requestID, true, nil
}

// Record remembers the mapping, keeping the first writer on races.
func (w *MemoryWindow) Record(_ context.Context, key, requestID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.entries[key]; ok && time.Now().Before(e.expires) {
		return nil
	}
	w.entries[key] = memoryEntry{requestID: requestID, expires: time.Now().Add(w.ttl)}
	return nil
}
