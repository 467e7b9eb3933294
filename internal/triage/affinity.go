package triage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Affinity maps (channel, external_thread_id) to the butler that last
// handled the thread. A live mapping pins conversational continuity: the
// evaluator bypasses the classifier and routes straight to the last target.
type Affinity interface {
	Lookup(ctx context.Context, threadKey string) (butler string, ok bool, err error)
	Pin(ctx context.Context, threadKey, butler string) error
}

// ============================================================================
// REDIS AFFINITY
// ============================================================================

// RedisAffinity stores thread pins in Redis with a TTL.
type RedisAffinity struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAffinity creates a Redis-backed affinity map. ttl defaults to 1h.
func NewRedisAffinity(rdb *redis.Client, ttl time.Duration) *RedisAffinity {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisAffinity{rdb: rdb, ttl: ttl}
}

func (a *RedisAffinity) key(threadKey string) string { return "swb:affinity:" + threadKey }

// Lookup returns the pinned butler for a thread, if any.
func (a *RedisAffinity) Lookup(ctx context.Context, threadKey string) (string, bool, error) {
	val, err := a.rdb.Get(ctx, a.key(threadKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Pin records the last target for a thread and resets the TTL.
func (a *RedisAffinity) Pin(ctx context.Context, threadKey, butler string) error {
	return a.rdb.Set(ctx, a.key(threadKey), butler, a.ttl).Err()
}

// ============================================================================
// IN-MEMORY AFFINITY
// ============================================================================

// MemoryAffinity is the fallback when Redis is not configured.
type MemoryAffinity struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]affinityEntry
}

type affinityEntry struct {
	butler  string
	expires time.Time
}

// NewMemoryAffinity creates an in-process affinity map.
func NewMemoryAffinity(ttl time.Duration) *MemoryAffinity {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryAffinity{ttl: ttl, entries: make(map[string]affinityEntry)}
}

// Lookup returns a live pin for the thread key.
func (a *MemoryAffinity) Lookup(_ context.Context, threadKey string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.entries[threadKey]
	if !ok || time.Now().After(e.expires) {
		delete(a.entries, threadKey)
		return "", false, nil
	}
	return e.butler, true, nil
}

// Pin records the mapping with a fresh TTL.
func (a *MemoryAffinity) Pin(_ context.Context, threadKey, butler string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[threadKey] = affinityEntry{butler: butler, expires: time.Now().Add(a.ttl)}
	return nil
}
