package reliability

import (
	"sync"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// BucketConfig defines one tier's token bucket shape.
type BucketConfig struct {
	Capacity     float64
	RefillPerSec float64
}

// TokenBucket is a classic refill-on-read bucket. Admissions over any
// interval dt never exceed capacity + refill_rate * dt.
type TokenBucket struct {
	mu        sync.Mutex
	capacity  float64
	refill    float64
	tokens    float64
	updatedAt time.Time

	now func() time.Time // test hook
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(cfg BucketConfig) *TokenBucket {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = 1
	}
	return &TokenBucket{
		capacity:  cfg.Capacity,
		refill:    cfg.RefillPerSec,
		tokens:    cfg.Capacity,
		updatedAt: time.Now(),
		now:       time.Now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.updatedAt).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.refill
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.updatedAt = now
	}

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// Tokens returns the current token count after refill, for observability.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := tb.now().Sub(tb.updatedAt).Seconds()
	t := tb.tokens + elapsed*tb.refill
	if t > tb.capacity {
		t = tb.capacity
	}
	return t
}

// RateLimiter keeps one bucket per (target, policy_tier) pair.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	tiers   map[contract.PolicyTier]BucketConfig
}

// DefaultTierBuckets is the stock shape: realtime is generous, bulk tight.
func DefaultTierBuckets() map[contract.PolicyTier]BucketConfig {
	return map[contract.PolicyTier]BucketConfig{
		contract.TierRealtime: {Capacity: 50, RefillPerSec: 25},
		contract.TierDefault:  {Capacity: 20, RefillPerSec: 10},
		contract.TierBulk:     {Capacity: 5, RefillPerSec: 1},
	}
}

// NewRateLimiter creates a limiter with per-tier bucket shapes.
func NewRateLimiter(tiers map[contract.PolicyTier]BucketConfig) *RateLimiter {
	if tiers == nil {
		tiers = DefaultTierBuckets()
	}
	return &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		tiers:   tiers,
	}
}

// Allow admits a dispatch to target under the given tier.
func (rl *RateLimiter) Allow(target string, tier contract.PolicyTier) bool {
	key := target + "|" + string(tier)

	rl.mu.RLock()
	tb, ok := rl.buckets[key]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		if tb, ok = rl.buckets[key]; !ok {
			cfg, found := rl.tiers[tier]
			if !found {
				cfg = rl.tiers[contract.TierDefault]
			}
			tb = NewTokenBucket(cfg)
			rl.buckets[key] = tb
		}
		rl.mu.Unlock()
	}

	return tb.Allow()
}
