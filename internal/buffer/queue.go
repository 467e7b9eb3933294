// Package buffer is the tiered admission queue between ingest and dispatch.
// Higher policy tiers are served first, FIFO within a tier, with a
// starvation guard so bulk traffic always makes progress.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/butlerfleet/switchboard/internal/contract"
)

// ErrOverload is returned when the queue is at its hard limit and the
// envelope's tier is bulk. The caller surfaces a structured overload
// rejection; higher tiers are still admitted.
var ErrOverload = errors.New("buffer at hard limit, bulk ingress rejected")

// tierOrder lists tiers from highest to lowest scheduling priority.
var tierOrder = []contract.PolicyTier{contract.TierRealtime, contract.TierDefault, contract.TierBulk}

// Item is one scheduled request.
type Item struct {
	RequestID  string
	Tier       contract.PolicyTier
	ThreadKey  string
	ReceivedAt time.Time
	EnqueuedAt time.Time
}

// Config bounds the queue.
type Config struct {
	// MaxDepth: above this, ingress is still accepted but flagged deferred.
	MaxDepth int
	// HardLimit: above this, bulk ingress is rejected with ErrOverload.
	HardLimit int
	// StarvationAfter (S): after this many consecutive dequeues that
	// skipped a non-empty lower tier, the next slot goes to that tier.
	StarvationAfter int
}

// DefaultConfig returns the stock queue bounds.
func DefaultConfig() Config {
	return Config{MaxDepth: 10_000, HardLimit: 50_000, StarvationAfter: 100}
}

// Queue is an in-process tiered FIFO. All methods are safe for concurrent
// use; Dequeue blocks until an item or context cancellation.
type Queue struct {
	cfg Config

	mu     sync.Mutex
	queues map[contract.PolicyTier][]Item
	depth  int
	streak int // consecutive higher-tier dequeues past a waiting lower tier

	notify chan struct{}
}

// New creates an empty queue.
func New(cfg Config) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10_000
	}
	if cfg.HardLimit <= cfg.MaxDepth {
		cfg.HardLimit = cfg.MaxDepth * 5
	}
	if cfg.StarvationAfter <= 0 {
		cfg.StarvationAfter = 100
	}
	return &Queue{
		cfg:    cfg,
		queues: make(map[contract.PolicyTier][]Item),
		notify: make(chan struct{}, 1),
	}
}

// Enqueue admits an item. deferred reports that the queue is past MaxDepth
// and the request should be marked as deferred in its processing metadata.
func (q *Queue) Enqueue(item Item) (deferred bool, err error) {
	if !item.Tier.Valid() {
		item.Tier = contract.TierDefault
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.depth >= q.cfg.HardLimit && item.Tier == contract.TierBulk {
		q.mu.Unlock()
		return false, contract.Categorized(contract.ErrOverload, ErrOverload)
	}
	deferred = q.depth >= q.cfg.MaxDepth
	q.queues[item.Tier] = append(q.queues[item.Tier], item)
	q.depth++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return deferred, nil
}

// Dequeue blocks until an item is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		item, ok := q.popLocked()
		q.mu.Unlock()
		if ok {
			// Wake any other waiter in case more items remain.
			select {
			case q.notify <- struct{}{}:
			default:
			}
			return item, nil
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// popLocked picks the next item: highest non-empty tier, unless the
// starvation guard fires, in which case the highest non-empty tier below
// the preferred one gets the slot.
func (q *Queue) popLocked() (Item, bool) {
	preferred := -1
	for i, tier := range tierOrder {
		if len(q.queues[tier]) > 0 {
			preferred = i
			break
		}
	}
	if preferred == -1 {
		return Item{}, false
	}

	lower := -1
	for i := preferred + 1; i < len(tierOrder); i++ {
		if len(q.queues[tierOrder[i]]) > 0 {
			lower = i
			break
		}
	}

	pick := preferred
	if lower != -1 && q.streak >= q.cfg.StarvationAfter {
		pick = lower
		q.streak = 0
	} else if lower != -1 {
		q.streak++
	} else {
		q.streak = 0
	}

	tier := tierOrder[pick]
	item := q.queues[tier][0]
	q.queues[tier] = q.queues[tier][1:]
	q.depth--
	return item, true
}

// Depth returns the total number of queued items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// TierDepths returns per-tier depths for the queue gauges.
func (q *Queue) TierDepths() map[contract.PolicyTier]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	depths := make(map[contract.PolicyTier]int, len(tierOrder))
	for _, tier := range tierOrder {
		depths[tier] = len(q.queues[tier])
	}
	return depths
}
