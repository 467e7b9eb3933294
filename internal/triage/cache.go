package triage

import (
	"context"
	"log"
	"sync"
	"time"
)

// Cache holds the active rule set in process and refreshes it when the
// source's change counter moves. Reads are lock-light copy-on-write: the
// rule slice is replaced wholesale, never mutated in place.
type Cache struct {
	source  RuleSource
	refresh time.Duration
	logger  *log.Logger

	mu      sync.RWMutex
	rules   []Rule
	version int64
}

// NewCache creates a rule cache refreshing every interval (default 30s).
func NewCache(source RuleSource, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Cache{
		source:  source,
		refresh: interval,
		logger:  log.New(log.Writer(), "[TRIAGE] ", log.LstdFlags),
	}
}

// Rules returns the current rule set. The returned slice must not be
// mutated by callers.
func (c *Cache) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules
}

// Refresh reloads rules if the source version changed. Returns whether a
// reload happened.
func (c *Cache) Refresh(ctx context.Context) (bool, error) {
	v, err := c.source.Version(ctx)
	if err != nil {
		return false, err
	}

	c.mu.RLock()
	current := c.version
	c.mu.RUnlock()
	if v == current && c.loaded() {
		return false, nil
	}

	rules, err := c.source.LoadEnabled(ctx)
	if err != nil {
		return false, err
	}
	SortRules(rules)

	c.mu.Lock()
	c.rules = rules
	c.version = v
	c.mu.Unlock()

	c.logger.Printf("rule cache refreshed: %d rules (version %d)", len(rules), v)
	return true, nil
}

func (c *Cache) loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules != nil
}

// Run refreshes the cache periodically until ctx is cancelled. A failed
// refresh keeps the previous rule set.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.logger.Printf("refresh failed, keeping cached rules: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
