package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Discovery scans a roster directory for butler descriptors (one YAML file
// per butler) and registers each. It also drives periodic cache refreshes
// so routing sees registry changes without a restart.
type Discovery struct {
	store     *Store
	cache     *Cache
	rosterDir string
	interval  time.Duration
	logger    *log.Logger
}

// NewDiscovery wires discovery over a store and cache. interval is the
// cache refresh period (default 30s).
func NewDiscovery(store *Store, cache *Cache, rosterDir string, interval time.Duration) *Discovery {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Discovery{
		store:     store,
		cache:     cache,
		rosterDir: rosterDir,
		interval:  interval,
		logger:    log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

// DiscoverRoster reads every *.yaml descriptor in the roster directory and
// upserts it. A missing directory is not an error (empty roster).
func (d *Discovery) DiscoverRoster(ctx context.Context) error {
	if d.rosterDir == "" {
		return nil
	}
	files, err := os.ReadDir(d.rosterDir)
	if os.IsNotExist(err) {
		d.logger.Printf("roster dir %s does not exist, skipping discovery", d.rosterDir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read roster dir: %w", err)
	}

	registered := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".yaml") {
			continue
		}
		entry, err := loadDescriptor(filepath.Join(d.rosterDir, f.Name()))
		if err != nil {
			d.logger.Printf("skipping descriptor %s: %v", f.Name(), err)
			continue
		}
		if err := d.store.Upsert(ctx, entry); err != nil {
			return err
		}
		registered++
	}
	d.logger.Printf("roster discovery: %d butlers registered from %s", registered, d.rosterDir)
	return nil
}

func loadDescriptor(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := yaml.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if e.Name == "" {
		return nil, fmt.Errorf("descriptor missing name")
	}
	if e.EndpointURL == "" {
		return nil, fmt.Errorf("descriptor %s missing endpoint_url", e.Name)
	}
	return &e, nil
}

// RefreshCache reloads the cache snapshot from the store.
func (d *Discovery) RefreshCache(ctx context.Context) error {
	entries, err := d.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	d.cache.Replace(entries)
	return nil
}

// Run refreshes the cache periodically until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.RefreshCache(ctx); err != nil && ctx.Err() == nil {
			d.logger.Printf("cache refresh failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
