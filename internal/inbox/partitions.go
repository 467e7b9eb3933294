package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// PartitionManager keeps monthly range partitions of message_inbox rolling:
// the current and next month always exist, and partitions older than the
// retention window are dropped.
type PartitionManager struct {
	db        *sql.DB
	retention int // months, >= 1
	logger    *log.Logger

	now func() time.Time // test hook
}

// NewPartitionManager creates a manager with the given retention in months.
// Retention below 1 month is clamped.
func NewPartitionManager(db *sql.DB, retentionMonths int) *PartitionManager {
	if retentionMonths < 1 {
		retentionMonths = 3
	}
	return &PartitionManager{
		db:        db,
		retention: retentionMonths,
		logger:    log.New(log.Writer(), "[PARTITION] ", log.LstdFlags),
		now:       time.Now,
	}
}

// PartitionName returns the partition table name for the month containing t.
func PartitionName(t time.Time) string {
	return fmt.Sprintf("message_inbox_y%04dm%02d", t.Year(), int(t.Month()))
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EnsureCurrent creates the partitions for the current and next month if
// they do not exist. Safe to call repeatedly.
func (pm *PartitionManager) EnsureCurrent(ctx context.Context) error {
	now := pm.now().UTC()
	for _, start := range []time.Time{monthStart(now), monthStart(now).AddDate(0, 1, 0)} {
		if err := pm.createPartition(ctx, start); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PartitionManager) createPartition(ctx context.Context, start time.Time) error {
	end := start.AddDate(0, 1, 0)
	name := PartitionName(start)

	_, err := pm.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF message_inbox
		 FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format("2006-01-02"), end.Format("2006-01-02"),
	))
	if err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	return nil
}

// PruneExpired drops partitions whose entire range is past retention.
func (pm *PartitionManager) PruneExpired(ctx context.Context) error {
	cutoff := monthStart(pm.now().UTC()).AddDate(0, -pm.retention, 0)

	rows, err := pm.db.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'message_inbox'`)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		var y int
		var m int
		if _, err := fmt.Sscanf(name, "message_inbox_y%04dm%02d", &y, &m); err != nil {
			continue // not one of ours
		}
		end := time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		if !end.After(cutoff) {
			if _, err := pm.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
				return fmt.Errorf("drop partition %s: %w", name, err)
			}
			pm.logger.Printf("dropped expired partition %s (retention %dmo)", name, pm.retention)
		}
	}
	return nil
}

// Run maintains partitions until ctx is cancelled, checking daily.
func (pm *PartitionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if err := pm.EnsureCurrent(ctx); err != nil {
			pm.logger.Printf("ensure partitions: %v", err)
		}
		if err := pm.PruneExpired(ctx); err != nil {
			pm.logger.Printf("prune partitions: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
