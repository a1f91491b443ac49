package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/imgrelay/imgrelay/domain/usage"
	"github.com/imgrelay/imgrelay/ports"
)

// CounterStore implements ports.CounterStore using SQLite.
type CounterStore struct {
	db *DB
}

// NewCounterStore creates a new SQLite counter store.
func NewCounterStore(db *DB) *CounterStore {
	return &CounterStore{db: db}
}

// Get retrieves the counters for a site.
func (s *CounterStore) Get(ctx context.Context, siteID string) (usage.Counters, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT site_id, domain, requests, cache_hits, cache_misses, flush_failures, updated_at
		FROM site_counters WHERE site_id = ?
	`, siteID)

	var c usage.Counters
	err := row.Scan(&c.SiteID, &c.Domain, &c.Requests, &c.CacheHits, &c.CacheMisses,
		&c.ConsecutiveFlushFailures, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return usage.Counters{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.Counters{}, err
	}
	return c, nil
}

// Put stores the counters for a site, replacing any previous row.
func (s *CounterStore) Put(ctx context.Context, c usage.Counters) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_counters (site_id, domain, requests, cache_hits, cache_misses, flush_failures, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			domain = excluded.domain,
			requests = excluded.requests,
			cache_hits = excluded.cache_hits,
			cache_misses = excluded.cache_misses,
			flush_failures = excluded.flush_failures,
			updated_at = excluded.updated_at
	`, c.SiteID, c.Domain, c.Requests, c.CacheHits, c.CacheMisses,
		c.ConsecutiveFlushFailures, updated.UTC())
	return err
}

// GetSchedule returns the persisted next flush time for a site.
func (s *CounterStore) GetSchedule(ctx context.Context, siteID string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT next_flush_at FROM flush_schedules WHERE site_id = ?`, siteID)

	var next time.Time
	err := row.Scan(&next)
	if err == sql.ErrNoRows {
		return time.Time{}, ports.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// SetSchedule persists the next flush time for a site.
func (s *CounterStore) SetSchedule(ctx context.Context, siteID string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flush_schedules (site_id, next_flush_at) VALUES (?, ?)
		ON CONFLICT(site_id) DO UPDATE SET next_flush_at = excluded.next_flush_at
	`, siteID, next.UTC())
	return err
}

// ClearSchedule removes the persisted flush time for a site.
func (s *CounterStore) ClearSchedule(ctx context.Context, siteID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM flush_schedules WHERE site_id = ?`, siteID)
	return err
}

// OverdueSchedules lists sites whose persisted flush time is at or before now.
func (s *CounterStore) OverdueSchedules(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id FROM flush_schedules
		WHERE datetime(next_flush_at) <= datetime(?)
		ORDER BY next_flush_at
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)
