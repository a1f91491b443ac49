package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/imgrelay/imgrelay/domain/usage"
	"github.com/imgrelay/imgrelay/ports"
)

// BillingSink implements ports.BillingSink using SQLite. One AddUsage call
// increments the site's running totals and upserts the hourly rollup row in
// a single transaction, so partial writes are never visible.
type BillingSink struct {
	db *DB
}

// NewBillingSink creates a new SQLite billing sink.
func NewBillingSink(db *DB) *BillingSink {
	return &BillingSink{db: db}
}

// AddUsage atomically adds the hit/miss deltas to the site's totals and the
// (site, hour bucket) rollup row.
func (s *BillingSink) AddUsage(ctx context.Context, siteID string, hits, misses int64, now time.Time) error {
	requests := hits + misses
	bucket := usage.HourBucket(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage write: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO site_usage_totals (site_id, total_requests, total_cache_hits, total_cache_misses, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			total_requests = total_requests + excluded.total_requests,
			total_cache_hits = total_cache_hits + excluded.total_cache_hits,
			total_cache_misses = total_cache_misses + excluded.total_cache_misses,
			updated_at = excluded.updated_at
	`, siteID, requests, hits, misses, now.UTC())
	if err != nil {
		return fmt.Errorf("update totals: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO site_usage_hourly (site_id, hour_bucket, requests, cache_hits, cache_misses)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site_id, hour_bucket) DO UPDATE SET
			requests = requests + excluded.requests,
			cache_hits = cache_hits + excluded.cache_hits,
			cache_misses = cache_misses + excluded.cache_misses
	`, siteID, bucket, requests, hits, misses)
	if err != nil {
		return fmt.Errorf("update hourly rollup: %w", err)
	}

	return tx.Commit()
}

// SiteTotals is a read model over the billing totals, used by /stats.
type SiteTotals struct {
	SiteID      string
	Requests    int64
	CacheHits   int64
	CacheMisses int64
}

// Totals returns the running totals for all sites.
func (s *BillingSink) Totals(ctx context.Context) ([]SiteTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id, total_requests, total_cache_hits, total_cache_misses
		FROM site_usage_totals ORDER BY site_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SiteTotals
	for rows.Next() {
		var t SiteTotals
		if err := rows.Scan(&t.SiteID, &t.Requests, &t.CacheHits, &t.CacheMisses); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ensure interface compliance.
var _ ports.BillingSink = (*BillingSink)(nil)
