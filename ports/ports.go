// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/imgrelay/imgrelay/domain/cache"
	"github.com/imgrelay/imgrelay/domain/fetch"
	"github.com/imgrelay/imgrelay/domain/usage"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Cache Store Port
// -----------------------------------------------------------------------------

// CacheStore persists fetched images keyed by domain + path.
type CacheStore interface {
	// Put stores an entry, replacing any previous value for the key.
	Put(ctx context.Context, e cache.Entry) error

	// Get retrieves an entry with its body. Returns ErrNotFound when absent.
	Get(ctx context.Context, key string) (cache.Entry, error)

	// Head retrieves entry metadata without reading the body.
	// Returns ErrNotFound when absent.
	Head(ctx context.Context, key string) (cache.Meta, error)

	// Delete removes an entry. Returns ErrNotFound when absent.
	Delete(ctx context.Context, key string) error

	// Stats summarizes the store contents.
	Stats(ctx context.Context) (cache.Stats, error)
}

// -----------------------------------------------------------------------------
// Origin Fetcher Port
// -----------------------------------------------------------------------------

// OriginFetcher retrieves bytes from an origin server.
type OriginFetcher interface {
	// Fetch downloads sourceURL, forwarding an allow-listed subset of
	// clientHeaders and enforcing maxBytes on the response body.
	Fetch(ctx context.Context, sourceURL string, clientHeaders http.Header, maxBytes int64) (fetch.Outcome, error)
}

// -----------------------------------------------------------------------------
// Usage Ports
// -----------------------------------------------------------------------------

// UsageRecorder accepts usage events for async per-site aggregation.
type UsageRecorder interface {
	// Record queues a usage event for the addressed site's actor.
	// This must be non-blocking; delivery is best-effort.
	Record(event usage.Event)

	// Close stops the recorder, flushing pending counters where possible.
	Close() error
}

// CounterStore persists per-site usage counters and flush schedules.
type CounterStore interface {
	// Get retrieves the counters for a site. Returns ErrNotFound when the
	// site has never recorded an event.
	Get(ctx context.Context, siteID string) (usage.Counters, error)

	// Put stores the counters for a site.
	Put(ctx context.Context, c usage.Counters) error

	// GetSchedule returns the persisted next flush time for a site.
	// Returns ErrNotFound when no flush is scheduled.
	GetSchedule(ctx context.Context, siteID string) (time.Time, error)

	// SetSchedule persists the next flush time for a site.
	SetSchedule(ctx context.Context, siteID string, next time.Time) error

	// ClearSchedule removes the persisted flush time for a site.
	ClearSchedule(ctx context.Context, siteID string) error

	// OverdueSchedules lists sites whose persisted flush time is at or
	// before now. Used by the recovery sweep after a restart.
	OverdueSchedules(ctx context.Context, now time.Time) ([]string, error)
}

// BillingSink is the external billing datastore. One call atomically adds
// the given deltas to the site's running totals and upserts the hourly
// rollup row for (site, hour bucket).
type BillingSink interface {
	AddUsage(ctx context.Context, siteID string, hits, misses int64, now time.Time) error
}
