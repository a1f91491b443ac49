// Package usage provides usage event and counter types with the pure
// arithmetic used by the per-site aggregation flush cycle.
package usage

import "time"

// Event represents a single served-image event (immutable value type).
// Delivery to the aggregator is fire-and-forget.
type Event struct {
	ID        string
	SiteID    string
	Domain    string
	CacheHit  bool
	Timestamp time.Time
}

// Counters holds the durable per-site counters. All mutation goes through
// the owning site's actor; values are never negative and
// Requests == CacheHits + CacheMisses.
type Counters struct {
	SiteID                   string
	Domain                   string
	Requests                 int64
	CacheHits                int64
	CacheMisses              int64
	ConsecutiveFlushFailures int64
	UpdatedAt                time.Time
}

// Apply folds one event into the counters. The first event captures the
// site identity.
func Apply(c Counters, e Event) Counters {
	if c.SiteID == "" {
		c.SiteID = e.SiteID
	}
	if c.Domain == "" {
		c.Domain = e.Domain
	}
	c.Requests++
	if e.CacheHit {
		c.CacheHits++
	} else {
		c.CacheMisses++
	}
	c.UpdatedAt = e.Timestamp
	return c
}

// Snapshot captures counter values at the start of a flush so that events
// recorded during the external write are never lost or double-counted.
type Snapshot struct {
	Requests    int64
	CacheHits   int64
	CacheMisses int64
}

// TakeSnapshot returns the amounts the current flush will report.
func TakeSnapshot(c Counters) Snapshot {
	return Snapshot{
		Requests:    c.Requests,
		CacheHits:   c.CacheHits,
		CacheMisses: c.CacheMisses,
	}
}

// Subtract removes exactly the snapshotted amounts from the live counters.
// Counters are clamped at zero to preserve the non-negative invariant.
func Subtract(c Counters, s Snapshot) Counters {
	c.Requests = clamp(c.Requests - s.Requests)
	c.CacheHits = clamp(c.CacheHits - s.CacheHits)
	c.CacheMisses = clamp(c.CacheMisses - s.CacheMisses)
	return c
}

// Zero resets all activity counters, keeping the site identity.
func Zero(c Counters) Counters {
	c.Requests = 0
	c.CacheHits = 0
	c.CacheMisses = 0
	return c
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// HourBucket truncates t to the hourly rollup bucket, in UTC.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
