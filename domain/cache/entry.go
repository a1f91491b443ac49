// Package cache provides value types and pure functions for stored images.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// CacheControl is set on every stored entry. Cached images are addressed by
// content-stable keys, so entries never expire on their own.
const CacheControl = "public, max-age=31536000, immutable"

// Entry is one stored image with its metadata.
type Entry struct {
	Key         string
	Body        []byte
	ContentType string
	ETag        string
	SourceURL   string
	Domain      string
	CachedAt    time.Time
}

// Meta is the metadata of a stored entry, retrievable without the body.
type Meta struct {
	Key         string
	ContentType string
	ETag        string
	Size        int64
	SourceURL   string
	Domain      string
	CachedAt    time.Time
}

// Meta returns the metadata view of the entry.
func (e Entry) Meta() Meta {
	return Meta{
		Key:         e.Key,
		ContentType: e.ContentType,
		ETag:        e.ETag,
		Size:        int64(len(e.Body)),
		SourceURL:   e.SourceURL,
		Domain:      e.Domain,
		CachedAt:    e.CachedAt,
	}
}

// Stats summarizes the contents of the store.
type Stats struct {
	Entries    int64
	TotalBytes int64
}

// ETagFor derives the entry ETag from its stored bytes. The tag is stable
// until the entry is overwritten.
func ETagFor(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// NotModified reports whether a client-supplied If-None-Match token matches
// the stored ETag. Weak validators compare by opaque value.
func NotModified(etag, ifNoneMatch string) bool {
	if etag == "" || ifNoneMatch == "" {
		return false
	}
	for _, tok := range strings.Split(ifNoneMatch, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "*" {
			return true
		}
		tok = strings.TrimPrefix(tok, "W/")
		if tok == etag {
			return true
		}
	}
	return false
}
