// Package leveldb provides a CacheStore backed by an embedded LevelDB
// object store. Entry bodies and metadata live under separate key prefixes
// so metadata-only reads never touch the body record.
package leveldb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/imgrelay/imgrelay/domain/cache"
	"github.com/imgrelay/imgrelay/ports"
)

const (
	bodyPrefix = "e:"
	metaPrefix = "m:"
)

// Store implements ports.CacheStore on LevelDB.
type Store struct {
	db    *leveldb.DB
	clock ports.Clock
}

// meta is the persisted metadata record.
type meta struct {
	ContentType string    `json:"content_type"`
	ETag        string    `json:"etag"`
	Size        int64     `json:"size"`
	SourceURL   string    `json:"source_url"`
	Domain      string    `json:"domain"`
	CachedAt    time.Time `json:"cached_at"`
}

// Open opens (or creates) the store at path.
func Open(path string, clock ports.Clock) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores an entry, replacing any previous value for the key.
// Body and metadata are written in one batch.
func (s *Store) Put(ctx context.Context, e cache.Entry) error {
	if e.ETag == "" {
		e.ETag = cache.ETagFor(e.Body)
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = s.clock.Now().UTC()
	}

	mb, err := json.Marshal(meta{
		ContentType: e.ContentType,
		ETag:        e.ETag,
		Size:        int64(len(e.Body)),
		SourceURL:   e.SourceURL,
		Domain:      e.Domain,
		CachedAt:    e.CachedAt,
	})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(bodyPrefix+e.Key), e.Body)
	batch.Put([]byte(metaPrefix+e.Key), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// Get retrieves an entry with its body.
func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	m, err := s.Head(ctx, key)
	if err != nil {
		return cache.Entry{}, err
	}
	body, err := s.db.Get([]byte(bodyPrefix+key), nil)
	if err == leveldb.ErrNotFound {
		return cache.Entry{}, ports.ErrNotFound
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("read body: %w", err)
	}
	return cache.Entry{
		Key:         key,
		Body:        body,
		ContentType: m.ContentType,
		ETag:        m.ETag,
		SourceURL:   m.SourceURL,
		Domain:      m.Domain,
		CachedAt:    m.CachedAt,
	}, nil
}

// Head retrieves entry metadata without reading the body record.
func (s *Store) Head(ctx context.Context, key string) (cache.Meta, error) {
	mb, err := s.db.Get([]byte(metaPrefix+key), nil)
	if err == leveldb.ErrNotFound {
		return cache.Meta{}, ports.ErrNotFound
	}
	if err != nil {
		return cache.Meta{}, fmt.Errorf("read metadata: %w", err)
	}
	var m meta
	if err := json.Unmarshal(mb, &m); err != nil {
		return cache.Meta{}, fmt.Errorf("decode metadata: %w", err)
	}
	return cache.Meta{
		Key:         key,
		ContentType: m.ContentType,
		ETag:        m.ETag,
		Size:        m.Size,
		SourceURL:   m.SourceURL,
		Domain:      m.Domain,
		CachedAt:    m.CachedAt,
	}, nil
}

// Delete removes an entry's body and metadata.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Get([]byte(metaPrefix+key), nil); err == leveldb.ErrNotFound {
		return ports.ErrNotFound
	} else if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(bodyPrefix + key))
	batch.Delete([]byte(metaPrefix + key))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Stats iterates the metadata records to summarize the store contents.
func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var st cache.Stats
	for it.Next() {
		var m meta
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		st.Entries++
		st.TotalBytes += m.Size
	}
	if err := it.Error(); err != nil {
		return cache.Stats{}, fmt.Errorf("iterate metadata: %w", err)
	}
	return st, nil
}

// Ensure interface compliance.
var _ ports.CacheStore = (*Store)(nil)
