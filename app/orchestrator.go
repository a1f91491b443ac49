// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/imgrelay/imgrelay/domain/cache"
	"github.com/imgrelay/imgrelay/domain/fetch"
	"github.com/imgrelay/imgrelay/domain/request"
	"github.com/imgrelay/imgrelay/domain/usage"
	"github.com/imgrelay/imgrelay/ports"
)

// Cache status values reported to the client.
const (
	CacheStatusHit  = "hit"
	CacheStatusMiss = "miss"
)

// Orchestrator runs the per-request state machine: parse, method dispatch,
// origin check, cache lookup, origin fetch, validation, store, serve.
type Orchestrator struct {
	cache   ports.CacheStore
	fetcher ports.OriginFetcher
	usage   ports.UsageRecorder
	clock   ports.Clock
	idGen   ports.IDGenerator
	logger  zerolog.Logger

	// Dynamic configuration (hot-reloadable)
	limits atomic.Pointer[Limits]
}

// Limits contains the hot-reloadable request limits.
type Limits struct {
	// AllowedOrigins is the comma-separated origin allow-list.
	AllowedOrigins string

	// MaxBytes bounds the size of a fetched image body.
	MaxBytes int64
}

// OrchestratorDeps contains dependencies for Orchestrator.
type OrchestratorDeps struct {
	Cache   ports.CacheStore
	Fetcher ports.OriginFetcher
	Usage   ports.UsageRecorder
	Clock   ports.Clock
	IDGen   ports.IDGenerator
	Logger  zerolog.Logger
}

// NewOrchestrator creates a new request orchestrator.
func NewOrchestrator(deps OrchestratorDeps, limits Limits) *Orchestrator {
	s := &Orchestrator{
		cache:   deps.Cache,
		fetcher: deps.Fetcher,
		usage:   deps.Usage,
		clock:   deps.Clock,
		idGen:   deps.IDGen,
		logger:  deps.Logger,
	}
	s.UpdateLimits(limits)
	return s
}

// UpdateLimits updates the hot-reloadable limits.
// Thread-safe, can be called while handling requests.
func (s *Orchestrator) UpdateLimits(limits Limits) {
	s.limits.Store(&limits)
}

// Result is the outcome of handling a request, rendered by the HTTP adapter.
type Result struct {
	Status      int
	Body        []byte
	ContentType string
	ETag        string
	CachedAt    time.Time
	SourceURL   string

	// Size is the stored body length, set even when Body is absent (HEAD).
	Size int64

	// CacheStatus is "hit" or "miss" for served images, empty otherwise.
	CacheStatus string

	// NotModified signals a body-less 304 response.
	NotModified bool

	// Stored is false when a fetched image is served without a durable
	// cache entry (store write failed).
	Stored bool

	// CacheKey identifies the entry for invalidation responses.
	CacheKey string

	// BlockReason carries the fetch classification for logging and metrics.
	BlockReason string

	Error *request.ErrorResponse
}

// Handle processes one request through the state machine.
// Panics anywhere in the pipeline are mapped to a 500 with the message
// preserved.
func (s *Orchestrator) Handle(ctx context.Context, method, rawPath string, query url.Values, clientHeaders http.Header) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("path", rawPath).Msg("request pipeline panic")
			res = Result{
				Status: 500,
				Error: &request.ErrorResponse{
					Status:  500,
					Code:    "internal_error",
					Message: fmt.Sprintf("internal error: %v", r),
				},
			}
		}
	}()

	// 1. Parse and validate the request path (PURE)
	desc, err := request.Parse(rawPath, query)
	if err != nil {
		var errResp request.ErrorResponse
		if errors.As(err, &errResp) {
			return Result{Status: errResp.Status, Error: &errResp}
		}
		return Result{Status: 400, Error: &request.ErrorResponse{
			Status:  400,
			Code:    "malformed_request",
			Message: err.Error(),
		}}
	}

	// 2. Method dispatch
	switch method {
	case http.MethodDelete:
		return s.invalidate(ctx, desc)
	case http.MethodHead:
		return s.headLookup(ctx, desc)
	case http.MethodGet:
		return s.serve(ctx, desc, clientHeaders)
	default:
		return Result{Status: 405, Error: &request.ErrorResponse{
			Status:  405,
			Code:    "method_not_allowed",
			Message: "Method " + method + " not allowed",
		}}
	}
}

// invalidate removes a cached entry.
func (s *Orchestrator) invalidate(ctx context.Context, desc request.Descriptor) Result {
	err := s.cache.Delete(ctx, desc.CacheKey)
	if errors.Is(err, ports.ErrNotFound) {
		return Result{Status: 404, CacheKey: desc.CacheKey, Error: &request.ErrorResponse{
			Status:  404,
			Code:    "not_found",
			Message: "No cached entry for " + desc.CacheKey,
		}}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("key", desc.CacheKey).Msg("cache delete failed")
		return Result{Status: 500, Error: &request.ErrorResponse{
			Status:  500,
			Code:    "storage_error",
			Message: "Cache delete failed",
		}}
	}

	s.logger.Info().Str("key", desc.CacheKey).Msg("cache entry invalidated")
	return Result{Status: 200, CacheKey: desc.CacheKey}
}

// headLookup serves entry metadata without reading the body.
func (s *Orchestrator) headLookup(ctx context.Context, desc request.Descriptor) Result {
	meta, err := s.cache.Head(ctx, desc.CacheKey)
	if errors.Is(err, ports.ErrNotFound) {
		return Result{Status: 404, Error: &request.ErrorResponse{
			Status:  404,
			Code:    "not_found",
			Message: "No cached entry for " + desc.CacheKey,
		}}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("key", desc.CacheKey).Msg("cache head failed")
		return Result{Status: 500, Error: &request.ErrorResponse{
			Status:  500,
			Code:    "storage_error",
			Message: "Cache lookup failed",
		}}
	}

	return Result{
		Status:      200,
		ContentType: meta.ContentType,
		ETag:        meta.ETag,
		CachedAt:    meta.CachedAt,
		Size:        meta.Size,
		CacheStatus: CacheStatusHit,
		CacheKey:    desc.CacheKey,
		Stored:      true,
	}
}

// serve handles a GET through origin check, cache lookup and origin fetch.
func (s *Orchestrator) serve(ctx context.Context, desc request.Descriptor, clientHeaders http.Header) Result {
	limits := s.limits.Load()

	// 3. Origin allow-list check (PURE)
	if !request.OriginAllowed(limits.AllowedOrigins, desc.Domain) {
		return Result{Status: 403, Error: &request.ErrorResponse{
			Status:  403,
			Code:    "forbidden_origin",
			Message: "Origin " + desc.Domain + " is not allowed",
		}}
	}

	// 4. Cache lookup (I/O), skipped entirely on forced reprocessing.
	// Conditional requests resolve against metadata alone: a validator
	// match answers 304 without ever reading the body record.
	if !desc.ForceReprocess {
		if inm := clientHeaders.Get("If-None-Match"); inm != "" {
			meta, err := s.cache.Head(ctx, desc.CacheKey)
			if err == nil && cache.NotModified(meta.ETag, inm) {
				s.recordUsage(desc, true)
				return Result{
					Status:      304,
					ETag:        meta.ETag,
					CacheStatus: CacheStatusHit,
					CacheKey:    desc.CacheKey,
					NotModified: true,
					Stored:      true,
				}
			}
		}
		entry, err := s.cache.Get(ctx, desc.CacheKey)
		if err == nil {
			return s.serveCached(desc, entry, clientHeaders)
		}
		if !errors.Is(err, ports.ErrNotFound) {
			s.logger.Error().Err(err).Str("key", desc.CacheKey).Msg("cache read failed")
			return Result{Status: 500, Error: &request.ErrorResponse{
				Status:  500,
				Code:    "storage_error",
				Message: "Cache lookup failed",
			}}
		}
	}

	// 5. Origin fetch (I/O)
	outcome, err := s.fetcher.Fetch(ctx, desc.SourceURL, clientHeaders, limits.MaxBytes)
	if err != nil {
		return s.fetchError(desc, err)
	}

	// 6. Origin status check. A 404 is authoritative no matter what body
	// shape the origin's error page has; other non-2xx carry the block
	// classification when one was assigned (401/403/429).
	if !outcome.OK() {
		if outcome.Status == 404 {
			return Result{Status: 404, Error: &request.ErrorResponse{
				Status:  404,
				Code:    "not_found",
				Message: "Origin returned 404 for " + desc.SourceURL,
			}}
		}
		if outcome.Blocked {
			return s.blockedResult(desc, outcome)
		}
		return Result{Status: 503, Error: &request.ErrorResponse{
			Status:  503,
			Code:    "upstream_error",
			Message: fmt.Sprintf("Origin returned status %d", outcome.Status),
		}}
	}

	// 7. Challenge-page rejection (PURE, already computed by the fetcher).
	// Only substituted HTML/text/JSON bodies reject here; other non-image
	// content types fall through to the 415 below.
	if outcome.Blocked && fetch.IsContentSubstitution(outcome.BlockReason) {
		return s.blockedResult(desc, outcome)
	}

	// 8. Content type validation (PURE)
	if !fetch.IsImageContentType(outcome.ContentType) {
		return Result{Status: 415, Error: &request.ErrorResponse{
			Status:  415,
			Code:    "unsupported_media_type",
			Message: "Origin returned non-image content type " + outcome.ContentType,
		}}
	}

	// 9. Store (I/O); failure degrades to serve-but-don't-cache
	entry := cache.Entry{
		Key:         desc.CacheKey,
		Body:        outcome.Body,
		ContentType: outcome.ContentType,
		SourceURL:   desc.SourceURL,
		Domain:      desc.Domain,
	}
	stored := true
	if err := s.cache.Put(ctx, entry); err != nil {
		stored = false
		s.logger.Error().Err(err).Str("key", desc.CacheKey).Msg("cache write failed, serving uncached")
	}

	// 10. Record usage event (async, never awaited)
	s.recordUsage(desc, false)

	return Result{
		Status:      200,
		Body:        outcome.Body,
		ContentType: outcome.ContentType,
		ETag:        cache.ETagFor(outcome.Body),
		CachedAt:    s.clock.Now(),
		SourceURL:   desc.SourceURL,
		Size:        int64(len(outcome.Body)),
		CacheStatus: CacheStatusMiss,
		CacheKey:    desc.CacheKey,
		Stored:      stored,
	}
}

// serveCached serves a cache hit, honoring If-None-Match.
func (s *Orchestrator) serveCached(desc request.Descriptor, entry cache.Entry, clientHeaders http.Header) Result {
	s.recordUsage(desc, true)

	if cache.NotModified(entry.ETag, clientHeaders.Get("If-None-Match")) {
		return Result{
			Status:      304,
			ETag:        entry.ETag,
			CacheStatus: CacheStatusHit,
			CacheKey:    desc.CacheKey,
			NotModified: true,
			Stored:      true,
		}
	}

	return Result{
		Status:      200,
		Body:        entry.Body,
		ContentType: entry.ContentType,
		ETag:        entry.ETag,
		CachedAt:    entry.CachedAt,
		SourceURL:   entry.SourceURL,
		Size:        int64(len(entry.Body)),
		CacheStatus: CacheStatusHit,
		CacheKey:    desc.CacheKey,
		Stored:      true,
	}
}

// blockedResult is the terminal state for classified block/challenge pages.
func (s *Orchestrator) blockedResult(desc request.Descriptor, outcome fetch.Outcome) Result {
	s.logger.Warn().
		Str("source", desc.SourceURL).
		Str("reason", outcome.BlockReason).
		Int("status", outcome.Status).
		Msg("origin response blocked")
	return Result{Status: 503, BlockReason: outcome.BlockReason, Error: &request.ErrorResponse{
		Status:  503,
		Code:    "upstream_blocked",
		Message: "Origin blocked the request: " + outcome.BlockReason,
	}}
}

// fetchError maps fetch-layer errors to terminal results.
func (s *Orchestrator) fetchError(desc request.Descriptor, err error) Result {
	switch {
	case errors.Is(err, fetch.ErrPayloadTooLarge):
		return Result{Status: 413, Error: &request.ErrorResponse{
			Status:  413,
			Code:    "payload_too_large",
			Message: "Origin response exceeds the size limit",
		}}
	case errors.Is(err, fetch.ErrUpstreamTimeout):
		return Result{Status: 503, Error: &request.ErrorResponse{
			Status:  503,
			Code:    "upstream_timeout",
			Message: "Origin fetch timed out",
		}}
	case errors.Is(err, fetch.ErrRedirectBlocked), errors.Is(err, fetch.ErrDisallowedTarget), errors.Is(err, fetch.ErrUnsupportedScheme):
		s.logger.Warn().Err(err).Str("source", desc.SourceURL).Msg("fetch target rejected")
		return Result{Status: 403, Error: &request.ErrorResponse{
			Status:  403,
			Code:    "forbidden_target",
			Message: "Fetch target rejected: " + err.Error(),
		}}
	default:
		s.logger.Error().Err(err).Str("source", desc.SourceURL).Msg("origin fetch failed")
		return Result{Status: 503, Error: &request.ErrorResponse{
			Status:  503,
			Code:    "upstream_error",
			Message: "Origin fetch failed",
		}}
	}
}

// recordUsage emits a fire-and-forget usage event. The response path never
// waits on delivery.
func (s *Orchestrator) recordUsage(desc request.Descriptor, cacheHit bool) {
	if s.usage == nil {
		return
	}
	s.usage.Record(usage.Event{
		ID:        s.idGen.New(),
		SiteID:    desc.Domain,
		Domain:    desc.Domain,
		CacheHit:  cacheHit,
		Timestamp: s.clock.Now(),
	})
}
