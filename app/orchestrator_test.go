package app_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/imgrelay/imgrelay/adapters/clock"
	"github.com/imgrelay/imgrelay/adapters/idgen"
	"github.com/imgrelay/imgrelay/app"
	"github.com/imgrelay/imgrelay/domain/cache"
	"github.com/imgrelay/imgrelay/domain/fetch"
	"github.com/imgrelay/imgrelay/domain/usage"
	"github.com/imgrelay/imgrelay/ports"
)

// fakeCache is an in-memory CacheStore. getCalls counts body reads.
type fakeCache struct {
	mu       sync.Mutex
	entries  map[string]cache.Entry
	putErr   error
	now      func() time.Time
	getCalls int
}

func newFakeCache(now func() time.Time) *fakeCache {
	return &fakeCache{entries: make(map[string]cache.Entry), now: now}
}

func (f *fakeCache) Put(ctx context.Context, e cache.Entry) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ETag == "" {
		e.ETag = cache.ETagFor(e.Body)
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = f.now()
	}
	f.entries[e.Key] = e
	return nil
}

func (f *fakeCache) Get(ctx context.Context, key string) (cache.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	e, ok := f.entries[key]
	if !ok {
		return cache.Entry{}, ports.ErrNotFound
	}
	return e, nil
}

func (f *fakeCache) Head(ctx context.Context, key string) (cache.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return cache.Meta{}, ports.ErrNotFound
	}
	return e.Meta(), nil
}

func (f *fakeCache) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; !ok {
		return ports.ErrNotFound
	}
	delete(f.entries, key)
	return nil
}

func (f *fakeCache) Stats(ctx context.Context) (cache.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := cache.Stats{Entries: int64(len(f.entries))}
	for _, e := range f.entries {
		s.TotalBytes += int64(len(e.Body))
	}
	return s, nil
}

// relayFetcher fetches from a local test origin, resolving the source URL's
// path against the test server.
type relayFetcher struct {
	base string
	err  error
}

func (r *relayFetcher) Fetch(ctx context.Context, sourceURL string, clientHeaders http.Header, maxBytes int64) (fetch.Outcome, error) {
	if r.err != nil {
		return fetch.Outcome{}, r.err
	}
	u, err := url.Parse(sourceURL)
	if err != nil {
		return fetch.Outcome{}, err
	}
	resp, err := http.Get(r.base + u.Path)
	if err != nil {
		return fetch.Outcome{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return fetch.Outcome{}, err
	}
	if int64(len(body)) > maxBytes {
		return fetch.Outcome{}, fetch.ErrPayloadTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	blocked, reason := fetch.Classify(resp.StatusCode, contentType, len(body))
	return fetch.Outcome{
		Status:      resp.StatusCode,
		ContentType: contentType,
		Body:        body,
		Blocked:     blocked,
		BlockReason: reason,
	}, nil
}

// captureRecorder records usage events synchronously for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (c *captureRecorder) Record(e usage.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureRecorder) Close() error { return nil }

func (c *captureRecorder) all() []usage.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]usage.Event(nil), c.events...)
}

func newTestOrchestrator(t *testing.T, fetcher ports.OriginFetcher, store *fakeCache) (*app.Orchestrator, *captureRecorder) {
	t.Helper()
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	rec := &captureRecorder{}
	orch := app.NewOrchestrator(app.OrchestratorDeps{
		Cache:   store,
		Fetcher: fetcher,
		Usage:   rec,
		Clock:   fake,
		IDGen:   idgen.NewSequential("evt_"),
		Logger:  zerolog.Nop(),
	}, app.Limits{AllowedOrigins: "*", MaxBytes: 10 << 20})
	return orch, rec
}

func jpegOrigin(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandle_ScenarioA_MissFetchesAndStores(t *testing.T) {
	body := make([]byte, 1000)
	for i := range body {
		body[i] = byte(i)
	}
	srv := jpegOrigin(t, body)
	store := newFakeCache(time.Now)
	orch, rec := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})

	if res.Status != 200 {
		t.Fatalf("Status = %d, want 200 (error: %+v)", res.Status, res.Error)
	}
	if res.CacheStatus != app.CacheStatusMiss {
		t.Errorf("CacheStatus = %s, want miss", res.CacheStatus)
	}
	if len(res.Body) != 1000 {
		t.Errorf("len(Body) = %d, want 1000", len(res.Body))
	}
	if res.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %s, want image/jpeg", res.ContentType)
	}
	if !res.Stored {
		t.Error("Stored = false, want true")
	}

	if _, err := store.Get(context.Background(), "example.com/a.jpg"); err != nil {
		t.Errorf("entry not stored under example.com/a.jpg: %v", err)
	}

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].CacheHit {
		t.Error("event.CacheHit = true, want false for miss")
	}
	if events[0].SiteID != "example.com" {
		t.Errorf("event.SiteID = %s, want example.com", events[0].SiteID)
	}
}

func TestHandle_ScenarioB_SecondRequestHits(t *testing.T) {
	srv := jpegOrigin(t, []byte("jpeg-bytes"))
	store := newFakeCache(time.Now)
	orch, rec := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	first := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})
	second := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})

	if second.Status != 200 {
		t.Fatalf("Status = %d, want 200", second.Status)
	}
	if second.CacheStatus != app.CacheStatusHit {
		t.Errorf("CacheStatus = %s, want hit", second.CacheStatus)
	}
	if second.ETag != first.ETag {
		t.Errorf("ETag = %s, want stored %s", second.ETag, first.ETag)
	}

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].CacheHit || !events[1].CacheHit {
		t.Errorf("events hit flags = %v, %v; want false, true", events[0].CacheHit, events[1].CacheHit)
	}
}

func TestHandle_ScenarioC_ForceBypassesCache(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fresh-bytes"))
	}))
	t.Cleanup(srv.Close)

	store := newFakeCache(time.Now)
	store.Put(context.Background(), cache.Entry{
		Key:         "example.com/a.jpg",
		Body:        []byte("stale-bytes"),
		ContentType: "image/jpeg",
	})

	orch, _ := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{"force": {"true"}}, http.Header{})

	if res.Status != 200 {
		t.Fatalf("Status = %d, want 200", res.Status)
	}
	if res.CacheStatus != app.CacheStatusMiss {
		t.Errorf("CacheStatus = %s, want miss", res.CacheStatus)
	}
	mu.Lock()
	if hits != 1 {
		t.Errorf("origin hits = %d, want 1", hits)
	}
	mu.Unlock()

	entry, err := store.Get(context.Background(), "example.com/a.jpg")
	if err != nil {
		t.Fatalf("Get after force: %v", err)
	}
	if string(entry.Body) != "fresh-bytes" {
		t.Errorf("entry body = %q, want overwritten fresh-bytes", entry.Body)
	}
}

func TestHandle_ScenarioD_ChallengePageBlocked(t *testing.T) {
	htmlBody := make([]byte, 2000)
	for i := range htmlBody {
		htmlBody[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write(htmlBody)
	}))
	t.Cleanup(srv.Close)

	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})

	if res.Status != 503 {
		t.Fatalf("Status = %d, want 503", res.Status)
	}
	if res.BlockReason != "html_challenge_page" {
		t.Errorf("BlockReason = %s, want html_challenge_page", res.BlockReason)
	}
	if _, err := store.Get(context.Background(), "example.com/a.jpg"); !errors.Is(err, ports.ErrNotFound) {
		t.Error("blocked response must not be cached")
	}
}

func TestHandle_ConditionalRequest(t *testing.T) {
	srv := jpegOrigin(t, []byte("etag-bytes"))
	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	first := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})

	h := http.Header{}
	h.Set("If-None-Match", first.ETag)
	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, h)

	if res.Status != 304 {
		t.Fatalf("Status = %d, want 304", res.Status)
	}
	if !res.NotModified {
		t.Error("NotModified = false, want true")
	}
	if len(res.Body) != 0 {
		t.Error("304 must carry no body")
	}
	if res.ETag != first.ETag {
		t.Errorf("ETag = %s, want %s", res.ETag, first.ETag)
	}

	// A different validator gets the full body.
	h.Set("If-None-Match", `"other"`)
	res = orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, h)
	if res.Status != 200 || len(res.Body) == 0 {
		t.Errorf("Status = %d, len(Body) = %d; want full 200", res.Status, len(res.Body))
	}
}

func TestHandle_ConditionalAnsweredFromMetadata(t *testing.T) {
	store := newFakeCache(time.Now)
	body := []byte("etag-bytes")
	store.Put(context.Background(), cache.Entry{
		Key:         "example.com/a.jpg",
		Body:        body,
		ContentType: "image/jpeg",
	})
	orch, rec := newTestOrchestrator(t, &relayFetcher{}, store)

	h := http.Header{}
	h.Set("If-None-Match", cache.ETagFor(body))
	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, h)

	if res.Status != 304 {
		t.Fatalf("Status = %d, want 304", res.Status)
	}
	store.mu.Lock()
	gets := store.getCalls
	store.mu.Unlock()
	if gets != 0 {
		t.Errorf("Get calls = %d, want 0: a validator match must not read the body record", gets)
	}
	if len(rec.all()) != 1 {
		t.Errorf("len(events) = %d, want 1 hit event", len(rec.all()))
	}
}

func TestHandle_MalformedAndInvalid(t *testing.T) {
	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{}, store)

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/example.com", 400, "malformed_request"},
		{"/", 400, "malformed_request"},
		{"/exa mple.com/a.jpg", 400, "invalid_domain"},
		{"/../etc/passwd", 400, "invalid_domain"},
	}

	for _, tt := range tests {
		res := orch.Handle(context.Background(), http.MethodGet, tt.path, url.Values{}, http.Header{})
		if res.Status != tt.status {
			t.Errorf("Handle(%q) status = %d, want %d", tt.path, res.Status, tt.status)
		}
		if res.Error == nil || res.Error.Code != tt.code {
			t.Errorf("Handle(%q) error = %+v, want code %s", tt.path, res.Error, tt.code)
		}
	}
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{}, store)

	res := orch.Handle(context.Background(), http.MethodPost, "/example.com/a.jpg", url.Values{}, http.Header{})
	if res.Status != 405 {
		t.Errorf("Status = %d, want 405", res.Status)
	}
}

func TestHandle_OriginNotAllowed(t *testing.T) {
	store := newFakeCache(time.Now)
	orch, rec := newTestOrchestrator(t, &relayFetcher{}, store)
	orch.UpdateLimits(app.Limits{AllowedOrigins: "*.example.com", MaxBytes: 10 << 20})

	res := orch.Handle(context.Background(), http.MethodGet, "/evil.com/a.jpg", url.Values{}, http.Header{})
	if res.Status != 403 {
		t.Fatalf("Status = %d, want 403", res.Status)
	}
	if len(rec.all()) != 0 {
		t.Error("forbidden request must not record usage")
	}

	res = orch.Handle(context.Background(), http.MethodGet, "/img.example.com/a.jpg", url.Values{}, http.Header{})
	if res.Status == 403 {
		t.Error("allow-listed subdomain rejected")
	}
}

func TestHandle_Origin404(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/missing.jpg", url.Values{}, http.Header{})
	if res.Status != 404 {
		t.Errorf("Status = %d, want 404", res.Status)
	}
}

func TestHandle_Origin404WithHTMLErrorPage(t *testing.T) {
	// Origins commonly answer 404 with an HTML error page. The status is
	// authoritative; the body shape must not reclassify it as blocked.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(404)
		w.Write([]byte("<html><body>not here</body></html>"))
	}))
	t.Cleanup(srv.Close)

	store := newFakeCache(time.Now)
	orch, rec := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/missing.jpg", url.Values{}, http.Header{})
	if res.Status != 404 {
		t.Fatalf("Status = %d (error: %+v), want 404", res.Status, res.Error)
	}
	if res.Error == nil || res.Error.Code != "not_found" {
		t.Errorf("error = %+v, want code not_found", res.Error)
	}
	if len(rec.all()) != 0 {
		t.Error("origin 404 must not record usage")
	}
}

func TestHandle_OriginForbiddenReportsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
	}))
	t.Cleanup(srv.Close)

	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})
	if res.Status != 503 {
		t.Fatalf("Status = %d, want 503", res.Status)
	}
	if res.BlockReason != "http_403" {
		t.Errorf("BlockReason = %s, want http_403", res.BlockReason)
	}
}

func TestHandle_NonImageContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("binary"))
	}))
	t.Cleanup(srv.Close)

	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})
	if res.Status != 415 {
		t.Errorf("Status = %d, want 415", res.Status)
	}
	if _, err := store.Get(context.Background(), "example.com/a.jpg"); !errors.Is(err, ports.ErrNotFound) {
		t.Error("non-image response must not be cached")
	}
}

func TestHandle_PayloadTooLarge(t *testing.T) {
	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{err: fetch.ErrPayloadTooLarge}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/big.jpg", url.Values{}, http.Header{})
	if res.Status != 413 {
		t.Errorf("Status = %d, want 413", res.Status)
	}
}

func TestHandle_UpstreamTimeout(t *testing.T) {
	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{err: fetch.ErrUpstreamTimeout}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/slow.jpg", url.Values{}, http.Header{})
	if res.Status != 503 {
		t.Fatalf("Status = %d, want 503", res.Status)
	}
	if res.Error == nil || res.Error.Code != "upstream_timeout" {
		t.Errorf("error = %+v, want upstream_timeout", res.Error)
	}
}

func TestHandle_RedirectBlocked(t *testing.T) {
	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, &relayFetcher{err: fetch.ErrRedirectBlocked}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})
	if res.Status != 403 {
		t.Fatalf("Status = %d, want 403", res.Status)
	}
	if res.Error == nil || res.Error.Code != "forbidden_target" {
		t.Errorf("error = %+v, want forbidden_target", res.Error)
	}
}

func TestHandle_StoreFailureServesUncached(t *testing.T) {
	srv := jpegOrigin(t, []byte("served-anyway"))
	store := newFakeCache(time.Now)
	store.putErr = errors.New("disk full")
	orch, _ := newTestOrchestrator(t, &relayFetcher{base: srv.URL}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})

	if res.Status != 200 {
		t.Fatalf("Status = %d, want 200 despite store failure", res.Status)
	}
	if string(res.Body) != "served-anyway" {
		t.Errorf("Body = %q, want fetched bytes", res.Body)
	}
	if res.Stored {
		t.Error("Stored = true, want false after write failure")
	}
}

func TestHandle_DeleteInvalidate(t *testing.T) {
	store := newFakeCache(time.Now)
	store.Put(context.Background(), cache.Entry{
		Key:         "example.com/a.jpg",
		Body:        []byte("bytes"),
		ContentType: "image/jpeg",
	})
	orch, _ := newTestOrchestrator(t, &relayFetcher{}, store)

	res := orch.Handle(context.Background(), http.MethodDelete, "/example.com/a.jpg", url.Values{}, http.Header{})
	if res.Status != 200 {
		t.Fatalf("Status = %d, want 200", res.Status)
	}
	if res.CacheKey != "example.com/a.jpg" {
		t.Errorf("CacheKey = %s, want example.com/a.jpg", res.CacheKey)
	}

	// Second delete misses.
	res = orch.Handle(context.Background(), http.MethodDelete, "/example.com/a.jpg", url.Values{}, http.Header{})
	if res.Status != 404 {
		t.Errorf("repeat delete status = %d, want 404", res.Status)
	}
}

func TestHandle_HeadLookup(t *testing.T) {
	store := newFakeCache(time.Now)
	store.Put(context.Background(), cache.Entry{
		Key:         "example.com/a.jpg",
		Body:        []byte("bytes"),
		ContentType: "image/jpeg",
	})
	orch, _ := newTestOrchestrator(t, &relayFetcher{}, store)

	res := orch.Handle(context.Background(), http.MethodHead, "/example.com/a.jpg", url.Values{}, http.Header{})
	if res.Status != 200 {
		t.Fatalf("Status = %d, want 200", res.Status)
	}
	if len(res.Body) != 0 {
		t.Error("HEAD result must carry no body")
	}
	if res.ContentType != "image/jpeg" || res.ETag == "" {
		t.Errorf("metadata incomplete: type=%s etag=%s", res.ContentType, res.ETag)
	}
	if res.Size != 5 {
		t.Errorf("Size = %d, want 5", res.Size)
	}

	res = orch.Handle(context.Background(), http.MethodHead, "/example.com/missing.jpg", url.Values{}, http.Header{})
	if res.Status != 404 {
		t.Errorf("missing HEAD status = %d, want 404", res.Status)
	}
}

// panicFetcher trips the top-level recover.
type panicFetcher struct{}

func (panicFetcher) Fetch(ctx context.Context, sourceURL string, h http.Header, maxBytes int64) (fetch.Outcome, error) {
	panic("fetcher exploded")
}

func TestHandle_PanicMapsTo500(t *testing.T) {
	store := newFakeCache(time.Now)
	orch, _ := newTestOrchestrator(t, panicFetcher{}, store)

	res := orch.Handle(context.Background(), http.MethodGet, "/example.com/a.jpg", url.Values{}, http.Header{})
	if res.Status != 500 {
		t.Fatalf("Status = %d, want 500", res.Status)
	}
	if res.Error == nil || res.Error.Message == "" {
		t.Fatal("500 must preserve the panic message")
	}
	if res.Error.Message != "internal error: fetcher exploded" {
		t.Errorf("Message = %q, want panic text preserved", res.Error.Message)
	}
}
