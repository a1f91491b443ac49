// Package http provides the HTTP surface of the image cache.
package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/imgrelay/imgrelay/adapters/metrics"
	"github.com/imgrelay/imgrelay/app"
	"github.com/imgrelay/imgrelay/domain/cache"
	"github.com/imgrelay/imgrelay/domain/request"
	"github.com/imgrelay/imgrelay/pkg/bytefmt"
	"github.com/imgrelay/imgrelay/ports"
)

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatsResponse represents the /stats endpoint response.
type StatsResponse struct {
	Entries        int64  `json:"entries"`
	TotalBytes     int64  `json:"total_bytes"`
	TotalSize      string `json:"total_size"`
	BillingHits    int64  `json:"billing_hits,omitempty"`
	BillingMisses  int64  `json:"billing_misses,omitempty"`
	BillingTracked bool   `json:"billing_tracked"`
}

// DeleteResponse represents a successful invalidation response.
type DeleteResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	CacheKey string `json:"cacheKey"`
}

// ImageHandler renders orchestrator results over HTTP.
type ImageHandler struct {
	orch    *app.Orchestrator
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// NewImageHandler creates the image request handler.
func NewImageHandler(orch *app.Orchestrator, logger zerolog.Logger) *ImageHandler {
	return &ImageHandler{orch: orch, logger: logger}
}

// SetMetrics attaches a metrics collector. Optional.
func (h *ImageHandler) SetMetrics(m *metrics.Collector) {
	h.metrics = m
}

// ServeHTTP handles GET/HEAD/DELETE for /{domain}/{path...}.
func (h *ImageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result := h.orch.Handle(r.Context(), r.Method, r.URL.Path, r.URL.Query(), callerHeaders(r))

	h.logRequest(r, result, time.Since(start))
	h.recordMetrics(r, result)

	if result.Error != nil {
		writeError(w, result.Error)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		writeJSON(w, 200, DeleteResponse{
			Success:  true,
			Message:  "Cache entry deleted",
			CacheKey: result.CacheKey,
		})
		return
	case http.MethodHead:
		h.writeImageHeaders(w, result)
		w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
		w.WriteHeader(result.Status)
		return
	}

	// GET
	if result.NotModified {
		w.Header().Set("ETag", result.ETag)
		w.Header().Set("Cache-Control", cache.CacheControl)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if wantsViewer(r) {
		h.writeViewer(w, r, result)
		return
	}

	h.writeImageHeaders(w, result)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Body)))
	w.WriteHeader(result.Status)
	if _, err := w.Write(result.Body); err != nil {
		h.logger.Error().Err(err).Msg("failed to write response body")
	}
}

// callerHeaders clones the request headers with the caller's address
// appended to X-Forwarded-For, so the origin fetcher sees the client IP
// even for direct connections. RemoteAddr is already the real client IP
// when the RealIP middleware has rewritten it.
func callerHeaders(r *http.Request) http.Header {
	headers := r.Header.Clone()
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if ip == "" {
		return headers
	}
	if prior := headers.Get("X-Forwarded-For"); prior != "" {
		headers.Set("X-Forwarded-For", prior+", "+ip)
	} else {
		headers.Set("X-Forwarded-For", ip)
	}
	return headers
}

func (h *ImageHandler) writeImageHeaders(w http.ResponseWriter, result app.Result) {
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	if result.ETag != "" {
		w.Header().Set("ETag", result.ETag)
	}
	w.Header().Set("Cache-Control", cache.CacheControl)
	if result.CacheStatus != "" {
		w.Header().Set("X-Cache-Status", result.CacheStatus)
	}
	if !result.CachedAt.IsZero() {
		w.Header().Set("Last-Modified", result.CachedAt.UTC().Format(http.TimeFormat))
		w.Header().Set("X-Cached-At", result.CachedAt.UTC().Format(time.RFC3339))
	}
}

func (h *ImageHandler) logRequest(r *http.Request, result app.Result, elapsed time.Duration) {
	event := h.logger.Info()
	if result.Error != nil {
		event = h.logger.Warn()
		event.Str("error_code", result.Error.Code)
	}
	event.
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", result.Status).
		Str("cache_status", result.CacheStatus).
		Dur("duration", elapsed).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("image request")
}

func (h *ImageHandler) recordMetrics(r *http.Request, result app.Result) {
	if h.metrics == nil {
		return
	}
	h.metrics.RequestsTotal.WithLabelValues(r.Method, statusLabel(result.Status)).Inc()
	switch result.CacheStatus {
	case app.CacheStatusHit:
		h.metrics.CacheHits.Inc()
	case app.CacheStatusMiss:
		h.metrics.CacheMisses.Inc()
	}
	if result.BlockReason != "" {
		h.metrics.FetchBlocked.WithLabelValues(result.BlockReason).Inc()
	}
}

func wantsViewer(r *http.Request) bool {
	v := r.URL.Query().Get("view")
	return v == "true" || v == "1"
}

// StatsHandler serves cache statistics as JSON.
type StatsHandler struct {
	cache  ports.CacheStore
	totals TotalsReader
	logger zerolog.Logger
}

// TotalsReader reads accumulated billing totals. Nil when billing is off.
type TotalsReader interface {
	Totals(ctx context.Context) (hits, misses int64, err error)
}

// NewStatsHandler creates the /stats handler. totals may be nil.
func NewStatsHandler(cacheStore ports.CacheStore, totals TotalsReader, logger zerolog.Logger) *StatsHandler {
	return &StatsHandler{cache: cacheStore, totals: totals, logger: logger}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("cache stats failed")
		writeError(w, &request.ErrorResponse{Status: 500, Code: "storage_error", Message: "Stats unavailable"})
		return
	}

	resp := StatsResponse{
		Entries:    stats.Entries,
		TotalBytes: stats.TotalBytes,
		TotalSize:  bytefmt.Format(stats.TotalBytes),
	}
	if h.totals != nil {
		hits, misses, err := h.totals.Totals(r.Context())
		if err == nil {
			resp.BillingHits = hits
			resp.BillingMisses = misses
			resp.BillingTracked = true
		}
	}

	writeJSON(w, 200, resp)
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Metrics      *metrics.Collector
	MetricsPath  string
	StatsHandler http.Handler
}

// NewRouter creates the main HTTP router.
func NewRouter(imageHandler *ImageHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewCORSMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", Health)

	if cfg.StatsHandler != nil {
		r.Handle("/stats", cfg.StatsHandler)
	}

	if cfg.Metrics != nil && cfg.Metrics.Registry != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	// CORS preflight for any path.
	r.Options("/*", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Everything else is an image request: /{domain}/{path...}. The OPTIONS
	// route above makes chi match /* for every path, so non-OPTIONS image
	// requests arrive via the method-not-allowed hook, not NotFound.
	r.MethodNotAllowed(imageHandler.ServeHTTP)
	r.NotFound(imageHandler.ServeHTTP)

	return r
}

// Health returns a simple liveness response.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, HealthResponse{Status: "ok"})
}

// NewCORSMiddleware allows cross-origin embedding of cached images.
func NewCORSMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "If-None-Match, Content-Type")
			next.ServeHTTP(w, r)
		})
	}
}

// NewLoggingMiddleware logs HTTP requests at debug level.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics for internal endpoints
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

// statusLabel returns a string label for the status code.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *request.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":  err.Message,
		"status": err.Status,
	})
}
