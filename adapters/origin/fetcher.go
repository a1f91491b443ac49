// Package origin fetches image bytes from origin servers. Every outbound
// request is SSRF-checked before the first hop and after every redirect.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/imgrelay/imgrelay/domain/fetch"
	"github.com/imgrelay/imgrelay/ports"
)

// DefaultUserAgent identifies the proxy honestly when the caller supplies
// no User-Agent of its own.
const DefaultUserAgent = "imgrelay/1.0 (image cache; +https://github.com/imgrelay/imgrelay)"

const defaultTimeout = 30 * time.Second

// forwardedHeaders is the allow-listed subset of caller headers sent to the
// origin. Everything else stays behind the proxy.
var forwardedHeaders = []string{"User-Agent", "Accept", "Accept-Language", "Referer"}

// deniedHeaders are never forwarded, regardless of source.
var deniedHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"Host":                true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Proxy-Authenticate":  true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Config contains configuration for the origin fetcher.
type Config struct {
	// Timeout bounds the whole fetch, redirects included. Default 30s.
	Timeout time.Duration

	// UserAgent, when set, is always sent instead of the caller's.
	UserAgent string

	// ForwardClientIP sends the caller's IP as X-Forwarded-For. Default off.
	ForwardClientIP bool

	// AllowPrivate disables the private/loopback target checks. Only for
	// local development against origins on the same host.
	AllowPrivate bool

	// RedirectCheck, when set, is an extra predicate applied to every
	// redirect destination after the built-in SSRF rule.
	RedirectCheck func(*url.URL) error

	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// Fetcher implements ports.OriginFetcher.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	lookup  func(ctx context.Context, host string) ([]net.IPAddr, error)
	logger  zerolog.Logger
}

// New creates an origin fetcher.
func New(cfg Config, logger zerolog.Logger) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	f := &Fetcher{
		cfg:    cfg,
		lookup: net.DefaultResolver.LookupIPAddr,
		logger: logger,
	}
	f.client = &http.Client{
		Transport:     transport,
		Timeout:       cfg.Timeout,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

// Fetch downloads sourceURL with the configured header policy and size bound.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string, clientHeaders http.Header, maxBytes int64) (fetch.Outcome, error) {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}

	u, err := url.Parse(sourceURL)
	if err != nil {
		return fetch.Outcome{}, fmt.Errorf("parse source url: %w", err)
	}
	if err := f.validateTarget(ctx, u); err != nil {
		return fetch.Outcome{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fetch.Outcome{}, fmt.Errorf("create request: %w", err)
	}
	req.Header = f.buildHeaders(clientHeaders)

	resp, err := f.client.Do(req)
	if err != nil {
		return fetch.Outcome{}, mapFetchError(err)
	}
	defer resp.Body.Close()

	// Content-Length is untrusted input: reject early when it declares an
	// oversize body, but re-check the actual bytes below regardless.
	if resp.ContentLength > maxBytes {
		return fetch.Outcome{}, fetch.ErrPayloadTooLarge
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return fetch.Outcome{}, mapFetchError(err)
	}
	if int64(len(body)) > maxBytes {
		return fetch.Outcome{}, fetch.ErrPayloadTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	blocked, reason := fetch.Classify(resp.StatusCode, contentType, len(body))

	headers := make(map[string]string)
	for k, v := range resp.Header {
		if deniedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return fetch.Outcome{
		Status:      resp.StatusCode,
		ContentType: contentType,
		Headers:     headers,
		Body:        body,
		Blocked:     blocked,
		BlockReason: reason,
	}, nil
}

// buildHeaders constructs the outbound header set from the allow-listed
// subset of the caller's headers.
func (f *Fetcher) buildHeaders(clientHeaders http.Header) http.Header {
	h := make(http.Header)
	for _, name := range forwardedHeaders {
		if deniedHeaders[name] {
			continue
		}
		if v := clientHeaders.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if f.cfg.UserAgent != "" {
		h.Set("User-Agent", f.cfg.UserAgent)
	} else if h.Get("User-Agent") == "" {
		h.Set("User-Agent", DefaultUserAgent)
	}
	if f.cfg.ForwardClientIP {
		if v := clientHeaders.Get("X-Forwarded-For"); v != "" {
			h.Set("X-Forwarded-For", v)
		}
	}
	return h
}

// checkRedirect re-validates every redirect destination. A failure here is a
// hard error, not a block classification: the fetch must not silently follow
// an attacker-controlled redirect.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("too many redirects")
	}
	if err := f.validateTarget(req.Context(), req.URL); err != nil {
		return fmt.Errorf("%w: %v", fetch.ErrRedirectBlocked, err)
	}
	if f.cfg.RedirectCheck != nil {
		if err := f.cfg.RedirectCheck(req.URL); err != nil {
			return fmt.Errorf("%w: %v", fetch.ErrRedirectBlocked, err)
		}
	}
	return nil
}

// validateTarget is the SSRF guard: scheme must be http(s), and the host
// must not point at a loopback, link-local, private, or otherwise internal
// address. It runs before the first request and on every redirect hop.
func (f *Fetcher) validateTarget(ctx context.Context, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", fetch.ErrUnsupportedScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", fetch.ErrDisallowedTarget)
	}
	if f.cfg.AllowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if disallowedIP(ip) {
			return fmt.Errorf("%w: %s", fetch.ErrDisallowedTarget, ip)
		}
		return nil
	}

	addrs, err := f.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if disallowedIP(a.IP) {
			return fmt.Errorf("%w: %s resolves to %s", fetch.ErrDisallowedTarget, host, a.IP)
		}
	}
	return nil
}

func disallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// mapFetchError folds transport errors into the fetch error taxonomy.
// Redirect-validation errors pass through wrapped in *url.Error.
func mapFetchError(err error) error {
	if errors.Is(err, fetch.ErrRedirectBlocked) || errors.Is(err, fetch.ErrDisallowedTarget) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", fetch.ErrUpstreamTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", fetch.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("origin fetch: %w", err)
}

// Ensure interface compliance.
var _ ports.OriginFetcher = (*Fetcher)(nil)
