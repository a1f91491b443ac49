// Package request provides parsing and validation of inbound image requests.
// All functions are pure - no side effects.
package request

import (
	"net/url"
	"strings"
)

// Descriptor describes one inbound image request (immutable value type).
// It is built once per request and passed through the pipeline unchanged.
type Descriptor struct {
	// Domain is the origin host the image belongs to (first path segment).
	Domain string

	// Path is the decoded image path on the origin, always starting with "/".
	Path string

	// SourceURL is the reconstructed origin URL (https, percent-encoded path).
	SourceURL string

	// CacheKey addresses the stored entry: Domain + Path.
	CacheKey string

	// ForceReprocess bypasses the cache lookup and re-fetches from origin.
	ForceReprocess bool

	// View requests the debug HTML viewer instead of raw image bytes.
	View bool
}

// ErrorResponse represents an error to return to the client (value type).
type ErrorResponse struct {
	Status  int
	Code    string
	Message string
}

func (e ErrorResponse) Error() string {
	return e.Message
}

// Common error responses
var (
	ErrMalformedRequest = ErrorResponse{
		Status:  400,
		Code:    "malformed_request",
		Message: "Request path must be /{domain}/{path}",
	}
	ErrInvalidDomain = ErrorResponse{
		Status:  400,
		Code:    "invalid_domain",
		Message: "Domain is not a valid hostname",
	}
	ErrForbiddenOrigin = ErrorResponse{
		Status:  403,
		Code:    "origin_not_allowed",
		Message: "Origin is not in the allow-list",
	}
)

// Parse builds a Descriptor from a request path of the form
// /{domain}/{path...} and its query parameters.
func Parse(path string, query url.Values) (Descriptor, error) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Descriptor{}, ErrMalformedRequest
	}

	domain := strings.ToLower(parts[0])
	if !IsValidDomain(domain) {
		return Descriptor{}, ErrInvalidDomain
	}

	decoded, encoded := normalizePath(parts[1])

	d := Descriptor{
		Domain:         domain,
		Path:           "/" + decoded,
		SourceURL:      "https://" + domain + "/" + encoded,
		ForceReprocess: flagSet(query.Get("force")),
		View:           flagSet(query.Get("view")),
	}
	d.CacheKey = d.Domain + d.Path
	return d, nil
}

// normalizePath percent-decodes each path segment and re-encodes it, so the
// origin URL is well-formed regardless of how the caller encoded the path.
func normalizePath(raw string) (decoded, encoded string) {
	segs := strings.Split(raw, "/")
	dec := make([]string, len(segs))
	enc := make([]string, len(segs))
	for i, seg := range segs {
		u, err := url.PathUnescape(seg)
		if err != nil {
			u = seg
		}
		dec[i] = u
		enc[i] = url.PathEscape(u)
	}
	return strings.Join(dec, "/"), strings.Join(enc, "/")
}

func flagSet(v string) bool {
	return v == "true" || v == "1"
}

// IsValidDomain reports whether s is localhost, a dotted-quad IPv4 address,
// or an RFC-1123 style DNS name.
func IsValidDomain(s string) bool {
	if s == "localhost" {
		return true
	}
	if isIPv4(s) {
		return true
	}
	return isDNSName(s)
}

func isIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false
		}
		if len(p) > 1 && p[0] == '0' {
			return false
		}
	}
	return true
}

func isDNSName(s string) bool {
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if !isDNSLabel(l) {
			return false
		}
	}
	return true
}

func isDNSLabel(l string) bool {
	if len(l) == 0 || len(l) > 63 {
		return false
	}
	for i, c := range l {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
			if i == 0 || i == len(l)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// OriginAllowed checks host against a comma-separated origin allow-list.
// "*" allows everything, "*.suffix" matches by hostname suffix, and plain
// entries match exactly. Matching is case-insensitive.
func OriginAllowed(allowList, host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, entry := range strings.Split(allowList, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
			continue
		case entry == "*":
			return true
		case strings.HasPrefix(entry, "*."):
			if strings.HasSuffix(host, entry[1:]) {
				return true
			}
		case entry == host:
			return true
		}
	}
	return false
}
