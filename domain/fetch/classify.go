// Package fetch provides value types and classification for origin responses.
// All functions are pure - no side effects.
package fetch

import (
	"errors"
	"fmt"
	"strings"
)

// ChallengeSizeThreshold separates small HTML challenge/interstitial pages
// from full HTML documents served where an image was expected.
const ChallengeSizeThreshold = 50000

// Block reasons assigned by Classify.
const (
	ReasonRateLimited       = "rate_limited"
	ReasonHTMLChallengePage = "html_challenge_page"
	ReasonHTMLInsteadOfImg  = "html_instead_of_image"
	ReasonTextInsteadOfImg  = "text_instead_of_image"
	ReasonJSONInsteadOfImg  = "json_instead_of_image"
	ReasonNonImageContent   = "non_image_content_type"
)

// Sentinel errors for fetch failures. These are hard failures, distinct from
// the advisory block classification.
var (
	ErrUnsupportedScheme = errors.New("url scheme must be http or https")
	ErrDisallowedTarget  = errors.New("target address is not allowed")
	ErrRedirectBlocked   = errors.New("redirect destination rejected")
	ErrUpstreamTimeout   = errors.New("origin fetch timed out")
	ErrPayloadTooLarge   = errors.New("origin response exceeds size limit")
)

// Outcome is the transient result of one origin fetch.
type Outcome struct {
	Status      int
	ContentType string
	Headers     map[string]string
	Body        []byte

	// Blocked marks responses that look like a WAF/challenge page or other
	// non-image substitute. Advisory: callers decide how to react.
	Blocked     bool
	BlockReason string
}

// OK reports whether the origin answered with a 2xx status.
func (o Outcome) OK() bool {
	return o.Status >= 200 && o.Status < 300
}

// Classify inspects a completed origin response and decides whether it is a
// block/challenge page rather than real image content. It never fails: the
// result feeds into Outcome.Blocked/BlockReason.
func Classify(status int, contentType string, bodyLen int) (blocked bool, reason string) {
	switch status {
	case 401, 403:
		return true, fmt.Sprintf("http_%d", status)
	case 429:
		return true, ReasonRateLimited
	}

	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch {
	case ct == "":
		return false, ""
	case strings.HasPrefix(ct, "text/html"):
		if bodyLen < ChallengeSizeThreshold {
			return true, ReasonHTMLChallengePage
		}
		return true, ReasonHTMLInsteadOfImg
	case strings.HasPrefix(ct, "text/"):
		return true, ReasonTextInsteadOfImg
	case ct == "application/json":
		return true, ReasonJSONInsteadOfImg
	case !strings.HasPrefix(ct, "image/"):
		return true, ReasonNonImageContent
	}
	return false, ""
}

// IsContentSubstitution reports whether reason marks a body that replaced
// the expected image with challenge, HTML, text, or JSON content.
func IsContentSubstitution(reason string) bool {
	switch reason {
	case ReasonHTMLChallengePage, ReasonHTMLInsteadOfImg, ReasonTextInsteadOfImg, ReasonJSONInsteadOfImg:
		return true
	}
	return false
}

// imageContentTypes is the fixed set of MIME types accepted for storage.
var imageContentTypes = []string{
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/avif",
	"image/svg+xml",
	"image/bmp",
	"image/tiff",
	"image/x-icon",
}

// IsImageContentType reports whether ct names a supported image type.
// Matching is by substring, case-insensitive, so parameterized values like
// "image/jpeg; charset=binary" pass.
func IsImageContentType(ct string) bool {
	lower := strings.ToLower(ct)
	for _, want := range imageContentTypes {
		if strings.Contains(lower, want) {
			return true
		}
	}
	return false
}
