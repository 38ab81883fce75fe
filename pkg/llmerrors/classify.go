package llmerrors

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/tidwall/gjson"
)

// ErrTimeout is returned when an upstream produced no bytes within its deadline.
var ErrTimeout = errors.New("upstream timed out waiting for data")

// Marker lists checked against error bodies, lowercased.
//
//nolint:gochecknoglobals // Read-only lookup tables
var (
	rateLimitMarkers     = []string{"rate_limit", "rate limit", "ratelimit", "too many requests"}
	authMarkers          = []string{"unauthorized", "invalid_api_key", "invalid api key", "authentication", "permission_denied", "forbidden"}
	quotaMarkers         = []string{"insufficient_quota", "quota", "billing", "credit balance", "payment required"}
	contentPolicyMarkers = []string{"content_policy", "content policy", "content_filter", "safety", "moderation"}
	invalidMarkers       = []string{"invalid_request", "invalid request", "bad request", "context_length_exceeded", "validation"}
)

// bodyFields are the JSON paths providers use for error descriptions.
//
//nolint:gochecknoglobals // Read-only lookup table
var bodyFields = []string{"error.type", "error.code", "error.message", "error.status", "type", "code", "message"}

// ClassifyResponse maps an HTTP status and optional response body to a Kind.
// A status of 0 classifies the body alone, which is how inline stream errors are handled.
func ClassifyResponse(status int, body []byte) Kind {
	text := markerText(body)

	switch {
	case status == 429 || containsAny(text, rateLimitMarkers):
		return RateLimited
	case status >= 500 && status <= 599:
		return Unavailable
	case status == 401 || status == 403 || containsAny(text, authMarkers):
		return Unauthorized
	case containsAny(text, quotaMarkers):
		return QuotaExceeded
	case containsAny(text, contentPolicyMarkers):
		return ContentPolicy
	case status == 400 || containsAny(text, invalidMarkers):
		return InvalidRequest
	default:
		return Unknown
	}
}

// Classify maps an arbitrary error to a Kind. It never panics; unclassifiable
// input yields Unknown.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}

	if isTransportFailure(err) {
		return Unavailable
	}

	return ClassifyResponse(0, []byte(err.Error()))
}

// isTransportFailure reports timeouts and connection-level failures.
func isTransportFailure(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// MessageFromBody extracts the provider's human-readable message from an error body.
func MessageFromBody(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return strings.TrimSpace(string(body))
}

// markerText returns the lowercased text that marker lists are matched against.
func markerText(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !gjson.ValidBytes(body) {
		return strings.ToLower(string(body))
	}

	var b strings.Builder
	for _, path := range bodyFields {
		if v := gjson.GetBytes(body, path); v.Exists() {
			b.WriteString(strings.ToLower(v.String()))
			b.WriteByte(' ')
		}
	}
	// {"error": "plain string"}
	if v := gjson.GetBytes(body, "error"); v.Type == gjson.String {
		b.WriteString(strings.ToLower(v.String()))
	}
	return b.String()
}

func containsAny(text string, markers []string) bool {
	if text == "" {
		return false
	}
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
