// Package llmerrors provides structured error classification for upstream LLM calls.
package llmerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind represents the category of an upstream failure.
type Kind int8

const (
	// Retryable kinds.

	// RateLimited represents 429 responses and rate-limit markers.
	RateLimited Kind = iota
	// Unavailable represents 5xx, network failures and timeouts.
	Unavailable

	// Non-retryable kinds.

	// Unauthorized represents 401/403 and auth markers.
	Unauthorized
	// QuotaExceeded represents quota or billing markers.
	QuotaExceeded
	// InvalidRequest represents 400 and malformed request markers.
	InvalidRequest
	// ContentPolicy represents content moderation rejections.
	ContentPolicy
	// Unknown represents anything that could not be classified.
	Unknown
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Unavailable:
		return "unavailable"
	case Unauthorized:
		return "unauthorized"
	case QuotaExceeded:
		return "quota_exceeded"
	case InvalidRequest:
		return "invalid_request"
	case ContentPolicy:
		return "content_policy"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Retryable reports whether a retry can fix this kind of failure.
func (k Kind) Retryable() bool {
	return k == RateLimited || k == Unavailable
}

// UserMessage returns a short, stable message for the kind that callers can render
// regardless of how the upstream worded its error.
func (k Kind) UserMessage() string {
	switch k {
	case RateLimited:
		return "The service is busy right now. Please try again in a moment."
	case Unavailable:
		return "The service is temporarily unavailable. Please try again later."
	case Unauthorized:
		return "The request was not authorized by the service."
	case QuotaExceeded:
		return "The usage quota for this service has been exceeded."
	case InvalidRequest:
		return "The request was rejected as invalid."
	case ContentPolicy:
		return "The request was blocked by the content policy."
	default:
		return "Something went wrong while generating a response."
	}
}

// Error represents a classified upstream error.
type Error struct {
	Err        error         // Wrapped underlying error
	Message    string        // Raw message from the provider or transport
	BodyStub   string        // First portion of response body
	RetryAfter time.Duration // Retry-After hint from the provider, if any
	Kind       Kind          // Classified kind
	StatusCode int           // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("llm error (%s): %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("llm error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("llm error (%s): status %d", e.Kind, e.StatusCode)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorKind returns the classified kind.
func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// UserMessage returns the stable, human-readable message for the error's kind.
func (e *Error) UserMessage() string {
	return e.Kind.UserMessage()
}

// IsRetryable returns whether this error should be retried.
func (e *Error) IsRetryable() bool {
	return e.Kind.Retryable()
}

// Kinded is implemented by errors from other packages that know their own kind.
type Kinded interface {
	error
	ErrorKind() Kind
}

// Is checks if an error carries a specific kind.
func Is(err error, kind Kind) bool {
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind() == kind
	}
	return false
}

// KindOf returns the kind of err, classifying it if nothing in its chain knows its
// own kind. Nil yields Unknown.
func KindOf(err error) Kind {
	return Classify(err)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && Classify(err).Retryable()
}

// New creates a new classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewWithStatus creates a new classified error carrying an HTTP status.
func NewWithStatus(kind Kind, statusCode int, message string) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Message: message}
}

// NewWithCause creates a new classified error wrapping another error.
func NewWithCause(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Err: cause, Message: message}
}

// AsError converts any error into a classified *Error, preserving an existing
// classification found in the chain. It returns nil for a nil error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: Classify(err), Err: err, Message: err.Error()}
}
