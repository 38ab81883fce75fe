package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"429 status", 429, "", RateLimited},
		{"rate limit marker on 400", 400, `{"error":{"type":"rate_limit_error","message":"slow down"}}`, RateLimited},
		{"500", 500, "internal", Unavailable},
		{"503 with json", 503, `{"error":{"message":"overloaded right now"}}`, Unavailable},
		{"502", 502, "", Unavailable},
		{"401", 401, "", Unauthorized},
		{"403", 403, `{"error":"forbidden"}`, Unauthorized},
		{"auth marker on 200", 0, `{"error":{"code":"invalid_api_key"}}`, Unauthorized},
		{"quota marker", 402, `{"error":{"code":"insufficient_quota","message":"You exceeded your current quota"}}`, QuotaExceeded},
		{"content policy marker", 400, `{"error":{"code":"content_policy_violation"}}`, ContentPolicy},
		{"400 plain", 400, `{"error":{"message":"missing field"}}`, InvalidRequest},
		{"invalid request marker", 422, `{"error":{"type":"invalid_request_error"}}`, InvalidRequest},
		{"non json body", 418, "i am a teapot", Unknown},
		{"empty", 0, "", Unknown},
		{"404", 404, "", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyResponse(tt.status, []byte(tt.body)))
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransportErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"deadline exceeded", context.DeadlineExceeded, Unavailable},
		{"wrapped deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), Unavailable},
		{"first byte timeout", fmt.Errorf("read: %w", ErrTimeout), Unavailable},
		{"net timeout", timeoutErr{}, Unavailable},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, Unavailable},
		{"unexpected eof", io.ErrUnexpectedEOF, Unavailable},
		{"canceled is not a service fault", context.Canceled, Unknown},
		{"classified error keeps kind", New(ContentPolicy, "blocked"), ContentPolicy},
		{"wrapped classified error", fmt.Errorf("stream: %w", New(QuotaExceeded, "x")), QuotaExceeded},
		{"string marker", errors.New("429 Too Many Requests"), RateLimited},
		{"garbage", errors.New("something odd"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	retryable := map[Kind]bool{
		RateLimited:    true,
		Unavailable:    true,
		Unauthorized:   false,
		QuotaExceeded:  false,
		InvalidRequest: false,
		ContentPolicy:  false,
		Unknown:        false,
	}
	for kind, want := range retryable {
		assert.Equal(t, want, kind.Retryable(), kind.String())
	}
}

func TestUserMessageIsStable(t *testing.T) {
	a := NewWithStatus(RateLimited, 429, "Rate limit reached for gpt-4 in organization org-123")
	b := NewWithStatus(RateLimited, 429, "slow down please")

	assert.Equal(t, a.UserMessage(), b.UserMessage())
	assert.NotContains(t, a.UserMessage(), "org-123")
	assert.NotEqual(t, RateLimited.UserMessage(), Unavailable.UserMessage())
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	classified := New(Unauthorized, "bad key")
	assert.Same(t, classified, AsError(fmt.Errorf("wrap: %w", classified)))

	converted := AsError(context.DeadlineExceeded)
	assert.Equal(t, Unavailable, converted.Kind)
	assert.ErrorIs(t, converted, context.DeadlineExceeded)
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(Unavailable, "down"))
	assert.True(t, Is(err, Unavailable))
	assert.False(t, Is(err, RateLimited))
	assert.False(t, Is(errors.New("plain"), Unknown))
}

func TestKindOfAndIsRetryable(t *testing.T) {
	assert.Equal(t, QuotaExceeded, KindOf(fmt.Errorf("call: %w", New(QuotaExceeded, "out of credit"))))
	assert.Equal(t, RateLimited, KindOf(errors.New("429 Too Many Requests")))
	assert.Equal(t, Unknown, KindOf(nil))

	assert.True(t, IsRetryable(New(Unavailable, "down")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(New(ContentPolicy, "blocked")))
	assert.False(t, IsRetryable(nil))
}

func TestMessageFromBody(t *testing.T) {
	assert.Equal(t, "bad things", MessageFromBody([]byte(`{"error":{"message":"bad things"}}`)))
	assert.Equal(t, "flat", MessageFromBody([]byte(`{"error":"flat"}`)))
	assert.Equal(t, "not json", MessageFromBody([]byte(" not json ")))
}
