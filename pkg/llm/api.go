// Package llm provides the request types and client interfaces shared by every layer
// of the streaming pipeline.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"streamgate/pkg/sse"
)

// Role represents the role of a message in a conversation.
type Role string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem Role = "system"
	// RoleUser indicates a message from the human user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant Role = "assistant"
)

// Endpoint classes with built-in limiter defaults.
const (
	ClassChat  = "chat"
	ClassImage = "image"
	ClassAudio = "audio"
)

// TemperatureDefault is used when a request leaves sampling unset.
const TemperatureDefault = 0.7

// Message is one entry of the conversation sent upstream.
type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// Sampling holds the generation parameters forwarded to the provider.
type Sampling struct {
	Temperature      float64 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int     `json:"max_tokens,omitempty" validate:"gte=0"`
	TopP             float64 `json:"top_p,omitempty" validate:"gte=0,lte=1"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty" validate:"gte=-2,lte=2"`
	PresencePenalty  float64 `json:"presence_penalty,omitempty" validate:"gte=-2,lte=2"`
}

// RetryOverride tightens the endpoint class retry policy for one request. Values
// above the class configuration are clamped to it. In JSON, backoffs are given as
// duration strings ("250ms", "2s") or as integer milliseconds.
type RetryOverride struct {
	MaxRetries *int           `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=10"`
	MinBackoff *time.Duration `json:"min_backoff,omitempty" validate:"omitempty,gte=0,lte=1m"`
	MaxBackoff *time.Duration `json:"max_backoff,omitempty" validate:"omitempty,gte=0,lte=1m"`
}

type retryOverrideJSON struct {
	MaxRetries *int            `json:"max_retries,omitempty"`
	MinBackoff json.RawMessage `json:"min_backoff,omitempty"`
	MaxBackoff json.RawMessage `json:"max_backoff,omitempty"`
}

// UnmarshalJSON accepts backoffs as duration strings or milliseconds.
func (o *RetryOverride) UnmarshalJSON(data []byte) error {
	var raw retryOverrideJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("retry override: %w", err)
	}
	minBackoff, err := parseBackoff("min_backoff", raw.MinBackoff)
	if err != nil {
		return err
	}
	maxBackoff, err := parseBackoff("max_backoff", raw.MaxBackoff)
	if err != nil {
		return err
	}
	*o = RetryOverride{MaxRetries: raw.MaxRetries, MinBackoff: minBackoff, MaxBackoff: maxBackoff}
	return nil
}

// MarshalJSON writes backoffs as duration strings.
func (o RetryOverride) MarshalJSON() ([]byte, error) {
	out := struct {
		MaxRetries *int   `json:"max_retries,omitempty"`
		MinBackoff string `json:"min_backoff,omitempty"`
		MaxBackoff string `json:"max_backoff,omitempty"`
	}{MaxRetries: o.MaxRetries}
	if o.MinBackoff != nil {
		out.MinBackoff = o.MinBackoff.String()
	}
	if o.MaxBackoff != nil {
		out.MaxBackoff = o.MaxBackoff.String()
	}
	return json.Marshal(out) //nolint:wrapcheck // plain struct of strings
}

func parseBackoff(field string, raw json.RawMessage) (*time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil //nolint:nilnil // absent field
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		d, err := time.ParseDuration(text)
		if err != nil {
			return nil, fmt.Errorf("retry override %s: %w", field, err)
		}
		return &d, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("retry override %s: want a duration string or milliseconds, got %s", field, raw)
	}
	d := time.Duration(ms) * time.Millisecond
	return &d, nil
}

// Request describes one logical streaming call. It is a value owned by the call
// that created it.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Request struct {
	ID            string         `json:"id,omitempty"`
	ServiceID     string         `json:"service" validate:"required"`
	EndpointClass string         `json:"endpoint_class"`
	Model         string         `json:"model" validate:"required"`
	Messages      []Message      `json:"messages" validate:"required,min=1,dive"`
	Sampling      Sampling       `json:"sampling"`
	Retry         *RetryOverride `json:"retry,omitempty"`
}

// Class returns the endpoint class, defaulting to chat.
//
//nolint:gocritic // Request is passed by value throughout the pipeline
func (r Request) Class() string {
	if r.EndpointClass == "" {
		return ClassChat
	}
	return r.EndpointClass
}

// Stream is an open upstream response.
type Stream interface {
	// Recv returns the next delta or the done event. Inline provider errors and
	// transport failures are returned as errors. After the done event or an error,
	// Recv returns io.EOF.
	Recv() (sse.Event, error)

	// Close releases the underlying connection. It is safe to call more than once.
	Close() error
}

// Client opens streams against an upstream service.
type Client interface {
	// Stream establishes a streaming completion. Errors returned here happened
	// before any content was produced and are eligible for retry.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// ClientFunc adapts a plain function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (Stream, error)

// Stream calls f.
func (f ClientFunc) Stream(ctx context.Context, req Request) (Stream, error) {
	return f(ctx, req)
}

// NewRequest creates a chat request with default sampling.
func NewRequest(serviceID, model string, messages []Message) Request {
	return Request{
		ServiceID:     serviceID,
		EndpointClass: ClassChat,
		Model:         model,
		Messages:      messages,
		Sampling: Sampling{
			Temperature: TemperatureDefault,
			MaxTokens:   1024,
		},
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}
