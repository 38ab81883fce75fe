// Package transport opens streaming completions against OpenAI-compatible HTTP
// endpoints and adapts their SSE bodies to llm.Stream.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"streamgate/pkg/llm"
	"streamgate/pkg/llmerrors"
	"streamgate/pkg/logx"
)

// maxErrorBody bounds how much of a non-2xx body is read for classification.
const maxErrorBody = 4 << 10

// maxBodyStub bounds the body excerpt kept on classified errors.
const maxBodyStub = 512

// Transport sends one HTTP request. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// Service describes one upstream endpoint.
type Service struct {
	ID      string
	BaseURL string
	Path    string
	Headers map[string]string
}

// URL returns the completion endpoint of the service.
func (s Service) URL() string {
	return strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(s.Path, "/")
}

// Client implements llm.Client over HTTP.
type Client struct {
	transport Transport
	services  map[string]Service
	logger    *logx.Logger
}

// New creates a client that sends requests through t. A nil t uses a plain
// *http.Client without an overall timeout; streams are bounded by data deadlines.
func New(t Transport, services []Service) *Client {
	if t == nil {
		t = &http.Client{}
	}
	byID := make(map[string]Service, len(services))
	for _, svc := range services {
		byID[svc.ID] = svc
	}
	return &Client{
		transport: t,
		services:  byID,
		logger:    logx.NewLogger("transport"),
	}
}

// Services returns the ids of all configured services, sorted.
func (c *Client) Services() []string {
	ids := make([]string, 0, len(c.services))
	for id := range c.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// wireRequest is the OpenAI-compatible chat completion body.
type wireRequest struct {
	Model            string        `json:"model"`
	Messages         []llm.Message `json:"messages"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	TopP             float64       `json:"top_p,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
	Stream           bool          `json:"stream"`
}

func encodeRequest(req llm.Request) ([]byte, error) {
	body, err := json.Marshal(wireRequest{
		Model:            req.Model,
		Messages:         req.Messages,
		Temperature:      req.Sampling.Temperature,
		MaxTokens:        req.Sampling.MaxTokens,
		TopP:             req.Sampling.TopP,
		FrequencyPenalty: req.Sampling.FrequencyPenalty,
		PresencePenalty:  req.Sampling.PresencePenalty,
		Stream:           true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return body, nil
}

// Stream sends the request and waits for the first event. Failures before that
// point, including a leading inline error frame, are returned here so they can be
// retried; later failures are reported by the stream.
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	svc, ok := c.services[req.ServiceID]
	if !ok {
		return nil, llmerrors.New(llmerrors.InvalidRequest, fmt.Sprintf("unknown service %q", req.ServiceID))
	}

	body, err := encodeRequest(req)
	if err != nil {
		return nil, llmerrors.NewWithCause(llmerrors.InvalidRequest, err, "encoding request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, llmerrors.NewWithCause(llmerrors.InvalidRequest, err, "building request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	for k, v := range svc.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}

	logx.Debug(ctx, "transport", "POST %s model=%s messages=%d", svc.URL(), req.Model, len(req.Messages))

	resp, err := c.transport.Do(httpReq)
	if err != nil {
		return nil, requestError(ctx, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		statusErr := statusError(resp)
		c.logger.WarnCtx(ctx, "%s returned %d (%s)", svc.ID, resp.StatusCode, statusErr.Kind)
		return nil, statusErr
	}

	respBody := resp.Body
	if onActivity := llm.ActivityFrom(ctx); onActivity != nil {
		respBody = &activityBody{ReadCloser: respBody, onActivity: onActivity}
	}
	s := newEventStream(ctx, respBody)
	first, err := s.Recv()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.peeked = &first
	return s, nil
}

// activityBody reports every non-empty read, so SSE comments and partial frames
// count as upstream liveness.
type activityBody struct {
	io.ReadCloser
	onActivity func()
}

func (b *activityBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.onActivity()
	}
	return n, err //nolint:wrapcheck // io.Reader contract
}

// requestError converts a failed round trip into a classified error. Context
// cancellation is reported through the context's cause.
func requestError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("upstream request aborted: %w", context.Cause(ctx))
	}
	return llmerrors.NewWithCause(llmerrors.Classify(err), err, "upstream request failed")
}

// statusError classifies a non-2xx response from its status, body and headers.
func statusError(resp *http.Response) *llmerrors.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	message := llmerrors.MessageFromBody(body)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	stub := string(body)
	if len(stub) > maxBodyStub {
		stub = stub[:maxBodyStub]
	}

	return &llmerrors.Error{
		Kind:       llmerrors.ClassifyResponse(resp.StatusCode, body),
		StatusCode: resp.StatusCode,
		Message:    message,
		BodyStub:   stub,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
