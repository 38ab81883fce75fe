// Package streaming composes the resilience pipeline around an upstream client and
// delivers streamed completions to callers through callbacks.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"streamgate/pkg/config"
	"streamgate/pkg/llm"
	"streamgate/pkg/llmerrors"
	"streamgate/pkg/logx"
	"streamgate/pkg/middleware/metrics"
	"streamgate/pkg/middleware/resilience/circuit"
	"streamgate/pkg/middleware/resilience/concurrency"
	"streamgate/pkg/middleware/resilience/ratelimit"
	"streamgate/pkg/middleware/resilience/retry"
	"streamgate/pkg/middleware/resilience/timeout"
	"streamgate/pkg/sse"
	"streamgate/pkg/utils"
)

// ServiceUnavailableMessage is the message of errors synthesized for an open breaker.
const ServiceUnavailableMessage = "service unavailable"

// Handler receives the outcome of a streamed completion. Exactly one of OnDone or
// OnError is called, after zero or more OnToken calls, unless the call is cancelled,
// in which case nothing more is called. Nil callbacks are skipped.
type Handler struct {
	OnToken func(text string)
	OnDone  func(result Result)
	OnError func(err *llmerrors.Error)
}

// Result summarizes a completed stream.
type Result struct {
	Content  string        `json:"content"`
	Attempts int           `json:"attempts"` // Establishment attempts; zero when served by a fallback
	Duration time.Duration `json:"duration"`
	Tokens   int           `json:"tokens"` // Estimated completion tokens
}

// CircuitState is the externally visible state of one service's breaker.
type CircuitState struct {
	Service         string        `json:"service"`
	State           circuit.State `json:"state"`
	FailureCount    int           `json:"failure_count"`
	LastFailureTime time.Time     `json:"last_failure_time"`
}

// LimiterStats reports every rate and concurrency limiter.
type LimiterStats struct {
	RateLimits  []ratelimit.Stats   `json:"rate_limits"`
	Concurrency []concurrency.Stats `json:"concurrency"`
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder sets the metrics recorder. The default discards metrics.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithFallback sets the answer source used while a breaker is open. Services with a
// configured fallback message use that message first.
func WithFallback(f circuit.Fallback) Option {
	return func(o *Orchestrator) { o.fallback = f }
}

// WithClock replaces the breaker clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.breakerOpts = append(o.breakerOpts, circuit.WithClock(now)) }
}

// WithRetryOptions adds options to every retry policy, for tests.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *Orchestrator) { o.retryOpts = append(o.retryOpts, opts...) }
}

// Orchestrator owns the breakers, limiters and retry policies of a process and runs
// each request through them. It is safe for concurrent use.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Orchestrator struct {
	cfg      *config.Config
	client   llm.Client
	recorder metrics.Recorder
	fallback circuit.Fallback
	counter  *utils.TokenCounter
	validate *validator.Validate
	logger   *logx.Logger

	breakers    *circuit.Registry
	rates       *ratelimit.Map
	concurrency *concurrency.Map

	breakerOpts []circuit.Option
	retryOpts   []retry.Option
	policiesMu  sync.Mutex
	policies    map[string]*retry.Policy
}

// New builds an orchestrator around upstream, which performs the actual network
// call. The pipeline, outermost first, is metrics, concurrency limit, rate limit,
// circuit breaker, retry, data deadlines, upstream.
func New(cfg *config.Config, upstream llm.Client, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		recorder: metrics.Nop(),
		validate: validator.New(),
		counter:  utils.DefaultTokenCounter(),
		logger:   logx.NewLogger("streaming"),
		policies: make(map[string]*retry.Policy),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.breakers = circuit.NewRegistry(append(o.breakerOpts, circuit.WithStateChange(o.onStateChange))...)
	o.rates = ratelimit.NewMap(cfg.RateLimit)
	o.concurrency = concurrency.NewMap(cfg.Concurrency)

	o.client = llm.Chain(upstream,
		metrics.Middleware(o.recorder, o.counter, o.logger),
		concurrency.Middleware(o.concurrency),
		ratelimit.Middleware(o.rates, cfg.RateLimitLogThreshold, o.onThrottle),
		circuit.Middleware(o.breakers, o.breakerConfig, o.serveFallback),
		retry.Middleware(o.policyFor, o.onRetry),
		timeout.Middleware(cfg.Timeout()),
	)
	return o
}

// StreamCompletion runs the request in a new goroutine and returns immediately.
// The returned channel is closed once the handler has received its last callback.
// Cancelling ctx aborts the call; no callbacks follow the cancellation.
//
//nolint:gocritic // Request is passed by value throughout the pipeline
func (o *Orchestrator) StreamCompletion(ctx context.Context, req llm.Request, h Handler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Run(ctx, req, h)
	}()
	return done
}

// Run is the synchronous form of StreamCompletion. It returns the result passed to
// OnDone, the error passed to OnError, or the context's error after cancellation.
//
//nolint:gocritic // Request is passed by value throughout the pipeline
func (o *Orchestrator) Run(ctx context.Context, req llm.Request, h Handler) (Result, error) {
	req, err := o.prepare(req)
	if err != nil {
		return Result{}, o.fail(ctx, h, err)
	}

	ctx = logx.WithRequestID(ctx, req.ID)
	ctx, attempts := retry.WithAttemptCounter(ctx)
	start := time.Now()

	stream, err := o.client.Stream(ctx, req)
	if err != nil {
		return Result{}, o.fail(ctx, h, err)
	}
	defer stream.Close()

	var content strings.Builder
	for {
		ev, err := stream.Recv()
		if ctx.Err() != nil {
			return Result{}, ctx.Err() //nolint:wrapcheck // Context errors pass through unchanged
		}
		if errors.Is(err, io.EOF) {
			err = llmerrors.New(llmerrors.Unavailable, "stream ended before completion marker")
		}
		if err != nil {
			return Result{}, o.fail(ctx, h, err)
		}

		switch ev.Type {
		case sse.EventDelta:
			content.WriteString(ev.Text)
			if h.OnToken != nil {
				h.OnToken(ev.Text)
			}
		case sse.EventDone:
			result := Result{
				Content:  content.String(),
				Attempts: attempts(),
				Duration: time.Since(start),
				Tokens:   o.counter.CountTokens(content.String()),
			}
			o.logger.InfoCtx(ctx, "completed %s/%s in %dms (attempts=%d tokens=%d)",
				req.ServiceID, req.Model, result.Duration.Milliseconds(), result.Attempts, result.Tokens)
			if h.OnDone != nil {
				h.OnDone(result)
			}
			return result, nil
		case sse.EventError:
			// Streams report inline errors through Recv's error.
		}
	}
}

// prepare fills request defaults and validates it.
//
//nolint:gocritic // Request is passed by value throughout the pipeline
func (o *Orchestrator) prepare(req llm.Request) (llm.Request, error) {
	if req.ID == "" {
		req.ID = NewRequestID()
	}
	req.EndpointClass = req.Class()
	if err := o.validate.Struct(req); err != nil {
		return req, llmerrors.NewWithCause(llmerrors.InvalidRequest, err, fmt.Sprintf("invalid request: %v", err))
	}
	return req, nil
}

// fail reports a terminal error unless the caller has gone away.
func (o *Orchestrator) fail(ctx context.Context, h Handler, err error) error {
	if ctx.Err() != nil {
		return ctx.Err() //nolint:wrapcheck // Context errors pass through unchanged
	}

	terminal := Terminal(err)
	o.logger.WarnCtx(ctx, "request failed: %v", terminal)
	if h.OnError != nil {
		h.OnError(terminal)
	}
	return terminal
}

// Terminal converts any pipeline error into the error handed to callers. Breaker
// rejections become an Unavailable "service unavailable" error.
func Terminal(err error) *llmerrors.Error {
	var rejected *circuit.Error
	if errors.As(err, &rejected) {
		return llmerrors.NewWithCause(llmerrors.Unavailable, err, ServiceUnavailableMessage)
	}
	return llmerrors.AsError(err)
}

// NewRequestID returns a short request id for logs.
func NewRequestID() string {
	return "req_" + uuid.NewString()[:8]
}

// GetCircuitState returns the breaker state of a service. Services that have not
// been called yet report a closed breaker.
func (o *Orchestrator) GetCircuitState(serviceID string) CircuitState {
	b, ok := o.breakers.Lookup(serviceID)
	if !ok {
		return CircuitState{Service: serviceID, State: circuit.Closed}
	}
	stats := b.Stats()
	return CircuitState{
		Service:         serviceID,
		State:           stats.State,
		FailureCount:    stats.FailureCount,
		LastFailureTime: stats.LastFailureTime,
	}
}

// Circuits returns the full stats of every breaker.
func (o *Orchestrator) Circuits() []circuit.Stats {
	return o.breakers.Snapshot()
}

// ResetCircuit forces a service's breaker closed. It reports whether the breaker existed.
func (o *Orchestrator) ResetCircuit(serviceID string) bool {
	ok := o.breakers.Reset(serviceID)
	if ok {
		o.logger.Info("circuit for %s reset by operator", serviceID)
	}
	return ok
}

// LimiterStats returns the state of every limiter.
func (o *Orchestrator) LimiterStats() LimiterStats {
	return LimiterStats{
		RateLimits:  o.rates.Stats(),
		Concurrency: o.concurrency.Stats(),
	}
}

//nolint:gocritic // Request is passed by value throughout the pipeline
func (o *Orchestrator) breakerConfig(req llm.Request) circuit.Config {
	return o.cfg.Breaker(req.ServiceID, req.Class())
}

//nolint:gocritic // Request is passed by value throughout the pipeline
func (o *Orchestrator) policyFor(req llm.Request) *retry.Policy {
	class := req.Class()
	o.policiesMu.Lock()
	defer o.policiesMu.Unlock()

	if p, ok := o.policies[class]; ok {
		return p
	}
	p := retry.NewPolicy(o.cfg.Retry(class), o.retryOpts...)
	o.policies[class] = p
	return p
}

//nolint:gocritic // Request is passed by value throughout the pipeline
func (o *Orchestrator) serveFallback(ctx context.Context, req llm.Request, rejected *circuit.Error) (string, error) {
	if svc, ok := o.cfg.Services[req.ServiceID]; ok && svc.Fallback != "" {
		o.logger.WarnCtx(ctx, "circuit %s for %s, serving configured fallback", rejected.State, req.ServiceID)
		return svc.Fallback, nil
	}
	if o.fallback != nil {
		o.logger.WarnCtx(ctx, "circuit %s for %s, serving fallback", rejected.State, req.ServiceID)
		return o.fallback(ctx, req, rejected)
	}
	return "", circuit.ErrNoFallback
}

func (o *Orchestrator) onStateChange(service string, _, to circuit.State) {
	o.recorder.SetCircuitState(service, to)
}

//nolint:gocritic // Request is passed by value throughout the pipeline
func (o *Orchestrator) onThrottle(ctx context.Context, req llm.Request, waited time.Duration) {
	o.logger.WarnCtx(ctx, "rate limiter held %s request for %dms", req.Class(), waited.Milliseconds())
	o.recorder.IncThrottle(req.Class(), "rate_limit")
	o.recorder.ObserveQueueWait(req.Class(), waited)
}

//nolint:gocritic // Request is passed by value throughout the pipeline
func (o *Orchestrator) onRetry(ctx context.Context, req llm.Request, a retry.Attempt) {
	o.logger.WarnCtx(ctx, "attempt %d to %s failed (%s), retrying in %dms: %v",
		a.Number, req.ServiceID, a.Kind, a.Delay.Milliseconds(), a.Err)
	o.recorder.IncRetry(req.ServiceID, a.Kind.String())
}
