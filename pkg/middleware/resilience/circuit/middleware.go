package circuit

import (
	"context"
	"errors"
	"fmt"

	"streamgate/pkg/llm"
	"streamgate/pkg/llmerrors"
)

// ErrNoFallback is returned by a Fallback that has no answer for a request. The
// original rejection is then returned to the caller.
var ErrNoFallback = errors.New("no fallback available")

// Fallback produces a substitute answer when the breaker rejects a call.
type Fallback func(ctx context.Context, req llm.Request, rejected *Error) (string, error)

// OutcomeFor maps the terminal error of a call to a breaker outcome. Caller
// cancellation is ignored; unavailability, rate limiting and unknown failures count
// against the service; any other classified error means the service answered.
func OutcomeFor(ctx context.Context, err error) Outcome {
	if err == nil {
		return Success
	}
	if errors.Is(err, llm.ErrStreamAbandoned) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return Ignored
	}
	switch llmerrors.Classify(err) {
	case llmerrors.Unavailable, llmerrors.RateLimited, llmerrors.Unknown:
		return Failure
	default:
		return Success
	}
}

// Middleware returns a middleware function that wraps a client with circuit breaker logic.
// If the circuit for the request's service is OPEN, requests are rejected immediately
// without calling the underlying client, or answered by fallback when one is given.
// The outcome is recorded when the stream terminates, not when it is established.
func Middleware(registry *Registry, configFor func(req llm.Request) Config, fallback Fallback) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Stream, error) {
			breaker := registry.Get(req.ServiceID, configFor(req))

			ticket, err := breaker.Allow()
			if err != nil {
				var rejected *Error
				if fallback == nil || !errors.As(err, &rejected) {
					return nil, err
				}
				content, fbErr := fallback(ctx, req, rejected)
				if errors.Is(fbErr, ErrNoFallback) {
					return nil, err
				}
				if fbErr != nil {
					return nil, fmt.Errorf("fallback failed: %w", errors.Join(err, fbErr))
				}
				return llm.StaticStream(content), nil
			}

			stream, err := next.Stream(ctx, req)
			if err != nil {
				breaker.Record(ticket, OutcomeFor(ctx, err))
				return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			}

			return llm.OnFinish(stream, func(err error) {
				breaker.Record(ticket, OutcomeFor(ctx, err))
			}), nil
		})
	}
}
