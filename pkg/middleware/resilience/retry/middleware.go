package retry

import (
	"context"
	"sync/atomic"

	"streamgate/pkg/llm"
)

type attemptsKey struct{}

// WithAttemptCounter returns a context whose retry middleware records the number of
// establishment attempts it made, and a function reading that count.
func WithAttemptCounter(ctx context.Context) (context.Context, func() int) {
	counter := new(atomic.Int32)
	return context.WithValue(ctx, attemptsKey{}, counter), func() int { return int(counter.Load()) }
}

// RequestHook observes retries of one request.
type RequestHook func(ctx context.Context, req llm.Request, attempt Attempt)

// PolicyFor selects the policy governing a request.
type PolicyFor func(req llm.Request) *Policy

// Static returns a PolicyFor that always selects p.
func Static(p *Policy) PolicyFor {
	return func(llm.Request) *Policy { return p }
}

// Middleware returns a middleware function that wraps a client with retry logic.
// Only establishment is retried: once next returns a stream, later failures belong
// to the caller. The request's retry override, if any, replaces the policy bounds.
func Middleware(policyFor PolicyFor, hook RequestHook) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Stream, error) {
			p := policyFor(req).WithOverride(req.Retry)
			if hook != nil {
				p = p.withHook(func(ctx context.Context, a Attempt) { hook(ctx, req, a) })
			}
			counter, _ := ctx.Value(attemptsKey{}).(*atomic.Int32)

			var stream llm.Stream
			err := p.Do(ctx, func(ctx context.Context, _ int) error {
				if counter != nil {
					counter.Add(1)
				}
				s, err := next.Stream(ctx, req)
				if err != nil {
					return err //nolint:wrapcheck // Classified by the policy
				}
				stream = s
				return nil
			})
			if err != nil {
				return nil, err
			}
			return stream, nil
		})
	}
}
