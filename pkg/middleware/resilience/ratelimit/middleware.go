package ratelimit

import (
	"context"
	"time"

	"streamgate/pkg/llm"
)

// WaitHook observes a wait that exceeded the logging threshold.
type WaitHook func(ctx context.Context, req llm.Request, waited time.Duration)

// Middleware returns a middleware function that wraps a client with rate limiting.
// Each call waits for its endpoint class's next slot before reaching next. Waits
// longer than threshold are reported to hook.
func Middleware(limiters *Map, threshold time.Duration, hook WaitHook) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Stream, error) {
			waited, err := limiters.Get(req.Class()).Wait(ctx)
			if err != nil {
				return nil, err
			}
			if hook != nil && waited > threshold {
				hook(ctx, req, waited)
			}
			return next.Stream(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
		})
	}
}
