package concurrency

import (
	"context"

	"streamgate/pkg/llm"
)

// Middleware returns a middleware function that holds a concurrency slot for the
// whole life of a call. The slot is released when establishment fails, or when
// the returned stream terminates or is closed.
func Middleware(limiters *Map) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Stream, error) {
			release, err := limiters.Get(req.Class()).Acquire(ctx)
			if err != nil {
				return nil, err
			}

			stream, err := next.Stream(ctx, req)
			if err != nil {
				release()
				return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			}
			return llm.OnFinish(stream, func(error) { release() }), nil
		})
	}
}
