// Package timeout aborts upstream attempts that stop producing data.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamgate/pkg/llm"
	"streamgate/pkg/llmerrors"
	"streamgate/pkg/sse"
)

// Config defines the data deadlines for one attempt. A zero duration disables
// that deadline. Any bytes from upstream satisfy a deadline, keep-alive comments
// included, when the transport reports activity through llm.WithActivity;
// otherwise only decoded events do.
type Config struct {
	FirstByte time.Duration `json:"first_byte_timeout"` // From request start until the first byte
	Idle      time.Duration `json:"idle_timeout"`       // Between consecutive reads
}

// watchdog cancels an attempt context with llmerrors.ErrTimeout when its timer fires.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	cancel  context.CancelCauseFunc
	stopped bool
}

func startWatchdog(d time.Duration, cancel context.CancelCauseFunc) *watchdog {
	w := &watchdog{cancel: cancel}
	if d > 0 {
		w.timer = time.AfterFunc(d, w.expire)
	}
	return w
}

func (w *watchdog) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.cancel(llmerrors.ErrTimeout)
	}
}

// rearm restarts the deadline with d, or disarms it when d is zero.
func (w *watchdog) rearm(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	if d <= 0 {
		w.timer = nil
		return
	}
	w.timer = time.AfterFunc(d, w.expire)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// timeoutError converts a failure caused by the watchdog into an Unavailable error.
// Other errors are returned unchanged.
func timeoutError(ctx context.Context, err error, phase string, d time.Duration) error {
	if !errors.Is(context.Cause(ctx), llmerrors.ErrTimeout) {
		return err
	}
	return llmerrors.NewWithCause(llmerrors.Unavailable, llmerrors.ErrTimeout,
		fmt.Sprintf("no data from upstream within %s (%s)", d, phase))
}

// Middleware returns a middleware function that enforces data deadlines on each
// attempt. Upstream must send its first byte within FirstByte; after that data must
// keep arriving with gaps no longer than Idle. An expired deadline cancels the
// attempt context and surfaces as an Unavailable error, so it is retried and counts
// against the breaker like any other outage.
func Middleware(cfg Config) llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Stream, error) {
			attemptCtx, cancel := context.WithCancelCause(ctx)
			w := startWatchdog(cfg.FirstByte, cancel)
			attemptCtx = llm.WithActivity(attemptCtx, func() { w.rearm(cfg.Idle) })

			stream, err := next.Stream(attemptCtx, req)
			if err != nil {
				w.stop()
				err = timeoutError(attemptCtx, err, "first byte", cfg.FirstByte)
				cancel(nil)
				return nil, err
			}

			w.rearm(cfg.Idle)
			return &guardedStream{Stream: stream, ctx: attemptCtx, cancel: cancel, watchdog: w, idle: cfg.Idle}, nil
		})
	}
}

type guardedStream struct {
	llm.Stream
	ctx      context.Context //nolint:containedctx // Attempt context owned by the stream
	cancel   context.CancelCauseFunc
	watchdog *watchdog
	idle     time.Duration
}

func (g *guardedStream) Recv() (sse.Event, error) {
	ev, err := g.Stream.Recv()
	if err != nil {
		g.watchdog.stop()
		return ev, timeoutError(g.ctx, err, "idle", g.idle)
	}
	if ev.Type == sse.EventDone {
		g.watchdog.stop()
	} else {
		g.watchdog.rearm(g.idle)
	}
	return ev, nil
}

func (g *guardedStream) Close() error {
	g.watchdog.stop()
	err := g.Stream.Close()
	g.cancel(nil)
	return err //nolint:wrapcheck // Close errors pass through unchanged
}
