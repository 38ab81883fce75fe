package llm

import (
	"context"
	"errors"
	"io"
	"sync"

	"streamgate/pkg/sse"
)

// ErrStreamAbandoned is reported to finish callbacks when a stream is closed
// before it reached the done event or an error.
var ErrStreamAbandoned = errors.New("stream closed before completion")

type activityKey struct{}

// WithActivity returns a context carrying fn. Transports call it whenever raw bytes
// arrive from upstream, including keep-alive comments that never become events.
func WithActivity(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, activityKey{}, fn)
}

// ActivityFrom returns the activity callback carried by ctx, or nil.
func ActivityFrom(ctx context.Context) func() {
	fn, _ := ctx.Value(activityKey{}).(func())
	return fn
}

// finishStream wraps a Stream and reports its terminal outcome exactly once.
type finishStream struct {
	Stream
	once   sync.Once
	finish func(err error)
}

// OnFinish returns a Stream that calls finish once when s terminates: with nil after
// the done event, with the error Recv returned, or with ErrStreamAbandoned if the
// stream is closed first. Middlewares use it to release resources and record outcomes.
func OnFinish(s Stream, finish func(err error)) Stream {
	return &finishStream{Stream: s, finish: finish}
}

func (f *finishStream) Recv() (sse.Event, error) {
	ev, err := f.Stream.Recv()
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		f.report(err)
	case err == nil && ev.Type == sse.EventDone:
		f.report(nil)
	}
	return ev, err
}

func (f *finishStream) Close() error {
	err := f.Stream.Close()
	f.report(ErrStreamAbandoned)
	return err
}

func (f *finishStream) report(err error) {
	f.once.Do(func() { f.finish(err) })
}

// staticStream replays a fixed event list.
type staticStream struct {
	events []sse.Event
	mu     sync.Mutex
}

// StaticStream returns a Stream that yields a single delta with content followed by
// the done event. Fallbacks use it to answer through the normal stream contract.
func StaticStream(content string) Stream {
	events := make([]sse.Event, 0, 2)
	if content != "" {
		events = append(events, sse.Delta(content))
	}
	return &staticStream{events: append(events, sse.Done())}
}

func (s *staticStream) Recv() (sse.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return sse.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *staticStream) Close() error {
	return nil
}
