package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"streamgate/pkg/llmerrors"
	"streamgate/pkg/sse"
)

// eventStream reads SSE events from a response body. The body is closed when the
// request context ends, which unblocks a pending read.
//
//nolint:govet // fieldalignment: logical grouping preferred
type eventStream struct {
	ctx       context.Context //nolint:containedctx // Request context owned by the stream
	body      io.ReadCloser
	reader    *sse.Reader
	stopClose func() bool
	closeOnce sync.Once
	peeked    *sse.Event
	finished  bool
}

func newEventStream(ctx context.Context, body io.ReadCloser) *eventStream {
	s := &eventStream{
		ctx:    ctx,
		body:   body,
		reader: sse.NewReader(body),
	}
	s.stopClose = context.AfterFunc(ctx, func() { _ = body.Close() })
	return s
}

// Recv returns the next delta or the done event. Inline error frames and read
// failures are returned as classified errors; afterwards Recv returns io.EOF.
func (s *eventStream) Recv() (sse.Event, error) {
	if s.peeked != nil {
		ev := *s.peeked
		s.peeked = nil
		if ev.Type == sse.EventDone {
			s.finished = true
		}
		return ev, nil
	}
	if s.finished {
		return sse.Event{}, io.EOF
	}

	ev, err := s.reader.Next()
	if err != nil {
		s.finished = true
		return sse.Event{}, s.readError(err)
	}

	switch ev.Type {
	case sse.EventError:
		s.finished = true
		return sse.Event{}, inlineError(ev)
	case sse.EventDone:
		s.finished = true
	}
	return ev, nil
}

func (s *eventStream) readError(err error) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("stream read aborted: %w", context.Cause(s.ctx))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return llmerrors.NewWithCause(llmerrors.Unavailable, err, "stream ended before completion marker")
	}
	return llmerrors.NewWithCause(llmerrors.Classify(err), err, "reading stream")
}

func inlineError(ev sse.Event) *llmerrors.Error {
	message := ev.Message
	if message == "" {
		message = "provider reported an error"
	}
	return llmerrors.New(ev.Kind, message)
}

// Close releases the connection. It is safe to call more than once.
func (s *eventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopClose()
		s.finished = true
		err = s.body.Close()
	})
	return err //nolint:wrapcheck // Close errors pass through unchanged
}
