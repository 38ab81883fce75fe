package metrics

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"streamgate/pkg/llm"
	"streamgate/pkg/llmerrors"
	"streamgate/pkg/logx"
	"streamgate/pkg/sse"
	"streamgate/pkg/utils"
)

// Middleware returns a middleware function that records metrics for streaming calls.
// A call is measured from submission until its stream terminates, so it must be the
// outermost link. Prompt and completion tokens are estimated with counter.
func Middleware(recorder Recorder, counter *utils.TokenCounter, logger *logx.Logger) llm.Middleware {
	if counter == nil {
		counter = utils.DefaultTokenCounter()
	}

	return func(next llm.Client) llm.Client {
		return llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Stream, error) {
			start := time.Now()

			report := func(content string, err error) {
				obs := RequestObservation{
					Call:             Call{Service: req.ServiceID, Class: req.Class(), Model: req.Model},
					Status:           status(ctx, err),
					PromptTokens:     counter.CountMessages(req.Messages),
					CompletionTokens: counter.CountTokens(content),
					Duration:         time.Since(start),
				}
				if obs.Status == StatusError {
					obs.ErrorKind = llmerrors.Classify(err).String()
				}
				recorder.ObserveRequest(obs)

				if logger != nil {
					logger.InfoCtx(ctx, "STREAM: service=%s model=%s tokens=%d+%d status=%s kind=%s duration=%dms",
						obs.Service, obs.Model, obs.PromptTokens, obs.CompletionTokens, obs.Status, obs.ErrorKind,
						obs.Duration.Milliseconds())
				}
			}

			stream, err := next.Stream(ctx, req)
			if err != nil {
				report("", err)
				return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			}
			return &meteredStream{Stream: stream, report: report}, nil
		})
	}
}

// status maps a terminal error to a request status label.
func status(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, llm.ErrStreamAbandoned), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return StatusCancelled
	default:
		return StatusError
	}
}

// meteredStream accumulates streamed text and reports once on termination.
type meteredStream struct {
	llm.Stream
	text   strings.Builder
	once   sync.Once
	report func(content string, err error)
}

func (m *meteredStream) Recv() (sse.Event, error) {
	ev, err := m.Stream.Recv()
	switch {
	case err != nil && !errors.Is(err, io.EOF):
		m.finish(err)
	case err == nil && ev.Type == sse.EventDelta:
		m.text.WriteString(ev.Text)
	case err == nil && ev.Type == sse.EventDone:
		m.finish(nil)
	}
	return ev, err
}

func (m *meteredStream) Close() error {
	err := m.Stream.Close()
	m.finish(llm.ErrStreamAbandoned)
	return err //nolint:wrapcheck // Close errors pass through unchanged
}

func (m *meteredStream) finish(err error) {
	m.once.Do(func() { m.report(m.text.String(), err) })
}
