package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/pkg/llmerrors"
)

const fullPayload = "data: {\"content\":\"Hel\"}\n\n" +
	": keep-alive\n\n" +
	"event: message\ndata: {\"choices\":[{\"delta\":{\"content\":\"lo, \"}}]}\n\n" +
	"data: not json at all\n\n" +
	"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\r\n" +
	"data: {\"delta\":{\"text\":\"wörld\"}}\r\n\r\n" +
	"data: [DONE]\n\n"

func feedAll(p *Parser, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, p.Feed([]byte(c))...)
	}
	return events
}

func TestFeedSplitAcrossReads(t *testing.T) {
	p := NewParser()
	events := feedAll(p, "data: {\"content\":\"He", "llo\"}\n\ndata: [DONE]\n\n")

	require.Len(t, events, 2)
	assert.Equal(t, Delta("Hello"), events[0])
	assert.Equal(t, Done(), events[1])
	assert.True(t, p.Finished())
}

func TestFeedPartialFrameIsBuffered(t *testing.T) {
	p := NewParser()
	assert.Empty(t, p.Feed([]byte("data: {\"content\":\"a\"}\n")))
	assert.Equal(t, []Event{Delta("a")}, p.Feed([]byte("\n")))
}

func TestFeedMultipleFramesInOneRead(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("data: {\"content\":\"a\"}\n\ndata: {\"content\":\"b\"}\n\ndata: {\"content\":\"c\"}\n\n"))
	assert.Equal(t, []Event{Delta("a"), Delta("b"), Delta("c")}, events)
}

func TestFeedSkipsUndecodablePayload(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("data: {broken\n\ndata: {\"content\":\"ok\"}\n\n"))
	assert.Equal(t, []Event{Delta("ok")}, events)
}

func TestFeedDecodesInlineError(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("data: {\"content\":\"partial\"}\n\n" +
		"data: {\"error\":{\"type\":\"rate_limit_error\",\"message\":\"Too many tokens\"}}\n\n"))

	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[1].Type)
	assert.Equal(t, llmerrors.RateLimited, events[1].Kind)
	assert.Equal(t, "Too many tokens", events[1].Message)
}

func TestFeedDoneExactlyOnce(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("data: [DONE]\n\ndata: [DONE]\n\ndata: {\"content\":\"late\"}\n\n"))
	assert.Equal(t, []Event{Done()}, events)
	assert.Empty(t, p.Feed([]byte("data: {\"content\":\"later\"}\n\n")))
}

func TestFeedJoinsMultilineData(t *testing.T) {
	p := NewParser()
	events := p.Feed([]byte("data: {\"content\":\ndata: \"joined\"}\n\n"))
	assert.Equal(t, []Event{Delta("joined")}, events)
}

// TestSplitBoundaryIdempotence feeds the same payload whole and split at every
// possible pair of byte offsets; the event sequence must not change.
func TestSplitBoundaryIdempotence(t *testing.T) {
	want := NewParser().Feed([]byte(fullPayload))
	require.Equal(t, []Event{Delta("Hel"), Delta("lo, "), Delta("wörld"), Done()}, want)

	for i := 0; i <= len(fullPayload); i++ {
		got := feedAll(NewParser(), fullPayload[:i], fullPayload[i:])
		require.Equal(t, want, got, "split at %d", i)
	}

	for i := 0; i <= len(fullPayload); i++ {
		for j := i; j <= len(fullPayload); j += 7 {
			got := feedAll(NewParser(), fullPayload[:i], fullPayload[i:j], fullPayload[j:])
			require.Equal(t, want, got, "split at %d,%d", i, j)
		}
	}

	bytewise := make([]string, 0, len(fullPayload))
	for i := 0; i < len(fullPayload); i++ {
		bytewise = append(bytewise, fullPayload[i:i+1])
	}
	assert.Equal(t, want, feedAll(NewParser(), bytewise...))
}

func TestReaderNext(t *testing.T) {
	r := NewReader(iotest.OneByteReader(strings.NewReader(fullPayload)))

	var text strings.Builder
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if ev.Type == EventDelta {
			text.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "Hello, wörld", text.String())

	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderUnexpectedEOF(t *testing.T) {
	r := NewReader(strings.NewReader("data: {\"content\":\"a\"}\n\n"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Text)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
