// Package sse decodes Server-Sent-Events streams from upstream model providers into
// content deltas, a completion signal, and inline errors.
package sse

import (
	"bytes"
	"errors"
	"io"

	"github.com/tidwall/gjson"

	"streamgate/pkg/llmerrors"
)

// DoneSentinel is the payload that terminates a stream.
const DoneSentinel = "[DONE]"

// EventType tags a decoded stream event.
type EventType int

const (
	// EventDelta carries a content increment.
	EventDelta EventType = iota
	// EventDone marks the end of the stream.
	EventDone
	// EventError carries an inline error reported by the provider.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded frame.
type Event struct {
	Text    string         // Content increment (EventDelta)
	Message string         // Provider error message (EventError)
	Type    EventType      // Event tag
	Kind    llmerrors.Kind // Classified kind (EventError)
}

// Delta returns a content increment event.
func Delta(text string) Event {
	return Event{Type: EventDelta, Text: text}
}

// Done returns the completion event.
func Done() Event {
	return Event{Type: EventDone}
}

// contentPaths are the JSON paths a content increment may live under.
//
//nolint:gochecknoglobals // Read-only lookup table
var contentPaths = []string{
	"content",
	"choices.0.delta.content",
	"choices.0.text",
	"delta.text",
	"delta.content",
}

// Parser is an incremental frame decoder. It is not safe for concurrent use;
// create one per stream.
type Parser struct {
	buf  []byte   // Bytes of an incomplete line
	data [][]byte // data: lines of the frame being assembled
	done bool
}

// NewParser creates a parser with empty state.
func NewParser() *Parser {
	return &Parser{}
}

// Finished reports whether the done sentinel has been seen.
func (p *Parser) Finished() bool {
	return p.done
}

// Feed consumes the next chunk read from the wire and returns the events whose
// frames were completed by it, in arrival order. Incomplete trailing data is
// buffered until a later Feed completes it.
func (p *Parser) Feed(chunk []byte) []Event {
	if p.done {
		return nil
	}
	p.buf = append(p.buf, chunk...)

	var events []Event
	for !p.done {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(p.buf[:i], []byte{'\r'})
		p.buf = p.buf[i+1:]

		if len(line) == 0 {
			if ev, ok := p.dispatch(); ok {
				events = append(events, ev)
			}
			continue
		}
		p.field(line)
	}

	// Compact so the buffer does not pin already-consumed input.
	if len(p.buf) == 0 {
		p.buf = nil
	} else {
		p.buf = append([]byte(nil), p.buf...)
	}
	if p.done {
		p.buf = nil
		p.data = nil
	}
	return events
}

// field records one non-empty line of the current frame.
func (p *Parser) field(line []byte) {
	if line[0] == ':' {
		return // comment / keep-alive
	}
	name, value, _ := bytes.Cut(line, []byte{':'})
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	if string(name) == "data" {
		p.data = append(p.data, append([]byte(nil), value...))
	}
	// event:, id: and retry: carry nothing the decoder needs.
}

// dispatch turns the assembled frame into an event.
func (p *Parser) dispatch() (Event, bool) {
	if len(p.data) == 0 {
		return Event{}, false
	}
	payload := bytes.Join(p.data, []byte{'\n'})
	p.data = nil

	if string(bytes.TrimSpace(payload)) == DoneSentinel {
		p.done = true
		return Done(), true
	}

	if !gjson.ValidBytes(payload) {
		return Event{}, false
	}

	if errVal := gjson.GetBytes(payload, "error"); errVal.Exists() && errVal.Type != gjson.Null {
		return Event{
			Type:    EventError,
			Kind:    llmerrors.ClassifyResponse(0, payload),
			Message: llmerrors.MessageFromBody(payload),
		}, true
	}

	for _, path := range contentPaths {
		if v := gjson.GetBytes(payload, path); v.Type == gjson.String {
			if v.Str == "" {
				return Event{}, false
			}
			return Delta(v.Str), true
		}
	}
	return Event{}, false
}

// Reader pulls events from an io.Reader one at a time.
type Reader struct {
	r       io.Reader
	p       *Parser
	buf     []byte
	pending []Event
	err     error
}

// NewReader wraps r. The caller keeps ownership of r and closes it.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, p: NewParser(), buf: make([]byte, 4096)}
}

// Next returns the next event. It returns io.EOF after the done event has been
// returned, and io.ErrUnexpectedEOF if r ends before the done sentinel.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Event{}, r.err
		}
		if r.p.Finished() {
			return Event{}, io.EOF
		}
		n, err := r.r.Read(r.buf)
		r.pending = append(r.pending, r.p.Feed(r.buf[:n])...)
		if err != nil && !r.p.Finished() {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
		}
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}
