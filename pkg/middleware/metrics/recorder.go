// Package metrics provides metrics recording for upstream streaming calls.
package metrics

import (
	"time"

	"streamgate/pkg/middleware/resilience/circuit"
)

// Request status labels.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Call identifies the call a measurement belongs to.
type Call struct {
	Service string
	Class   string
	Model   string
}

// RequestObservation is the summary of one finished call.
type RequestObservation struct {
	Call
	Status           string
	ErrorKind        string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
}

// Recorder defines the interface for recording streaming call metrics.
type Recorder interface {
	// ObserveRequest records metrics for a finished call.
	ObserveRequest(obs RequestObservation)

	// IncThrottle increments the throttle counter for rate limiting events.
	IncThrottle(class, reason string)

	// ObserveQueueWait records time spent waiting for rate limit availability.
	ObserveQueueWait(class string, duration time.Duration)

	// IncRetry counts a retried establishment attempt.
	IncRetry(service, kind string)

	// SetCircuitState records a breaker state change.
	SetCircuitState(service string, state circuit.State)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(RequestObservation) {}

// IncThrottle does nothing in the no-op recorder.
func (n *NoopRecorder) IncThrottle(_, _ string) {}

// ObserveQueueWait does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// IncRetry does nothing in the no-op recorder.
func (n *NoopRecorder) IncRetry(_, _ string) {}

// SetCircuitState does nothing in the no-op recorder.
func (n *NoopRecorder) SetCircuitState(_ string, _ circuit.State) {}

// multiRecorder fans every measurement out to several recorders.
type multiRecorder []Recorder

// Multi returns a Recorder that forwards to all of recorders. Nil entries are skipped.
func Multi(recorders ...Recorder) Recorder {
	var m multiRecorder
	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multiRecorder) ObserveRequest(obs RequestObservation) {
	for _, r := range m {
		r.ObserveRequest(obs)
	}
}

func (m multiRecorder) IncThrottle(class, reason string) {
	for _, r := range m {
		r.IncThrottle(class, reason)
	}
}

func (m multiRecorder) ObserveQueueWait(class string, duration time.Duration) {
	for _, r := range m {
		r.ObserveQueueWait(class, duration)
	}
}

func (m multiRecorder) IncRetry(service, kind string) {
	for _, r := range m {
		r.IncRetry(service, kind)
	}
}

func (m multiRecorder) SetCircuitState(service string, state circuit.State) {
	for _, r := range m {
		r.SetCircuitState(service, state)
	}
}
