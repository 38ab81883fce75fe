// Package circuit provides per-service circuit breakers for upstream streaming calls.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"streamgate/pkg/llmerrors"
	"streamgate/pkg/logx"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing service failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Testing if service recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold  int           `json:"failure_threshold"`    // Failures within the window that open the circuit
	SuccessThreshold  int           `json:"success_threshold"`    // Probe successes that close the circuit from half-open
	RecoveryTimeout   time.Duration `json:"recovery_timeout"`     // Time to wait in open before probing
	MonitoringWindow  time.Duration `json:"monitoring_window"`    // Failures older than this are forgotten
	HalfOpenMaxProbes int           `json:"half_open_max_probes"` // Concurrent probes admitted while half-open
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold:  5,
	SuccessThreshold:  2,
	RecoveryTimeout:   30 * time.Second,
	MonitoringWindow:  60 * time.Second,
	HalfOpenMaxProbes: 1,
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = DefaultConfig.MonitoringWindow
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = DefaultConfig.HalfOpenMaxProbes
	}
	return c
}

// Outcome is the result of a call as seen by the breaker.
type Outcome int

const (
	// Success means the service answered.
	Success Outcome = iota
	// Failure means the service is unhealthy.
	Failure
	// Ignored means the call ended for reasons unrelated to service health,
	// such as caller cancellation. It only frees a half-open probe slot.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Error is returned when the breaker rejects a call.
type Error struct {
	Service string
	State   State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Service, e.State)
}

// ErrorKind classifies a rejected call as the service being unavailable.
func (e *Error) ErrorKind() llmerrors.Kind {
	return llmerrors.Unavailable
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Service         string    `json:"service"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	TotalRequests   int64     `json:"total_requests"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastSuccessTime time.Time `json:"last_success_time"`
	OpenedAt        time.Time `json:"opened_at"`
}

// StateChangeFunc observes state transitions. It runs outside the breaker lock.
type StateChangeFunc func(service string, from, to State)

// Option customizes a breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Ticket identifies one call admitted by Allow. Each state change starts a new
// generation; outcomes carrying a ticket from an earlier generation are discarded,
// so a call admitted while closed cannot decide a half-open trial.
type Ticket struct {
	generation uint64
}

type transition struct {
	from, to State
}

// Breaker is a circuit breaker for a single service. All state lives behind mu and is
// mutated only by Allow, Record and Reset.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	service  string
	config   Config
	now      func() time.Time
	onChange StateChangeFunc
	logger   *logx.Logger

	mu            sync.Mutex
	state         State
	failures      []time.Time // failure timestamps inside the monitoring window
	successCount  int         // probe successes while half-open
	probes        int         // probes in flight while half-open
	totalRequests int64
	lastFailure   time.Time
	lastSuccess   time.Time
	openedAt      time.Time
	generation    uint64
	changes       []transition
}

// New creates a closed breaker for service.
func New(service string, config Config, opts ...Option) *Breaker {
	b := &Breaker{
		service: service,
		config:  config.WithDefaults(),
		now:     time.Now,
		logger:  logx.NewLogger("circuit"),
		state:   Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Service returns the service id the breaker guards.
func (b *Breaker) Service() string {
	return b.service
}

// Allow reports whether a call may proceed and returns the ticket its outcome must
// be recorded with. It returns a *Error when the breaker is open, or half-open with
// all probe slots taken. An open breaker whose recovery timeout has elapsed moves to
// half-open here, on the call that observes it.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	err := b.allowLocked()
	ticket := Ticket{generation: b.generation}
	changes := b.takeChanges()
	b.mu.Unlock()

	b.notify(changes)
	return ticket, err
}

func (b *Breaker) allowLocked() error {
	b.totalRequests++

	if b.state == Closed {
		return nil
	}

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.config.RecoveryTimeout {
			return &Error{Service: b.service, State: Open}
		}
		b.setState(HalfOpen)
		b.successCount = 0
		b.probes = 0
	}

	// Half-open: admit a bounded number of probes.
	if b.probes >= b.config.HalfOpenMaxProbes {
		return &Error{Service: b.service, State: HalfOpen}
	}
	b.probes++
	return nil
}

// Record records the outcome of a call previously admitted by Allow. Outcomes of
// calls admitted before the latest state change are discarded.
func (b *Breaker) Record(ticket Ticket, outcome Outcome) {
	b.mu.Lock()
	if ticket.generation != b.generation {
		b.mu.Unlock()
		return
	}
	switch outcome {
	case Success:
		b.onSuccess()
	case Failure:
		b.onFailure()
	case Ignored:
		b.releaseProbe()
	}
	changes := b.takeChanges()
	b.mu.Unlock()

	b.notify(changes)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns the current state and counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneFailures()
	return Stats{
		Service:         b.service,
		State:           b.state,
		FailureCount:    len(b.failures),
		SuccessCount:    b.successCount,
		TotalRequests:   b.totalRequests,
		LastFailureTime: b.lastFailure,
		LastSuccessTime: b.lastSuccess,
		OpenedAt:        b.openedAt,
	}
}

// Reset forces the breaker closed and clears its counters. It is an administrative
// override and is not used on the request path.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.setState(Closed)
	b.generation++
	b.clearCounters()
	changes := b.takeChanges()
	b.mu.Unlock()

	b.notify(changes)
}

func (b *Breaker) onSuccess() {
	b.lastSuccess = b.now()

	switch b.state {
	case Closed:
		// Failures must be consecutive to trip the breaker.
		b.failures = nil

	case HalfOpen:
		b.releaseProbe()
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.setState(Closed)
			b.clearCounters()
		}

	case Open:
		// Unreachable: calls admitted before the trip carry a stale ticket.
	}
}

func (b *Breaker) onFailure() {
	now := b.now()
	b.lastFailure = now
	b.failures = append(b.failures, now)

	switch b.state {
	case Closed:
		b.pruneFailures()
		if len(b.failures) >= b.config.FailureThreshold {
			b.trip(now)
		}

	case HalfOpen:
		// Any failure in half-open immediately opens the circuit.
		b.trip(now)

	case Open:
		// Unreachable: calls admitted before the trip carry a stale ticket.
	}
}

func (b *Breaker) trip(now time.Time) {
	b.setState(Open)
	b.openedAt = now
	b.successCount = 0
	b.probes = 0
}

func (b *Breaker) releaseProbe() {
	if b.state == HalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *Breaker) clearCounters() {
	b.failures = nil
	b.successCount = 0
	b.probes = 0
}

// pruneFailures drops failures older than the monitoring window.
func (b *Breaker) pruneFailures() {
	cutoff := b.now().Add(-b.config.MonitoringWindow)
	keep := 0
	for keep < len(b.failures) && b.failures[keep].Before(cutoff) {
		keep++
	}
	if keep > 0 {
		b.failures = append([]time.Time(nil), b.failures[keep:]...)
	}
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	b.changes = append(b.changes, transition{from: b.state, to: to})
	b.state = to
	b.generation++
}

func (b *Breaker) takeChanges() []transition {
	changes := b.changes
	b.changes = nil
	return changes
}

// notify logs transitions and runs the observer. Observer panics are contained.
func (b *Breaker) notify(changes []transition) {
	for _, c := range changes {
		if c.to == Open {
			b.logger.Warn("CIRCUIT: %s %s -> %s", b.service, c.from, c.to)
		} else {
			b.logger.Info("CIRCUIT: %s %s -> %s", b.service, c.from, c.to)
		}
		if b.onChange == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("CIRCUIT: state change observer panicked for %s: %v", b.service, r)
				}
			}()
			b.onChange(b.service, c.from, c.to)
		}()
	}
}
