// Package retry re-attempts stream establishment with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"streamgate/pkg/llm"
	"streamgate/pkg/llmerrors"
	"streamgate/pkg/middleware/resilience/circuit"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxRetries int           `json:"max_retries"` // Retries after the first attempt
	MinBackoff time.Duration `json:"min_backoff"` // Lower bound of every delay
	MaxBackoff time.Duration `json:"max_backoff"` // Upper bound of every delay
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRetries: 3,
	MinBackoff: 500 * time.Millisecond,
	MaxBackoff: 5 * time.Second,
}

const (
	backoffMultiplier   = 2.0
	backoffRandomFactor = 0.5
)

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Err    error          // Error returned by the attempt
	Number int            // 1-based attempt index
	Delay  time.Duration  // Sleep before the next attempt
	Kind   llmerrors.Kind // Classification of Err
}

// Hook observes retries.
type Hook func(ctx context.Context, attempt Attempt)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes a policy.
type Option func(*Policy)

// WithSleep replaces the timer-based sleep, for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(p *Policy) { p.sleep = sleep }
}

// WithHook registers a retry observer.
func WithHook(hook Hook) Option {
	return func(p *Policy) { p.onRetry = hook }
}

// Policy encapsulates retry configuration and logic. A Policy is immutable and may
// be shared; each Do call keeps its own backoff state.
type Policy struct {
	config  Config
	sleep   SleepFunc
	onRetry Hook
}

// NewPolicy creates a retry policy. Zero backoff bounds take their defaults and
// MaxBackoff is raised to MinBackoff if needed.
func NewPolicy(config Config, opts ...Option) *Policy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = DefaultConfig.MinBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}

	p := &Policy{config: config, sleep: sleepContext}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.config
}

// WithOverride returns a copy of p with the per-request override applied. An
// override can only tighten the policy: MaxRetries and both backoffs are clamped to
// p's configuration.
func (p *Policy) WithOverride(o *llm.RetryOverride) *Policy {
	if o == nil {
		return p
	}
	cfg := p.config
	if o.MaxRetries != nil {
		cfg.MaxRetries = min(*o.MaxRetries, p.config.MaxRetries)
	}
	if o.MinBackoff != nil {
		cfg.MinBackoff = min(*o.MinBackoff, p.config.MaxBackoff)
	}
	if o.MaxBackoff != nil {
		cfg.MaxBackoff = min(*o.MaxBackoff, p.config.MaxBackoff)
	}
	return NewPolicy(cfg, WithSleep(p.sleep), WithHook(p.onRetry))
}

// withHook returns a copy of p using hook.
func (p *Policy) withHook(hook Hook) *Policy {
	cp := *p
	cp.onRetry = hook
	return &cp
}

// ShouldRetry reports whether err may be retried. Only rate limiting and
// unavailability are transient. Cancellation and breaker rejections never retry.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}
	return llmerrors.Classify(err).Retryable()
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the retry
// budget is spent. At most MaxRetries+1 calls are made. The returned error is the
// last attempt's error, classified; context errors are returned unchanged.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	delays := p.newBackOff()

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !ShouldRetry(err) || attempt > p.config.MaxRetries {
			return llmerrors.AsError(err)
		}

		delay := p.nextDelay(delays, err)
		if p.onRetry != nil {
			p.onRetry(ctx, Attempt{Err: err, Number: attempt, Delay: delay, Kind: llmerrors.Classify(err)})
		}
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.MinBackoff
	b.MaxInterval = p.config.MaxBackoff
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = backoffRandomFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// nextDelay draws the next jittered delay, prefers a provider Retry-After hint,
// and clamps the result to [MinBackoff, MaxBackoff].
func (p *Policy) nextDelay(b *backoff.ExponentialBackOff, err error) time.Duration {
	delay := b.NextBackOff()

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) && llmErr.RetryAfter > 0 {
		delay = llmErr.RetryAfter
	}

	if delay < p.config.MinBackoff {
		delay = p.config.MinBackoff
	}
	if delay > p.config.MaxBackoff {
		delay = p.config.MaxBackoff
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err() //nolint:wrapcheck // Context errors pass through unchanged
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // Context errors pass through unchanged
	case <-timer.C:
		return nil
	}
}
