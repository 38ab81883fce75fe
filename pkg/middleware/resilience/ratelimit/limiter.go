// Package ratelimit spaces upstream calls per endpoint class.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines rate limiting configuration for an endpoint class.
type Config struct {
	MinInterval time.Duration `json:"min_interval"` // Minimum spacing between call starts; zero disables limiting
}

// Stats reports limiter activity for one endpoint class.
type Stats struct {
	Class       string        `json:"class"`
	MinInterval time.Duration `json:"min_interval"`
	Calls       int64         `json:"calls"`       // Admitted calls
	Throttled   int64         `json:"throttled"`   // Calls that had to wait
	Cancelled   int64         `json:"cancelled"`   // Waits abandoned by the caller
	TotalWait   time.Duration `json:"total_wait"`  // Sum of all waits
	LongestWait time.Duration `json:"longest_wait"`
}

// Limiter enforces a minimum interval between call starts. It is a leaky bucket:
// the burst size is one, so idle time never accumulates into a burst.
//
//nolint:govet // fieldalignment: Struct layout optimized for readability over memory
type Limiter struct {
	class   string
	config  Config
	limiter *rate.Limiter

	mu    sync.Mutex
	stats Stats
}

// NewLimiter creates a limiter for an endpoint class.
func NewLimiter(class string, cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Limiter{
		class:   class,
		config:  cfg,
		limiter: rate.NewLimiter(limit, 1),
		stats:   Stats{Class: class, MinInterval: cfg.MinInterval},
	}
}

// Wait blocks until the caller may start a call and returns how long it waited.
// Concurrent callers are each given a distinct slot. If ctx ends first the slot
// is handed back and ctx's error is returned.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err //nolint:wrapcheck // Context errors pass through unchanged
	}

	now := time.Now()
	reservation := l.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			reservation.Cancel()
			l.mu.Lock()
			l.stats.Cancelled++
			l.mu.Unlock()
			return 0, ctx.Err() //nolint:wrapcheck // Context errors pass through unchanged
		case <-timer.C:
		}
	}

	l.mu.Lock()
	l.stats.Calls++
	if delay > 0 {
		l.stats.Throttled++
		l.stats.TotalWait += delay
		if delay > l.stats.LongestWait {
			l.stats.LongestWait = delay
		}
	}
	l.mu.Unlock()

	return delay, nil
}

// Class returns the endpoint class the limiter serves.
func (l *Limiter) Class() string {
	return l.class
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Map manages one limiter per endpoint class. Limiters are created on first use
// with the configuration returned by configFor.
type Map struct {
	mu        sync.Mutex
	limiters  map[string]*Limiter
	configFor func(class string) Config
}

// NewMap creates an empty limiter map.
func NewMap(configFor func(class string) Config) *Map {
	return &Map{
		limiters:  make(map[string]*Limiter),
		configFor: configFor,
	}
}

// Get returns the limiter for class.
func (m *Map) Get(class string) *Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.limiters[class]; ok {
		return l
	}
	l := NewLimiter(class, m.configFor(class))
	m.limiters[class] = l
	return l
}

// Stats returns statistics for every limiter, ordered by class.
func (m *Map) Stats() []Stats {
	m.mu.Lock()
	stats := make([]Stats, 0, len(m.limiters))
	for _, l := range m.limiters {
		stats = append(stats, l.Stats())
	}
	m.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Class < stats[j].Class })
	return stats
}
