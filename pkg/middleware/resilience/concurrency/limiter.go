// Package concurrency bounds the number of in-flight upstream calls per endpoint class.
package concurrency

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Config defines the concurrency bound for an endpoint class.
type Config struct {
	MaxConcurrency int `json:"max_concurrency"` // Maximum in-flight calls
}

// Stats reports limiter activity for one endpoint class.
type Stats struct {
	Class     string `json:"class"`
	Max       int    `json:"max"`
	Active    int64  `json:"active"`
	Waiting   int64  `json:"waiting"`
	Acquired  int64  `json:"acquired"`
	Contended int64  `json:"contended"` // Acquisitions that found every slot taken
}

// Limiter is a counting semaphore. Waiters are served in arrival order.
type Limiter struct {
	class string
	max   int
	sem   *semaphore.Weighted

	active    atomic.Int64
	waiting   atomic.Int64
	acquired  atomic.Int64
	contended atomic.Int64
}

// NewLimiter creates a limiter admitting cfg.MaxConcurrency concurrent holders.
// A non-positive bound is treated as one.
func NewLimiter(class string, cfg Config) *Limiter {
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Limiter{
		class: class,
		max:   maxConcurrency,
		sem:   semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// Acquire blocks until a slot is free or ctx ends. The returned release function
// must be called exactly once on every path; extra calls are no-ops.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if !l.sem.TryAcquire(1) {
		l.contended.Add(1)
		l.waiting.Add(1)
		err = l.sem.Acquire(ctx, 1)
		l.waiting.Add(-1)
		if err != nil {
			return nil, err //nolint:wrapcheck // Context errors pass through unchanged
		}
	}

	l.active.Add(1)
	l.acquired.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() Stats {
	return Stats{
		Class:     l.class,
		Max:       l.max,
		Active:    l.active.Load(),
		Waiting:   l.waiting.Load(),
		Acquired:  l.acquired.Load(),
		Contended: l.contended.Load(),
	}
}

// Map manages one limiter per endpoint class, created on first use.
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
