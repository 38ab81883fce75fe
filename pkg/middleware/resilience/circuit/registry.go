package circuit

import (
	"sort"
	"sync"
)

// Registry owns one breaker per service id. Breakers are created lazily and live for
// the lifetime of the registry; breakers for different services share nothing.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewRegistry creates an empty registry. opts are applied to every breaker it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Get returns the breaker for service, creating it with config on first use.
func (r *Registry) Get(service string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, config, r.opts...)
	r.breakers[service] = b
	return b
}

// Lookup returns the breaker for service if one exists.
func (r *Registry) Lookup(service string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	return b, ok
}

// Reset forces the breaker for service closed. It reports whether one existed.
func (r *Registry) Reset(service string) bool {
	b, ok := r.Lookup(service)
	if ok {
		b.Reset()
	}
	return ok
}

// Snapshot returns the stats of every breaker, ordered by service id.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Service < stats[j].Service })
	return stats
}
