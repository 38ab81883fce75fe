package metrics

import (
	"sort"
	"sync"
	"time"

	"streamgate/pkg/middleware/resilience/circuit"
)

// UsageRecorder implements the Recorder interface using in-memory aggregation per
// service. It backs the gateway's usage endpoint and needs no external services.
type UsageRecorder struct {
	services map[string]*ServiceUsage
	mu       sync.RWMutex
}

// ServiceUsage represents aggregated metrics for a service.
//
//nolint:govet
type ServiceUsage struct {
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	RequestCount     int64            `json:"request_count"`
	ErrorCount       int64            `json:"error_count"`
	RetryCount       int64            `json:"retry_count"`
	Errors           map[string]int64 `json:"errors_by_kind"`
	Service          string           `json:"service"`
	CircuitState     circuit.State    `json:"circuit_state"`
	LastUpdated      time.Time        `json:"last_updated"`
}

// NewUsageRecorder returns an empty usage recorder.
func NewUsageRecorder() *UsageRecorder {
	return &UsageRecorder{services: make(map[string]*ServiceUsage)}
}

// service returns the entry for id; the caller holds the write lock.
func (r *UsageRecorder) service(id string) *ServiceUsage {
	usage, exists := r.services[id]
	if !exists {
		usage = &ServiceUsage{Service: id, Errors: make(map[string]int64)}
		r.services[id] = usage
	}
	return usage
}

// ObserveRequest aggregates a finished call.
func (r *UsageRecorder) ObserveRequest(obs RequestObservation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	usage := r.service(obs.Service)
	usage.RequestCount++
	usage.PromptTokens += int64(obs.PromptTokens)
	usage.CompletionTokens += int64(obs.CompletionTokens)
	if obs.Status == StatusError {
		usage.ErrorCount++
		usage.Errors[obs.ErrorKind]++
	}
	usage.LastUpdated = time.Now()
}

// IncThrottle is not aggregated per service.
func (r *UsageRecorder) IncThrottle(_, _ string) {}

// ObserveQueueWait is not aggregated per service.
func (r *UsageRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// IncRetry counts a retry against the service.
func (r *UsageRecorder) IncRetry(service, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.service(service).RetryCount++
}

// SetCircuitState records the latest breaker state of the service.
func (r *UsageRecorder) SetCircuitState(service string, state circuit.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.service(service).CircuitState = state
}

// Service returns a copy of the usage of one service, or nil.
func (r *UsageRecorder) Service(id string) *ServiceUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if usage, exists := r.services[id]; exists {
		return usage.clone()
	}
	return nil
}

// All returns copies of every service's usage, ordered by service id.
func (r *UsageRecorder) All() []*ServiceUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ServiceUsage, 0, len(r.services))
	for _, usage := range r.services {
		result = append(result, usage.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Service < result[j].Service })
	return result
}

// Reset clears all metrics (useful for testing).
func (r *UsageRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = make(map[string]*ServiceUsage)
}

func (u *ServiceUsage) clone() *ServiceUsage {
	cp := *u
	cp.Errors = make(map[string]int64, len(u.Errors))
	for k, v := range u.Errors {
		cp.Errors[k] = v
	}
	return &cp
}
