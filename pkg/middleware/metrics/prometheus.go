package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"streamgate/pkg/middleware/resilience/circuit"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
	queueWaitTime   *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
}

// NewPrometheusRecorder creates a recorder whose collectors are registered on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamgate_requests_total",
				Help: "Total number of streaming requests by service, class, model, status and error kind",
			},
			[]string{"service", "class", "model", "status", "error_kind"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamgate_tokens_total",
				Help: "Estimated tokens sent and streamed back",
			},
			[]string{"service", "model", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamgate_request_duration_seconds",
				Help:    "Duration of streaming requests from submission to termination",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "class", "status"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamgate_throttle_total",
				Help: "Total number of rate limiter throttling events",
			},
			[]string{"class", "reason"},
		),
		queueWaitTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "streamgate_queue_wait_duration_seconds",
				Help:    "Time spent waiting for rate limit availability",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"class"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamgate_retries_total",
				Help: "Total number of retried establishment attempts",
			},
			[]string{"service", "error_kind"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "streamgate_circuit_state",
				Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
	}
}

// ObserveRequest records metrics for a finished call.
func (p *PrometheusRecorder) ObserveRequest(obs RequestObservation) {
	p.requestsTotal.WithLabelValues(obs.Service, obs.Class, obs.Model, obs.Status, obs.ErrorKind).Inc()
	p.tokensTotal.WithLabelValues(obs.Service, obs.Model, "prompt").Add(float64(obs.PromptTokens))
	p.tokensTotal.WithLabelValues(obs.Service, obs.Model, "completion").Add(float64(obs.CompletionTokens))
	p.requestDuration.WithLabelValues(obs.Service, obs.Class, obs.Status).Observe(obs.Duration.Seconds())
}

// IncThrottle increments the throttle counter for rate limiting events.
func (p *PrometheusRecorder) IncThrottle(class, reason string) {
	p.throttleTotal.WithLabelValues(class, reason).Inc()
}

// ObserveQueueWait records time spent waiting for rate limit availability.
func (p *PrometheusRecorder) ObserveQueueWait(class string, duration time.Duration) {
	p.queueWaitTime.WithLabelValues(class).Observe(duration.Seconds())
}

// IncRetry counts a retried establishment attempt.
func (p *PrometheusRecorder) IncRetry(service, kind string) {
	p.retriesTotal.WithLabelValues(service, kind).Inc()
}

// SetCircuitState records a breaker state change.
func (p *PrometheusRecorder) SetCircuitState(service string, state circuit.State) {
	p.circuitState.WithLabelValues(service).Set(float64(state))
}
