package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ServiceHistory aggregates what Prometheus recorded for one service over a window.
// Unlike UsageRecorder it survives process restarts.
type ServiceHistory struct {
	Service          string         `json:"service"`
	Window           model.Duration `json:"window"`
	Requests         int64          `json:"requests"`
	Errors           int64          `json:"errors"`
	Retries          int64          `json:"retries"`
	PromptTokens     int64          `json:"prompt_tokens"`
	CompletionTokens int64          `json:"completion_tokens"`
	P95Seconds       float64        `json:"p95_seconds"`
}

// QueryService reads streamgate metrics back from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service for the Prometheus server at prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// ServiceHistory retrieves request, retry and token totals and the p95 duration of
// service over the trailing window.
func (q *QueryService) ServiceHistory(ctx context.Context, service string, window time.Duration) (*ServiceHistory, error) {
	w := model.Duration(window)
	history := &ServiceHistory{Service: service, Window: w}

	counters := []struct {
		name  string
		query string
		dst   *int64
	}{
		{"requests", fmt.Sprintf(`sum(increase(streamgate_requests_total{service=%q}[%s]))`, service, w), &history.Requests},
		{"errors", fmt.Sprintf(`sum(increase(streamgate_requests_total{service=%q, status=%q}[%s]))`, service, StatusError, w), &history.Errors},
		{"retries", fmt.Sprintf(`sum(increase(streamgate_retries_total{service=%q}[%s]))`, service, w), &history.Retries},
		{"prompt tokens", fmt.Sprintf(`sum(increase(streamgate_tokens_total{service=%q, type="prompt"}[%s]))`, service, w), &history.PromptTokens},
		{"completion tokens", fmt.Sprintf(`sum(increase(streamgate_tokens_total{service=%q, type="completion"}[%s]))`, service, w), &history.CompletionTokens},
	}
	for _, c := range counters {
		v, err := q.scalar(ctx, c.query)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", c.name, err)
		}
		*c.dst = int64(math.Round(v))
	}

	p95Query := fmt.Sprintf(
		`histogram_quantile(0.95, sum by (le) (rate(streamgate_request_duration_seconds_bucket{service=%q}[%s])))`, service, w)
	p95, err := q.scalar(ctx, p95Query)
	if err != nil {
		return nil, fmt.Errorf("failed to query p95 duration: %w", err)
	}
	history.P95Seconds = p95

	return history, nil
}

// scalar runs an instant query and returns its first sample. Empty results and
// NaN (a quantile over no data) read as zero.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err //nolint:wrapcheck // Wrapped by the caller with the query name
	}

	vector, ok := result.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, nil
	}
	v := float64(vector[0].Value)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, nil
	}
	return v, nil
}
