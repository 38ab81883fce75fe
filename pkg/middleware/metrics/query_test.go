package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrometheus answers instant queries with the first value whose key the query contains.
func fakePrometheus(t *testing.T, answers []struct{ match, value string }) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var seen []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.FormValue("query")
		mu.Lock()
		seen = append(seen, query)
		mu.Unlock()

		value := ""
		for _, a := range answers {
			if strings.Contains(query, a.match) {
				value = a.value
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if value == "" {
			_, _ = fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
			return
		}
		_, _ = fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,%q]}]}}`, value)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestServiceHistory(t *testing.T) {
	srv, seen := fakePrometheus(t, []struct{ match, value string }{
		{`status="error"`, "2"},
		{"streamgate_retries_total", "3.4"},
		{`type="prompt"`, "120"},
		{`type="completion"`, "480"},
		{"histogram_quantile", "0.75"},
		{"streamgate_requests_total", "10"},
	})

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	history, err := q.ServiceHistory(context.Background(), "openai", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "openai", history.Service)
	assert.Equal(t, "1h", history.Window.String())
	assert.Equal(t, int64(10), history.Requests)
	assert.Equal(t, int64(2), history.Errors)
	assert.Equal(t, int64(3), history.Retries)
	assert.Equal(t, int64(120), history.PromptTokens)
	assert.Equal(t, int64(480), history.CompletionTokens)
	assert.InDelta(t, 0.75, history.P95Seconds, 1e-9)

	require.Len(t, *seen, 6)
	for _, query := range *seen {
		assert.Contains(t, query, `service="openai"`)
		assert.Contains(t, query, "[1h]")
	}
}

func TestServiceHistoryNoData(t *testing.T) {
	srv, _ := fakePrometheus(t, []struct{ match, value string }{
		{"histogram_quantile", "NaN"},
	})

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	history, err := q.ServiceHistory(context.Background(), "idle", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), history.Requests)
	assert.Zero(t, history.P95Seconds)
}

func TestServiceHistoryServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"status":"error","errorType":"internal","error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	_, err = q.ServiceHistory(context.Background(), "svc", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query requests")
}
