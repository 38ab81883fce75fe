package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/pkg/config"
	"streamgate/pkg/llm"
	"streamgate/pkg/llmerrors"
	"streamgate/pkg/middleware/metrics"
	"streamgate/pkg/middleware/resilience/circuit"
	"streamgate/pkg/middleware/resilience/retry"
	"streamgate/pkg/sse"
	"streamgate/pkg/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scripted is an upstream stream replaying events, then an optional error.
type scripted struct {
	events []sse.Event
	err    error
}

func (s *scripted) Recv() (sse.Event, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	if s.err != nil {
		err := s.err
		s.err = nil
		return sse.Event{}, err
	}
	return sse.Event{}, io.EOF
}

func (s *scripted) Close() error { return nil }

func testConfig(maxRetries int) *config.Config {
	cfg := config.Default()
	chat := cfg.Classes[llm.ClassChat]
	chat.MinInterval = time.Millisecond
	chat.FailureThreshold = 3
	chat.SuccessThreshold = 1
	chat.RecoveryTimeout = 10 * time.Second
	chat.MaxRetries = &maxRetries
	chat.MinBackoff = time.Millisecond
	chat.MaxBackoff = 2 * time.Millisecond
	cfg.Classes[llm.ClassChat] = chat
	return cfg
}

func noSleep() Option {
	return WithRetryOptions(retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

func chatRequest() llm.Request {
	return llm.NewRequest("svc", "gpt-test", []llm.Message{llm.NewUserMessage("Say hello")})
}

// recorder collects callbacks.
type recorder struct {
	mu     sync.Mutex
	tokens []string
	result *Result
	err    *llmerrors.Error
}

func (r *recorder) handler() Handler {
	return Handler{
		OnToken: func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.tokens = append(r.tokens, text)
		},
		OnDone: func(res Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.result = &res
		},
		OnError: func(err *llmerrors.Error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.err = err
		},
	}
}

func TestRunDeliversTokens(t *testing.T) {
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		return &scripted{events: []sse.Event{sse.Delta("Hel"), sse.Delta("lo"), sse.Done()}}, nil
	})
	o := New(testConfig(3), upstream, noSleep())

	rec := &recorder{}
	res, err := o.Run(context.Background(), chatRequest(), rec.handler())
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, rec.tokens)
	require.NotNil(t, rec.result)
	assert.Equal(t, "Hello", rec.result.Content)
	assert.Equal(t, 1, rec.result.Attempts)
	assert.Positive(t, rec.result.Tokens)
	assert.Equal(t, res, *rec.result)
	assert.Nil(t, rec.err)
}

func TestRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		if calls.Add(1) < 3 {
			return nil, llmerrors.NewWithStatus(llmerrors.RateLimited, http.StatusTooManyRequests, "slow down")
		}
		return &scripted{events: []sse.Event{sse.Delta("ok"), sse.Done()}}, nil
	})
	usage := metrics.NewUsageRecorder()
	o := New(testConfig(3), upstream, noSleep(), WithRecorder(usage))

	res, err := o.Run(context.Background(), chatRequest(), Handler{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, int64(2), usage.Service("svc").RetryCount)
	assert.Equal(t, circuit.Closed, o.GetCircuitState("svc").State)
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		calls.Add(1)
		return nil, llmerrors.NewWithStatus(llmerrors.Unavailable, http.StatusServiceUnavailable, "down")
	})
	o := New(testConfig(2), upstream, noSleep())

	rec := &recorder{}
	_, err := o.Run(context.Background(), chatRequest(), rec.handler())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.NotNil(t, rec.err)
	assert.Equal(t, llmerrors.Unavailable, rec.err.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, rec.err.StatusCode)
	assert.Equal(t, 1, o.GetCircuitState("svc").FailureCount, "one logical call is one breaker failure")
}

func TestRetryOverrideCannotExceedClassBudget(t *testing.T) {
	var calls atomic.Int32
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		calls.Add(1)
		return nil, llmerrors.NewWithStatus(llmerrors.Unavailable, http.StatusServiceUnavailable, "down")
	})
	o := New(testConfig(2), upstream, noSleep())

	req := chatRequest()
	generous := 8
	req.Retry = &llm.RetryOverride{MaxRetries: &generous}
	_, err := o.Run(context.Background(), req, (&recorder{}).handler())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, circuit.Closed, o.GetCircuitState("svc").State)
}

func TestRetryOverrideOutOfRangeIsRejected(t *testing.T) {
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		t.Fatal("invalid requests must not reach upstream")
		return nil, nil
	})
	o := New(testConfig(3), upstream, noSleep())

	huge := 500
	long := time.Hour
	for name, override := range map[string]*llm.RetryOverride{
		"max retries": {MaxRetries: &huge},
		"max backoff": {MaxBackoff: &long},
	} {
		t.Run(name, func(t *testing.T) {
			req := chatRequest()
			req.Retry = override
			rec := &recorder{}
			_, err := o.Run(context.Background(), req, rec.handler())
			require.Error(t, err)
			require.NotNil(t, rec.err)
			assert.Equal(t, llmerrors.InvalidRequest, rec.err.Kind)
		})
	}
}

func TestFatalErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		calls.Add(1)
		return nil, llmerrors.NewWithStatus(llmerrors.Unauthorized, http.StatusUnauthorized, "bad key")
	})
	o := New(testConfig(3), upstream, noSleep())

	rec := &recorder{}
	_, err := o.Run(context.Background(), chatRequest(), rec.handler())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, rec.err)
	assert.Equal(t, llmerrors.Unauthorized, rec.err.Kind)
	assert.NotEmpty(t, rec.err.UserMessage())
	assert.Equal(t, 0, o.GetCircuitState("svc").FailureCount)
}

func TestThreeFailureScenario(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var calls atomic.Int32
	var healthy atomic.Bool
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		calls.Add(1)
		if healthy.Load() {
			return &scripted{events: []sse.Event{sse.Delta("back"), sse.Done()}}, nil
		}
		return nil, llmerrors.NewWithStatus(llmerrors.Unavailable, http.StatusBadGateway, "bad gateway")
	})
	o := New(testConfig(0), upstream, noSleep(), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		_, err := o.Run(context.Background(), chatRequest(), Handler{})
		require.Error(t, err)
	}
	state := o.GetCircuitState("svc")
	assert.Equal(t, circuit.Open, state.State)
	assert.Equal(t, 3, state.FailureCount)
	assert.Equal(t, clock.Now(), state.LastFailureTime)

	rec := &recorder{}
	_, err := o.Run(context.Background(), chatRequest(), rec.handler())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not reach upstream")
	require.NotNil(t, rec.err)
	assert.Equal(t, llmerrors.Unavailable, rec.err.Kind)
	assert.Equal(t, ServiceUnavailableMessage, rec.err.Message)

	healthy.Store(true)
	clock.Advance(10 * time.Second)
	res, err := o.Run(context.Background(), chatRequest(), Handler{})
	require.NoError(t, err)
	assert.Equal(t, "back", res.Content)
	assert.Equal(t, circuit.Closed, o.GetCircuitState("svc").State)
}

func TestFallbackWhileOpen(t *testing.T) {
	cfg := testConfig(0)
	cfg.Services["svc"] = config.ServiceConfig{BaseURL: "http://upstream", Fallback: "The assistant is resting."}
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		return nil, llmerrors.New(llmerrors.Unavailable, "down")
	})
	o := New(cfg, upstream, noSleep())

	for i := 0; i < 3; i++ {
		_, _ = o.Run(context.Background(), chatRequest(), Handler{})
	}

	rec := &recorder{}
	res, err := o.Run(context.Background(), chatRequest(), rec.handler())
	require.NoError(t, err)
	assert.Equal(t, []string{"The assistant is resting."}, rec.tokens)
	assert.Equal(t, 0, res.Attempts)
	assert.Nil(t, rec.err)
}

func TestCustomFallback(t *testing.T) {
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		return nil, llmerrors.New(llmerrors.Unavailable, "down")
	})
	fallback := func(_ context.Context, req llm.Request, _ *circuit.Error) (string, error) {
		return "fallback for " + req.Model, nil
	}
	o := New(testConfig(0), upstream, noSleep(), WithFallback(fallback))

	for i := 0; i < 3; i++ {
		_, _ = o.Run(context.Background(), chatRequest(), Handler{})
	}
	res, err := o.Run(context.Background(), chatRequest(), Handler{})
	require.NoError(t, err)
	assert.Equal(t, "fallback for gpt-test", res.Content)
}

func TestMidStreamErrorAfterTokens(t *testing.T) {
	var calls atomic.Int32
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		calls.Add(1)
		return &scripted{
			events: []sse.Event{sse.Delta("partial ")},
			err:    llmerrors.New(llmerrors.Unavailable, "server overloaded"),
		}, nil
	})
	o := New(testConfig(3), upstream, noSleep())

	rec := &recorder{}
	_, err := o.Run(context.Background(), chatRequest(), rec.handler())
	require.Error(t, err)

	assert.Equal(t, []string{"partial "}, rec.tokens)
	assert.Nil(t, rec.result)
	require.NotNil(t, rec.err)
	assert.Equal(t, llmerrors.Unavailable, rec.err.Kind)
	assert.Equal(t, int32(1), calls.Load(), "mid-stream failures are not retried")
	assert.Equal(t, 1, o.GetCircuitState("svc").FailureCount)
}

// blockingStream yields one delta and then blocks until its context ends.
type blockingStream struct {
	ctx  context.Context //nolint:containedctx // test double
	sent bool
}

func (b *blockingStream) Recv() (sse.Event, error) {
	if !b.sent {
		b.sent = true
		return sse.Delta("first"), nil
	}
	<-b.ctx.Done()
	return sse.Event{}, context.Cause(b.ctx)
}

func (b *blockingStream) Close() error { return nil }

func TestCancellationStopsCallbacks(t *testing.T) {
	upstream := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (llm.Stream, error) {
		return &blockingStream{ctx: ctx}, nil
	})
	o := New(testConfig(3), upstream, noSleep())

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	h := rec.handler()
	onToken := h.OnToken
	h.OnToken = func(text string) {
		onToken(text)
		cancel()
	}

	_, err := o.Run(ctx, chatRequest(), h)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first"}, rec.tokens)
	assert.Nil(t, rec.result)
	assert.Nil(t, rec.err)

	assert.Equal(t, 0, o.GetCircuitState("svc").FailureCount, "cancellation is not a service failure")
	for _, s := range o.LimiterStats().Concurrency {
		assert.Equal(t, int64(0), s.Active, "slot released for %s", s.Class)
	}
}

func TestInvalidRequest(t *testing.T) {
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		t.Fatal("invalid requests must not reach upstream")
		return nil, nil
	})
	o := New(testConfig(3), upstream, noSleep())

	req := chatRequest()
	req.Messages = nil
	rec := &recorder{}
	_, err := o.Run(context.Background(), req, rec.handler())
	require.Error(t, err)
	require.NotNil(t, rec.err)
	assert.Equal(t, llmerrors.InvalidRequest, rec.err.Kind)
}

func TestStreamCompletionIsAsync(t *testing.T) {
	release := make(chan struct{})
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		<-release
		return &scripted{events: []sse.Event{sse.Delta("x"), sse.Done()}}, nil
	})
	o := New(testConfig(3), upstream, noSleep())

	rec := &recorder{}
	done := o.StreamCompletion(context.Background(), chatRequest(), rec.handler())

	select {
	case <-done:
		t.Fatal("StreamCompletion should not block on the call")
	default:
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not finish")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotNil(t, rec.result)
	assert.Equal(t, "x", rec.result.Content)
}

func TestResetCircuitAndStats(t *testing.T) {
	upstream := llm.ClientFunc(func(context.Context, llm.Request) (llm.Stream, error) {
		return nil, llmerrors.New(llmerrors.Unavailable, "down")
	})
	o := New(testConfig(0), upstream, noSleep())

	assert.False(t, o.ResetCircuit("svc"))
	assert.Equal(t, circuit.Closed, o.GetCircuitState("svc").State)

	for i := 0; i < 3; i++ {
		_, _ = o.Run(context.Background(), chatRequest(), Handler{})
	}
	require.Equal(t, circuit.Open, o.GetCircuitState("svc").State)
	require.Len(t, o.Circuits(), 1)

	assert.True(t, o.ResetCircuit("svc"))
	assert.Equal(t, circuit.Closed, o.GetCircuitState("svc").State)

	stats := o.LimiterStats()
	require.Len(t, stats.RateLimits, 1)
	assert.Equal(t, llm.ClassChat, stats.RateLimits[0].Class)
	assert.Equal(t, int64(3), stats.RateLimits[0].Calls)
	require.Len(t, stats.Concurrency, 1)
	assert.Equal(t, 5, stats.Concurrency[0].Max)
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	assert.True(t, strings.HasPrefix(id, "req_"))
	assert.Len(t, id, 12)
	assert.NotEqual(t, id, NewRequestID())
}

func TestTerminal(t *testing.T) {
	e := Terminal(&circuit.Error{Service: "svc", State: circuit.HalfOpen})
	assert.Equal(t, llmerrors.Unavailable, e.Kind)
	assert.Equal(t, ServiceUnavailableMessage, e.Message)

	e = Terminal(errors.New("weird"))
	assert.Equal(t, llmerrors.Unknown, e.Kind)
}

func TestEndToEndOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		flusher, _ := w.(http.Flusher)
		for _, chunk := range []string{
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel",
			"\"}}]}\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\ndata: [DONE]\n\n",
		} {
			_, _ = io.WriteString(w, chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	upstream := transport.New(srv.Client(), []transport.Service{{ID: "svc", BaseURL: srv.URL, Path: config.DefaultPath}})
	o := New(testConfig(3), upstream, noSleep())

	rec := &recorder{}
	res, err := o.Run(context.Background(), chatRequest(), rec.handler())
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Content)
	assert.Equal(t, []string{"Hel", "lo"}, rec.tokens)
}

func TestEndToEndFirstByteTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, "data: {\"content\":\"late\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := testConfig(1)
	cfg.Timeouts.FirstByte = 50 * time.Millisecond
	upstream := transport.New(srv.Client(), []transport.Service{{ID: "svc", BaseURL: srv.URL, Path: config.DefaultPath}})
	o := New(cfg, upstream, noSleep())

	res, err := o.Run(context.Background(), chatRequest(), Handler{})
	require.NoError(t, err)
	assert.Equal(t, "late", res.Content)
	assert.Equal(t, 2, res.Attempts)
}

func TestEndToEndKeepAliveCommentsHoldTheStream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		flusher, _ := w.(http.Flusher)
		write := func(chunk string) {
			_, _ = io.WriteString(w, chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
		ping := func() {
			for i := 0; i < 8; i++ {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(20 * time.Millisecond):
				}
				write(": ping\n\n")
			}
		}

		ping()
		write("data: {\"content\":\"slow\"}\n\n")
		ping()
		write("data: {\"content\":\" model\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	cfg := testConfig(0)
	cfg.Timeouts.FirstByte = 80 * time.Millisecond
	cfg.Timeouts.Idle = 80 * time.Millisecond
	upstream := transport.New(srv.Client(), []transport.Service{{ID: "svc", BaseURL: srv.URL, Path: config.DefaultPath}})
	o := New(cfg, upstream, noSleep())

	res, err := o.Run(context.Background(), chatRequest(), Handler{})
	require.NoError(t, err)
	assert.Equal(t, "slow model", res.Content)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}
