// Package gateway exposes the streaming orchestrator over HTTP. Completions are
// relayed as server-sent events; breaker, limiter, usage and log state is served
// as JSON for operators.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamgate/pkg/logx"
	"streamgate/pkg/middleware/metrics"
	"streamgate/pkg/streaming"
)

// Option customizes a Server.
type Option func(*Server)

// WithUsage serves aggregated per-service usage at /v1/usage.
func WithUsage(u *metrics.UsageRecorder) Option {
	return func(s *Server) { s.usage = u }
}

// WithGatherer serves the gatherer's metrics at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHistory serves per-service history from Prometheus at /v1/usage/:service/history.
func WithHistory(q *metrics.QueryService) Option {
	return func(s *Server) { s.history = q }
}

// Server is the HTTP front of an orchestrator.
type Server struct {
	orch     *streaming.Orchestrator
	usage    *metrics.UsageRecorder
	history  *metrics.QueryService
	gatherer prometheus.Gatherer
	logger   *logx.Logger
	engine   *gin.Engine
}

// NewServer creates a server for orch and registers its routes.
func NewServer(orch *streaming.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		logger: logx.NewLogger("gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), RequestIDMiddleware(), LoggingMiddleware(s.logger))
	s.RegisterRoutes(s.engine)
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// RegisterRoutes adds the gateway routes to r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.POST("/stream", s.handleStream)
	v1.GET("/circuits", s.handleCircuits)
	v1.GET("/circuits/:service", s.handleCircuit)
	v1.POST("/circuits/:service/reset", s.handleCircuitReset)
	v1.GET("/limits", s.handleLimits)
	v1.GET("/usage", s.handleUsage)
	v1.GET("/usage/:service/history", s.handleUsageHistory)
	v1.GET("/logs", s.handleLogs)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down, giving
// in-flight streams up to shutdownTimeout to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting gateway on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err //nolint:wrapcheck // ListenAndServe errors are self-describing
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	//nolint:contextcheck // Parent context is cancelled; shutdown needs a fresh one
	if err := server.Shutdown(shutdownCtx); err != nil {
		return logx.Wrap(err, "gateway shutdown failed")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err //nolint:wrapcheck // ListenAndServe errors are self-describing
	}
	return nil
}
