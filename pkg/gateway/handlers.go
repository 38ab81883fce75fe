package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/common/model"

	"streamgate/pkg/llm"
	"streamgate/pkg/llmerrors"
	"streamgate/pkg/logx"
	"streamgate/pkg/middleware/metrics"
	"streamgate/pkg/streaming"
)

// SSE event names written by /v1/stream.
const (
	EventToken = "token"
	EventDone  = "done"
	EventError = "error"
)

const defaultHistoryWindow = "1h"

// maxLogEntries bounds the /v1/logs response.
const maxLogEntries = 1000

// handleStream implements POST /v1/stream. The request descriptor is read as JSON
// and the completion is relayed as token events followed by one done or error
// event. A client that disconnects cancels the upstream call.
func (s *Server) handleStream(c *gin.Context) {
	var req llm.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.WarnCtx(c.Request.Context(), "Failed to parse stream request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": errorPayload(llmerrors.New(llmerrors.InvalidRequest, "failed to parse request body: "+err.Error())),
		})
		return
	}
	if req.ID == "" {
		req.ID = c.GetString(requestIDKey)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	send := func(event string, data any) {
		c.SSEvent(event, data)
		c.Writer.Flush()
	}

	_, err := s.orch.Run(c.Request.Context(), req, streaming.Handler{
		OnToken: func(text string) { send(EventToken, gin.H{"text": text}) },
		OnDone:  func(result streaming.Result) { send(EventDone, result) },
		OnError: func(err *llmerrors.Error) { send(EventError, errorPayload(err)) },
	})
	if err != nil && c.Request.Context().Err() != nil {
		s.logger.InfoCtx(c.Request.Context(), "Client went away during %s stream", req.ServiceID)
	}
}

// errorPayload is the JSON body of error events and error responses.
func errorPayload(err *llmerrors.Error) gin.H {
	payload := gin.H{
		"kind":         err.Kind.String(),
		"message":      err.Message,
		"user_message": err.UserMessage(),
		"retryable":    err.IsRetryable(),
	}
	if err.StatusCode != 0 {
		payload["status"] = err.StatusCode
	}
	if err.RetryAfter > 0 {
		payload["retry_after_ms"] = err.RetryAfter.Milliseconds()
	}
	return payload
}

// handleCircuits implements GET /v1/circuits.
func (s *Server) handleCircuits(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Circuits())
}

// handleCircuit implements GET /v1/circuits/:service.
func (s *Server) handleCircuit(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.GetCircuitState(c.Param("service")))
}

// handleCircuitReset implements POST /v1/circuits/:service/reset.
func (s *Server) handleCircuitReset(c *gin.Context) {
	service := c.Param("service")
	if !s.orch.ResetCircuit(service) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no circuit for service " + service})
		return
	}
	c.JSON(http.StatusOK, s.orch.GetCircuitState(service))
}

// handleLimits implements GET /v1/limits.
func (s *Server) handleLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.LimiterStats())
}

// handleUsage implements GET /v1/usage.
func (s *Server) handleUsage(c *gin.Context) {
	if s.usage == nil {
		c.JSON(http.StatusOK, []*metrics.ServiceUsage{})
		return
	}
	c.JSON(http.StatusOK, s.usage.All())
}

// handleUsageHistory implements GET /v1/usage/:service/history?window=1h.
func (s *Server) handleUsageHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "usage history requires metrics.query_url"})
		return
	}

	window, err := model.ParseDuration(c.DefaultQuery("window", defaultHistoryWindow))
	if err != nil || window <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window parameter (use a Prometheus duration such as 30m or 1h)"})
		return
	}

	history, err := s.history.ServiceHistory(c.Request.Context(), c.Param("service"), time.Duration(window))
	if err != nil {
		s.logger.WarnCtx(c.Request.Context(), "Usage history query failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, history)
}

// handleLogs implements GET /v1/logs?component=&since=.
func (s *Server) handleLogs(c *gin.Context) {
	var since time.Time
	if sinceStr := c.Query("since"); sinceStr != "" {
		var err error
		since, err = time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			s.logger.Warn("Invalid since parameter: %s", sinceStr)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since parameter (use RFC3339)"})
			return
		}
	}

	logs := logx.GetRecentLogEntries(c.Query("component"), since)
	if len(logs) > maxLogEntries {
		logs = logs[len(logs)-maxLogEntries:]
	}
	c.JSON(http.StatusOK, logs)
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
