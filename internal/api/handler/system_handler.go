package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cuongbtq/sentinel-gateway/internal/api/dto"
	"github.com/cuongbtq/sentinel-gateway/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const healthCheckTimeout = 3 * time.Second

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// SystemHandler serves health and WebSocket endpoints
type SystemHandler struct {
	logger       *slog.Logger
	serviceName  string
	sockets      SocketServer
	realtime     RealtimeReporter
	healthChecks map[string]HealthChecker
}

// NewSystemHandler creates a new SystemHandler instance
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	return &SystemHandler{
		logger:       deps.Logger,
		serviceName:  deps.ServiceName,
		sockets:      deps.Sockets,
		realtime:     deps.Realtime,
		healthChecks: deps.HealthChecks,
	}
}

// Health handles GET /health. A failed infrastructure check makes the service
// unhealthy; a backbone that is not ready only degrades it, since local
// delivery keeps working.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	response := dto.HealthResponse{
		Status:  healthStatusHealthy,
		Service: h.serviceName,
		Checks:  make(map[string]string, len(h.healthChecks)),
	}

	names := make([]string, 0, len(h.healthChecks))
	for name := range h.healthChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.healthChecks[name].HealthCheck(ctx); err != nil {
			h.logger.WarnContext(ctx, "Health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			response.Checks[name] = err.Error()
			response.Status = healthStatusUnhealthy
			continue
		}
		response.Checks[name] = "ok"
	}

	if h.realtime != nil {
		rt := &dto.RealtimeStatus{Mode: h.realtime.Mode()}
		if h.sockets != nil {
			rt.Clients = h.sockets.ClientCount()
		}
		if states := h.realtime.States(); states != nil {
			rt.Backbone = make(map[string]string, len(states))
			for name, state := range states {
				rt.Backbone[name] = string(state)
				if state != realtime.StateReady && response.Status == healthStatusHealthy {
					response.Status = healthStatusDegraded
				}
			}
		}
		response.Realtime = rt
	}

	code := http.StatusOK
	if response.Status == healthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

// WebSocket handles GET /ws. Each connection gets its own client id.
func (h *SystemHandler) WebSocket(c *gin.Context) {
	h.sockets.ServeWS(c.Writer, c.Request, uuid.NewString())
}
