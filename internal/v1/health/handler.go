// Package health serves the liveness, readiness, and stats endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/match"
	"github.com/anontalk/relay/internal/v1/session"
	"github.com/anontalk/relay/internal/v1/store"
)

// Handler manages health check endpoints
type Handler struct {
	backend  store.Backend
	registry *session.Registry
	matcher  *match.Matcher
	started  time.Time
}

// NewHandler creates a new health check handler
func NewHandler(backend store.Backend, registry *session.Registry, matcher *match.Matcher) *Handler {
	return &Handler{
		backend:  backend,
		registry: registry,
		matcher:  matcher,
		started:  time.Now(),
	}
}

// StatusResponse is the main health endpoint payload.
type StatusResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime"`
	ActiveSessions int64  `json:"activeSessions"`
	WaitingInQueue int64  `json:"waitingInQueue"`
	ActiveRooms    int64  `json:"activeRooms"`
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Status handles the main health endpoint
// GET /health
// Counts are best-effort: a backend error degrades the affected count to
// zero rather than failing the probe.
func (h *Handler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	sessions, err := h.registry.Count(ctx)
	if err != nil {
		logging.Warn(ctx, "Health stats: session count failed", zap.Error(err))
	}
	waiting, err := h.matcher.QueueDepth(ctx)
	if err != nil {
		logging.Warn(ctx, "Health stats: queue depth failed", zap.Error(err))
	}
	rooms, err := h.matcher.RoomCount(ctx)
	if err != nil {
		logging.Warn(ctx, "Health stats: room count failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:         "ok",
		UptimeSeconds:  int64(time.Since(h.started).Seconds()),
		ActiveSessions: sessions,
		WaitingInQueue: waiting,
		ActiveRooms:    rooms,
	})
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if the state backend is reachable, 503 otherwise
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	backendStatus := h.checkBackend(ctx)
	checks["backend"] = backendStatus

	status := "ready"
	statusCode := http.StatusOK
	if backendStatus != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkBackend verifies state backend connectivity using PING
func (h *Handler) checkBackend(ctx context.Context) string {
	if err := h.backend.Ping(ctx); err != nil {
		logging.Error(ctx, "Backend health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
