// Package admin gates and serves the operator stats endpoint.
package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/match"
	"github.com/anontalk/relay/internal/v1/session"
)

// HeaderAdminKey is the header carrying the operator secret. The
// admin_key query parameter is accepted as a fallback for browsers.
const HeaderAdminKey = "X-Admin-Key"

// ConnectionCounter reports live WebSocket connections on this node.
type ConnectionCounter interface {
	ConnectionCount() int
}

// RequireKey rejects requests that do not present the configured secret.
// An empty secret disables the gate and the routes are open.
func RequireKey(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		presented := c.GetHeader(HeaderAdminKey)
		if presented == "" {
			presented = c.Query("admin_key")
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			logging.Warn(c.Request.Context(), "Rejected admin request", zap.String("remote", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()
	}
}

// Handler serves the gated stats view.
type Handler struct {
	registry    *session.Registry
	matcher     *match.Matcher
	connections ConnectionCounter
	started     time.Time
}

// NewHandler creates the admin stats handler.
func NewHandler(registry *session.Registry, matcher *match.Matcher, connections ConnectionCounter) *Handler {
	return &Handler{
		registry:    registry,
		matcher:     matcher,
		connections: connections,
		started:     time.Now(),
	}
}

// StatsResponse is the admin stats payload.
type StatsResponse struct {
	UptimeSeconds    int64 `json:"uptime"`
	ActiveSessions   int64 `json:"activeSessions"`
	WaitingInQueue   int64 `json:"waitingInQueue"`
	ActiveRooms      int64 `json:"activeRooms"`
	LocalConnections int   `json:"localConnections"`
}

// Stats handles GET /admin. Counts are cluster-wide except for the
// connection count, which covers this node only.
func (h *Handler) Stats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	sessions, err := h.registry.Count(ctx)
	if err != nil {
		logging.Warn(ctx, "Admin stats: session count failed", zap.Error(err))
	}
	waiting, err := h.matcher.QueueDepth(ctx)
	if err != nil {
		logging.Warn(ctx, "Admin stats: queue depth failed", zap.Error(err))
	}
	rooms, err := h.matcher.RoomCount(ctx)
	if err != nil {
		logging.Warn(ctx, "Admin stats: room count failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, StatsResponse{
		UptimeSeconds:    int64(time.Since(h.started).Seconds()),
		ActiveSessions:   sessions,
		WaitingInQueue:   waiting,
		ActiveRooms:      rooms,
		LocalConnections: h.connections.ConnectionCount(),
	})
}
