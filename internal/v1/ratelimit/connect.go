package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/metrics"
)

// ConnectLimiter throttles WebSocket upgrade attempts per client IP. It is
// node-local on purpose: connection storms are absorbed where they land.
type ConnectLimiter struct {
	wsIP *limiter.Limiter
}

// NewConnectLimiter parses a rate in ulule format (e.g. "60-M").
func NewConnectLimiter(rate string) (*ConnectLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	return &ConnectLimiter{
		wsIP: limiter.New(memory.NewStore(), wsIPRate),
	}, nil
}

// CheckWebSocket returns true when the connection may proceed. On a limit hit
// it writes the 429 response itself. The limiter store failing open keeps
// availability over strictness.
func (cl *ConnectLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := cl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("connect").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
