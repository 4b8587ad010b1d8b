// Package ratelimit implements the per-session message budget and the
// connect-time IP limit for the WebSocket route.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/anontalk/relay/internal/v1/metrics"
	"github.com/anontalk/relay/internal/v1/store"
	"github.com/anontalk/relay/internal/v1/types"
)

const (
	// Window is the fixed rate-limit window for outbound encrypted messages.
	Window = 60 * time.Second
	// Limit is the number of messages allowed per session per window.
	Limit = 30
)

// counter is the stored shape at rate:{sessionId}.
type counter struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"` // unix milliseconds
}

// Window-based limiter for relayed messages. The read-modify-write is not
// atomic under the shared backend; small overshoot is acceptable because this
// is a courtesy limit, not a security boundary.
type Limiter struct {
	backend store.Backend
	clock   clockwork.Clock
}

// NewLimiter creates the per-session fixed-window limiter.
func NewLimiter(backend store.Backend, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{backend: backend, clock: clock}
}

func rateKey(id types.SessionIDType) string {
	return store.KeyRatePrefix + string(id)
}

// Allow reports whether the session may send another message in the current
// window, consuming a token when it may.
func (l *Limiter) Allow(ctx context.Context, sessionID types.SessionIDType) (bool, error) {
	key := rateKey(sessionID)
	now := l.clock.Now().UnixMilli()

	raw, ok, err := l.backend.Get(ctx, key)
	if err != nil {
		return false, err
	}

	var c counter
	if ok {
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			// Corrupt counter: start a fresh window rather than lock the session out.
			ok = false
		}
	}

	if !ok || now-c.WindowStart > Window.Milliseconds() {
		c = counter{Count: 1, WindowStart: now}
		return true, l.put(ctx, key, c)
	}

	if c.Count >= Limit {
		metrics.RateLimitExceeded.WithLabelValues("message").Inc()
		return false, nil
	}

	c.Count++
	return true, l.put(ctx, key, c)
}

// Clear deletes the session's counter. Called on disconnect.
func (l *Limiter) Clear(ctx context.Context, sessionID types.SessionIDType) error {
	return l.backend.Del(ctx, rateKey(sessionID))
}

func (l *Limiter) put(ctx context.Context, key string, c counter) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal rate counter: %w", err)
	}
	// Keep the key around a little past the window so stale counters
	// self-clean even if the disconnect cleanup never ran.
	return l.backend.Set(ctx, key, string(raw), 2*Window)
}
