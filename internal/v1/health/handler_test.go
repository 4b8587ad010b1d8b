package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anontalk/relay/internal/v1/match"
	"github.com/anontalk/relay/internal/v1/session"
	"github.com/anontalk/relay/internal/v1/store"
)

func newTestRouter(t *testing.T, backend store.Backend) (*gin.Engine, *session.Registry, *match.Matcher) {
	gin.SetMode(gin.TestMode)

	registry := session.NewRegistry(backend, 30*time.Minute, clockwork.NewFakeClock())
	matcher := match.NewMatcher(backend, registry)
	handler := NewHandler(backend, registry, matcher)

	r := gin.New()
	r.GET("/health", handler.Status)
	r.GET("/health/live", handler.Liveness)
	r.GET("/health/ready", handler.Readiness)
	return r, registry, matcher
}

func TestStatus_ReportsCounts(t *testing.T) {
	backend := store.NewMemory()
	t.Cleanup(func() { _ = backend.Close() })

	r, registry, _ := newTestRouter(t, backend)
	ctx := context.Background()

	_, err := registry.Add(ctx, "alice", "c1")
	require.NoError(t, err)
	require.NoError(t, backend.LPush(ctx, store.KeyQueueList, "alice"))
	require.NoError(t, backend.SAdd(ctx, store.KeyRoomsSet, "room-1"))

	req, _ := http.NewRequest("GET", "/health", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)

	var body StatusResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, int64(1), body.ActiveSessions)
	assert.Equal(t, int64(1), body.WaitingInQueue)
	assert.Equal(t, int64(1), body.ActiveRooms)
}

func TestLiveness(t *testing.T) {
	backend := store.NewMemory()
	t.Cleanup(func() { _ = backend.Close() })

	r, _, _ := newTestRouter(t, backend)

	req, _ := http.NewRequest("GET", "/health/live", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)

	var body LivenessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "alive", body.Status)
}

func TestReadiness_HealthyBackend(t *testing.T) {
	backend := store.NewMemory()
	t.Cleanup(func() { _ = backend.Close() })

	r, _, _ := newTestRouter(t, backend)

	req, _ := http.NewRequest("GET", "/health/ready", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "healthy", body.Checks["backend"])
}

func TestReadiness_UnreachableBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := store.NewRedisFromClient(client)
	t.Cleanup(func() { _ = backend.Close() })

	r, _, _ := newTestRouter(t, backend)

	// Kill the backend before probing
	mr.Close()

	req, _ := http.NewRequest("GET", "/health/ready", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusServiceUnavailable, resp.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["backend"])
}
