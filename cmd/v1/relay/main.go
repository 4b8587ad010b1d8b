package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/anontalk/relay/internal/v1/admin"
	"github.com/anontalk/relay/internal/v1/config"
	"github.com/anontalk/relay/internal/v1/health"
	"github.com/anontalk/relay/internal/v1/invite"
	"github.com/anontalk/relay/internal/v1/logging"
	"github.com/anontalk/relay/internal/v1/match"
	"github.com/anontalk/relay/internal/v1/middleware"
	"github.com/anontalk/relay/internal/v1/ratelimit"
	"github.com/anontalk/relay/internal/v1/relay"
	"github.com/anontalk/relay/internal/v1/session"
	"github.com/anontalk/relay/internal/v1/store"
	"github.com/anontalk/relay/internal/v1/tracing"
	"github.com/anontalk/relay/internal/v1/transport"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	// Enabled only when a collector address is configured.
	tracingEnabled := false
	collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR")
	if collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "relay-backend", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			tracingEnabled = true
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
			slog.Info("✅ Tracing initialized", "collector", collectorAddr)
		}
	}

	// --- State Backend Selection ---
	// REDIS_URL selects the shared backend; without it every node holds its
	// own state and matching only pairs sessions on the same node.
	var backend store.Backend
	if cfg.RedisURL != "" {
		redisBackend, err := store.NewRedis(cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		backend = redisBackend
		slog.Info("✅ Redis backend initialized for shared state")
	} else {
		backend = store.NewMemory()
		slog.Info("Running with in-process state (single-instance mode)")
	}

	// --- Coordination Services ---
	clock := clockwork.NewRealClock()
	registry := session.NewRegistry(backend, cfg.SessionTTL, clock)
	limiter := ratelimit.NewLimiter(backend, clock)
	invites := invite.NewStore(backend, clock)
	matcher := match.NewMatcher(backend, registry)

	connectLimiter, err := ratelimit.NewConnectLimiter(cfg.RateLimitWsIP)
	if err != nil {
		slog.Error("Invalid RATE_LIMIT_WS_IP", "error", err)
		os.Exit(1)
	}

	hub := transport.NewHub(backend, connectLimiter, cfg.AllowedOrigins)
	dispatcher := relay.NewDispatcher(registry, limiter, invites, matcher, hub)
	hub.SetDispatcher(dispatcher)
	registry.SetExpireHandler(dispatcher.ExpireSessions)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	hub.Start(runCtx)

	sweeper := session.NewSweeper(registry, cfg.SweepInterval, clock)
	sweeper.Start(runCtx)

	// --- Set up Server ---
	router := gin.Default()
	// Cors
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	router.Use(cors.New(corsConfig))

	// Error handling
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracingEnabled {
		router.Use(otelgin.Middleware("relay-backend"))
	}

	// Routing
	router.GET("/ws", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(backend, registry, matcher)
	router.GET("/health", healthHandler.Status)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Admin endpoints
	adminHandler := admin.NewHandler(registry, matcher, hub)
	adminGroup := router.Group("/admin", admin.RequireKey(cfg.AdminKey))
	{
		adminGroup.GET("", adminHandler.Stats)
	}

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Relay server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all live WebSocket connections gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during hub shutdown:", "error", err)
	}

	sweeper.Stop()

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if err := backend.Close(); err != nil {
		slog.Error("Failed to close state backend:", "error", err)
	}

	slog.Info("Server exiting")
}
