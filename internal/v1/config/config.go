package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required-ish variables (all have defaults, the service is zero-config locally)
	Port string

	// CORS_ORIGIN: comma-separated list, or "*" to allow any origin
	CORSOrigin     string
	AllowedOrigins []string

	// ADMIN_KEY gates admin routes. Empty disables gating entirely.
	AdminKey string

	// REDIS_URL presence selects the shared backend; empty runs in-process.
	RedisURL string

	GoEnv           string
	DevelopmentMode bool

	// Tunables
	SessionTTL    time.Duration
	SweepInterval time.Duration

	// Connect-time rate limit for the WebSocket route, ulule format (e.g. "60-M")
	RateLimitWsIP string
}

// ValidateEnv validates environment variables and returns a Config object.
// Returns an error if any variable is present but invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// PORT (defaults to 3000)
	cfg.Port = getEnvOrDefault("PORT", "3000")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// CORS_ORIGIN: "*" or comma-separated origin list
	cfg.CORSOrigin = getEnvOrDefault("CORS_ORIGIN", "*")
	cfg.AllowedOrigins = ParseOrigins(cfg.CORSOrigin)

	cfg.AdminKey = os.Getenv("ADMIN_KEY")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	// Session inactivity TTL (default 30m) and sweeper cadence (default 30s)
	var err error
	cfg.SessionTTL, err = parseDurationEnv("SESSION_TTL", 30*time.Minute)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.SweepInterval, err = parseDurationEnv("SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		errors = append(errors, err.Error())
	}

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// ParseOrigins splits a CORS_ORIGIN value into a list of origins.
// "*" yields a single wildcard entry meaning any origin.
func ParseOrigins(value string) []string {
	if value == "" || value == "*" {
		return []string{"*"}
	}
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if o := strings.TrimSpace(p); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive Go duration (got '%s')", key, raw)
	}
	return d, nil
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"cors_origin", cfg.CORSOrigin,
		"admin_key", redactSecret(cfg.AdminKey),
		"redis_backend", cfg.RedisURL != "",
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
		"session_ttl", cfg.SessionTTL,
		"sweep_interval", cfg.SweepInterval,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret, showing nothing of its content
func redactSecret(secret string) string {
	if secret == "" {
		return "(disabled)"
	}
	return "***"
}
