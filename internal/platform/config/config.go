// Package config loads application configuration from environment variables.
// All variables use the LEARN_ prefix.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Gateway kinds for the remote completion store.
const (
	GatewayMemory   = "memory"
	GatewayPostgres = "postgres"
	GatewayRedis    = "redis"
	GatewayHTTP     = "http"
)

// Config holds all application configuration.
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Cache          CacheConfig
	Log            LogConfig
	Progress       ProgressConfig
	Sync           SyncConfig
	CurriculumPath string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string // websocket origin patterns
}

// DatabaseConfig holds PostgreSQL connection settings. An empty URL runs
// without a database.
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
}

// CacheConfig holds Dragonfly/Redis connection settings.
type CacheConfig struct {
	URL string
	TTL time.Duration // completion key expiry, 0 keeps keys
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// ProgressConfig holds the quiz policy applied by the progression engine.
type ProgressConfig struct {
	PassThreshold       int
	RequirePassingScore bool
	OverwriteQuizScore  bool
}

// SyncConfig holds remote completion store settings.
type SyncConfig struct {
	Gateway           string // "memory", "postgres", "redis" or "http"
	RemoteURL         string
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RollbackOnFailure bool
	FlushInterval     time.Duration
}

// Load reads configuration from environment variables with LEARN_ prefix.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("LEARN_SERVER_PORT", 8080),
			Host:           envStr("LEARN_SERVER_HOST", "0.0.0.0"),
			AllowedOrigins: envList("LEARN_SERVER_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL:      envStr("LEARN_DATABASE_URL", ""),
			MaxConns: envInt("LEARN_DATABASE_MAX_CONNS", 25),
			MinConns: envInt("LEARN_DATABASE_MIN_CONNS", 5),
		},
		Cache: CacheConfig{
			URL: envStr("LEARN_CACHE_URL", ""),
			TTL: envDuration("LEARN_CACHE_TTL", 0),
		},
		Log: LogConfig{
			Level:  envStr("LEARN_LOG_LEVEL", "info"),
			Format: envStr("LEARN_LOG_FORMAT", "json"),
		},
		Progress: ProgressConfig{
			PassThreshold:       envInt("LEARN_PROGRESS_PASS_THRESHOLD", 70),
			RequirePassingScore: envBool("LEARN_PROGRESS_REQUIRE_PASSING_SCORE", false),
			OverwriteQuizScore:  envBool("LEARN_PROGRESS_OVERWRITE_QUIZ_SCORE", false),
		},
		Sync: SyncConfig{
			Gateway:           strings.ToLower(envStr("LEARN_SYNC_GATEWAY", GatewayMemory)),
			RemoteURL:         envStr("LEARN_SYNC_REMOTE_URL", ""),
			MaxAttempts:       envInt("LEARN_SYNC_MAX_ATTEMPTS", 3),
			BaseDelay:         envDuration("LEARN_SYNC_BASE_DELAY", 200*time.Millisecond),
			MaxDelay:          envDuration("LEARN_SYNC_MAX_DELAY", 2*time.Second),
			RollbackOnFailure: envBool("LEARN_SYNC_ROLLBACK_ON_FAILURE", false),
			FlushInterval:     envDuration("LEARN_SYNC_FLUSH_INTERVAL", 30*time.Second),
		},
		CurriculumPath: envStr("LEARN_CURRICULUM_PATH", "./courses"),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	switch c.Sync.Gateway {
	case GatewayMemory:
	case GatewayPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("LEARN_DATABASE_URL is required for the postgres sync gateway")
		}
	case GatewayRedis:
		if c.Cache.URL == "" {
			return fmt.Errorf("LEARN_CACHE_URL is required for the redis sync gateway")
		}
	case GatewayHTTP:
		if c.Sync.RemoteURL == "" {
			return fmt.Errorf("LEARN_SYNC_REMOTE_URL is required for the http sync gateway")
		}
	default:
		return fmt.Errorf("LEARN_SYNC_GATEWAY must be one of memory, postgres, redis, http, got %q", c.Sync.Gateway)
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("LEARN_SYNC_MAX_ATTEMPTS must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Progress.PassThreshold < 1 || c.Progress.PassThreshold > 100 {
		return fmt.Errorf("LEARN_PROGRESS_PASS_THRESHOLD must be between 1 and 100, got %d", c.Progress.PassThreshold)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("LEARN_LOG_FORMAT must be 'json' or 'text', got %q", c.Log.Format)
	}

	return nil
}

// SlogLevel parses the configured level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
