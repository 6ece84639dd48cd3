// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the settings of every module in the process.
type Config struct {
	HTTP       HTTPConfig
	Directory  DirectoryConfig
	MessageLog MessageLogConfig
	Cache      CacheConfig
	Fanout     FanoutConfig
	Session    SessionConfig
	Gateway    GatewayConfig
	RateLimit  RateLimitConfig

	HistoryPageSize int
	ShutdownTimeout time.Duration
}

// HTTPConfig configures the Fiber server.
type HTTPConfig struct {
	Addr           string
	AllowedOrigins string
}

// DirectoryConfig configures the relational room directory.
type DirectoryConfig struct {
	Path  string
	Debug bool
}

// MessageLogConfig configures the append-only message log. Backend "pebble"
// keeps the log on local disk; "redis" keeps one stream per room so several
// processes share history.
type MessageLogConfig struct {
	Backend       string
	Dir           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StreamPrefix  string
}

// CacheConfig configures the Redis-backed room-list cache.
type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
	TTL           time.Duration
}

// FanoutConfig configures the NATS fanout bus.
type FanoutConfig struct {
	URL        string
	Subject    string
	UserPrefix string
	QueueGroup string
}

// SessionConfig configures live WebSocket sessions.
type SessionConfig struct {
	QueueSize int
	RateLimit float64
	RateBurst int
}

// GatewayConfig configures message ingress.
type GatewayConfig struct {
	PersistRetries int
	PersistBackoff time.Duration
}

// RateLimitConfig configures the Redis sliding window in front of the REST
// room endpoints. Requests <= 0 disables it.
type RateLimitConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	Requests      int
	Window        time.Duration
}

// Enabled reports whether REST requests are limited.
func (c RateLimitConfig) Enabled() bool {
	return c.Requests > 0
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Config{
		HTTP: HTTPConfig{
			Addr:           getEnv("HTTP_ADDR", ":3000"),
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:8080"),
		},
		Directory: DirectoryConfig{
			Path:  getEnv("DB_PATH", "chat.db"),
			Debug: getEnvBool("DB_DEBUG", false),
		},
		MessageLog: MessageLogConfig{
			Backend:       getEnv("MESSAGE_LOG_BACKEND", "pebble"),
			Dir:           getEnv("MESSAGE_LOG_DIR", "data/messages"),
			RedisAddr:     getEnv("MESSAGE_LOG_REDIS_ADDR", getEnv("REDIS_ADDR", "localhost:6379")),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			StreamPrefix:  getEnv("MESSAGE_LOG_STREAM_PREFIX", "chat:log:"),
		},
		Cache: CacheConfig{
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			Prefix:        getEnv("ROOM_CACHE_PREFIX", "chat:"),
			TTL:           getEnvDuration("ROOM_CACHE_TTL", 24*time.Hour),
		},
		Fanout: FanoutConfig{
			URL:        getEnv("NATS_URL", "nats://localhost:4222"),
			Subject:    getEnv("FANOUT_SUBJECT", "chat.fanout"),
			UserPrefix: getEnv("FANOUT_USER_PREFIX", "chat.user"),
			QueueGroup: getEnv("FANOUT_QUEUE_GROUP", "roomlist-updaters"),
		},
		Session: SessionConfig{
			QueueSize: getEnvInt("SESSION_QUEUE_SIZE", 128),
			RateLimit: getEnvFloat("SESSION_RATE_LIMIT", 10),
			RateBurst: getEnvInt("SESSION_RATE_BURST", 20),
		},
		Gateway: GatewayConfig{
			PersistRetries: getEnvInt("GATEWAY_PERSIST_RETRIES", 3),
			PersistBackoff: getEnvDuration("GATEWAY_PERSIST_BACKOFF", 50*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			RedisAddr:     getEnv("RATE_LIMIT_REDIS_ADDR", getEnv("REDIS_ADDR", "localhost:6379")),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			KeyPrefix:     getEnv("RATE_LIMIT_PREFIX", "chat:ratelimit:"),
			Requests:      getEnvInt("RATE_LIMIT_REQUESTS", 300),
			Window:        getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		HistoryPageSize: getEnvInt("HISTORY_PAGE_SIZE", 50),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the modules cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Session.QueueSize <= 0:
		return fmt.Errorf("SESSION_QUEUE_SIZE must be positive, got %d", c.Session.QueueSize)
	case c.Session.RateLimit <= 0 || c.Session.RateBurst <= 0:
		return fmt.Errorf("session rate limit and burst must be positive")
	case c.Gateway.PersistRetries < 0:
		return fmt.Errorf("GATEWAY_PERSIST_RETRIES must not be negative")
	case c.HistoryPageSize <= 0:
		return fmt.Errorf("HISTORY_PAGE_SIZE must be positive, got %d", c.HistoryPageSize)
	case c.Fanout.Subject == "" || c.Fanout.UserPrefix == "":
		return fmt.Errorf("fanout subjects must not be empty")
	case c.RateLimit.Enabled() && c.RateLimit.Window <= 0:
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
	case c.MessageLog.Backend != "pebble" && c.MessageLog.Backend != "redis":
		return fmt.Errorf("MESSAGE_LOG_BACKEND must be pebble or redis, got %q", c.MessageLog.Backend)
	}
	return nil
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
