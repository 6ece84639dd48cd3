package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/redis/go-redis/v9"

	"github.com/example/chat-delivery/config"
)

var errNotStarted = errors.New("rate limiter not started")

// Module owns the Redis client behind the REST rate limit.
type Module struct {
	cfg    config.RateLimitConfig
	client *redis.Client
	window *SlidingWindow
	logger types.Logger
}

var _ mono.Module = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)
var _ Limiter = (*Module)(nil)

// NewModule creates the rate limit module.
func NewModule(cfg config.RateLimitConfig, logger types.Logger) *Module {
	return &Module{cfg: cfg, logger: logger}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "ratelimit"
}

// Start connects to Redis.
func (m *Module) Start(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:         m.cfg.RedisAddr,
		Password:     m.cfg.RedisPassword,
		DB:           m.cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	m.client = client
	m.window = NewSlidingWindow(client, m.cfg.KeyPrefix, m.cfg.Requests, m.cfg.Window)
	m.logger.Info("Rate limiter connected",
		"addr", m.cfg.RedisAddr,
		"requests", m.cfg.Requests,
		"window", m.cfg.Window,
	)
	return nil
}

// Stop closes the Redis connection.
func (m *Module) Stop(_ context.Context) error {
	if m.client == nil {
		return nil
	}
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	m.logger.Info("Rate limiter stopped")
	return nil
}

// Allow delegates to the sliding window. It fails until Start has run.
func (m *Module) Allow(ctx context.Context, key string) (*Result, error) {
	if m.window == nil {
		return nil, errNotStarted
	}
	return m.window.Allow(ctx, key)
}

// Health reports Redis reachability.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if m.client == nil {
		return mono.HealthStatus{Healthy: false, Message: "rate limiter not initialized"}
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return mono.HealthStatus{Healthy: false, Message: fmt.Sprintf("redis unavailable: %v", err)}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"requests": m.cfg.Requests,
			"window":   m.cfg.Window.String(),
		},
	}
}
