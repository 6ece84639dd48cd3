package messagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/redis/go-redis/v9"

	"github.com/example/chat-delivery/config"
)

// Module owns the message log backend selected by configuration.
type Module struct {
	cfg    config.MessageLogConfig
	log    Log
	logger types.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)

// NewModule creates a new message log module.
func NewModule(cfg config.MessageLogConfig, logger types.Logger) *Module {
	return &Module{cfg: cfg, logger: logger}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "messagelog"
}

// Start opens the configured backend.
func (m *Module) Start(ctx context.Context) error {
	switch m.cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         m.cfg.RedisAddr,
			Password:     m.cfg.RedisPassword,
			DB:           m.cfg.RedisDB,
			PoolSize:     50,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		m.log = NewStreamLog(client, m.cfg.StreamPrefix)
		m.logger.Info("Message log started", "backend", "redis", "addr", m.cfg.RedisAddr)
	default:
		l, err := OpenPebble(m.cfg.Dir, nil)
		if err != nil {
			return err
		}
		m.log = l
		m.logger.Info("Message log started", "backend", "pebble", "dir", m.cfg.Dir)
	}
	return nil
}

// Stop closes the backend.
func (m *Module) Stop(_ context.Context) error {
	if m.log == nil {
		return nil
	}
	if err := m.log.Close(); err != nil {
		return fmt.Errorf("failed to close message log: %w", err)
	}
	m.logger.Info("Message log stopped")
	return nil
}

// Health reports backend reachability.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if m.log == nil {
		return mono.HealthStatus{Healthy: false, Message: "message log not initialized"}
	}
	if err := m.log.Ping(ctx); err != nil {
		return mono.HealthStatus{Healthy: false, Message: fmt.Sprintf("message log unavailable: %v", err)}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{"backend": m.cfg.Backend},
	}
}

// Log returns the opened log. It is nil before Start.
func (m *Module) Log() Log {
	return m.log
}
