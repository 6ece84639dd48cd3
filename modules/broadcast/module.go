package broadcast

import (
	"context"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/chat-delivery/metrics"
)

// BroadcastModule runs the process-local session hub.
type BroadcastModule struct {
	hub       *Hub
	cancelHub context.CancelFunc
	logger    types.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*BroadcastModule)(nil)
var _ mono.HealthCheckableModule = (*BroadcastModule)(nil)

// NewModule creates a new BroadcastModule.
func NewModule(m *metrics.Metrics, logger types.Logger) *BroadcastModule {
	return &BroadcastModule{
		hub:    NewHub(m, logger),
		logger: logger,
	}
}

// Name returns the module name.
func (m *BroadcastModule) Name() string {
	return "broadcast"
}

// Start runs the hub loop.
func (m *BroadcastModule) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelHub = cancel
	go m.hub.Run(ctx)
	m.logger.Info("Session hub running")
	return nil
}

// Stop closes every session and waits for the hub loop to exit.
func (m *BroadcastModule) Stop(_ context.Context) error {
	sessions := m.hub.SessionCount()
	if m.cancelHub != nil {
		m.cancelHub()
		m.hub.Wait()
	}
	m.logger.Info("Session hub stopped", "sessions", sessions)
	return nil
}

// Health returns the health status.
func (m *BroadcastModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"sessions": m.hub.SessionCount(),
		},
	}
}

// Hub returns the session hub.
func (m *BroadcastModule) Hub() *Hub {
	return m.hub
}
