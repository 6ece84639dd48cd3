package fanout

import (
	"context"
	"errors"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/chat-delivery/config"
	"github.com/example/chat-delivery/metrics"
)

// Module provides the fanout bus as a mono module.
type Module struct {
	bus    *Bus
	sink   Sink
	logger types.Logger
}

var _ mono.Module = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)

// NewModule creates the fanout module.
func NewModule(cfg config.FanoutConfig, m *metrics.Metrics, logger types.Logger) *Module {
	return &Module{
		bus:    NewBus(cfg, m, logger),
		logger: logger,
	}
}

// SetSink sets where this process's deliveries go. Must be called before Start.
func (m *Module) SetSink(sink Sink) {
	m.sink = sink
}

// Name returns the module name.
func (m *Module) Name() string {
	return "fanout"
}

// Start connects to NATS and attaches the local sink.
func (m *Module) Start(_ context.Context) error {
	if m.sink == nil {
		return errors.New("fanout sink not set")
	}
	if err := m.bus.Connect("chat-delivery"); err != nil {
		return err
	}
	if err := m.bus.Attach(m.sink); err != nil {
		return err
	}
	m.logger.Info("Fanout bus attached")
	return nil
}

// Stop drains the NATS connection.
func (m *Module) Stop(_ context.Context) error {
	if err := m.bus.Close(); err != nil {
		return err
	}
	m.logger.Info("Fanout bus stopped")
	return nil
}

// Health reports the NATS connection state.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	if !m.bus.Connected() {
		return mono.HealthStatus{Healthy: false, Message: ErrNotConnected.Error()}
	}
	stats := m.bus.Stats()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"in_msgs":    stats.InMsgs,
			"out_msgs":   stats.OutMsgs,
			"reconnects": stats.Reconnects,
		},
	}
}

// Bus returns the fanout bus.
func (m *Module) Bus() *Bus {
	return m.bus
}
