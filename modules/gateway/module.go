package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/chat-delivery/domain/chat"
)

// ServiceSend is the request-reply service accepting TALK messages.
const ServiceSend = "send"

// SendRequest is the request of ServiceSend.
type SendRequest struct {
	SenderID string           `json:"sender_id"`
	RoomID   string           `json:"room_id"`
	Type     chat.MessageType `json:"type"`
	Body     string           `json:"body"`
}

// SendResponse is the reply of ServiceSend.
type SendResponse struct {
	Message *chat.Message      `json:"message,omitempty"`
	Error   *chat.ServiceError `json:"error,omitempty"`
}

// Factory builds the gateway once the stores it writes to have started.
type Factory func() (*Gateway, error)

// Module exposes the gateway to other modules.
type Module struct {
	factory Factory
	gateway *Gateway
	logger  types.Logger
}

var _ mono.Module = (*Module)(nil)
var _ mono.ServiceProviderModule = (*Module)(nil)

// NewModule creates the gateway module.
func NewModule(logger types.Logger) *Module {
	return &Module{logger: logger}
}

// SetFactory sets how the gateway is built. Must be called before Start.
func (m *Module) SetFactory(f Factory) {
	m.factory = f
}

// Gateway returns the gateway. Nil before Start.
func (m *Module) Gateway() *Gateway {
	return m.gateway
}

// Name returns the module name.
func (m *Module) Name() string {
	return "gateway"
}

// Start builds the gateway.
func (m *Module) Start(_ context.Context) error {
	if m.factory == nil {
		return errors.New("gateway factory not set")
	}
	g, err := m.factory()
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	m.gateway = g
	m.logger.Info("Gateway ready")
	return nil
}

// Stop is a no-op; the stores are owned by their modules.
func (m *Module) Stop(_ context.Context) error {
	return nil
}

// RegisterServices registers the send service.
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container,
		ServiceSend,
		json.Unmarshal,
		json.Marshal,
		m.handleSend,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceSend, err)
	}
	m.logger.Info("Registered services", "services", ServiceSend)
	return nil
}

// handleSend accepts user-authored messages only. Markers are written by the
// room service as a side effect of membership changes.
func (m *Module) handleSend(ctx context.Context, req SendRequest, _ *mono.Msg) (SendResponse, error) {
	if req.Type != chat.TypeTalk {
		return SendResponse{Error: chat.NewServiceError(chat.ErrInvalidMessageType)}, nil
	}
	msg, err := m.gateway.HandleIncoming(ctx, Incoming{
		SenderID: req.SenderID,
		RoomID:   req.RoomID,
		Type:     req.Type,
		Body:     req.Body,
	})
	if err != nil {
		if errors.Is(err, chat.ErrNotAMember) || chat.IsValidation(err) {
			m.logger.Debug("Message rejected", "room", req.RoomID, "sender", req.SenderID, "error", err)
		} else {
			m.logger.Error("Message failed", "room", req.RoomID, "sender", req.SenderID, "error", err)
		}
		return SendResponse{Error: chat.NewServiceError(err)}, nil
	}
	return SendResponse{Message: msg}, nil
}
