package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"

	"github.com/example/chat-delivery/domain/chat"
)

// SendPort is how other modules submit TALK messages.
type SendPort interface {
	Send(ctx context.Context, senderID, roomID, body string) (*chat.Message, error)
}

// Adapter implements SendPort over the service container.
type Adapter struct {
	container mono.ServiceContainer
}

// NewAdapter creates an adapter.
func NewAdapter(container mono.ServiceContainer) *Adapter {
	if container == nil {
		panic("gateway: ServiceContainer is nil")
	}
	return &Adapter{container: container}
}

// Send submits a TALK message.
func (a *Adapter) Send(ctx context.Context, senderID, roomID, body string) (*chat.Message, error) {
	req := SendRequest{SenderID: senderID, RoomID: roomID, Type: chat.TypeTalk, Body: body}
	var resp SendResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceSend,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return nil, fmt.Errorf("send request failed: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error.Err()
	}
	return resp.Message, nil
}
