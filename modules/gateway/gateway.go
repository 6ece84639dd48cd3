// Package gateway is the ingress of the write path: validate, persist, then
// publish.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/google/uuid"

	"github.com/example/chat-delivery/config"
	"github.com/example/chat-delivery/domain/chat"
	"github.com/example/chat-delivery/metrics"
	"github.com/example/chat-delivery/modules/fanout"
	"github.com/example/chat-delivery/modules/messagelog"
)

// Membership answers whether a user currently belongs to a room.
type Membership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Publisher sends a persisted message to every process.
type Publisher interface {
	Publish(d fanout.Delivery) error
}

// Incoming is one inbound chat event. Participants is set by the room
// service for markers and left empty for TALK.
type Incoming struct {
	SenderID     string
	RoomID       string
	Type         chat.MessageType
	Body         string
	Participants []string
}

// Gateway persists inbound events and hands them to the fanout bus.
type Gateway struct {
	members Membership
	log     messagelog.Log
	bus     Publisher
	cfg     config.GatewayConfig
	metrics *metrics.Metrics
	logger  types.Logger
}

// New creates a gateway.
func New(members Membership, log messagelog.Log, bus Publisher, cfg config.GatewayConfig, m *metrics.Metrics, logger types.Logger) *Gateway {
	return &Gateway{
		members: members,
		log:     log,
		bus:     bus,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// HandleIncoming validates an event, appends it to the message log and
// publishes the persisted record. TALK requires a current membership; the
// markers are written by the operations that change membership and skip
// the check. The message is durable before anyone can see it. A publish
// failure after that is logged and swallowed: history still has it.
func (g *Gateway) HandleIncoming(ctx context.Context, in Incoming) (*chat.Message, error) {
	if !in.Type.Valid() {
		return nil, chat.ErrInvalidMessageType
	}
	if err := chat.ValidateUserID(in.SenderID); err != nil {
		return nil, err
	}
	if in.RoomID == "" {
		return nil, chat.ErrRoomNotFound
	}

	if in.Type == chat.TypeTalk {
		if err := chat.ValidateBody(in.Body); err != nil {
			return nil, err
		}
		ok, err := g.members.IsMember(ctx, in.RoomID, in.SenderID)
		if err != nil {
			return nil, fmt.Errorf("failed to check membership: %w", err)
		}
		if !ok {
			return nil, chat.ErrNotAMember
		}
	}

	msg, err := g.persist(ctx, chat.Message{
		ID:       uuid.NewString(),
		RoomID:   in.RoomID,
		SenderID: in.SenderID,
		Type:     in.Type,
		Body:     in.Body,
	})
	if err != nil {
		return nil, err
	}
	g.metrics.MessagesPersisted.WithLabelValues(string(msg.Type)).Inc()

	if err := g.bus.Publish(fanout.Delivery{Message: msg, Participants: in.Participants}); err != nil {
		g.metrics.PublishFailures.Inc()
		g.logger.Warn("Publish failed after persist",
			"room", msg.RoomID,
			"message", msg.ID,
			"error", err)
	}

	g.logger.Debug("Message accepted", "room", msg.RoomID, "sender", msg.SenderID, "type", msg.Type)
	return &msg, nil
}

// persist appends with bounded exponential backoff. A closed log is not retried.
func (g *Gateway) persist(ctx context.Context, msg chat.Message) (chat.Message, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.PersistBackoff
	b.MaxInterval = 20 * g.cfg.PersistBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.PersistRetries)), ctx)

	op := func() (chat.Message, error) {
		stored, err := g.log.Append(ctx, msg)
		if errors.Is(err, messagelog.ErrClosed) {
			return chat.Message{}, backoff.Permanent(err)
		}
		return stored, err
	}
	notify := func(err error, wait time.Duration) {
		g.metrics.PersistRetries.Inc()
		g.logger.Warn("Persist failed, retrying", "room", msg.RoomID, "wait", wait, "error", err)
	}

	stored, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	return stored, nil
}
