// Package fanout carries persisted messages between processes over NATS.
//
// Every process subscribes to the shared subject and hands each message to
// its own sessions. One queue group across all processes applies room-list
// updates, and each affected user is notified on a private subject that
// every process also subscribes to.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-monolith/mono/pkg/types"
	"github.com/nats-io/nats.go"

	"github.com/example/chat-delivery/config"
	"github.com/example/chat-delivery/domain/chat"
	"github.com/example/chat-delivery/metrics"
	"github.com/example/chat-delivery/modules/broadcast"
)

// ErrNotConnected is returned when the bus has no NATS connection.
var ErrNotConnected = errors.New("nats not connected")

// updateTimeout bounds one room-list update.
const updateTimeout = 10 * time.Second

// Delivery is the envelope published on the shared subject. Participants is
// the membership the event applies to; markers carry it because the
// directory may no longer hold it when the delivery is processed.
type Delivery struct {
	Message      chat.Message `json:"message"`
	Participants []string     `json:"participants,omitempty"`
}

// Notification is a frame for one user's private channel.
type Notification struct {
	UserID string
	Frame  broadcast.Frame
}

// Sink receives the deliveries addressed to this process's sessions.
// *broadcast.Hub implements it.
type Sink interface {
	DeliverMessage(msg chat.Message) error
	DeliverUser(userID string, data []byte) error
}

// Updater applies a delivery to the room-list cache and returns the private
// notifications to send.
type Updater func(ctx context.Context, d Delivery) ([]Notification, error)

// Bus is a NATS-backed fanout bus.
type Bus struct {
	cfg     config.FanoutConfig
	nc      *nats.Conn
	subs    []*nats.Subscription
	metrics *metrics.Metrics
	logger  types.Logger
}

// NewBus creates a bus. Call Connect before use.
func NewBus(cfg config.FanoutConfig, m *metrics.Metrics, logger types.Logger) *Bus {
	return &Bus{cfg: cfg, metrics: m, logger: logger}
}

// Connect dials NATS.
func (b *Bus) Connect(name string) error {
	nc, err := nats.Connect(b.cfg.URL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.nc = nc
	b.logger.Info("Connected to NATS", "url", b.cfg.URL, "subject", b.cfg.Subject)
	return nil
}

func (b *Bus) userSubject(userID string) string {
	return b.cfg.UserPrefix + "." + userID
}

// Publish sends a persisted message to every process.
func (b *Bus) Publish(d Delivery) error {
	if b.nc == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	if err := b.nc.Publish(b.cfg.Subject, data); err != nil {
		return fmt.Errorf("failed to publish delivery: %w", err)
	}
	return nil
}

// Notify sends a frame to every session of userID on any process. Nobody
// listening is not an error.
func (b *Bus) Notify(userID string, frame broadcast.Frame) error {
	if b.nc == nil {
		return ErrNotConnected
	}
	data, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	return b.nc.Publish(b.userSubject(userID), data)
}

// Attach subscribes this process's sessions: the shared subject for room
// messages and the private subjects for user frames. NATS calls a
// subscription's handler from one goroutine, so room order is preserved.
func (b *Bus) Attach(sink Sink) error {
	if b.nc == nil {
		return ErrNotConnected
	}

	roomSub, err := b.nc.Subscribe(b.cfg.Subject, func(m *nats.Msg) {
		b.metrics.FanoutReceived.WithLabelValues("local").Inc()
		var d Delivery
		if err := json.Unmarshal(m.Data, &d); err != nil {
			b.logger.Warn("Dropping malformed delivery", "error", err)
			return
		}
		if err := sink.DeliverMessage(d.Message); err != nil {
			b.logger.Warn("Local delivery failed", "room", d.Message.RoomID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.cfg.Subject, err)
	}
	b.subs = append(b.subs, roomSub)

	userSub, err := b.nc.Subscribe(b.cfg.UserPrefix+".*", func(m *nats.Msg) {
		b.metrics.FanoutReceived.WithLabelValues("user").Inc()
		userID := m.Subject[len(b.cfg.UserPrefix)+1:]
		if err := sink.DeliverUser(userID, m.Data); err != nil {
			b.logger.Warn("User delivery failed", "user", userID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.*: %w", b.cfg.UserPrefix, err)
	}
	b.subs = append(b.subs, userSub)

	return b.nc.Flush()
}

// HandleRoomListUpdates joins the updater queue group: each delivery is
// applied by exactly one process. Failures are logged and dropped, the
// affected lists heal on their next cold rebuild.
func (b *Bus) HandleRoomListUpdates(update Updater) error {
	if b.nc == nil {
		return ErrNotConnected
	}

	sub, err := b.nc.QueueSubscribe(b.cfg.Subject, b.cfg.QueueGroup, func(m *nats.Msg) {
		b.metrics.FanoutReceived.WithLabelValues("updater").Inc()
		var d Delivery
		if err := json.Unmarshal(m.Data, &d); err != nil {
			b.logger.Warn("Dropping malformed delivery", "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
		defer cancel()
		notes, err := update(ctx, d)
		if err != nil {
			b.logger.Warn("Room list update failed", "room", d.Message.RoomID, "type", d.Message.Type, "error", err)
		}
		for _, n := range notes {
			if err := b.Notify(n.UserID, n.Frame); err != nil {
				b.logger.Warn("Notification dropped", "user", n.UserID, "error", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to join queue group %s: %w", b.cfg.QueueGroup, err)
	}
	b.subs = append(b.subs, sub)
	return b.nc.Flush()
}

// Connected reports whether the NATS connection is up.
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Stats returns the connection's traffic counters.
func (b *Bus) Stats() nats.Statistics {
	if b.nc == nil {
		return nats.Statistics{}
	}
	return b.nc.Stats()
}

// Close drains the subscriptions and closes the connection.
func (b *Bus) Close() error {
	if b.nc == nil {
		return nil
	}
	err := b.nc.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	b.subs = nil
	return err
}
