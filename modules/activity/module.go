// Package activity records room lifecycle events as metrics and a short
// in-memory feed.
package activity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/chat-delivery/events"
	"github.com/example/chat-delivery/metrics"
)

// DefaultFeedSize is how many entries the feed keeps.
const DefaultFeedSize = 100

// Entry is one recorded lifecycle event.
type Entry struct {
	Event     string    `json:"event"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Module consumes room events.
type Module struct {
	metrics *metrics.Metrics
	logger  types.Logger

	mu   sync.RWMutex
	feed []Entry
	next int
	size int
}

var _ mono.Module = (*Module)(nil)
var _ mono.EventConsumerModule = (*Module)(nil)

// NewModule creates the activity module with a feed of size entries.
func NewModule(size int, m *metrics.Metrics, logger types.Logger) *Module {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Module{
		metrics: m,
		logger:  logger,
		feed:    make([]Entry, 0, size),
		size:    size,
	}
}

func (m *Module) Name() string {
	return "activity"
}

// RegisterEventConsumers subscribes to the room lifecycle events.
func (m *Module) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(registry, events.RoomCreatedV1, m.handleRoomCreated, m); err != nil {
		return fmt.Errorf("failed to register RoomCreated consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.MemberJoinedV1, m.handleMemberJoined, m); err != nil {
		return fmt.Errorf("failed to register MemberJoined consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.MemberLeftV1, m.handleMemberLeft, m); err != nil {
		return fmt.Errorf("failed to register MemberLeft consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.RoomDeletedV1, m.handleRoomDeleted, m); err != nil {
		return fmt.Errorf("failed to register RoomDeleted consumer: %w", err)
	}

	m.logger.Info("Registered event consumers",
		"events", []string{"RoomCreated.v1", "MemberJoined.v1", "MemberLeft.v1", "RoomDeleted.v1"})
	return nil
}

func (m *Module) handleRoomCreated(_ context.Context, event events.RoomCreatedEvent, _ *mono.Msg) error {
	m.record(Entry{
		Event:     "room_created",
		RoomID:    event.RoomID,
		UserID:    event.CreatedBy,
		Detail:    event.RoomName,
		Timestamp: event.Timestamp,
	})
	return nil
}

func (m *Module) handleMemberJoined(_ context.Context, event events.MemberJoinedEvent, _ *mono.Msg) error {
	m.record(Entry{
		Event:     "member_joined",
		RoomID:    event.RoomID,
		UserID:    event.UserID,
		Detail:    fmt.Sprintf("%d members", event.Members),
		Timestamp: event.Timestamp,
	})
	return nil
}

func (m *Module) handleMemberLeft(_ context.Context, event events.MemberLeftEvent, _ *mono.Msg) error {
	name := "member_left"
	detail := fmt.Sprintf("%d remaining", event.Remaining)
	if event.KickedBy != "" {
		name = "member_kicked"
		detail = "by " + event.KickedBy
	}
	m.record(Entry{
		Event:     name,
		RoomID:    event.RoomID,
		UserID:    event.UserID,
		Detail:    detail,
		Timestamp: event.Timestamp,
	})
	return nil
}

func (m *Module) handleRoomDeleted(_ context.Context, event events.RoomDeletedEvent, _ *mono.Msg) error {
	detail := "last member left"
	if event.Explicit {
		detail = fmt.Sprintf("deleted with %d members", len(event.Members))
	}
	m.record(Entry{
		Event:     "room_deleted",
		RoomID:    event.RoomID,
		UserID:    event.DeletedBy,
		Detail:    detail,
		Timestamp: event.Timestamp,
	})
	return nil
}

func (m *Module) record(e Entry) {
	m.metrics.RoomEvents.WithLabelValues(e.Event).Inc()
	m.logger.Info("Room activity", "event", e.Event, "room", e.RoomID, "user", e.UserID, "detail", e.Detail)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.feed) < m.size {
		m.feed = append(m.feed, e)
		return
	}
	m.feed[m.next] = e
	m.next = (m.next + 1) % m.size
}

// Recent returns the recorded entries, newest first.
func (m *Module) Recent() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.feed))
	// The oldest entry sits at m.next once the ring is full, at 0 before.
	for i := len(m.feed) - 1; i >= 0; i-- {
		out = append(out, m.feed[(m.next+i)%len(m.feed)])
	}
	return out
}

func (m *Module) Start(_ context.Context) error {
	m.logger.Info("Activity module started, listening for room events")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("Activity module stopped")
	return nil
}
