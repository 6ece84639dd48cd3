// Package room orchestrates room lifecycle across the directory, the message
// log and the room-list cache.
package room

import (
	"context"
	"fmt"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"golang.org/x/sync/singleflight"

	"github.com/example/chat-delivery/domain/chat"
	"github.com/example/chat-delivery/events"
	"github.com/example/chat-delivery/metrics"
	"github.com/example/chat-delivery/modules/broadcast"
	"github.com/example/chat-delivery/modules/directory"
	"github.com/example/chat-delivery/modules/gateway"
	"github.com/example/chat-delivery/modules/messagelog"
	"github.com/example/chat-delivery/modules/roomcache"
)

const (
	// maxHistoryLimit caps one history page.
	maxHistoryLimit = 200

	// rebuildTimeout bounds a shared room-list rebuild, which outlives the
	// caller that started it.
	rebuildTimeout = 10 * time.Second
)

// Directory is the part of the room directory the service uses.
// *directory.Repository implements it.
type Directory interface {
	CreateRoom(ctx context.Context, room *directory.Room, creatorPosition string) (*chat.RoomDetail, error)
	RoomDetail(ctx context.Context, roomID string) (*chat.RoomDetail, error)
	AddMember(ctx context.Context, roomID, userID, position string) (*chat.RoomDetail, bool, error)
	RemoveMember(ctx context.Context, roomID, userID string) ([]string, bool, error)
	DeleteRoom(ctx context.Context, roomID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	RoomsForUser(ctx context.Context, userID string) ([]chat.RoomDetail, error)
}

// Ingress writes markers through the gateway. *gateway.Gateway implements it.
type Ingress interface {
	HandleIncoming(ctx context.Context, in gateway.Incoming) (*chat.Message, error)
}

// Notifier pushes a frame to a user's private channel. *fanout.Bus
// implements it.
type Notifier interface {
	Notify(userID string, frame broadcast.Frame) error
}

// Service implements the room operations.
type Service struct {
	dir      Directory
	log      messagelog.Log
	cache    *roomcache.Cache
	ingress  Ingress
	notifier Notifier
	eventBus mono.EventBus

	newRoomID func() string
	pageSize  int
	rebuilds  singleflight.Group

	metrics *metrics.Metrics
	logger  types.Logger
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Directory Directory
	Log       messagelog.Log
	Cache     *roomcache.Cache
	Ingress   Ingress
	Notifier  Notifier
	NewRoomID func() string
	PageSize  int
	Metrics   *metrics.Metrics
	Logger    types.Logger
}

// NewService creates a room service.
func NewService(d Deps) *Service {
	return &Service{
		dir:       d.Directory,
		log:       d.Log,
		cache:     d.Cache,
		ingress:   d.Ingress,
		notifier:  d.Notifier,
		newRoomID: d.NewRoomID,
		pageSize:  d.PageSize,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// SetEventBus sets where lifecycle events go. A nil bus disables them.
func (s *Service) SetEventBus(bus mono.EventBus) {
	s.eventBus = bus
}

// CreateRoom creates a room with the creator as its only member. A capacity
// of zero means unbounded.
func (s *Service) CreateRoom(ctx context.Context, creatorID, name string, capacity int) (chat.RoomSummary, error) {
	if err := chat.ValidateUserID(creatorID); err != nil {
		return chat.RoomSummary{}, err
	}
	if err := chat.ValidateRoomName(name); err != nil {
		return chat.RoomSummary{}, err
	}
	if capacity < 0 {
		return chat.RoomSummary{}, chat.ErrCapacityNegative
	}

	detail, err := s.dir.CreateRoom(ctx, &directory.Room{
		ID:        s.newRoomID(),
		Name:      name,
		CreatorID: creatorID,
		Capacity:  capacity,
		CreatedAt: time.Now().UTC(),
	}, "")
	if err != nil {
		return chat.RoomSummary{}, err
	}

	summary := chat.SummaryOf(detail, nil)
	s.cachePut(ctx, creatorID, summary)
	s.notify(creatorID, broadcast.RoomUpdate(summary))

	s.emit("RoomCreated", func(bus mono.EventBus) error {
		return events.RoomCreatedV1.Publish(bus, events.RoomCreatedEvent{
			RoomID:    detail.ID,
			RoomName:  detail.Name,
			CreatedBy: creatorID,
			Capacity:  capacity,
			Timestamp: detail.CreatedAt,
		}, nil)
	})

	s.logger.Info("Room created", "room", detail.ID, "creator", creatorID)
	return summary, nil
}

// JoinRoom adds userID to the room. Joining a room twice returns the current
// summary without another ENTER marker.
func (s *Service) JoinRoom(ctx context.Context, userID, roomID, position string) (chat.RoomSummary, error) {
	if err := chat.ValidateUserID(userID); err != nil {
		return chat.RoomSummary{}, err
	}
	if len(position) > chat.MaxPositionLength {
		return chat.RoomSummary{}, chat.ErrPositionTooLong
	}

	detail, added, err := s.dir.AddMember(ctx, roomID, userID, position)
	if err != nil {
		return chat.RoomSummary{}, err
	}

	last, err := s.log.LatestTalk(ctx, roomID)
	if err != nil {
		s.logger.Warn("Latest message unavailable", "room", roomID, "error", err)
		last = nil
	}
	summary := chat.SummaryOf(detail, last)
	if !added {
		return summary, nil
	}

	s.cachePut(ctx, userID, summary)
	if _, err := s.ingress.HandleIncoming(ctx, gateway.Incoming{
		SenderID:     userID,
		RoomID:       roomID,
		Type:         chat.TypeEnter,
		Participants: detail.MemberIDs(),
	}); err != nil {
		s.logger.Warn("ENTER marker not written", "room", roomID, "user", userID, "error", err)
	}

	s.emit("MemberJoined", func(bus mono.EventBus) error {
		return events.MemberJoinedV1.Publish(bus, events.MemberJoinedEvent{
			RoomID:    roomID,
			UserID:    userID,
			Position:  position,
			Members:   len(detail.Members),
			Timestamp: time.Now().UTC(),
		}, nil)
	})

	s.logger.Info("Member joined", "room", roomID, "user", userID, "members", len(detail.Members))
	return summary, nil
}

// LeaveRoom removes userID from the room. Leaving a room the user is not in
// is a no-op. The last member leaving deletes the room.
func (s *Service) LeaveRoom(ctx context.Context, userID, roomID string) error {
	if err := chat.ValidateUserID(userID); err != nil {
		return err
	}
	return s.removeMember(ctx, roomID, userID, "")
}

// KickMember removes targetID from the room. Only the room's creator, while
// still a member, may kick.
func (s *Service) KickMember(ctx context.Context, ownerID, roomID, targetID string) error {
	if err := chat.ValidateUserID(ownerID); err != nil {
		return err
	}
	if err := chat.ValidateUserID(targetID); err != nil {
		return err
	}

	detail, err := s.dir.RoomDetail(ctx, roomID)
	if err != nil {
		return err
	}
	if detail.CreatorID != ownerID || !detail.HasMember(ownerID) {
		return chat.ErrNotRoomOwner
	}
	if !detail.HasMember(targetID) {
		return chat.ErrNotAMember
	}
	return s.removeMember(ctx, roomID, targetID, ownerID)
}

func (s *Service) removeMember(ctx context.Context, roomID, userID, kickedBy string) error {
	remaining, removed, err := s.dir.RemoveMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	s.cacheDelete(ctx, userID, roomID)
	if !removed {
		return nil
	}

	body := ""
	if kickedBy != "" {
		body = "kicked by " + kickedBy
	}
	if _, err := s.ingress.HandleIncoming(ctx, gateway.Incoming{
		SenderID:     userID,
		RoomID:       roomID,
		Type:         chat.TypeQuit,
		Body:         body,
		Participants: remaining,
	}); err != nil {
		s.logger.Warn("QUIT marker not written", "room", roomID, "user", userID, "error", err)
	}

	s.emit("MemberLeft", func(bus mono.EventBus) error {
		return events.MemberLeftV1.Publish(bus, events.MemberLeftEvent{
			RoomID:    roomID,
			UserID:    userID,
			KickedBy:  kickedBy,
			Remaining: len(remaining),
			Timestamp: time.Now().UTC(),
		}, nil)
	})
	s.logger.Info("Member left", "room", roomID, "user", userID, "kicked_by", kickedBy, "remaining", len(remaining))

	if len(remaining) > 0 {
		return nil
	}
	if err := s.purge(ctx, roomID); err != nil {
		return err
	}
	s.emit("RoomDeleted", func(bus mono.EventBus) error {
		return events.RoomDeletedV1.Publish(bus, events.RoomDeletedEvent{
			RoomID:    roomID,
			DeletedBy: userID,
			Explicit:  false,
			Timestamp: time.Now().UTC(),
		}, nil)
	})
	s.logger.Info("Room deleted after last member left", "room", roomID)
	return nil
}

// DeleteRoom removes the room for every member. Any member may delete.
func (s *Service) DeleteRoom(ctx context.Context, userID, roomID string) error {
	if err := chat.ValidateUserID(userID); err != nil {
		return err
	}
	detail, err := s.dir.RoomDetail(ctx, roomID)
	if err != nil {
		return err
	}
	if !detail.HasMember(userID) {
		return chat.ErrNotAMember
	}

	members := detail.MemberIDs()
	if _, err := s.ingress.HandleIncoming(ctx, gateway.Incoming{
		SenderID:     userID,
		RoomID:       roomID,
		Type:         chat.TypeDelete,
		Participants: members,
	}); err != nil {
		s.logger.Warn("DELETE marker not written", "room", roomID, "user", userID, "error", err)
	}
	for _, member := range members {
		s.cacheDelete(ctx, member, roomID)
	}
	if err := s.purge(ctx, roomID); err != nil {
		return err
	}

	s.emit("RoomDeleted", func(bus mono.EventBus) error {
		return events.RoomDeletedV1.Publish(bus, events.RoomDeletedEvent{
			RoomID:    roomID,
			DeletedBy: userID,
			Explicit:  true,
			Members:   members,
			Timestamp: time.Now().UTC(),
		}, nil)
	})
	s.logger.Info("Room deleted", "room", roomID, "by", userID, "members", len(members))
	return nil
}

// purge drops the room from the directory, the cache and the log, in that
// order: once the rows are gone no listing can show the room.
func (s *Service) purge(ctx context.Context, roomID string) error {
	if err := s.dir.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.cache.DeleteRoom(ctx, roomID); err != nil {
		s.logger.Warn("Cache eviction failed", "room", roomID, "error", err)
	}
	if err := s.log.Purge(ctx, roomID); err != nil {
		s.logger.Warn("Log purge failed", "room", roomID, "error", err)
	}
	return nil
}

// ListRooms returns the user's rooms, most recent activity first. A missing
// or unreadable cache falls back to a cold rebuild; concurrent misses for
// the same user share one rebuild, which keeps running if the caller that
// started it goes away.
func (s *Service) ListRooms(ctx context.Context, userID string) ([]chat.RoomSummary, error) {
	if err := chat.ValidateUserID(userID); err != nil {
		return nil, err
	}

	rooms, found, err := s.cache.GetAll(ctx, userID)
	switch {
	case err != nil:
		s.metrics.CacheRequests.WithLabelValues("error").Inc()
		s.logger.Warn("Room cache read failed, rebuilding", "user", userID, "error", err)
	case found:
		s.metrics.CacheRequests.WithLabelValues("hit").Inc()
		return rooms, nil
	default:
		s.metrics.CacheRequests.WithLabelValues("miss").Inc()
	}

	ch := s.rebuilds.DoChan(userID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rebuildTimeout)
		defer cancel()
		return s.rebuild(rctx, userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]chat.RoomSummary), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) rebuild(ctx context.Context, userID string) ([]chat.RoomSummary, error) {
	details, err := s.dir.RoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]chat.RoomSummary, 0, len(details))
	for i := range details {
		last, err := s.log.LatestTalk(ctx, details[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest message of %s: %w", details[i].ID, err)
		}
		summaries = append(summaries, chat.SummaryOf(&details[i], last))
	}
	roomcache.SortByActivity(summaries)

	if err := s.cache.Init(ctx, userID, summaries); err != nil {
		s.logger.Warn("Room cache init failed", "user", userID, "error", err)
	}
	s.metrics.CacheRebuilds.Inc()
	s.logger.Debug("Room list rebuilt", "user", userID, "rooms", len(summaries))
	return summaries, nil
}

// GetRoomInfo returns the room and its members.
func (s *Service) GetRoomInfo(ctx context.Context, roomID string) (*chat.RoomDetail, error) {
	return s.dir.RoomDetail(ctx, roomID)
}

// History returns a newest-first page of the room's log. When userID is set
// the user must be a member.
func (s *Service) History(ctx context.Context, userID, roomID, before string, limit int) (chat.HistoryPage, error) {
	if limit <= 0 {
		limit = s.pageSize
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	if userID == "" {
		if _, err := s.dir.RoomDetail(ctx, roomID); err != nil {
			return chat.HistoryPage{}, err
		}
	} else {
		ok, err := s.dir.IsMember(ctx, roomID, userID)
		if err != nil {
			return chat.HistoryPage{}, err
		}
		if !ok {
			if _, err := s.dir.RoomDetail(ctx, roomID); err != nil {
				return chat.HistoryPage{}, err
			}
			return chat.HistoryPage{}, chat.ErrNotAMember
		}
	}

	return s.log.Page(ctx, roomID, before, limit)
}

// IsMember reports whether userID belongs to roomID.
func (s *Service) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	return s.dir.IsMember(ctx, roomID, userID)
}

func (s *Service) cachePut(ctx context.Context, userID string, summary chat.RoomSummary) {
	if _, err := s.cache.Put(ctx, userID, summary); err != nil {
		s.logger.Warn("Room cache put failed", "user", userID, "room", summary.RoomID, "error", err)
	}
}

func (s *Service) cacheDelete(ctx context.Context, userID, roomID string) {
	if err := s.cache.Delete(ctx, userID, roomID); err != nil {
		s.logger.Warn("Room cache delete failed", "user", userID, "room", roomID, "error", err)
	}
}

func (s *Service) notify(userID string, frame broadcast.Frame) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(userID, frame); err != nil {
		s.logger.Debug("Notification dropped", "user", userID, "error", err)
	}
}

func (s *Service) emit(name string, publish func(mono.EventBus) error) {
	if s.eventBus == nil {
		return
	}
	if err := publish(s.eventBus); err != nil {
		s.logger.Warn("Failed to publish event", "event", name, "error", err)
	}
}
