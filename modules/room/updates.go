package room

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/chat-delivery/domain/chat"
	"github.com/example/chat-delivery/modules/broadcast"
	"github.com/example/chat-delivery/modules/fanout"
)

// ApplyDelivery updates the room lists affected by one persisted message and
// returns the frames to push to each affected user. It runs once per
// delivery across all processes. Every step is attempted; the first error is
// returned.
func (s *Service) ApplyDelivery(ctx context.Context, d fanout.Delivery) ([]fanout.Notification, error) {
	msg := d.Message
	switch msg.Type {
	case chat.TypeTalk:
		return s.applyTalk(ctx, msg)
	case chat.TypeEnter:
		return s.applyEnter(ctx, msg)
	case chat.TypeQuit:
		return s.applyQuit(ctx, msg)
	case chat.TypeDelete:
		return s.applyDelete(ctx, msg, d.Participants)
	default:
		return nil, fmt.Errorf("%w: %q", chat.ErrInvalidMessageType, msg.Type)
	}
}

func (s *Service) applyTalk(ctx context.Context, msg chat.Message) ([]fanout.Notification, error) {
	var firstErr error
	if err := s.cache.SetLastMessage(ctx, msg.RoomID, msg); err != nil {
		firstErr = err
	}

	detail, err := s.dir.RoomDetail(ctx, msg.RoomID)
	if errors.Is(err, chat.ErrRoomNotFound) {
		return nil, firstErr
	}
	if err != nil {
		return nil, firstOf(firstErr, err)
	}

	summary := chat.SummaryOf(detail, &msg)
	return broadcastUpdate(detail.MemberIDs(), summary), firstErr
}

// applyEnter writes only to current members. Deliveries can arrive out of
// order across processes, so a stale ENTER must not re-add anyone who left.
func (s *Service) applyEnter(ctx context.Context, msg chat.Message) ([]fanout.Notification, error) {
	detail, err := s.dir.RoomDetail(ctx, msg.RoomID)
	if errors.Is(err, chat.ErrRoomNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var firstErr error
	last, err := s.log.LatestTalk(ctx, msg.RoomID)
	if err != nil {
		firstErr = err
		last = nil
	}
	summary := chat.SummaryOf(detail, last)

	users := detail.MemberIDs()
	for _, user := range users {
		if _, err := s.cache.Put(ctx, user, summary); err != nil {
			firstErr = firstOf(firstErr, err)
		}
	}
	return broadcastUpdate(users, summary), firstErr
}

// applyQuit drops the room from the leaver's list unless they have rejoined
// since, then refreshes the remaining members.
func (s *Service) applyQuit(ctx context.Context, msg chat.Message) ([]fanout.Notification, error) {
	leaver := msg.SenderID
	detail, err := s.dir.RoomDetail(ctx, msg.RoomID)
	if err != nil && !errors.Is(err, chat.ErrRoomNotFound) {
		return nil, err
	}
	found := err == nil

	var firstErr error
	var notes []fanout.Notification
	if !found || !detail.HasMember(leaver) {
		if err := s.cache.Delete(ctx, leaver, msg.RoomID); err != nil {
			firstErr = err
		}
		notes = append(notes, fanout.Notification{UserID: leaver, Frame: broadcast.RoomRemoved(msg.RoomID)})
	}
	if !found {
		return notes, firstErr
	}

	last, err := s.log.LatestTalk(ctx, msg.RoomID)
	if err != nil {
		firstErr = firstOf(firstErr, err)
		last = nil
	}
	summary := chat.SummaryOf(detail, last)
	for _, member := range detail.MemberIDs() {
		if _, err := s.cache.Put(ctx, member, summary); err != nil {
			firstErr = firstOf(firstErr, err)
		}
	}
	return append(notes, broadcastUpdate(detail.MemberIDs(), summary)...), firstErr
}

func (s *Service) applyDelete(ctx context.Context, msg chat.Message, participants []string) ([]fanout.Notification, error) {
	var firstErr error
	notes := make([]fanout.Notification, 0, len(participants))
	for _, user := range participants {
		if err := s.cache.Delete(ctx, user, msg.RoomID); err != nil {
			firstErr = firstOf(firstErr, err)
		}
		notes = append(notes, fanout.Notification{UserID: user, Frame: broadcast.RoomRemoved(msg.RoomID)})
	}
	if err := s.cache.DeleteRoom(ctx, msg.RoomID); err != nil {
		firstErr = firstOf(firstErr, err)
	}
	return notes, firstErr
}

func broadcastUpdate(users []string, summary chat.RoomSummary) []fanout.Notification {
	notes := make([]fanout.Notification, 0, len(users))
	for _, user := range users {
		notes = append(notes, fanout.Notification{UserID: user, Frame: broadcast.RoomUpdate(summary)})
	}
	return notes
}

func firstOf(current, next error) error {
	if current != nil {
		return current
	}
	return next
}
