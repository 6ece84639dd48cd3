// Package chat holds the chat delivery domain types shared by every module.
package chat

import (
	"time"
)

// MessageType classifies a log entry.
type MessageType string

// Message types. ENTER, QUIT and DELETE are markers rendered as system text.
const (
	TypeEnter  MessageType = "ENTER"
	TypeTalk   MessageType = "TALK"
	TypeDelete MessageType = "DELETE"
	TypeQuit   MessageType = "QUIT"
)

// Valid reports whether t is one of the four log entry types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeEnter, TypeTalk, TypeDelete, TypeQuit:
		return true
	}
	return false
}

// IsMarker reports whether t records a membership or lifecycle change.
func (t MessageType) IsMarker() bool {
	return t == TypeEnter || t == TypeQuit || t == TypeDelete
}

// Room is a named chat channel.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatorID string    `json:"creator_id"`
	Capacity  int       `json:"capacity,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is one membership row of a room.
type Member struct {
	UserID   string    `json:"user_id"`
	Position string    `json:"position,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomDetail is a room together with its current members.
type RoomDetail struct {
	Room
	Members []Member `json:"members"`
}

// MemberIDs returns the user ids of the room's members.
func (d *RoomDetail) MemberIDs() []string {
	ids := make([]string, 0, len(d.Members))
	for _, m := range d.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// HasMember reports whether userID belongs to the room.
func (d *RoomDetail) HasMember(userID string) bool {
	for _, m := range d.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Message is an immutable chat log entry.
type Message struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"room_id"`
	SenderID   string      `json:"sender_id"`
	Type       MessageType `json:"type"`
	Body       string      `json:"body,omitempty"`
	ServerTime time.Time   `json:"server_time"`
	// SortKey orders messages within a room and doubles as the paging cursor.
	SortKey string `json:"sort_key"`
}

// RoomSummary is the per-user, list-rendering view of a room.
type RoomSummary struct {
	RoomID       string    `json:"room_id"`
	Name         string    `json:"name"`
	Participants []string  `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ActivityAt is the instant used to order a user's room list.
func (s RoomSummary) ActivityAt() time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.ServerTime
	}
	return s.CreatedAt
}

// SummaryOf builds a summary from an authoritative room detail.
func SummaryOf(d *RoomDetail, last *Message) RoomSummary {
	return RoomSummary{
		RoomID:       d.ID,
		Name:         d.Name,
		Participants: d.MemberIDs(),
		LastMessage:  last,
		CreatedAt:    d.CreatedAt,
	}
}

// HistoryPage is one newest-first page of a room's log.
type HistoryPage struct {
	RoomID     string    `json:"room_id"`
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
	NextBefore string    `json:"next_before,omitempty"`
}
