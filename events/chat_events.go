package events

import (
	"time"

	"github.com/go-monolith/mono/pkg/helper"
)

// RoomCreatedEvent is emitted when a user creates a room.
type RoomCreatedEvent struct {
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name"`
	CreatedBy string    `json:"created_by"`
	Capacity  int       `json:"capacity,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MemberJoinedEvent is emitted when a user becomes a member of a room.
type MemberJoinedEvent struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Position  string    `json:"position,omitempty"`
	Members   int       `json:"members"`
	Timestamp time.Time `json:"timestamp"`
}

// MemberLeftEvent is emitted when a membership is removed by leave or kick.
type MemberLeftEvent struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	KickedBy  string    `json:"kicked_by,omitempty"`
	Remaining int       `json:"remaining"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomDeletedEvent is emitted when a room is removed, either explicitly or
// because its last member left.
type RoomDeletedEvent struct {
	RoomID    string    `json:"room_id"`
	DeletedBy string    `json:"deleted_by"`
	Explicit  bool      `json:"explicit"`
	Members   []string  `json:"members,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event definitions for room lifecycle.
var (
	RoomCreatedV1 = helper.EventDefinition[RoomCreatedEvent](
		"chat",
		"RoomCreated",
		"v1",
	)

	MemberJoinedV1 = helper.EventDefinition[MemberJoinedEvent](
		"chat",
		"MemberJoined",
		"v1",
	)

	MemberLeftV1 = helper.EventDefinition[MemberLeftEvent](
		"chat",
		"MemberLeft",
		"v1",
	)

	RoomDeletedV1 = helper.EventDefinition[RoomDeletedEvent](
		"chat",
		"RoomDeleted",
		"v1",
	)
)
