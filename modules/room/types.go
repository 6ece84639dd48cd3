package room

import "github.com/example/chat-delivery/domain/chat"

// Request-reply service names.
const (
	ServiceCreate  = "create"
	ServiceJoin    = "join"
	ServiceLeave   = "leave"
	ServiceKick    = "kick"
	ServiceDelete  = "delete"
	ServiceList    = "list"
	ServiceInfo    = "info"
	ServiceHistory = "history"
	ServiceMember  = "member"
)

type CreateRequest struct {
	CreatorID string `json:"creator_id"`
	Name      string `json:"name"`
	Capacity  int    `json:"capacity,omitempty"`
}

type JoinRequest struct {
	UserID   string `json:"user_id"`
	RoomID   string `json:"room_id"`
	Position string `json:"position,omitempty"`
}

// SummaryResponse is the reply of create and join.
type SummaryResponse struct {
	Room  *chat.RoomSummary  `json:"room,omitempty"`
	Error *chat.ServiceError `json:"error,omitempty"`
}

// MembershipRequest names a user and a room. Used by leave, delete and member.
type MembershipRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

type KickRequest struct {
	OwnerID  string `json:"owner_id"`
	RoomID   string `json:"room_id"`
	TargetID string `json:"target_id"`
}

// StatusResponse is the reply of operations without a result.
type StatusResponse struct {
	Error *chat.ServiceError `json:"error,omitempty"`
}

type ListRequest struct {
	UserID string `json:"user_id"`
}

type ListResponse struct {
	Rooms []chat.RoomSummary `json:"rooms"`
	Error *chat.ServiceError `json:"error,omitempty"`
}

type InfoRequest struct {
	RoomID string `json:"room_id"`
}

type InfoResponse struct {
	Room  *chat.RoomDetail   `json:"room,omitempty"`
	Error *chat.ServiceError `json:"error,omitempty"`
}

// HistoryRequest asks for one page. An empty UserID skips the membership
// check.
type HistoryRequest struct {
	UserID string `json:"user_id,omitempty"`
	RoomID string `json:"room_id"`
	Before string `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type HistoryResponse struct {
	Page  *chat.HistoryPage  `json:"page,omitempty"`
	Error *chat.ServiceError `json:"error,omitempty"`
}

type MemberResponse struct {
	Member bool               `json:"member"`
	Error  *chat.ServiceError `json:"error,omitempty"`
}
