package api

import (
	"github.com/example/chat-delivery/domain/chat"
)

// CreateRoomRequest is the request body for POST /api/v1/rooms.
type CreateRoomRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity,omitempty"`
}

// JoinRoomRequest is the request body for POST /api/v1/rooms/:id/join.
type JoinRoomRequest struct {
	Position string `json:"position,omitempty"`
}

// KickRequest is the request body for POST /api/v1/rooms/:id/kick.
type KickRequest struct {
	UserID string `json:"user_id"`
}

// SendMessageRequest is the request body for POST /api/v1/rooms/:id/messages.
type SendMessageRequest struct {
	Body string `json:"body"`
}

// RoomListResponse is the response for GET /api/v1/rooms.
type RoomListResponse struct {
	Rooms []chat.RoomSummary `json:"rooms"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string                  `json:"status"`
	Modules map[string]ModuleHealth `json:"modules,omitempty"`
}

// ModuleHealth is one module's entry in HealthResponse.
type ModuleHealth struct {
	Healthy bool           `json:"healthy"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Client frame types besides the four message types.
const (
	ClientSubscribe   = "SUBSCRIBE"
	ClientUnsubscribe = "UNSUBSCRIBE"
	ClientRooms       = "ROOMS"
)

// ClientFrame is a frame sent by a client on the live channel.
type ClientFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id,omitempty"`
	Body     string `json:"body,omitempty"`
	Position string `json:"position,omitempty"`
}
