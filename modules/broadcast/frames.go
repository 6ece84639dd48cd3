package broadcast

import (
	"encoding/json"

	"github.com/example/chat-delivery/domain/chat"
)

// Server frame types that are not room messages. Room messages are sent as
// the chat.Message itself, whose type is ENTER, TALK, DELETE or QUIT.
const (
	FrameRoomUpdate  = "ROOM_UPDATE"
	FrameRoomRemoved = "ROOM_REMOVED"
	FrameRooms       = "ROOMS"
	FrameAck         = "ACK"
	FrameError       = "ERROR"
)

// Frame is a server-to-client control frame.
type Frame struct {
	Type    string             `json:"type"`
	RoomID  string             `json:"room_id,omitempty"`
	Summary *chat.RoomSummary  `json:"summary,omitempty"`
	Rooms   []chat.RoomSummary `json:"rooms,omitempty"`
	Message *chat.Message      `json:"message,omitempty"`
	Code    string             `json:"code,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// RoomUpdate is the private-channel frame for a changed room summary.
func RoomUpdate(s chat.RoomSummary) Frame {
	return Frame{Type: FrameRoomUpdate, RoomID: s.RoomID, Summary: &s}
}

// RoomRemoved is the private-channel frame for a room the user no longer sees.
func RoomRemoved(roomID string) Frame {
	return Frame{Type: FrameRoomRemoved, RoomID: roomID}
}

// Encode marshals the frame.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
