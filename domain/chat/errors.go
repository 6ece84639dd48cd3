package chat

import (
	"errors"
	"unicode/utf8"
)

// Validation constants
const (
	MaxUserIDLength   = 64
	MaxRoomNameLength = 100
	MaxBodyLength     = 5000
	MaxPositionLength = 50
)

// Domain errors surfaced to callers.
var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotAMember         = errors.New("not a member of the room")
	ErrNoAvailableSlot    = errors.New("no available slot in the room")
	ErrNotRoomOwner       = errors.New("only the room owner may do this")
	ErrInvalidMessageType = errors.New("invalid message type")
)

// Validation errors
var (
	ErrUserIDEmpty      = errors.New("user id cannot be empty")
	ErrUserIDTooLong    = errors.New("user id exceeds maximum length")
	ErrUserIDInvalid    = errors.New("user id contains invalid characters")
	ErrRoomNameEmpty    = errors.New("room name cannot be empty")
	ErrRoomNameTooLong  = errors.New("room name exceeds maximum length")
	ErrRoomNameInvalid  = errors.New("room name contains invalid characters")
	ErrBodyEmpty        = errors.New("message body cannot be empty")
	ErrBodyTooLong      = errors.New("message body exceeds maximum length")
	ErrBodyInvalid      = errors.New("message body contains invalid characters")
	ErrPositionTooLong  = errors.New("position exceeds maximum length")
	ErrCapacityNegative = errors.New("capacity cannot be negative")
	ErrCursorInvalid    = errors.New("invalid history cursor")
)

// ValidateUserID validates a user id supplied by the auth layer.
// User ids end up in NATS subjects and Redis keys, so separators are rejected.
func ValidateUserID(id string) error {
	if id == "" {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLength {
		return ErrUserIDTooLong
	}
	if !utf8.ValidString(id) {
		return ErrUserIDInvalid
	}
	for _, r := range id {
		if r <= ' ' || r == '.' || r == '*' || r == '>' || r == ':' {
			return ErrUserIDInvalid
		}
	}
	return nil
}

// ValidateRoomName validates a room name.
func ValidateRoomName(name string) error {
	if name == "" {
		return ErrRoomNameEmpty
	}
	if len(name) > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	if !utf8.ValidString(name) {
		return ErrRoomNameInvalid
	}
	return nil
}

// ValidateBody validates the content of a TALK message.
func ValidateBody(body string) error {
	if body == "" {
		return ErrBodyEmpty
	}
	if len(body) > MaxBodyLength {
		return ErrBodyTooLong
	}
	if !utf8.ValidString(body) {
		return ErrBodyInvalid
	}
	return nil
}

// IsValidation reports whether err is one of the input validation errors.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrUserIDEmpty, ErrUserIDTooLong, ErrUserIDInvalid,
		ErrRoomNameEmpty, ErrRoomNameTooLong, ErrRoomNameInvalid,
		ErrBodyEmpty, ErrBodyTooLong, ErrBodyInvalid,
		ErrPositionTooLong, ErrCapacityNegative, ErrCursorInvalid,
		ErrInvalidMessageType,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
