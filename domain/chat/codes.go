package chat

import (
	"errors"
)

// CodeInternal is the code of any error without a sentinel.
const CodeInternal = "INTERNAL"

var codes = []struct {
	code string
	err  error
}{
	{"ROOM_NOT_FOUND", ErrRoomNotFound},
	{"NOT_A_MEMBER", ErrNotAMember},
	{"NO_AVAILABLE_SLOT", ErrNoAvailableSlot},
	{"NOT_ROOM_OWNER", ErrNotRoomOwner},
	{"INVALID_MESSAGE_TYPE", ErrInvalidMessageType},
	{"USER_ID_EMPTY", ErrUserIDEmpty},
	{"USER_ID_TOO_LONG", ErrUserIDTooLong},
	{"USER_ID_INVALID", ErrUserIDInvalid},
	{"ROOM_NAME_EMPTY", ErrRoomNameEmpty},
	{"ROOM_NAME_TOO_LONG", ErrRoomNameTooLong},
	{"ROOM_NAME_INVALID", ErrRoomNameInvalid},
	{"BODY_EMPTY", ErrBodyEmpty},
	{"BODY_TOO_LONG", ErrBodyTooLong},
	{"BODY_INVALID", ErrBodyInvalid},
	{"POSITION_TOO_LONG", ErrPositionTooLong},
	{"CAPACITY_NEGATIVE", ErrCapacityNegative},
	{"CURSOR_INVALID", ErrCursorInvalid},
}

// ErrorCode returns the wire code of err.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ServiceError carries an error across a request-reply boundary.
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServiceError wraps err for a reply. It returns nil for a nil error.
func NewServiceError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	return &ServiceError{Code: ErrorCode(err), Message: err.Error()}
}

// Err restores the error. Known codes unwrap to their sentinel so callers can
// keep using errors.Is.
func (e *ServiceError) Err() error {
	if e == nil {
		return nil
	}
	for _, c := range codes {
		if c.code == e.Code {
			if e.Message == c.err.Error() {
				return c.err
			}
			return &remoteError{msg: e.Message, sentinel: c.err}
		}
	}
	return errors.New(e.Message)
}

type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
