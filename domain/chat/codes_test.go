package chat

import (
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_RoundTripKeepsSentinel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"bare sentinel", ErrRoomNotFound, "ROOM_NOT_FOUND"},
		{"wrapped sentinel", fmt.Errorf("join r1: %w", ErrNoAvailableSlot), "NO_AVAILABLE_SLOT"},
		{"validation", ErrBodyTooLong, "BODY_TOO_LONG"},
		{"bad cursor", fmt.Errorf("%w: %q", ErrCursorInvalid, "x"), "CURSOR_INVALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := NewServiceError(tt.err)
			if se.Code != tt.code {
				t.Errorf("Code = %q, want %q", se.Code, tt.code)
			}
			restored := se.Err()
			if restored.Error() != tt.err.Error() {
				t.Errorf("Error() = %q, want %q", restored.Error(), tt.err.Error())
			}
			if ErrorCode(restored) != tt.code {
				t.Errorf("restored error lost its code")
			}
		})
	}
}

func TestServiceError_Unknown(t *testing.T) {
	se := NewServiceError(errors.New("disk on fire"))
	if se.Code != CodeInternal {
		t.Errorf("Code = %q, want %q", se.Code, CodeInternal)
	}
	if se.Err().Error() != "disk on fire" {
		t.Errorf("message not preserved: %v", se.Err())
	}
}

func TestServiceError_Nil(t *testing.T) {
	if NewServiceError(nil) != nil {
		t.Error("nil error must produce nil ServiceError")
	}
	var se *ServiceError
	if se.Err() != nil {
		t.Error("nil ServiceError must restore to nil")
	}
}
