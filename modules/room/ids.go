package room

import (
	"fmt"

	nanoid "github.com/jaevor/go-nanoid"
)

// Room ids are 32 lowercase hex characters, 128 random bits. Ids are never
// reused, so a deleted room cannot be re-entered.
const (
	roomIDAlphabet = "0123456789abcdef"
	RoomIDLength   = 32
)

// NewRoomIDGenerator returns a generator of random room ids.
func NewRoomIDGenerator() (func() string, error) {
	gen, err := nanoid.CustomASCII(roomIDAlphabet, RoomIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create room id generator: %w", err)
	}
	return gen, nil
}
