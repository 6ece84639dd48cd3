package directory

import (
	"time"

	"github.com/example/chat-delivery/domain/chat"
)

// Room is the persistent room row.
type Room struct {
	ID        string    `gorm:"primarykey;size:32"`
	Name      string    `gorm:"size:100;not null"`
	CreatorID string    `gorm:"size:64;not null;index"`
	Capacity  int       `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for Room model.
func (Room) TableName() string {
	return "rooms"
}

// Membership is the (room, user) join row.
type Membership struct {
	RoomID   string    `gorm:"primaryKey;size:32"`
	UserID   string    `gorm:"primaryKey;size:64;index"`
	Position string    `gorm:"size:50;not null;default:''"`
	JoinedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for Membership model.
func (Membership) TableName() string {
	return "room_memberships"
}

func (r *Room) toDomain() chat.Room {
	return chat.Room{
		ID:        r.ID,
		Name:      r.Name,
		CreatorID: r.CreatorID,
		Capacity:  r.Capacity,
		CreatedAt: r.CreatedAt,
	}
}

func (m *Membership) toDomain() chat.Member {
	return chat.Member{
		UserID:   m.UserID,
		Position: m.Position,
		JoinedAt: m.JoinedAt,
	}
}
