package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/chat-delivery/domain/chat"
)

// Repository provides access to rooms and memberships.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new directory repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateRoom inserts a room together with its creator's membership.
func (r *Repository) CreateRoom(ctx context.Context, room *Room, creatorPosition string) (*chat.RoomDetail, error) {
	creator := &Membership{
		RoomID:   room.ID,
		UserID:   room.CreatorID,
		Position: creatorPosition,
		JoinedAt: room.CreatedAt,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create(creator).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return &chat.RoomDetail{
		Room:    room.toDomain(),
		Members: []chat.Member{creator.toDomain()},
	}, nil
}

// RoomDetail returns a room and its members. A room without memberships is
// reported as chat.ErrRoomNotFound.
func (r *Repository) RoomDetail(ctx context.Context, roomID string) (*chat.RoomDetail, error) {
	db := r.db.WithContext(ctx)

	var room Room
	if err := db.First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, chat.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to find room: %w", err)
	}

	members, err := r.members(db, roomID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, chat.ErrRoomNotFound
	}

	return &chat.RoomDetail{Room: room.toDomain(), Members: members}, nil
}

// AddMember inserts a membership. Joining twice is not an error; added
// reports whether a row was written.
//
// Capacity and position checks read the current rows and then insert without
// a compare-and-swap, so two concurrent joins may both take the last slot.
func (r *Repository) AddMember(ctx context.Context, roomID, userID, position string) (detail *chat.RoomDetail, added bool, err error) {
	detail, err = r.RoomDetail(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if detail.HasMember(userID) {
		return detail, false, nil
	}

	if detail.Capacity > 0 && len(detail.Members) >= detail.Capacity {
		return nil, false, chat.ErrNoAvailableSlot
	}
	if position != "" {
		for _, m := range detail.Members {
			if m.Position == position {
				return nil, false, chat.ErrNoAvailableSlot
			}
		}
	}

	membership := &Membership{
		RoomID:   roomID,
		UserID:   userID,
		Position: position,
		JoinedAt: time.Now().UTC(),
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(membership)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to add member: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// A concurrent join of the same user won.
		detail, err = r.RoomDetail(ctx, roomID)
		return detail, false, err
	}

	detail.Members = append(detail.Members, membership.toDomain())
	return detail, true, nil
}

// RemoveMember deletes a membership and returns the remaining members.
// Removing a membership that does not exist reports removed=false.
func (r *Repository) RemoveMember(ctx context.Context, roomID, userID string) (remaining []string, removed bool, err error) {
	db := r.db.WithContext(ctx)

	result := db.Delete(&Membership{}, "room_id = ? AND user_id = ?", roomID, userID)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to remove member: %w", result.Error)
	}

	members, err := r.members(db, roomID)
	if err != nil {
		return nil, false, err
	}
	remaining = make([]string, 0, len(members))
	for _, m := range members {
		remaining = append(remaining, m.UserID)
	}
	return remaining, result.RowsAffected > 0, nil
}

// DeleteRoom removes every membership of a room and the room itself.
func (r *Repository) DeleteRoom(ctx context.Context, roomID string) error {
	db := r.db.WithContext(ctx)
	if err := db.Delete(&Membership{}, "room_id = ?", roomID).Error; err != nil {
		return fmt.Errorf("failed to delete memberships: %w", err)
	}
	if err := db.Delete(&Room{}, "id = ?", roomID).Error; err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	return nil
}

// IsMember reports whether userID currently holds a membership in roomID.
func (r *Repository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Membership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return count > 0, nil
}

// RoomsForUser returns every room userID belongs to, with full member lists.
func (r *Repository) RoomsForUser(ctx context.Context, userID string) ([]chat.RoomDetail, error) {
	db := r.db.WithContext(ctx)

	var roomIDs []string
	if err := db.Model(&Membership{}).Where("user_id = ?", userID).Pluck("room_id", &roomIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to find memberships: %w", err)
	}
	if len(roomIDs) == 0 {
		return []chat.RoomDetail{}, nil
	}

	var rooms []Room
	if err := db.Where("id IN ?", roomIDs).Order("created_at").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("failed to find rooms: %w", err)
	}

	var memberships []Membership
	if err := db.Where("room_id IN ?", roomIDs).Order("joined_at, user_id").Find(&memberships).Error; err != nil {
		return nil, fmt.Errorf("failed to find room members: %w", err)
	}
	byRoom := make(map[string][]chat.Member, len(rooms))
	for i := range memberships {
		byRoom[memberships[i].RoomID] = append(byRoom[memberships[i].RoomID], memberships[i].toDomain())
	}

	details := make([]chat.RoomDetail, 0, len(rooms))
	for i := range rooms {
		details = append(details, chat.RoomDetail{
			Room:    rooms[i].toDomain(),
			Members: byRoom[rooms[i].ID],
		})
	}
	return details, nil
}

// CountRooms returns the number of live rooms.
func (r *Repository) CountRooms(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Room{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count rooms: %w", err)
	}
	return count, nil
}

func (r *Repository) members(db *gorm.DB, roomID string) ([]chat.Member, error) {
	var rows []Membership
	if err := db.Where("room_id = ?", roomID).Order("joined_at, user_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to find room members: %w", err)
	}
	members := make([]chat.Member, 0, len(rows))
	for i := range rows {
		members = append(members, rows[i].toDomain())
	}
	return members, nil
}
