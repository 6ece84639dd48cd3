package room

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"

	"github.com/example/chat-delivery/domain/chat"
)

// RoomPort defines the interface for room operations.
// This is the port that other modules use to interact with the room module.
type RoomPort interface {
	CreateRoom(ctx context.Context, creatorID, name string, capacity int) (*chat.RoomSummary, error)
	JoinRoom(ctx context.Context, userID, roomID, position string) (*chat.RoomSummary, error)
	LeaveRoom(ctx context.Context, userID, roomID string) error
	KickMember(ctx context.Context, ownerID, roomID, targetID string) error
	DeleteRoom(ctx context.Context, userID, roomID string) error
	ListRooms(ctx context.Context, userID string) ([]chat.RoomSummary, error)
	GetRoomInfo(ctx context.Context, roomID string) (*chat.RoomDetail, error)
	History(ctx context.Context, userID, roomID, before string, limit int) (*chat.HistoryPage, error)
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
}

// roomAdapter wraps ServiceContainer for type-safe cross-module communication.
type roomAdapter struct {
	container mono.ServiceContainer
}

// NewRoomAdapter creates a RoomPort over the room module's container.
func NewRoomAdapter(container mono.ServiceContainer) RoomPort {
	if container == nil {
		panic("room adapter requires non-nil ServiceContainer")
	}
	return &roomAdapter{container: container}
}

func (a *roomAdapter) call(ctx context.Context, service string, req, resp any) error {
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		service,
		json.Marshal,
		json.Unmarshal,
		req,
		&resp,
	); err != nil {
		return fmt.Errorf("%s service call failed: %w", service, err)
	}
	return nil
}

func (a *roomAdapter) CreateRoom(ctx context.Context, creatorID, name string, capacity int) (*chat.RoomSummary, error) {
	req := CreateRequest{CreatorID: creatorID, Name: name, Capacity: capacity}
	var resp SummaryResponse
	if err := a.call(ctx, ServiceCreate, &req, &resp); err != nil {
		return nil, err
	}
	return resp.Room, resp.Error.Err()
}

func (a *roomAdapter) JoinRoom(ctx context.Context, userID, roomID, position string) (*chat.RoomSummary, error) {
	req := JoinRequest{UserID: userID, RoomID: roomID, Position: position}
	var resp SummaryResponse
	if err := a.call(ctx, ServiceJoin, &req, &resp); err != nil {
		return nil, err
	}
	return resp.Room, resp.Error.Err()
}

func (a *roomAdapter) LeaveRoom(ctx context.Context, userID, roomID string) error {
	req := MembershipRequest{UserID: userID, RoomID: roomID}
	var resp StatusResponse
	if err := a.call(ctx, ServiceLeave, &req, &resp); err != nil {
		return err
	}
	return resp.Error.Err()
}

func (a *roomAdapter) KickMember(ctx context.Context, ownerID, roomID, targetID string) error {
	req := KickRequest{OwnerID: ownerID, RoomID: roomID, TargetID: targetID}
	var resp StatusResponse
	if err := a.call(ctx, ServiceKick, &req, &resp); err != nil {
		return err
	}
	return resp.Error.Err()
}

func (a *roomAdapter) DeleteRoom(ctx context.Context, userID, roomID string) error {
	req := MembershipRequest{UserID: userID, RoomID: roomID}
	var resp StatusResponse
	if err := a.call(ctx, ServiceDelete, &req, &resp); err != nil {
		return err
	}
	return resp.Error.Err()
}

func (a *roomAdapter) ListRooms(ctx context.Context, userID string) ([]chat.RoomSummary, error) {
	req := ListRequest{UserID: userID}
	var resp ListResponse
	if err := a.call(ctx, ServiceList, &req, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, resp.Error.Err()
}

func (a *roomAdapter) GetRoomInfo(ctx context.Context, roomID string) (*chat.RoomDetail, error) {
	req := InfoRequest{RoomID: roomID}
	var resp InfoResponse
	if err := a.call(ctx, ServiceInfo, &req, &resp); err != nil {
		return nil, err
	}
	return resp.Room, resp.Error.Err()
}

func (a *roomAdapter) History(ctx context.Context, userID, roomID, before string, limit int) (*chat.HistoryPage, error) {
	req := HistoryRequest{UserID: userID, RoomID: roomID, Before: before, Limit: limit}
	var resp HistoryResponse
	if err := a.call(ctx, ServiceHistory, &req, &resp); err != nil {
		return nil, err
	}
	return resp.Page, resp.Error.Err()
}

func (a *roomAdapter) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	req := MembershipRequest{UserID: userID, RoomID: roomID}
	var resp MemberResponse
	if err := a.call(ctx, ServiceMember, &req, &resp); err != nil {
		return false, err
	}
	return resp.Member, resp.Error.Err()
}
