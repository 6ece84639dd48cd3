package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/chat-delivery/domain/chat"
	"github.com/example/chat-delivery/events"
	"github.com/example/chat-delivery/modules/fanout"
)

// Factory builds the service once the stores and the gateway have started.
type Factory func() (*Service, error)

// UpdateSource delivers each persisted message to exactly one room-list
// updater across all processes. *fanout.Bus implements it.
type UpdateSource interface {
	HandleRoomListUpdates(update fanout.Updater) error
}

// Module provides room services (core domain).
type Module struct {
	factory  Factory
	updates  UpdateSource
	service  *Service
	eventBus mono.EventBus
	logger   types.Logger
}

var _ mono.Module = (*Module)(nil)
var _ mono.ServiceProviderModule = (*Module)(nil)
var _ mono.EventEmitterModule = (*Module)(nil)

// NewModule creates the room module.
func NewModule(logger types.Logger) *Module {
	return &Module{logger: logger}
}

// SetFactory sets how the service is built. Must be called before Start.
func (m *Module) SetFactory(f Factory) {
	m.factory = f
}

// SetUpdateSource sets where room-list updates come from. Without one this
// process does not take part in applying them.
func (m *Module) SetUpdateSource(src UpdateSource) {
	m.updates = src
}

// Name returns the module name.
func (m *Module) Name() string {
	return "room"
}

// SetEventBus is called by the framework.
func (m *Module) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// EmitEvents declares the events this module publishes.
func (m *Module) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.RoomCreatedV1.ToBase(),
		events.MemberJoinedV1.ToBase(),
		events.MemberLeftV1.ToBase(),
		events.RoomDeletedV1.ToBase(),
	}
}

// Start builds the service and joins the room-list updater group.
func (m *Module) Start(_ context.Context) error {
	if m.factory == nil {
		return errors.New("room factory not set")
	}
	svc, err := m.factory()
	if err != nil {
		return fmt.Errorf("failed to build room service: %w", err)
	}
	if m.eventBus == nil {
		m.logger.Warn("Event bus not set, room events will not be published")
	}
	svc.SetEventBus(m.eventBus)
	m.service = svc

	if m.updates != nil {
		if err := m.updates.HandleRoomListUpdates(svc.ApplyDelivery); err != nil {
			return fmt.Errorf("failed to join room-list updaters: %w", err)
		}
	}
	m.logger.Info("Room module started")
	return nil
}

// Stop is a no-op; subscriptions end when the bus drains.
func (m *Module) Stop(_ context.Context) error {
	m.logger.Info("Room module stopped")
	return nil
}

// Service returns the room service. Nil before Start.
func (m *Module) Service() *Service {
	return m.service
}

// RegisterServices registers the room request-reply services.
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceCreate, json.Unmarshal, json.Marshal, m.handleCreate,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceCreate, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceJoin, json.Unmarshal, json.Marshal, m.handleJoin,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceJoin, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceLeave, json.Unmarshal, json.Marshal, m.handleLeave,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceLeave, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceKick, json.Unmarshal, json.Marshal, m.handleKick,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceKick, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceDelete, json.Unmarshal, json.Marshal, m.handleDelete,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceDelete, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceList, json.Unmarshal, json.Marshal, m.handleList,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceList, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceInfo, json.Unmarshal, json.Marshal, m.handleInfo,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceInfo, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceHistory, json.Unmarshal, json.Marshal, m.handleHistory,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceHistory, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceMember, json.Unmarshal, json.Marshal, m.handleMember,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceMember, err)
	}

	m.logger.Info("Registered services",
		"services", "create, join, leave, kick, delete, list, info, history, member")
	return nil
}

// failure converts err into a reply error, logging what callers cannot fix.
func (m *Module) failure(op string, err error) *chat.ServiceError {
	if chat.ErrorCode(err) == chat.CodeInternal {
		m.logger.Error("Room operation failed", "op", op, "error", err)
	} else {
		m.logger.Debug("Room operation rejected", "op", op, "error", err)
	}
	return chat.NewServiceError(err)
}

func (m *Module) handleCreate(ctx context.Context, req CreateRequest, _ *mono.Msg) (SummaryResponse, error) {
	summary, err := m.service.CreateRoom(ctx, req.CreatorID, req.Name, req.Capacity)
	if err != nil {
		return SummaryResponse{Error: m.failure(ServiceCreate, err)}, nil
	}
	return SummaryResponse{Room: &summary}, nil
}

func (m *Module) handleJoin(ctx context.Context, req JoinRequest, _ *mono.Msg) (SummaryResponse, error) {
	summary, err := m.service.JoinRoom(ctx, req.UserID, req.RoomID, req.Position)
	if err != nil {
		return SummaryResponse{Error: m.failure(ServiceJoin, err)}, nil
	}
	return SummaryResponse{Room: &summary}, nil
}

func (m *Module) handleLeave(ctx context.Context, req MembershipRequest, _ *mono.Msg) (StatusResponse, error) {
	if err := m.service.LeaveRoom(ctx, req.UserID, req.RoomID); err != nil {
		return StatusResponse{Error: m.failure(ServiceLeave, err)}, nil
	}
	return StatusResponse{}, nil
}

func (m *Module) handleKick(ctx context.Context, req KickRequest, _ *mono.Msg) (StatusResponse, error) {
	if err := m.service.KickMember(ctx, req.OwnerID, req.RoomID, req.TargetID); err != nil {
		return StatusResponse{Error: m.failure(ServiceKick, err)}, nil
	}
	return StatusResponse{}, nil
}

func (m *Module) handleDelete(ctx context.Context, req MembershipRequest, _ *mono.Msg) (StatusResponse, error) {
	if err := m.service.DeleteRoom(ctx, req.UserID, req.RoomID); err != nil {
		return StatusResponse{Error: m.failure(ServiceDelete, err)}, nil
	}
	return StatusResponse{}, nil
}

func (m *Module) handleList(ctx context.Context, req ListRequest, _ *mono.Msg) (ListResponse, error) {
	rooms, err := m.service.ListRooms(ctx, req.UserID)
	if err != nil {
		return ListResponse{Error: m.failure(ServiceList, err)}, nil
	}
	return ListResponse{Rooms: rooms}, nil
}

func (m *Module) handleInfo(ctx context.Context, req InfoRequest, _ *mono.Msg) (InfoResponse, error) {
	detail, err := m.service.GetRoomInfo(ctx, req.RoomID)
	if err != nil {
		return InfoResponse{Error: m.failure(ServiceInfo, err)}, nil
	}
	return InfoResponse{Room: detail}, nil
}

func (m *Module) handleHistory(ctx context.Context, req HistoryRequest, _ *mono.Msg) (HistoryResponse, error) {
	page, err := m.service.History(ctx, req.UserID, req.RoomID, req.Before, req.Limit)
	if err != nil {
		return HistoryResponse{Error: m.failure(ServiceHistory, err)}, nil
	}
	return HistoryResponse{Page: &page}, nil
}

func (m *Module) handleMember(ctx context.Context, req MembershipRequest, _ *mono.Msg) (MemberResponse, error) {
	ok, err := m.service.IsMember(ctx, req.UserID, req.RoomID)
	if err != nil {
		return MemberResponse{Error: m.failure(ServiceMember, err)}, nil
	}
	return MemberResponse{Member: ok}, nil
}
