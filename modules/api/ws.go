package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/example/chat-delivery/config"
	"github.com/example/chat-delivery/domain/chat"
	"github.com/example/chat-delivery/metrics"
	"github.com/example/chat-delivery/modules/broadcast"
	"github.com/example/chat-delivery/modules/gateway"
	"github.com/example/chat-delivery/modules/room"
)

const (
	maxFrameSize   = 16 << 10
	pongWait       = 60 * time.Second
	requestTimeout = 10 * time.Second
)

// upgradeMiddleware admits WebSocket upgrades carrying a valid user_id.
func (m *APIModule) upgradeMiddleware(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	userID := c.Query("user_id")
	if err := chat.ValidateUserID(userID); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   codeUnauthorized,
			Message: "missing or invalid user_id",
		})
	}
	c.Locals(localsUserID, userID)
	return c.Next()
}

func (m *APIModule) websocketHandler() fiber.Handler {
	return websocket.New(m.handleWebSocket)
}

// handleWebSocket serves one live connection. Disconnecting drops the
// session's room subscriptions but not the user's memberships.
func (m *APIModule) handleWebSocket(c *websocket.Conn) {
	userID, _ := c.Locals(localsUserID).(string)

	session := broadcast.NewSession(userID, c, m.sessionCfg.QueueSize)
	if err := m.hub.Register(session); err != nil {
		m.logger.Warn("Session rejected", "user", userID, "error", err)
		_ = c.Close()
		return
	}
	defer func() {
		m.hub.Unregister(session)
		session.Close()
		m.logger.Info("WebSocket session closed", "session", session.ID, "user", userID, "reason", session.Err())
	}()
	go session.WritePump()

	m.logger.Info("WebSocket session opened", "session", session.ID, "user", userID)

	c.SetReadLimit(maxFrameSize)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	live := newLiveChannel(session, m.rooms, m.sender, m.hub, m.sessionCfg, m.metrics, m.logger)
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("WebSocket read ended", "session", session.ID, "error", err)
			}
			return
		}
		live.handle(data)
	}
}

// Subscriptions is the part of the hub a live channel manages.
// *broadcast.Hub implements it.
type Subscriptions interface {
	Subscribe(sessionID, roomID string) bool
	Unsubscribe(sessionID, roomID string)
}

// liveChannel turns one session's inbound frames into room operations.
type liveChannel struct {
	session *broadcast.Session
	rooms   room.RoomPort
	sender  gateway.SendPort
	subs    Subscriptions
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  types.Logger
}

func newLiveChannel(
	session *broadcast.Session,
	rooms room.RoomPort,
	sender gateway.SendPort,
	subs Subscriptions,
	cfg config.SessionConfig,
	m *metrics.Metrics,
	logger types.Logger,
) *liveChannel {
	return &liveChannel{
		session: session,
		rooms:   rooms,
		sender:  sender,
		subs:    subs,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		metrics: m,
		logger:  logger,
	}
}

type frameHandler func(l *liveChannel, ctx context.Context, f ClientFrame) (broadcast.Frame, error)

var frameHandlers = map[string]frameHandler{
	string(chat.TypeEnter):  (*liveChannel).enter,
	string(chat.TypeTalk):   (*liveChannel).talk,
	string(chat.TypeQuit):   (*liveChannel).quit,
	string(chat.TypeDelete): (*liveChannel).deleteRoom,
	ClientSubscribe:         (*liveChannel).subscribe,
	ClientUnsubscribe:       (*liveChannel).unsubscribe,
	ClientRooms:             (*liveChannel).listRooms,
}

// handle processes one inbound frame and queues the reply to this session
// only.
func (l *liveChannel) handle(data []byte) {
	if !l.limiter.Allow() {
		l.metrics.RateLimited.Inc()
		l.reply(broadcast.Frame{Type: broadcast.FrameError, Code: codeRateLimited, Error: "too many frames"})
		return
	}

	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		l.reply(broadcast.Frame{Type: broadcast.FrameError, Code: codeBadFrame, Error: "invalid frame"})
		return
	}
	handler, ok := frameHandlers[f.Type]
	if !ok {
		l.reply(broadcast.Frame{Type: broadcast.FrameError, Code: codeBadFrame, Error: "unknown frame type: " + f.Type})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := handler(l, ctx, f)
	if err != nil {
		code := chat.ErrorCode(err)
		msg := err.Error()
		if code == chat.CodeInternal {
			l.logger.Error("Live frame failed", "session", l.session.ID, "type", f.Type, "room", f.RoomID, "error", err)
			msg = "internal error"
		}
		l.reply(broadcast.Frame{Type: broadcast.FrameError, RoomID: f.RoomID, Code: code, Error: msg})
		return
	}
	l.reply(resp)
}

func (l *liveChannel) reply(f broadcast.Frame) {
	data, err := f.Encode()
	if err != nil {
		l.logger.Error("Failed to encode frame", "type", f.Type, "error", err)
		return
	}
	l.session.Enqueue(data)
}

func ack(roomID string) broadcast.Frame {
	return broadcast.Frame{Type: broadcast.FrameAck, RoomID: roomID}
}

// enter joins the room and starts watching it.
func (l *liveChannel) enter(ctx context.Context, f ClientFrame) (broadcast.Frame, error) {
	summary, err := l.rooms.JoinRoom(ctx, l.session.UserID, f.RoomID, f.Position)
	if err != nil {
		return broadcast.Frame{}, err
	}
	l.subs.Subscribe(l.session.ID, f.RoomID)
	resp := ack(f.RoomID)
	resp.Summary = summary
	return resp, nil
}

func (l *liveChannel) talk(ctx context.Context, f ClientFrame) (broadcast.Frame, error) {
	msg, err := l.sender.Send(ctx, l.session.UserID, f.RoomID, f.Body)
	if err != nil {
		return broadcast.Frame{}, err
	}
	resp := ack(f.RoomID)
	resp.Message = msg
	return resp, nil
}

func (l *liveChannel) quit(ctx context.Context, f ClientFrame) (broadcast.Frame, error) {
	if err := l.rooms.LeaveRoom(ctx, l.session.UserID, f.RoomID); err != nil {
		return broadcast.Frame{}, err
	}
	l.subs.Unsubscribe(l.session.ID, f.RoomID)
	return ack(f.RoomID), nil
}

func (l *liveChannel) deleteRoom(ctx context.Context, f ClientFrame) (broadcast.Frame, error) {
	if err := l.rooms.DeleteRoom(ctx, l.session.UserID, f.RoomID); err != nil {
		return broadcast.Frame{}, err
	}
	return ack(f.RoomID), nil
}

// subscribe starts watching a room the user already belongs to.
func (l *liveChannel) subscribe(ctx context.Context, f ClientFrame) (broadcast.Frame, error) {
	ok, err := l.rooms.IsMember(ctx, l.session.UserID, f.RoomID)
	if err != nil {
		return broadcast.Frame{}, err
	}
	if !ok {
		return broadcast.Frame{}, chat.ErrNotAMember
	}
	l.subs.Subscribe(l.session.ID, f.RoomID)
	return ack(f.RoomID), nil
}

func (l *liveChannel) unsubscribe(_ context.Context, f ClientFrame) (broadcast.Frame, error) {
	l.subs.Unsubscribe(l.session.ID, f.RoomID)
	return ack(f.RoomID), nil
}

func (l *liveChannel) listRooms(ctx context.Context, _ ClientFrame) (broadcast.Frame, error) {
	rooms, err := l.rooms.ListRooms(ctx, l.session.UserID)
	if err != nil {
		return broadcast.Frame{}, err
	}
	return broadcast.Frame{Type: broadcast.FrameRooms, Rooms: rooms}, nil
}
