package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/chat-delivery/domain/chat"
	"github.com/example/chat-delivery/metrics"
)

// ErrHubStopped is returned when delivering to a hub that has shut down.
var ErrHubStopped = errors.New("hub stopped")

// Hub tracks the sessions attached to this process, which users they belong
// to and which rooms they watch. It knows nothing about other processes.
type Hub struct {
	sessions map[string]*Session            // sessionID -> Session
	users    map[string]map[string]*Session // userID -> sessions
	rooms    map[string]map[string]*Session // roomID -> subscribed sessions
	watching map[string]map[string]struct{} // sessionID -> roomIDs

	deliveries chan *delivery
	done       chan struct{}
	stopped    bool
	mu         sync.RWMutex

	metrics *metrics.Metrics
	logger  types.Logger
}

// delivery is one frame for a room or a user. The drop fields change
// subscriptions after the frame is queued, so the last frame a session sees
// for a room is the one that removed it.
type delivery struct {
	roomID   string
	userID   string
	data     []byte
	dropUser string
	dropRoom bool
}

// NewHub creates a new Hub.
func NewHub(m *metrics.Metrics, logger types.Logger) *Hub {
	return &Hub{
		sessions:   make(map[string]*Session),
		users:      make(map[string]map[string]*Session),
		rooms:      make(map[string]map[string]*Session),
		watching:   make(map[string]map[string]struct{}),
		deliveries: make(chan *delivery, 256),
		done:       make(chan struct{}),
		metrics:    m,
		logger:     logger,
	}
}

// Run is the hub's main loop. Deliveries are applied in the order they were
// submitted, which keeps per-room order from the bus.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down")
			h.closeAll()
			close(h.done)
			return
		case d := <-h.deliveries:
			h.handleDelivery(d)
		}
	}
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.done
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for _, s := range h.sessions {
		s.Close()
	}
	h.metrics.ActiveSessions.Sub(float64(len(h.sessions)))
	h.sessions = make(map[string]*Session)
	h.users = make(map[string]map[string]*Session)
	h.rooms = make(map[string]map[string]*Session)
	h.watching = make(map[string]map[string]struct{})
}

// Register attaches a session to the hub.
func (h *Hub) Register(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrHubStopped
	}
	h.sessions[s.ID] = s
	if h.users[s.UserID] == nil {
		h.users[s.UserID] = make(map[string]*Session)
	}
	h.users[s.UserID][s.ID] = s
	h.metrics.ActiveSessions.Inc()
	h.logger.Debug("Session registered", "session", s.ID, "user", s.UserID)
	return nil
}

// Unregister detaches a session and drops its room subscriptions. It is a
// no-op for an unknown session.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	if set := h.users[s.UserID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(h.users, s.UserID)
		}
	}
	for roomID := range h.watching[s.ID] {
		h.unwatchLocked(s.ID, roomID)
	}
	delete(h.watching, s.ID)
	h.metrics.ActiveSessions.Dec()
	h.logger.Debug("Session unregistered", "session", s.ID, "user", s.UserID)
}

func (h *Hub) handleDelivery(d *delivery) {
	var targets map[string]*Session
	var overflowed []*Session

	h.mu.RLock()
	if d.roomID != "" && d.userID == "" {
		targets = h.rooms[d.roomID]
	} else {
		targets = h.users[d.userID]
	}
	for _, s := range targets {
		if s.Enqueue(d.data) {
			h.metrics.SessionDeliveries.Inc()
			continue
		}
		overflowed = append(overflowed, s)
	}
	h.mu.RUnlock()

	if len(overflowed) == 0 && d.dropUser == "" && !d.dropRoom {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range overflowed {
		if errors.Is(s.Err(), ErrQueueFull) {
			h.metrics.SessionOverflows.Inc()
			h.logger.Warn("Session queue overflow, disconnecting", "session", s.ID, "user", s.UserID)
		}
		h.removeLocked(s)
	}
	switch {
	case d.dropRoom:
		for sessionID := range h.rooms[d.roomID] {
			h.unwatchLocked(sessionID, d.roomID)
		}
	case d.dropUser != "":
		for sessionID := range h.users[d.dropUser] {
			h.unwatchLocked(sessionID, d.roomID)
		}
	}
}

func (h *Hub) unwatchLocked(sessionID, roomID string) {
	if set := h.rooms[roomID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rooms := h.watching[sessionID]; rooms != nil {
		delete(rooms, roomID)
	}
}

// Subscribe makes the session receive the room's messages. It returns false
// when the session is not registered.
func (h *Hub) Subscribe(sessionID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Session)
	}
	h.rooms[roomID][sessionID] = s
	if h.watching[sessionID] == nil {
		h.watching[sessionID] = make(map[string]struct{})
	}
	h.watching[sessionID][roomID] = struct{}{}
	return true
}

// Unsubscribe stops the session receiving the room's messages.
func (h *Hub) Unsubscribe(sessionID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unwatchLocked(sessionID, roomID)
}

func (h *Hub) submit(d *delivery) error {
	select {
	case h.deliveries <- d:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// DeliverMessage queues a persisted message to every local session watching
// its room. A QUIT also unsubscribes the leaving user's sessions and a
// DELETE unsubscribes everyone, both after the marker itself is queued.
func (h *Hub) DeliverMessage(msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	d := &delivery{roomID: msg.RoomID, data: data}
	switch msg.Type {
	case chat.TypeQuit:
		d.dropUser = msg.SenderID
	case chat.TypeDelete:
		d.dropRoom = true
	}
	return h.submit(d)
}

// DeliverUser queues a pre-encoded frame to every local session of userID.
func (h *Hub) DeliverUser(userID string, data []byte) error {
	return h.submit(&delivery{userID: userID, data: data})
}

// SessionCount returns the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// UserSessionCount returns the number of attached sessions of userID.
func (h *Hub) UserSessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// RoomSessionCount returns the number of sessions watching a room.
func (h *Hub) RoomSessionCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Watching reports whether the session is subscribed to the room.
func (h *Hub) Watching(sessionID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.watching[sessionID][roomID]
	return ok
}
