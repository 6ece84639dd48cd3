package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// Session timing.
const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ErrQueueFull is the close reason of a session that could not keep up.
var ErrQueueFull = errors.New("session send queue full")

// Conn is the part of a WebSocket connection a session writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one live client connection. Outbound frames go through a
// bounded queue drained by WritePump; a full queue disconnects the session
// instead of stalling whoever is delivering.
type Session struct {
	ID     string
	UserID string

	conn Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps conn for userID with an outbound queue of queueSize frames.
func NewSession(userID string, conn Conn, queueSize int) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

// Enqueue queues a frame without blocking. It returns false and closes the
// session when the queue is full or the session is closed.
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		s.CloseWithError(ErrQueueFull)
		return false
	}
}

// WritePump writes queued frames and periodic pings until the session is
// closed or a write fails. It must run on its own goroutine.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.write(websocket.TextMessage, data); err != nil {
				s.CloseWithError(err)
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.CloseWithError(err)
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// Close closes the session and its connection. It is safe to call more than
// once.
func (s *Session) Close() {
	s.CloseWithError(nil)
}

// CloseWithError closes the session recording why. Only the first reason is kept.
func (s *Session) CloseWithError(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the close reason, nil for a normal close or an open session.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}
