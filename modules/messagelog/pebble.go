package messagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/example/chat-delivery/domain/chat"
)

// PebbleLog keeps the log in a local Pebble database. Keys are
// msg/<roomID>/<server nanos %020d>, so a room's messages are contiguous and
// byte order equals time order.
type PebbleLog struct {
	// dbMu guards db against Close. Operations hold the read lock for as
	// long as they touch the database.
	dbMu sync.RWMutex
	db   *pebble.DB

	mu       sync.Mutex
	lastNano int64
	now      func() time.Time
}

var _ Log = (*PebbleLog)(nil)

// OpenPebble opens (or creates) a Pebble database at dir. opts may be nil.
func OpenPebble(dir string, opts *pebble.Options) (*PebbleLog, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	return &PebbleLog{db: db, now: time.Now}, nil
}

func roomPrefix(roomID string) []byte {
	return []byte("msg/" + roomID + "/")
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// sortKeyLen is the length of a Pebble sort key.
const sortKeyLen = 20

func validCursor(before string) bool {
	if len(before) != sortKeyLen {
		return false
	}
	for i := 0; i < len(before); i++ {
		if before[i] < '0' || before[i] > '9' {
			return false
		}
	}
	return true
}

// acquire read-locks the database. The caller must call release when err is
// nil.
func (l *PebbleLog) acquire() (*pebble.DB, error) {
	l.dbMu.RLock()
	if l.db == nil {
		l.dbMu.RUnlock()
		return nil, ErrClosed
	}
	return l.db, nil
}

func (l *PebbleLog) release() {
	l.dbMu.RUnlock()
}

// nextStamp returns a strictly increasing nanosecond timestamp even if the
// wall clock steps backwards.
func (l *PebbleLog) nextStamp() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.now().UTC().UnixNano()
	if n <= l.lastNano {
		n = l.lastNano + 1
	}
	l.lastNano = n
	return n
}

// Append implements Log.
func (l *PebbleLog) Append(_ context.Context, msg chat.Message) (chat.Message, error) {
	db, err := l.acquire()
	if err != nil {
		return chat.Message{}, err
	}
	defer l.release()

	stamp := l.nextStamp()
	msg.ServerTime = time.Unix(0, stamp).UTC()
	msg.SortKey = fmt.Sprintf("%020d", stamp)

	data, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	key := append(roomPrefix(msg.RoomID), msg.SortKey...)
	if err := db.Set(key, data, pebble.Sync); err != nil {
		return chat.Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// Page implements Log.
func (l *PebbleLog) Page(_ context.Context, roomID, before string, limit int) (chat.HistoryPage, error) {
	if before != "" && !validCursor(before) {
		return chat.HistoryPage{}, fmt.Errorf("%w: %q", chat.ErrCursorInvalid, before)
	}
	db, err := l.acquire()
	if err != nil {
		return chat.HistoryPage{}, err
	}
	defer l.release()
	if limit <= 0 {
		return finishPage(roomID, nil, 0), nil
	}

	prefix := roomPrefix(roomID)
	upper := prefixEnd(prefix)
	if before != "" {
		upper = append(append([]byte(nil), prefix...), before...)
	}

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return chat.HistoryPage{}, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	msgs := make([]chat.Message, 0, limit+1)
	for ok := iter.Last(); ok && len(msgs) <= limit; ok = iter.Prev() {
		var msg chat.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return chat.HistoryPage{}, fmt.Errorf("failed to decode message %s: %w", iter.Key(), err)
		}
		msgs = append(msgs, msg)
	}
	if err := iter.Error(); err != nil {
		return chat.HistoryPage{}, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return finishPage(roomID, msgs, limit), nil
}

// LatestTalk implements Log.
func (l *PebbleLog) LatestTalk(ctx context.Context, roomID string) (*chat.Message, error) {
	return latestTalk(ctx, l, roomID)
}

// Purge implements Log.
func (l *PebbleLog) Purge(_ context.Context, roomID string) error {
	db, err := l.acquire()
	if err != nil {
		return err
	}
	defer l.release()
	prefix := roomPrefix(roomID)
	if err := db.DeleteRange(prefix, prefixEnd(prefix), pebble.Sync); err != nil {
		return fmt.Errorf("failed to purge room %s: %w", roomID, err)
	}
	return nil
}

// Ping reports whether the database is open.
func (l *PebbleLog) Ping(_ context.Context) error {
	if _, err := l.acquire(); err != nil {
		return err
	}
	l.release()
	return nil
}

// Close closes the database once in-flight operations finish.
func (l *PebbleLog) Close() error {
	l.dbMu.Lock()
	defer l.dbMu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
