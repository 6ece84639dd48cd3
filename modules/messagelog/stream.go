package messagelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/chat-delivery/domain/chat"
)

const streamField = "msg"

// StreamLog keeps one Redis stream per room. Stream ids are assigned by the
// server, so they are ordered across every process writing to the room. The
// sort key is the zero-padded stream id.
type StreamLog struct {
	client *redis.Client
	prefix string
}

var _ Log = (*StreamLog)(nil)

// NewStreamLog creates a stream-backed log using keys prefix+roomID.
func NewStreamLog(client *redis.Client, prefix string) *StreamLog {
	return &StreamLog{client: client, prefix: prefix}
}

func (l *StreamLog) key(roomID string) string {
	return l.prefix + roomID
}

// Append implements Log. The server time is taken from the stream id.
func (l *StreamLog) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	msg.ServerTime = time.Time{}
	msg.SortKey = ""
	data, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key(msg.RoomID),
		ID:     "*",
		Values: map[string]any{streamField: data},
	}).Result()
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to append message: %w", err)
	}

	ms, seq, err := parseStreamID(id)
	if err != nil {
		return chat.Message{}, err
	}
	msg.SortKey = sortKey(ms, seq)
	msg.ServerTime = time.UnixMilli(ms).UTC()
	return msg, nil
}

// Page implements Log.
func (l *StreamLog) Page(ctx context.Context, roomID, before string, limit int) (chat.HistoryPage, error) {
	if limit <= 0 {
		return finishPage(roomID, nil, 0), nil
	}

	end := "+"
	if before != "" {
		prev, ok, err := previousStreamID(before)
		if err != nil {
			return chat.HistoryPage{}, fmt.Errorf("%w: %q", chat.ErrCursorInvalid, before)
		}
		if !ok {
			return finishPage(roomID, nil, limit), nil
		}
		end = prev
	}

	entries, err := l.client.XRevRangeN(ctx, l.key(roomID), end, "-", int64(limit+1)).Result()
	if err != nil {
		return chat.HistoryPage{}, fmt.Errorf("failed to read messages: %w", err)
	}

	msgs := make([]chat.Message, 0, len(entries))
	for _, e := range entries {
		msg, err := decodeEntry(e)
		if err != nil {
			return chat.HistoryPage{}, err
		}
		msgs = append(msgs, msg)
	}
	return finishPage(roomID, msgs, limit), nil
}

// LatestTalk implements Log.
func (l *StreamLog) LatestTalk(ctx context.Context, roomID string) (*chat.Message, error) {
	return latestTalk(ctx, l, roomID)
}

// Purge implements Log.
func (l *StreamLog) Purge(ctx context.Context, roomID string) error {
	if err := l.client.Del(ctx, l.key(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to purge room %s: %w", roomID, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (l *StreamLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *StreamLog) Close() error {
	err := l.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func decodeEntry(e redis.XMessage) (chat.Message, error) {
	raw, ok := e.Values[streamField].(string)
	if !ok {
		return chat.Message{}, fmt.Errorf("stream entry %s has no %q field", e.ID, streamField)
	}
	var msg chat.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return chat.Message{}, fmt.Errorf("failed to decode stream entry %s: %w", e.ID, err)
	}
	ms, seq, err := parseStreamID(e.ID)
	if err != nil {
		return chat.Message{}, err
	}
	msg.SortKey = sortKey(ms, seq)
	msg.ServerTime = time.UnixMilli(ms).UTC()
	return msg, nil
}

// sortKey zero-pads a stream id so byte order matches stream order, the same
// property the pebble keys have.
func sortKey(ms int64, seq uint64) string {
	return fmt.Sprintf("%020d-%020d", ms, seq)
}

// parseStreamID splits a "<ms>-<seq>" stream id. Zero-padded sort keys parse
// back to the same id.
func parseStreamID(id string) (ms int64, seq uint64, err error) {
	msPart, seqPart, found := strings.Cut(id, "-")
	if !found {
		return 0, 0, fmt.Errorf("malformed stream id %q", id)
	}
	ms, err = strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	seq, err = strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return ms, seq, nil
}

// previousStreamID returns the greatest id strictly lower than id, turning
// an exclusive cursor into the inclusive bound XREVRANGE takes. ok is false
// for the lowest possible id.
func previousStreamID(id string) (prev string, ok bool, err error) {
	ms, seq, err := parseStreamID(id)
	if err != nil {
		return "", false, err
	}
	switch {
	case seq > 0:
		return fmt.Sprintf("%d-%d", ms, seq-1), true, nil
	case ms > 0:
		return fmt.Sprintf("%d-%d", ms-1, uint64(math.MaxUint64)), true, nil
	default:
		return "", false, nil
	}
}
