// Package roomcache keeps each user's room list in Redis.
//
// Layout:
//
//	<prefix>rooms:<userID>  hash, field roomID -> summary JSON without the
//	                        last message, plus a marker field set by Init
//	<prefix>last:<roomID>   hash {sort, msg}, the room's newest TALK message
//
// The last message is room-scoped and joined in at read time, so a TALK
// costs one write regardless of how many members the room has.
package roomcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/chat-delivery/domain/chat"
)

// builtField marks a user hash as fully built. Room ids never start with '_'.
const builtField = "_built"

// putIfBuilt writes a field only when the hash was built by Init, so a
// stray update never creates a partial list that would hide a cold rebuild.
var putIfBuilt = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
  return 1
end
return 0
`)

// setIfNewer replaces the room's last message only when the new sort key is
// greater. Sort keys are fixed width, so string order is log order.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'sort')
if (not cur) or cur < ARGV[1] then
  redis.call('HSET', KEYS[1], 'sort', ARGV[1], 'msg', ARGV[2])
  return 1
end
return 0
`)

// Cache is the Redis-backed room-list cache.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	stats  *Stats
}

// Stats tracks cache statistics.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Sets    uint64 `json:"sets"`
	Deletes uint64 `json:"deletes"`
	Errors  uint64 `json:"errors"`
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Deletes   uint64  `json:"deletes"`
	Errors    uint64  `json:"errors"`
	HitRate   float64 `json:"hit_rate"`
	TotalGets uint64  `json:"total_gets"`
}

// New creates a cache. ttl bounds how long an idle user's list is kept.
func New(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		stats:  &Stats{},
	}
}

func (c *Cache) userKey(userID string) string {
	return c.prefix + "rooms:" + userID
}

func (c *Cache) lastKey(roomID string) string {
	return c.prefix + "last:" + roomID
}

func (c *Cache) fail(op string, err error) error {
	atomic.AddUint64(&c.stats.Errors, 1)
	return fmt.Errorf("cache %s error: %w", op, err)
}

// entry is the stored form of a summary.
type entry struct {
	Name         string    `json:"name"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

func encodeEntry(s chat.RoomSummary) ([]byte, error) {
	return json.Marshal(entry{Name: s.Name, Participants: s.Participants, CreatedAt: s.CreatedAt})
}

func decodeEntry(roomID, raw string) (chat.RoomSummary, error) {
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return chat.RoomSummary{}, err
	}
	return chat.RoomSummary{
		RoomID:       roomID,
		Name:         e.Name,
		Participants: e.Participants,
		CreatedAt:    e.CreatedAt,
	}, nil
}

// Exists reports whether the user's list has been built.
func (c *Cache) Exists(ctx context.Context, userID string) (bool, error) {
	ok, err := c.client.HExists(ctx, c.userKey(userID), builtField).Result()
	if err != nil {
		return false, c.fail("exists", err)
	}
	return ok, nil
}

// Init replaces the user's list with summaries and marks it built. Last
// messages carried by the summaries are stored only if newer than what the
// room key already holds.
func (c *Cache) Init(ctx context.Context, userID string, summaries []chat.RoomSummary) error {
	key := c.userKey(userID)
	fields := make([]any, 0, 2*len(summaries)+2)
	fields = append(fields, builtField, "1")
	for _, s := range summaries {
		data, err := encodeEntry(s)
		if err != nil {
			return c.fail("marshal", err)
		}
		fields = append(fields, s.RoomID, data)
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields...)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return c.fail("init", err)
	}
	atomic.AddUint64(&c.stats.Sets, 1)

	for _, s := range summaries {
		if s.LastMessage == nil {
			continue
		}
		if err := c.SetLastMessage(ctx, s.RoomID, *s.LastMessage); err != nil {
			return err
		}
	}
	return nil
}

// Put upserts one room of a built list. Writes to an unbuilt list are
// dropped; the next read rebuilds it. It reports whether the write happened.
func (c *Cache) Put(ctx context.Context, userID string, summary chat.RoomSummary) (bool, error) {
	data, err := encodeEntry(summary)
	if err != nil {
		return false, c.fail("marshal", err)
	}
	n, err := putIfBuilt.Run(ctx, c.client, []string{c.userKey(userID)}, builtField, summary.RoomID, data).Int()
	if err != nil {
		return false, c.fail("put", err)
	}
	if n == 1 {
		atomic.AddUint64(&c.stats.Sets, 1)
	}
	return n == 1, nil
}

// Delete removes one room from the user's list.
func (c *Cache) Delete(ctx context.Context, userID, roomID string) error {
	if err := c.client.HDel(ctx, c.userKey(userID), roomID).Err(); err != nil {
		return c.fail("delete", err)
	}
	atomic.AddUint64(&c.stats.Deletes, 1)
	return nil
}

// Get returns one room of the user's list without its last message, or nil
// when the room is not cached for the user.
func (c *Cache) Get(ctx context.Context, userID, roomID string) (*chat.RoomSummary, error) {
	raw, err := c.client.HGet(ctx, c.userKey(userID), roomID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			atomic.AddUint64(&c.stats.Misses, 1)
			return nil, nil
		}
		return nil, c.fail("get", err)
	}
	s, err := decodeEntry(roomID, raw)
	if err != nil {
		return nil, c.fail("unmarshal", err)
	}
	atomic.AddUint64(&c.stats.Hits, 1)
	return &s, nil
}

// GetAll returns the user's rooms, most recently active first. found is
// false when the list has not been built.
func (c *Cache) GetAll(ctx context.Context, userID string) (rooms []chat.RoomSummary, found bool, err error) {
	fields, err := c.client.HGetAll(ctx, c.userKey(userID)).Result()
	if err != nil {
		return nil, false, c.fail("get", err)
	}
	if _, ok := fields[builtField]; !ok {
		atomic.AddUint64(&c.stats.Misses, 1)
		return nil, false, nil
	}
	delete(fields, builtField)

	rooms = make([]chat.RoomSummary, 0, len(fields))
	for roomID, raw := range fields {
		s, err := decodeEntry(roomID, raw)
		if err != nil {
			return nil, false, c.fail("unmarshal", err)
		}
		rooms = append(rooms, s)
	}

	if len(rooms) > 0 {
		pipe := c.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(rooms))
		for i := range rooms {
			cmds[i] = pipe.HGet(ctx, c.lastKey(rooms[i].RoomID), "msg")
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, false, c.fail("get", err)
		}
		for i, cmd := range cmds {
			raw, err := cmd.Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, false, c.fail("get", err)
			}
			var msg chat.Message
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				return nil, false, c.fail("unmarshal", err)
			}
			rooms[i].LastMessage = &msg
		}
	}

	SortByActivity(rooms)
	atomic.AddUint64(&c.stats.Hits, 1)
	return rooms, true, nil
}

// SetLastMessage records msg as the room's newest message unless a newer one
// is already stored. Deliveries for one room may be applied by different
// processes, so writes can arrive out of order.
func (c *Cache) SetLastMessage(ctx context.Context, roomID string, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return c.fail("marshal", err)
	}
	if err := setIfNewer.Run(ctx, c.client, []string{c.lastKey(roomID)}, msg.SortKey, data).Err(); err != nil {
		return c.fail("set", err)
	}
	atomic.AddUint64(&c.stats.Sets, 1)
	return nil
}

// DeleteRoom drops the room's last message key.
func (c *Cache) DeleteRoom(ctx context.Context, roomID string) error {
	if err := c.client.Del(ctx, c.lastKey(roomID)).Err(); err != nil {
		return c.fail("delete", err)
	}
	atomic.AddUint64(&c.stats.Deletes, 1)
	return nil
}

// SortByActivity orders rooms newest activity first, ties by room id.
func SortByActivity(rooms []chat.RoomSummary) {
	sort.SliceStable(rooms, func(i, j int) bool {
		ai, aj := rooms[i].ActivityAt(), rooms[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})
}

// GetStats returns the current cache statistics.
func (c *Cache) GetStats() StatsSnapshot {
	hits := atomic.LoadUint64(&c.stats.Hits)
	misses := atomic.LoadUint64(&c.stats.Misses)
	totalGets := hits + misses

	var hitRate float64
	if totalGets > 0 {
		hitRate = float64(hits) / float64(totalGets) * 100
	}

	return StatsSnapshot{
		Hits:      hits,
		Misses:    misses,
		Sets:      atomic.LoadUint64(&c.stats.Sets),
		Deletes:   atomic.LoadUint64(&c.stats.Deletes),
		Errors:    atomic.LoadUint64(&c.stats.Errors),
		HitRate:   hitRate,
		TotalGets: totalGets,
	}
}

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	err := c.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
