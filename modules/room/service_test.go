package room

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/chat-delivery/config"
	"github.com/example/chat-delivery/domain/chat"
	"github.com/example/chat-delivery/metrics"
	"github.com/example/chat-delivery/modules/broadcast"
	"github.com/example/chat-delivery/modules/directory"
	"github.com/example/chat-delivery/modules/fanout"
	"github.com/example/chat-delivery/modules/gateway"
	"github.com/example/chat-delivery/modules/messagelog"
	"github.com/example/chat-delivery/modules/roomcache"
)

// mockLogger implements types.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(_ string, _ ...any) {}
func (m *mockLogger) Info(_ string, _ ...any)  {}
func (m *mockLogger) Warn(_ string, _ ...any)  {}
func (m *mockLogger) Error(_ string, _ ...any) {}
func (m *mockLogger) With(_ ...any) types.Logger {
	return m
}
func (m *mockLogger) WithModule(_ string) types.Logger {
	return m
}
func (m *mockLogger) WithError(_ error) types.Logger {
	return m
}

// queueBus collects what the gateway publishes so tests decide when the
// room-list updater runs.
type queueBus struct {
	mu      sync.Mutex
	pending []fanout.Delivery
}

func (b *queueBus) Publish(d fanout.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, d)
	return nil
}

func (b *queueBus) take() []fanout.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	frames map[string][]broadcast.Frame
}

func (n *recordingNotifier) Notify(userID string, frame broadcast.Frame) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frames == nil {
		n.frames = make(map[string][]broadcast.Frame)
	}
	n.frames[userID] = append(n.frames[userID], frame)
	return nil
}

type fixture struct {
	svc      *Service
	repo     *directory.Repository
	log      messagelog.Log
	cache    *roomcache.Cache
	mr       *miniredis.Miniredis
	bus      *queueBus
	notifier *recordingNotifier
	gw       *gateway.Gateway
	metrics  *metrics.Metrics
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := directory.Open(":memory:", gormlogger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	repo := directory.NewRepository(db)

	log, err := messagelog.OpenPebble("room", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	mr := miniredis.RunT(t)
	cache := roomcache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", time.Hour)
	t.Cleanup(func() { _ = cache.Close() })

	m := metrics.New()
	bus := &queueBus{}
	gw := gateway.New(repo, log, bus, config.GatewayConfig{PersistRetries: 1, PersistBackoff: time.Millisecond}, m, &mockLogger{})
	notifier := &recordingNotifier{}

	var seq int
	svc := NewService(Deps{
		Directory: repo,
		Log:       log,
		Cache:     cache,
		Ingress:   gw,
		Notifier:  notifier,
		NewRoomID: func() string {
			seq++
			return fmt.Sprintf("room-%d", seq)
		},
		PageSize: 50,
		Metrics:  m,
		Logger:   &mockLogger{},
	})

	return &fixture{
		svc:      svc,
		repo:     repo,
		log:      log,
		cache:    cache,
		mr:       mr,
		bus:      bus,
		notifier: notifier,
		gw:       gw,
		metrics:  m,
	}
}

// apply runs the room-list updater over everything published so far.
func (f *fixture) apply(t *testing.T) []fanout.Notification {
	t.Helper()
	var notes []fanout.Notification
	for _, d := range f.bus.take() {
		n, err := f.svc.ApplyDelivery(context.Background(), d)
		require.NoError(t, err)
		notes = append(notes, n...)
	}
	return notes
}

func (f *fixture) talk(t *testing.T, sender, roomID, body string) *chat.Message {
	t.Helper()
	msg, err := f.gw.HandleIncoming(context.Background(), gateway.Incoming{
		SenderID: sender, RoomID: roomID, Type: chat.TypeTalk, Body: body,
	})
	require.NoError(t, err)
	return msg
}

func framesFor(notes []fanout.Notification, userID string) []broadcast.Frame {
	var out []broadcast.Frame
	for _, n := range notes {
		if n.UserID == userID {
			out = append(out, n.Frame)
		}
	}
	return out
}

func TestRoomLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	created, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, created.Participants)
	require.Len(t, f.notifier.frames["alice"], 1)
	assert.Equal(t, broadcast.FrameRoomUpdate, f.notifier.frames["alice"][0].Type)

	rooms, err := f.svc.ListRooms(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, []string{"alice"}, rooms[0].Participants)

	joined, err := f.svc.JoinRoom(ctx, "bob", created.RoomID, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, joined.Participants)

	deliveries := f.bus.take()
	require.Len(t, deliveries, 1)
	assert.Equal(t, chat.TypeEnter, deliveries[0].Message.Type)
	assert.ElementsMatch(t, []string{"alice", "bob"}, deliveries[0].Participants)
	f.bus.pending = deliveries
	f.apply(t)

	rooms, err = f.svc.ListRooms(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, rooms[0].Participants)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheRebuilds), "served from the updated cache")

	f.talk(t, "bob", created.RoomID, "hi")
	notes := f.apply(t)
	for _, user := range []string{"alice", "bob"} {
		frames := framesFor(notes, user)
		require.Len(t, frames, 1, user)
		require.NotNil(t, frames[0].Summary.LastMessage)
		assert.Equal(t, "hi", frames[0].Summary.LastMessage.Body)
	}

	rooms, err = f.svc.ListRooms(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.NotNil(t, rooms[0].LastMessage)
	assert.Equal(t, "hi", rooms[0].LastMessage.Body)

	page, err := f.svc.History(ctx, "alice", created.RoomID, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, chat.TypeTalk, page.Messages[0].Type)
	assert.Equal(t, chat.TypeEnter, page.Messages[1].Type)

	require.NoError(t, f.svc.LeaveRoom(ctx, "alice", created.RoomID))
	deliveries = f.bus.take()
	require.Len(t, deliveries, 1)
	assert.Equal(t, chat.TypeQuit, deliveries[0].Message.Type)
	assert.Equal(t, "alice", deliveries[0].Message.SenderID)
	assert.Equal(t, []string{"bob"}, deliveries[0].Participants)
	f.bus.pending = deliveries
	notes = f.apply(t)
	assert.Equal(t, broadcast.FrameRoomRemoved, framesFor(notes, "alice")[0].Type)
	assert.Equal(t, broadcast.FrameRoomUpdate, framesFor(notes, "bob")[0].Type)

	rooms, err = f.svc.ListRooms(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, rooms)

	require.NoError(t, f.svc.LeaveRoom(ctx, "bob", created.RoomID))
	f.apply(t)

	_, err = f.svc.GetRoomInfo(ctx, created.RoomID)
	assert.ErrorIs(t, err, chat.ErrRoomNotFound)
	_, err = f.svc.History(ctx, "bob", created.RoomID, "", 0)
	assert.ErrorIs(t, err, chat.ErrRoomNotFound)

	page, err = f.log.Page(ctx, created.RoomID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages, "log is purged with the room")
}

func TestCreateRoom_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.CreateRoom(ctx, "alice", "", 0)
	assert.ErrorIs(t, err, chat.ErrRoomNameEmpty)
	_, err = f.svc.CreateRoom(ctx, "alice", "ops", -1)
	assert.ErrorIs(t, err, chat.ErrCapacityNegative)
	_, err = f.svc.CreateRoom(ctx, "", "ops", 0)
	assert.ErrorIs(t, err, chat.ErrUserIDEmpty)
}

func TestJoinRoom_TwiceWritesOneMarker(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)

	_, err = f.svc.JoinRoom(ctx, "bob", room.RoomID, "")
	require.NoError(t, err)
	again, err := f.svc.JoinRoom(ctx, "bob", room.RoomID, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, again.Participants)
	assert.Len(t, f.bus.take(), 1)
}

func TestJoinRoom_Capacity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "alice", "pair", 2)
	require.NoError(t, err)

	_, err = f.svc.JoinRoom(ctx, "bob", room.RoomID, "")
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, "carol", room.RoomID, "")
	assert.ErrorIs(t, err, chat.ErrNoAvailableSlot)

	_, err = f.svc.JoinRoom(ctx, "carol", "missing", "")
	assert.ErrorIs(t, err, chat.ErrRoomNotFound)
}

func TestLeaveRoom_NotAMemberIsNoop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)

	require.NoError(t, f.svc.LeaveRoom(ctx, "bob", room.RoomID))
	require.NoError(t, f.svc.LeaveRoom(ctx, "bob", "missing"))
	assert.Empty(t, f.bus.take())

	detail, err := f.svc.GetRoomInfo(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, detail.MemberIDs())
}

func TestLeaveRoom_TwiceWritesOneMarker(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, "bob", room.RoomID, "")
	require.NoError(t, err)
	f.bus.take()

	require.NoError(t, f.svc.LeaveRoom(ctx, "bob", room.RoomID))
	require.NoError(t, f.svc.LeaveRoom(ctx, "bob", room.RoomID))

	deliveries := f.bus.take()
	require.Len(t, deliveries, 1)
	assert.Equal(t, chat.TypeQuit, deliveries[0].Message.Type)
	assert.Equal(t, "bob", deliveries[0].Message.SenderID)

	detail, err := f.svc.GetRoomInfo(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, detail.MemberIDs())
}

func TestKickMember(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, "bob", room.RoomID, "")
	require.NoError(t, err)
	f.bus.take()

	assert.ErrorIs(t, f.svc.KickMember(ctx, "bob", room.RoomID, "alice"), chat.ErrNotRoomOwner)
	assert.ErrorIs(t, f.svc.KickMember(ctx, "alice", room.RoomID, "carol"), chat.ErrNotAMember)
	assert.ErrorIs(t, f.svc.KickMember(ctx, "alice", "missing", "bob"), chat.ErrRoomNotFound)

	require.NoError(t, f.svc.KickMember(ctx, "alice", room.RoomID, "bob"))
	deliveries := f.bus.take()
	require.Len(t, deliveries, 1)
	assert.Equal(t, chat.TypeQuit, deliveries[0].Message.Type)
	assert.Equal(t, "bob", deliveries[0].Message.SenderID)
	assert.Equal(t, "kicked by alice", deliveries[0].Message.Body)

	ok, err := f.svc.IsMember(ctx, "bob", room.RoomID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRoom(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, "bob", room.RoomID, "")
	require.NoError(t, err)
	f.apply(t)

	// Build both lists so the delete has something to evict.
	for _, user := range []string{"alice", "bob"} {
		rooms, err := f.svc.ListRooms(ctx, user)
		require.NoError(t, err)
		require.Len(t, rooms, 1)
	}

	assert.ErrorIs(t, f.svc.DeleteRoom(ctx, "carol", room.RoomID), chat.ErrNotAMember)
	assert.ErrorIs(t, f.svc.DeleteRoom(ctx, "carol", "missing"), chat.ErrRoomNotFound)

	require.NoError(t, f.svc.DeleteRoom(ctx, "bob", room.RoomID))
	deliveries := f.bus.take()
	require.Len(t, deliveries, 1)
	assert.Equal(t, chat.TypeDelete, deliveries[0].Message.Type)
	assert.ElementsMatch(t, []string{"alice", "bob"}, deliveries[0].Participants)

	f.bus.pending = deliveries
	notes := f.apply(t)
	for _, user := range []string{"alice", "bob"} {
		frames := framesFor(notes, user)
		require.Len(t, frames, 1)
		assert.Equal(t, broadcast.FrameRoomRemoved, frames[0].Type)

		rooms, err := f.svc.ListRooms(ctx, user)
		require.NoError(t, err)
		assert.Empty(t, rooms)
	}

	_, err = f.svc.GetRoomInfo(ctx, room.RoomID)
	assert.ErrorIs(t, err, chat.ErrRoomNotFound)
}

func TestListRooms_RebuildThenHit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first, err := f.svc.CreateRoom(ctx, "alice", "first", 0)
	require.NoError(t, err)
	second, err := f.svc.CreateRoom(ctx, "alice", "second", 0)
	require.NoError(t, err)
	f.talk(t, "alice", first.RoomID, "bump")
	f.apply(t)

	rooms, err := f.svc.ListRooms(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, first.RoomID, rooms[0].RoomID, "room with the newest message comes first")
	assert.Equal(t, second.RoomID, rooms[1].RoomID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheRebuilds))

	third, err := f.svc.CreateRoom(ctx, "alice", "third", 0)
	require.NoError(t, err)
	rooms, err = f.svc.ListRooms(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheRebuilds))

	ids := []string{rooms[0].RoomID, rooms[1].RoomID, rooms[2].RoomID}
	assert.Contains(t, ids, third.RoomID)
}

func TestListRooms_CacheDownFallsBack(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)

	f.mr.Close()

	rooms, err := f.svc.ListRooms(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "general", rooms[0].Name)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheRequests.WithLabelValues("error")))
}

func TestHistory_Access(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		f.talk(t, "alice", room.RoomID, fmt.Sprintf("m%d", i))
	}

	_, err = f.svc.History(ctx, "mallory", room.RoomID, "", 0)
	assert.ErrorIs(t, err, chat.ErrNotAMember)
	_, err = f.svc.History(ctx, "mallory", "missing", "", 0)
	assert.ErrorIs(t, err, chat.ErrRoomNotFound)

	page, err := f.svc.History(ctx, "", room.RoomID, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m4", page.Messages[0].Body)
	assert.True(t, page.HasMore)

	next, err := f.svc.History(ctx, "alice", room.RoomID, page.NextBefore, 10)
	require.NoError(t, err)
	require.Len(t, next.Messages, 3)
	assert.Equal(t, "m2", next.Messages[0].Body)
	assert.False(t, next.HasMore)
}

func TestApplyDelivery_TalkForVanishedRoom(t *testing.T) {
	f := setup(t)
	notes, err := f.svc.ApplyDelivery(context.Background(), fanout.Delivery{
		Message: chat.Message{ID: "x", RoomID: "gone", SenderID: "alice", Type: chat.TypeTalk, Body: "late", SortKey: "1"},
	})
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestApplyDelivery_RejectsUnknownType(t *testing.T) {
	f := setup(t)
	_, err := f.svc.ApplyDelivery(context.Background(), fanout.Delivery{
		Message: chat.Message{RoomID: "r1", Type: "SHOUT"},
	})
	assert.ErrorIs(t, err, chat.ErrInvalidMessageType)
}

func TestApplyDelivery_LateEnterDoesNotRestoreLeaver(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)
	for _, user := range []string{"alice", "bob"} {
		_, err := f.svc.ListRooms(ctx, user)
		require.NoError(t, err)
	}

	_, err = f.svc.JoinRoom(ctx, "bob", room.RoomID, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.LeaveRoom(ctx, "alice", room.RoomID))

	deliveries := f.bus.take()
	require.Len(t, deliveries, 2)
	enter, quit := deliveries[0], deliveries[1]
	require.Equal(t, chat.TypeEnter, enter.Message.Type)
	require.Equal(t, chat.TypeQuit, quit.Message.Type)

	_, err = f.svc.ApplyDelivery(ctx, quit)
	require.NoError(t, err)
	notes, err := f.svc.ApplyDelivery(ctx, enter)
	require.NoError(t, err)
	assert.Empty(t, framesFor(notes, "alice"))
	assert.Len(t, framesFor(notes, "bob"), 1)

	rooms, err := f.svc.ListRooms(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, rooms)

	require.NoError(t, f.svc.LeaveRoom(ctx, "bob", room.RoomID))
	f.apply(t)

	rooms, err = f.svc.ListRooms(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, rooms)
	rooms, err = f.svc.ListRooms(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestApplyDelivery_LateQuitKeepsRejoinedMember(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "alice", "general", 0)
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, "bob", room.RoomID, "")
	require.NoError(t, err)
	f.apply(t)
	_, err = f.svc.ListRooms(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, f.svc.LeaveRoom(ctx, "bob", room.RoomID))
	_, err = f.svc.JoinRoom(ctx, "bob", room.RoomID, "")
	require.NoError(t, err)

	deliveries := f.bus.take()
	require.Len(t, deliveries, 2)
	quit, enter := deliveries[0], deliveries[1]
	require.Equal(t, chat.TypeQuit, quit.Message.Type)

	_, err = f.svc.ApplyDelivery(ctx, enter)
	require.NoError(t, err)
	notes, err := f.svc.ApplyDelivery(ctx, quit)
	require.NoError(t, err)
	for _, frame := range framesFor(notes, "bob") {
		assert.Equal(t, broadcast.FrameRoomUpdate, frame.Type)
	}

	rooms, err := f.svc.ListRooms(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, room.RoomID, rooms[0].RoomID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, rooms[0].Participants)
}

// gatedDirectory holds the first RoomsForUser call until release is closed.
type gatedDirectory struct {
	Directory
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGatedDirectory(d Directory) *gatedDirectory {
	return &gatedDirectory{Directory: d, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedDirectory) RoomsForUser(ctx context.Context, userID string) ([]chat.RoomDetail, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.Directory.RoomsForUser(ctx, userID)
}

func TestListRooms_ConcurrentMissesShareRebuild(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for _, name := range []string{"first", "second"} {
		_, err := f.svc.CreateRoom(ctx, "alice", name, 0)
		require.NoError(t, err)
	}
	gate := newGatedDirectory(f.repo)
	f.svc.dir = gate

	const callers = 8
	results := make([][]chat.RoomSummary, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ListRooms(ctx, "alice")
		}(i)
	}

	<-gate.entered
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.CacheRequests.WithLabelValues("miss")) == callers
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 2)
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), gate.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheRebuilds))
}

func TestListRooms_RebuildOutlivesCanceledCaller(t *testing.T) {
	f := setup(t)
	_, err := f.svc.CreateRoom(context.Background(), "alice", "general", 0)
	require.NoError(t, err)
	gate := newGatedDirectory(f.repo)
	f.svc.dir = gate

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.svc.ListRooms(ctx, "alice")
		errCh <- err
	}()

	<-gate.entered
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(gate.release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.CacheRebuilds) == 1
	}, time.Second, time.Millisecond)

	rooms, err := f.svc.ListRooms(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheRequests.WithLabelValues("hit")), "rebuild filled the cache")
}
