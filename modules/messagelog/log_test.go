package messagelog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/chat-delivery/domain/chat"
)

func newTestPebble(t *testing.T) *PebbleLog {
	t.Helper()
	l, err := OpenPebble("messages", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestStream(t *testing.T) *StreamLog {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewStreamLog(client, "test:log:")
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// backends runs fn against every Log implementation.
func backends(t *testing.T, fn func(t *testing.T, l Log)) {
	t.Run("pebble", func(t *testing.T) { fn(t, newTestPebble(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, newTestStream(t)) })
}

func appendN(t *testing.T, l Log, roomID string, typ chat.MessageType, n int) []chat.Message {
	t.Helper()
	out := make([]chat.Message, 0, n)
	for i := 0; i < n; i++ {
		msg, err := l.Append(context.Background(), chat.Message{
			ID:       fmt.Sprintf("%s-%d", roomID, len(out)),
			RoomID:   roomID,
			SenderID: "alice",
			Type:     typ,
			Body:     fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestLog_AppendAssignsOrderedKeys(t *testing.T) {
	backends(t, func(t *testing.T, l Log) {
		msgs := appendN(t, l, "r1", chat.TypeTalk, 5)

		for i, m := range msgs {
			assert.NotEmpty(t, m.SortKey, "message %d sort key", i)
			assert.False(t, m.ServerTime.IsZero(), "message %d server time", i)
			if i > 0 {
				assert.False(t, m.ServerTime.Before(msgs[i-1].ServerTime), "server time went backwards at %d", i)
			}
		}
	})
}

func TestLog_PageNewestFirst(t *testing.T) {
	backends(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		msgs := appendN(t, l, "r1", chat.TypeTalk, 7)
		appendN(t, l, "r2", chat.TypeTalk, 3)

		page, err := l.Page(ctx, "r1", "", 3)
		require.NoError(t, err)
		require.Len(t, page.Messages, 3)
		assert.True(t, page.HasMore)
		assert.Equal(t, "m6", page.Messages[0].Body)
		assert.Equal(t, "m4", page.Messages[2].Body)
		assert.Equal(t, page.Messages[2].SortKey, page.NextBefore)

		page, err = l.Page(ctx, "r1", page.NextBefore, 3)
		require.NoError(t, err)
		require.Len(t, page.Messages, 3)
		assert.Equal(t, "m3", page.Messages[0].Body)
		assert.True(t, page.HasMore)

		page, err = l.Page(ctx, "r1", page.NextBefore, 3)
		require.NoError(t, err)
		require.Len(t, page.Messages, 1)
		assert.Equal(t, "m0", page.Messages[0].Body)
		assert.False(t, page.HasMore)
		assert.Empty(t, page.NextBefore)

		assert.Equal(t, msgs[0].ID, page.Messages[0].ID)
	})
}

func TestLog_PageExactLimitHasNoMore(t *testing.T) {
	backends(t, func(t *testing.T, l Log) {
		appendN(t, l, "r1", chat.TypeTalk, 4)

		page, err := l.Page(context.Background(), "r1", "", 4)
		require.NoError(t, err)
		assert.Len(t, page.Messages, 4)
		assert.False(t, page.HasMore)
	})
}

func TestLog_PageEmptyRoom(t *testing.T) {
	backends(t, func(t *testing.T, l Log) {
		page, err := l.Page(context.Background(), "nobody", "", 10)
		require.NoError(t, err)
		assert.NotNil(t, page.Messages)
		assert.Empty(t, page.Messages)
		assert.False(t, page.HasMore)
	})
}

func TestLog_RoomsDoNotBleed(t *testing.T) {
	backends(t, func(t *testing.T, l Log) {
		appendN(t, l, "r1", chat.TypeTalk, 2)
		appendN(t, l, "r10", chat.TypeTalk, 2)

		page, err := l.Page(context.Background(), "r1", "", 10)
		require.NoError(t, err)
		assert.Len(t, page.Messages, 2)
		for _, m := range page.Messages {
			assert.Equal(t, "r1", m.RoomID)
		}
	})
}

func TestLog_LatestTalkSkipsMarkers(t *testing.T) {
	backends(t, func(t *testing.T, l Log) {
		ctx := context.Background()

		latest, err := l.LatestTalk(ctx, "r1")
		require.NoError(t, err)
		assert.Nil(t, latest)

		appendN(t, l, "r1", chat.TypeEnter, 1)
		talks := appendN(t, l, "r1", chat.TypeTalk, 2)
		// More markers than one scan step so the walk has to page.
		appendN(t, l, "r1", chat.TypeQuit, scanPageSize+5)

		latest, err = l.LatestTalk(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, talks[1].ID, latest.ID)
	})
}

func TestLog_Purge(t *testing.T) {
	backends(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		appendN(t, l, "r1", chat.TypeTalk, 3)
		appendN(t, l, "r2", chat.TypeTalk, 1)

		require.NoError(t, l.Purge(ctx, "r1"))

		page, err := l.Page(ctx, "r1", "", 10)
		require.NoError(t, err)
		assert.Empty(t, page.Messages)

		page, err = l.Page(ctx, "r2", "", 10)
		require.NoError(t, err)
		assert.Len(t, page.Messages, 1)
	})
}

func TestPebbleLog_ClockStepBack(t *testing.T) {
	l := newTestPebble(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	msgs := appendN(t, l, "r1", chat.TypeTalk, 3)
	assert.Less(t, msgs[0].SortKey, msgs[1].SortKey)
	assert.Less(t, msgs[1].SortKey, msgs[2].SortKey)

	l.now = func() time.Time { return fixed.Add(-time.Hour) }
	later := appendN(t, l, "r1", chat.TypeTalk, 1)
	assert.Less(t, msgs[2].SortKey, later[0].SortKey)
}

func TestPebbleLog_Closed(t *testing.T) {
	l := newTestPebble(t)
	require.NoError(t, l.Close())

	_, err := l.Append(context.Background(), chat.Message{RoomID: "r1"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Ping(context.Background()), ErrClosed)
}

func TestPebbleLog_CloseWaitsForWriters(t *testing.T) {
	l := newTestPebble(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers*20)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := l.Append(ctx, chat.Message{ID: fmt.Sprintf("%d-%d", w, i), RoomID: "r1", Type: chat.TypeTalk, Body: "x"})
				errs <- err
			}
		}(w)
	}
	require.NoError(t, l.Close())
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("Append() = %v, want nil or ErrClosed", err)
		}
	}
	_, err := l.Page(ctx, "r1", "", 10)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Purge(ctx, "r1"), ErrClosed)
}

func TestLog_PageRejectsMalformedCursor(t *testing.T) {
	backends(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		msgs := appendN(t, l, "r1", chat.TypeTalk, 3)

		for _, cursor := range []string{"garbage", "12-ab", "-1"} {
			_, err := l.Page(ctx, "r1", cursor, 10)
			assert.ErrorIs(t, err, chat.ErrCursorInvalid, cursor)
			assert.True(t, chat.IsValidation(err), cursor)
		}

		page, err := l.Page(ctx, "r1", msgs[2].SortKey, 10)
		require.NoError(t, err)
		assert.Len(t, page.Messages, 2)
	})
}

func TestPreviousStreamID(t *testing.T) {
	tests := []struct {
		id     string
		want   string
		wantOK bool
	}{
		{"1700000000000-3", "1700000000000-2", true},
		{"1700000000000-0", "1699999999999-18446744073709551615", true},
		{"0-0", "", false},
	}
	for _, tt := range tests {
		got, ok, err := previousStreamID(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.wantOK, ok, tt.id)
		assert.Equal(t, tt.want, got, tt.id)
	}

	_, _, err := previousStreamID("garbage")
	assert.Error(t, err)

	prev, ok, err := previousStreamID(sortKey(1700000000000, 10))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1700000000000-9", prev)
}

func TestSortKey_ByteOrderMatchesStreamOrder(t *testing.T) {
	assert.Less(t, sortKey(1700000000000, 9), sortKey(1700000000000, 10))
	assert.Less(t, sortKey(999, 5), sortKey(1000, 0))
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("msg/r10"), prefixEnd([]byte("msg/r1/")))
	assert.Equal(t, []byte{0x01}, prefixEnd([]byte{0x00, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}
