// Package messagelog stores chat messages in an append-only, per-room ordered log.
package messagelog

import (
	"context"
	"errors"

	"github.com/example/chat-delivery/domain/chat"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("message log closed")

// Log is the durable, append-only message store.
type Log interface {
	// Append stores msg, assigning its server time and sort key. The
	// returned message is the persisted record.
	Append(ctx context.Context, msg chat.Message) (chat.Message, error)
	// Page returns up to limit messages older than the before cursor (empty
	// for the newest), newest first.
	Page(ctx context.Context, roomID, before string, limit int) (chat.HistoryPage, error)
	// LatestTalk returns the newest TALK message of a room, or nil.
	LatestTalk(ctx context.Context, roomID string) (*chat.Message, error)
	// Purge drops every message of a room.
	Purge(ctx context.Context, roomID string) error
	Ping(ctx context.Context) error
	Close() error
}

// scanPageSize bounds how many entries LatestTalk reads per step while
// skipping markers.
const scanPageSize = 64

// latestTalk walks a room's history backwards until it finds a TALK message.
func latestTalk(ctx context.Context, l Log, roomID string) (*chat.Message, error) {
	before := ""
	for {
		page, err := l.Page(ctx, roomID, before, scanPageSize)
		if err != nil {
			return nil, err
		}
		for i := range page.Messages {
			if page.Messages[i].Type == chat.TypeTalk {
				msg := page.Messages[i]
				return &msg, nil
			}
		}
		if !page.HasMore {
			return nil, nil
		}
		before = page.NextBefore
	}
}

// finishPage trims the look-ahead row and fills the paging fields.
func finishPage(roomID string, msgs []chat.Message, limit int) chat.HistoryPage {
	page := chat.HistoryPage{RoomID: roomID, Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
	}
	if page.HasMore && len(page.Messages) > 0 {
		page.NextBefore = page.Messages[len(page.Messages)-1].SortKey
	}
	if page.Messages == nil {
		page.Messages = []chat.Message{}
	}
	return page
}
