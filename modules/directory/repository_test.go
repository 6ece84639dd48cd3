package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm/logger"

	"github.com/example/chat-delivery/domain/chat"
)

// setupTestRepo creates a repository over an in-memory SQLite database.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := Open(":memory:", logger.Silent)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewRepository(db)
}

func createTestRoom(t *testing.T, repo *Repository, id, creator string, capacity int) *chat.RoomDetail {
	t.Helper()
	detail, err := repo.CreateRoom(context.Background(), &Room{
		ID:        id,
		Name:      "room " + id,
		CreatorID: creator,
		Capacity:  capacity,
		CreatedAt: time.Now().UTC(),
	}, "")
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	return detail
}

func TestRepository_CreateRoom(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	detail := createTestRoom(t, repo, "r1", "alice", 0)
	if len(detail.Members) != 1 || detail.Members[0].UserID != "alice" {
		t.Fatalf("CreateRoom() members = %+v, want [alice]", detail.Members)
	}

	found, err := repo.RoomDetail(ctx, "r1")
	if err != nil {
		t.Fatalf("RoomDetail() error = %v", err)
	}
	if found.Name != "room r1" || found.CreatorID != "alice" {
		t.Errorf("RoomDetail() = %+v", found.Room)
	}
	if !found.HasMember("alice") {
		t.Error("creator is not a member")
	}
}

func TestRepository_CreateRoom_DuplicateID(t *testing.T) {
	repo := setupTestRepo(t)
	createTestRoom(t, repo, "r1", "alice", 0)

	_, err := repo.CreateRoom(context.Background(), &Room{ID: "r1", Name: "again", CreatorID: "bob", CreatedAt: time.Now()}, "")
	if err == nil {
		t.Fatal("CreateRoom() with duplicate id expected error")
	}

	detail, err := repo.RoomDetail(context.Background(), "r1")
	if err != nil {
		t.Fatalf("RoomDetail() error = %v", err)
	}
	if detail.HasMember("bob") {
		t.Error("failed create left a membership behind")
	}
}

func TestRepository_RoomDetail_NotFound(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if _, err := repo.RoomDetail(ctx, "missing"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Errorf("RoomDetail(missing) error = %v, want ErrRoomNotFound", err)
	}

	// A room row without memberships counts as deleted.
	if err := repo.db.Create(&Room{ID: "orphan", Name: "orphan", CreatorID: "x", CreatedAt: time.Now()}).Error; err != nil {
		t.Fatalf("insert orphan: %v", err)
	}
	if _, err := repo.RoomDetail(ctx, "orphan"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Errorf("RoomDetail(orphan) error = %v, want ErrRoomNotFound", err)
	}
}

func TestRepository_AddMember(t *testing.T) {
	tests := []struct {
		name      string
		capacity  int
		existing  []struct{ user, position string }
		user      string
		position  string
		wantErr   error
		wantAdded bool
	}{
		{
			name:      "join open room",
			user:      "bob",
			wantAdded: true,
		},
		{
			name:      "join with free position",
			capacity:  3,
			user:      "bob",
			position:  "backend",
			wantAdded: true,
		},
		{
			name:     "room at capacity",
			capacity: 2,
			existing: []struct{ user, position string }{{"carol", ""}},
			user:     "bob",
			wantErr:  chat.ErrNoAvailableSlot,
		},
		{
			name:     "position taken",
			existing: []struct{ user, position string }{{"carol", "frontend"}},
			user:     "bob",
			position: "frontend",
			wantErr:  chat.ErrNoAvailableSlot,
		},
		{
			name:      "already a member",
			user:      "alice",
			wantAdded: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := setupTestRepo(t)
			ctx := context.Background()
			createTestRoom(t, repo, "r1", "alice", tt.capacity)
			for _, e := range tt.existing {
				if _, _, err := repo.AddMember(ctx, "r1", e.user, e.position); err != nil {
					t.Fatalf("seed AddMember(%s) error = %v", e.user, err)
				}
			}

			detail, added, err := repo.AddMember(ctx, "r1", tt.user, tt.position)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("AddMember() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AddMember() error = %v", err)
			}
			if added != tt.wantAdded {
				t.Errorf("AddMember() added = %v, want %v", added, tt.wantAdded)
			}
			if !detail.HasMember(tt.user) {
				t.Errorf("AddMember() detail does not contain %s", tt.user)
			}
		})
	}
}

func TestRepository_AddMember_RoomNotFound(t *testing.T) {
	repo := setupTestRepo(t)
	if _, _, err := repo.AddMember(context.Background(), "nope", "bob", ""); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Errorf("AddMember() error = %v, want ErrRoomNotFound", err)
	}
}

func TestRepository_RemoveMember(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestRoom(t, repo, "r1", "alice", 0)
	if _, _, err := repo.AddMember(ctx, "r1", "bob", ""); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	remaining, removed, err := repo.RemoveMember(ctx, "r1", "alice")
	if err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if !removed {
		t.Error("RemoveMember() removed = false, want true")
	}
	if len(remaining) != 1 || remaining[0] != "bob" {
		t.Errorf("RemoveMember() remaining = %v, want [bob]", remaining)
	}

	// Second removal is a no-op.
	remaining, removed, err = repo.RemoveMember(ctx, "r1", "alice")
	if err != nil {
		t.Fatalf("second RemoveMember() error = %v", err)
	}
	if removed {
		t.Error("second RemoveMember() removed = true, want false")
	}
	if len(remaining) != 1 {
		t.Errorf("second RemoveMember() remaining = %v", remaining)
	}
}

func TestRepository_DeleteRoom(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestRoom(t, repo, "r1", "alice", 0)
	if _, _, err := repo.AddMember(ctx, "r1", "bob", ""); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	if err := repo.DeleteRoom(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRoom() error = %v", err)
	}
	if _, err := repo.RoomDetail(ctx, "r1"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Errorf("RoomDetail() after delete error = %v, want ErrRoomNotFound", err)
	}
	rooms, err := repo.RoomsForUser(ctx, "bob")
	if err != nil {
		t.Fatalf("RoomsForUser() error = %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("RoomsForUser() after delete = %d rooms, want 0", len(rooms))
	}
	if n, _ := repo.CountRooms(ctx); n != 0 {
		t.Errorf("CountRooms() = %d, want 0", n)
	}
}

func TestRepository_IsMember(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestRoom(t, repo, "r1", "alice", 0)

	tests := []struct {
		room, user string
		want       bool
	}{
		{"r1", "alice", true},
		{"r1", "bob", false},
		{"r2", "alice", false},
	}
	for _, tt := range tests {
		got, err := repo.IsMember(ctx, tt.room, tt.user)
		if err != nil {
			t.Fatalf("IsMember() error = %v", err)
		}
		if got != tt.want {
			t.Errorf("IsMember(%s, %s) = %v, want %v", tt.room, tt.user, got, tt.want)
		}
	}
}

func TestRepository_RoomsForUser(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestRoom(t, repo, "r1", "alice", 0)
	createTestRoom(t, repo, "r2", "bob", 0)
	createTestRoom(t, repo, "r3", "carol", 0)
	if _, _, err := repo.AddMember(ctx, "r2", "alice", ""); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	rooms, err := repo.RoomsForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("RoomsForUser() error = %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("RoomsForUser() = %d rooms, want 2", len(rooms))
	}
	for _, r := range rooms {
		if r.ID == "r3" {
			t.Error("RoomsForUser() returned a room alice is not in")
		}
		if r.ID == "r2" && len(r.Members) != 2 {
			t.Errorf("r2 members = %v, want bob and alice", r.MemberIDs())
		}
	}

	none, err := repo.RoomsForUser(ctx, "dave")
	if err != nil {
		t.Fatalf("RoomsForUser(dave) error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("RoomsForUser(dave) = %v, want empty", none)
	}
}

// Concurrent joins into the last slot are not serialised: the capacity check
// and the insert are separate statements. This test only pins down that
// every join either succeeds or reports ErrNoAvailableSlot.
func TestRepository_AddMember_ConcurrentLastSlot(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	createTestRoom(t, repo, "r1", "alice", 2)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, user := range []string{"bob", "carol", "dave", "erin"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, _, err := repo.AddMember(ctx, "r1", user, "")
			errs <- err
		}(user)
	}
	wg.Wait()
	close(errs)

	joined := 0
	for err := range errs {
		switch {
		case err == nil:
			joined++
		case errors.Is(err, chat.ErrNoAvailableSlot):
		default:
			t.Errorf("AddMember() unexpected error = %v", err)
		}
	}
	if joined == 0 {
		t.Error("no concurrent join succeeded")
	}
}
