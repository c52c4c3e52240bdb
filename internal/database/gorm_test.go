package database

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *GormChatRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	repo, err := NewSQLiteChatRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seedAccount(t *testing.T, repo ChatRepository, name string) User {
	t.Helper()
	u, err := repo.CreateAccount(context.Background(), CreateAccountParams{
		Username:     name,
		EmailAddress: name + "@example.com",
		PasswordHash: "hash",
	})
	require.NoError(t, err)
	return u
}

func seedRoom(t *testing.T, repo ChatRepository, id string, at time.Time, members ...int) Room {
	t.Helper()
	ctx := context.Background()
	room, err := repo.CreateRoom(ctx, CreateRoomParams{
		Id:        id,
		Kind:      "group",
		Name:      id,
		CreatorId: members[0],
		CreatedAt: at,
	})
	require.NoError(t, err)
	for _, m := range members {
		_, err := repo.AddParticipant(ctx, AddParticipantParams{RoomId: id, UserId: m, Role: "member", JoinedAt: at})
		require.NoError(t, err)
	}
	return room
}

func TestCreateAccount_DuplicateEmail(t *testing.T) {
	repo := newTestRepo(t)
	seedAccount(t, repo, "alice")

	_, err := repo.CreateAccount(context.Background(), CreateAccountParams{
		Username:     "alice2",
		EmailAddress: "alice@example.com",
		PasswordHash: "hash",
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetAccountByEmail(t *testing.T) {
	repo := newTestRepo(t)
	alice := seedAccount(t, repo, "alice")

	got, err := repo.GetAccountByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, alice.Id, got.Id)
	assert.Equal(t, "hash", got.PasswordHash)

	_, err = repo.GetAccountByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddParticipant_Unique(t *testing.T) {
	repo := newTestRepo(t)
	alice := seedAccount(t, repo, "alice")
	now := time.Now().UTC()
	seedRoom(t, repo, "room1", now, alice.Id)

	_, err := repo.AddParticipant(context.Background(), AddParticipantParams{
		RoomId: "room1", UserId: alice.Id, Role: "member", JoinedAt: now,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateMessage_BumpsRoomActivity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	alice := seedAccount(t, repo, "alice")
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seedRoom(t, repo, "room1", base, alice.Id)

	tcases := []struct {
		name        string
		at          time.Time
		body        string
		wantAt      time.Time
		wantPreview string
	}{
		{"first message", base.Add(time.Minute), "hello", base.Add(time.Minute), "hello"},
		{"later message", base.Add(2 * time.Minute), "  hi \n there ", base.Add(2 * time.Minute), "hi there"},
		{"older message keeps activity", base.Add(30 * time.Second), "late", base.Add(2 * time.Minute), "hi there"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := repo.CreateMessage(ctx, Message{
				Id:        uuid.NewString(),
				RoomId:    "room1",
				SenderId:  alice.Id,
				Body:      tc.body,
				Kind:      "text",
				CreatedAt: tc.at,
			})
			require.NoError(t, err)

			room, err := repo.GetRoom(ctx, "room1")
			require.NoError(t, err)
			require.NotNil(t, room.LastActivityAt)
			assert.True(t, tc.wantAt.Equal(*room.LastActivityAt))
			assert.Equal(t, tc.wantPreview, room.LastActivityPreview)
		})
	}
}

func TestCreateMessage_UnknownRoom(t *testing.T) {
	repo := newTestRepo(t)
	alice := seedAccount(t, repo, "alice")

	_, err := repo.CreateMessage(context.Background(), Message{
		Id: uuid.NewString(), RoomId: "missing", SenderId: alice.Id, Body: "x", Kind: "text", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMessages_OrderedAndVisible(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	alice := seedAccount(t, repo, "alice")
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seedRoom(t, repo, "room1", base, alice.Id)

	ids := []string{
		"00000000-0000-0000-0000-000000000003",
		"00000000-0000-0000-0000-000000000001",
		"00000000-0000-0000-0000-000000000002",
	}
	times := []time.Time{base.Add(3 * time.Second), base.Add(time.Second), base.Add(time.Second)}
	for i := range ids {
		_, err := repo.CreateMessage(ctx, Message{
			Id: ids[i], RoomId: "room1", SenderId: alice.Id, Body: ids[i], Kind: "text", CreatedAt: times[i],
		})
		require.NoError(t, err)
	}

	_, err := repo.SoftDeleteMessage(ctx, ids[2], base.Add(time.Hour))
	require.NoError(t, err)

	msgs, err := repo.ListMessages(ctx, "room1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids[1], msgs[0].Id)
	assert.Equal(t, ids[0], msgs[1].Id)

	all, err := repo.GetMessagesByIds(ctx, ids)
	require.NoError(t, err)
	assert.Len(t, all, 3, "lookup by id includes soft-deleted rows")
}

func TestSoftDeleteMessage_Immutable(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	alice := seedAccount(t, repo, "alice")
	now := time.Now().UTC()
	seedRoom(t, repo, "room1", now, alice.Id)

	msg, err := repo.CreateMessage(ctx, Message{
		Id: uuid.NewString(), RoomId: "room1", SenderId: alice.Id, Body: "x", Kind: "text", CreatedAt: now,
	})
	require.NoError(t, err)

	_, err = repo.SoftDeleteMessage(ctx, msg.Id, now)
	require.NoError(t, err)

	_, err = repo.UpdateMessageBody(ctx, msg.Id, "edited", now)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.SoftDeleteMessage(ctx, msg.Id, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvanceLastReadAt_NeverDecreases(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	alice := seedAccount(t, repo, "alice")
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	seedRoom(t, repo, "room1", base, alice.Id)

	require.NoError(t, repo.AdvanceLastReadAt(ctx, "room1", alice.Id, base.Add(time.Hour)))
	require.NoError(t, repo.AdvanceLastReadAt(ctx, "room1", alice.Id, base.Add(time.Minute)))

	p, err := repo.GetParticipant(ctx, "room1", alice.Id)
	require.NoError(t, err)
	require.NotNil(t, p.LastReadAt)
	assert.True(t, base.Add(time.Hour).Equal(*p.LastReadAt))
	assert.Equal(t, "alice", p.Username)

	err = repo.AdvanceLastReadAt(ctx, "room1", 999, base)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertReadReceipts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	alice := seedAccount(t, repo, "alice")
	bob := seedAccount(t, repo, "bob")
	now := time.Now().UTC()
	seedRoom(t, repo, "room1", now, alice.Id, bob.Id)
	seedRoom(t, repo, "room2", now, alice.Id, bob.Id)

	inRoom, err := repo.CreateMessage(ctx, Message{
		Id: uuid.NewString(), RoomId: "room1", SenderId: alice.Id, Body: "a", Kind: "text", CreatedAt: now,
	})
	require.NoError(t, err)
	elsewhere, err := repo.CreateMessage(ctx, Message{
		Id: uuid.NewString(), RoomId: "room2", SenderId: alice.Id, Body: "b", Kind: "text", CreatedAt: now,
	})
	require.NoError(t, err)

	ids := []string{inRoom.Id, elsewhere.Id}
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.UpsertReadReceipts(ctx, "room1", bob.Id, ids, now.Add(time.Duration(i)*time.Second)))
	}

	receipts, err := repo.ListReadReceipts(ctx, ids)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, inRoom.Id, receipts[0].MessageId)
	assert.Equal(t, bob.Id, receipts[0].UserId)
	assert.True(t, now.Equal(receipts[0].ReadAt), "first receipt wins")
}

func TestDeleteRoom_RemovesDependents(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	alice := seedAccount(t, repo, "alice")
	now := time.Now().UTC()
	seedRoom(t, repo, "room1", now, alice.Id)

	msg, err := repo.CreateMessage(ctx, Message{
		Id: uuid.NewString(), RoomId: "room1", SenderId: alice.Id, Body: "a", Kind: "text", CreatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, repo.UpsertReadReceipts(ctx, "room1", alice.Id, []string{msg.Id}, now))

	require.NoError(t, repo.DeleteRoom(ctx, "room1"))

	_, err = repo.GetRoom(ctx, "room1")
	assert.ErrorIs(t, err, ErrNotFound)
	participants, err := repo.ListParticipants(ctx, []string{"room1"})
	require.NoError(t, err)
	assert.Empty(t, participants)
	receipts, err := repo.ListReadReceipts(ctx, []string{msg.Id})
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestListDirectRoomsForUser(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	alice := seedAccount(t, repo, "alice")
	bob := seedAccount(t, repo, "bob")
	now := time.Now().UTC()

	seedRoom(t, repo, "group", now, alice.Id, bob.Id)
	_, err := repo.CreateRoom(ctx, CreateRoomParams{Id: "direct", Kind: "direct", CreatorId: alice.Id, CreatedAt: now})
	require.NoError(t, err)
	_, err = repo.AddParticipant(ctx, AddParticipantParams{RoomId: "direct", UserId: alice.Id, Role: "admin", JoinedAt: now})
	require.NoError(t, err)

	rooms, err := repo.ListDirectRoomsForUser(ctx, alice.Id)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "direct", rooms[0].Id)

	all, err := repo.ListRoomsForUser(ctx, alice.Id)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rooms, err = repo.ListDirectRoomsForUser(ctx, bob.Id)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("é", previewLen+10)

	tcases := []struct {
		name string
		body string
		want string
	}{
		{"plain", "hello", "hello"},
		{"collapses whitespace", "  a\n\tb  c ", "a b c"},
		{"truncates runes", long, strings.Repeat("é", previewLen)},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Preview(tc.body))
		})
	}
}
