package database

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const previewLen = 120

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
)

type ChatRepository interface {
	Ping(ctx context.Context) error
	Close() error

	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error)
	GetAccountById(ctx context.Context, accountId int) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	GetAccountsByIds(ctx context.Context, accountIds []int) ([]User, error)

	GetRoom(ctx context.Context, roomId string) (Room, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	DeleteRoom(ctx context.Context, roomId string) error
	ListRoomsForUser(ctx context.Context, userId int) ([]Room, error)
	ListDirectRoomsForUser(ctx context.Context, userId int) ([]Room, error)

	AddParticipant(ctx context.Context, params AddParticipantParams) (Participant, error)
	GetParticipant(ctx context.Context, roomId string, userId int) (Participant, error)
	ListParticipants(ctx context.Context, roomIds []string) ([]Participant, error)
	// AdvanceLastReadAt moves the watermark forward to at. It never moves it
	// backwards.
	AdvanceLastReadAt(ctx context.Context, roomId string, userId int, at time.Time) error

	// CreateMessage inserts msg and bumps the room's last activity in the
	// same transaction.
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, messageId string) (Message, error)
	// GetMessagesByIds includes soft-deleted rows.
	GetMessagesByIds(ctx context.Context, messageIds []string) ([]Message, error)
	// ListMessages returns the room's visible messages ordered by
	// (created_at, id).
	ListMessages(ctx context.Context, roomId string) ([]Message, error)
	// ListUnreadCandidates returns visible messages in roomIds not sent by
	// userId. Implementations may pre-filter on the watermark.
	ListUnreadCandidates(ctx context.Context, userId int, roomIds []string) ([]Message, error)
	UpdateMessageBody(ctx context.Context, messageId, body string, at time.Time) (Message, error)
	SoftDeleteMessage(ctx context.Context, messageId string, at time.Time) (Message, error)

	// UpsertReadReceipts records receipts for the ids that belong to roomId.
	// Existing receipts are left untouched.
	UpsertReadReceipts(ctx context.Context, roomId string, userId int, messageIds []string, at time.Time) error
	ListReadReceipts(ctx context.Context, messageIds []string) ([]ReadReceipt, error)
}

// Preview returns the room list preview for a message body: whitespace
// collapsed, cut to previewLen runes.
func Preview(body string) string {
	p := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(p) <= previewLen {
		return p
	}
	return string([]rune(p)[:previewLen])
}
