package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(ctx context.Context, accountId int) (User, error) {
	args := m.Called(ctx, accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountsByIds(ctx context.Context, accountIds []int) ([]User, error) {
	args := m.Called(ctx, accountIds)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockChatRepository) GetRoom(ctx context.Context, roomId string) (Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) DeleteRoom(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) ListRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockChatRepository) ListDirectRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockChatRepository) AddParticipant(ctx context.Context, params AddParticipantParams) (Participant, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockChatRepository) GetParticipant(ctx context.Context, roomId string, userId int) (Participant, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockChatRepository) ListParticipants(ctx context.Context, roomIds []string) ([]Participant, error) {
	args := m.Called(ctx, roomIds)
	return args.Get(0).([]Participant), args.Error(1)
}
func (m *MockChatRepository) AdvanceLastReadAt(ctx context.Context, roomId string, userId int, at time.Time) error {
	args := m.Called(ctx, roomId, userId, at)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, messageId string) (Message, error) {
	args := m.Called(ctx, messageId)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessagesByIds(ctx context.Context, messageIds []string) ([]Message, error) {
	args := m.Called(ctx, messageIds)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) ListMessages(ctx context.Context, roomId string) ([]Message, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) ListUnreadCandidates(ctx context.Context, userId int, roomIds []string) ([]Message, error) {
	args := m.Called(ctx, userId, roomIds)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatRepository) UpdateMessageBody(ctx context.Context, messageId, body string, at time.Time) (Message, error) {
	args := m.Called(ctx, messageId, body, at)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) SoftDeleteMessage(ctx context.Context, messageId string, at time.Time) (Message, error) {
	args := m.Called(ctx, messageId, at)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) UpsertReadReceipts(ctx context.Context, roomId string, userId int, messageIds []string, at time.Time) error {
	args := m.Called(ctx, roomId, userId, messageIds, at)
	return args.Error(0)
}
func (m *MockChatRepository) ListReadReceipts(ctx context.Context, messageIds []string) ([]ReadReceipt, error) {
	args := m.Called(ctx, messageIds)
	return args.Get(0).([]ReadReceipt), args.Error(1)
}
