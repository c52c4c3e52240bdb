package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/npezzotti/opsdesk/internal/apperr"
	"github.com/npezzotti/opsdesk/internal/types"
)

// ErrSendInFlight is returned when a send to the same room has not finished
// yet.
var ErrSendInFlight = errors.New("a message to this room is still being sent")

// Session is one signed-in user's view of the chat.
type Session struct {
	api   API
	cache *ViewCache
	user  types.User

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewSession(api API, cache *ViewCache, user types.User) *Session {
	return &Session{
		api:      api,
		cache:    cache,
		user:     user,
		inflight: make(map[string]struct{}),
	}
}

func (s *Session) User() types.User {
	return s.user
}

func (s *Session) Cache() *ViewCache {
	return s.cache
}

// Rooms returns the cached room list, fetching it when it is not valid.
func (s *Session) Rooms(ctx context.Context) ([]types.Room, error) {
	rooms, gen, ok := s.cache.Rooms()
	if ok {
		return rooms, nil
	}

	rooms, err := s.api.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.StoreRooms(gen, rooms)
	return rooms, nil
}

func (s *Session) Messages(ctx context.Context, roomID string) ([]types.Message, error) {
	msgs, gen, ok := s.cache.Messages(roomID)
	if ok {
		return msgs, nil
	}

	msgs, err := s.api.Messages(ctx, roomID)
	if err != nil {
		return nil, err
	}
	s.cache.StoreMessages(roomID, gen, msgs)
	return msgs, nil
}

func (s *Session) acquire(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[roomID]; busy {
		return false
	}
	s.inflight[roomID] = struct{}{}
	return true
}

func (s *Session) release(roomID string) {
	s.mu.Lock()
	delete(s.inflight, roomID)
	s.mu.Unlock()
}

// Send posts a message to roomID. On success the message is in the room's
// cached list before Send returns; the feed's echo of it only invalidates.
// Failures are returned to the caller and never retried.
func (s *Session) Send(ctx context.Context, roomID string, req SendRequest) (types.Message, error) {
	const op = "chatsync.Send"

	if strings.TrimSpace(req.Body) == "" && req.File == nil {
		return types.Message{}, apperr.Errorf(op, apperr.InvalidArgument, "message is empty")
	}
	if !s.acquire(roomID) {
		return types.Message{}, apperr.E(op, apperr.InvalidArgument, ErrSendInFlight)
	}
	defer s.release(roomID)

	msg, err := s.api.SendMessage(ctx, roomID, req)
	if err != nil {
		return types.Message{}, err
	}
	if msg.RoomId == "" {
		msg.RoomId = roomID
	}

	s.cache.AddMessage(msg)
	s.cache.InvalidateRooms()
	return msg, nil
}

func (s *Session) MarkRead(ctx context.Context, roomID string, messageIDs []string) error {
	if err := s.api.MarkRead(ctx, roomID, messageIDs); err != nil {
		return err
	}
	s.cache.InvalidateRooms()
	return nil
}

// OpenDirect returns the direct room shared with userID, creating it when
// needed.
func (s *Session) OpenDirect(ctx context.Context, userID int) (string, error) {
	roomID, err := s.api.CreateDirectChat(ctx, userID)
	if err != nil {
		return "", err
	}
	s.cache.InvalidateRooms()
	return roomID, nil
}
