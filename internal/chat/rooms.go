package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/npezzotti/opsdesk/internal/apperr"
	"github.com/npezzotti/opsdesk/internal/database"
	"github.com/npezzotti/opsdesk/internal/feed"
	"github.com/npezzotti/opsdesk/internal/stats"
	"github.com/npezzotti/opsdesk/internal/types"
	"github.com/teris-io/shortid"
)

var (
	errSelfChat  = errors.New("cannot start a direct chat with yourself")
	errEmptyName = errors.New("room name is empty")
)

// MarkRead records receipts for messageIDs and moves the caller's
// watermark for the room to now. Receipts already present are kept, ids of
// messages from other rooms are ignored and the watermark never moves
// backwards, so repeated or concurrent calls converge.
func (s *Service) MarkRead(ctx context.Context, roomID string, userID int, messageIDs []string) error {
	const op = "chat.MarkRead"
	if userID == 0 {
		return apperr.E(op, apperr.Unauthenticated, errNoIdentity)
	}

	ids := make([]string, 0, len(messageIDs))
	seen := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return apperr.Errorf(op, apperr.InvalidArgument, "malformed message id %q", id)
		}
		canonical := parsed.String()
		if !seen[canonical] {
			seen[canonical] = true
			ids = append(ids, canonical)
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, _, err := s.requireParticipant(ctx, op, roomID, userID); err != nil {
		return err
	}

	now := s.clock.Now()
	if err := s.repo.UpsertReadReceipts(ctx, roomID, userID, ids, now); err != nil {
		return apperr.E(op, apperr.Retrievable, err)
	}
	if err := s.repo.AdvanceLastReadAt(ctx, roomID, userID, now); err != nil {
		return storeErr(op, err, apperr.Forbidden)
	}

	s.publish(feed.NewParticipantEvent(feed.KindUpdate, roomID, userID))
	return nil
}

// CreateDirectChat returns the direct room shared by the two users,
// creating it when none exists yet.
func (s *Service) CreateDirectChat(ctx context.Context, initiatorID, otherUserID int) (string, error) {
	const op = "chat.CreateDirectChat"
	if initiatorID == 0 {
		return "", apperr.E(op, apperr.Unauthenticated, errNoIdentity)
	}
	if otherUserID == initiatorID {
		return "", apperr.E(op, apperr.InvalidArgument, errSelfChat)
	}
	if otherUserID <= 0 {
		return "", apperr.Errorf(op, apperr.InvalidArgument, "invalid user id %d", otherUserID)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.repo.GetAccountById(ctx, otherUserID); err != nil {
		return "", storeErr(op, err, apperr.NotFound)
	}

	s.directMu.Lock()
	defer s.directMu.Unlock()

	existing, err := s.findDirectRoom(ctx, initiatorID, otherUserID)
	if err != nil {
		return "", apperr.E(op, apperr.Retrievable, err)
	}
	if existing != "" {
		return existing, nil
	}

	roomID, err := s.createRoom(ctx, op, database.CreateRoomParams{
		Kind:      string(types.RoomKindDirect),
		CreatorId: initiatorID,
	}, []int{otherUserID})
	if err != nil {
		return "", err
	}

	return roomID, nil
}

// findDirectRoom looks through the initiator's direct rooms for one the
// other user also belongs to.
func (s *Service) findDirectRoom(ctx context.Context, initiatorID, otherUserID int) (string, error) {
	rooms, err := s.repo.ListDirectRoomsForUser(ctx, initiatorID)
	if err != nil {
		return "", err
	}
	if len(rooms) == 0 {
		return "", nil
	}

	roomIDs := make([]string, len(rooms))
	for i, r := range rooms {
		roomIDs[i] = r.Id
	}

	participants, err := s.repo.ListParticipants(ctx, roomIDs)
	if err != nil {
		return "", err
	}

	shared := make(map[string]bool)
	for _, p := range participants {
		if p.UserId == otherUserID {
			shared[p.RoomId] = true
		}
	}

	// rooms are ordered oldest first, so the original room wins if a
	// duplicate ever slipped in
	for _, r := range rooms {
		if shared[r.Id] {
			return r.Id, nil
		}
	}

	return "", nil
}

// CreateGroupChat creates a group room, or a project room when projectRef
// is set, with the creator as admin and memberIDs as members.
func (s *Service) CreateGroupChat(ctx context.Context, creatorID int, name, projectRef string, memberIDs []int) (string, error) {
	const op = "chat.CreateGroupChat"
	if creatorID == 0 {
		return "", apperr.E(op, apperr.Unauthenticated, errNoIdentity)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.E(op, apperr.InvalidArgument, errEmptyName)
	}

	members := make([]int, 0, len(memberIDs))
	seen := map[int]bool{creatorID: true}
	for _, id := range memberIDs {
		if id <= 0 {
			return "", apperr.Errorf(op, apperr.InvalidArgument, "invalid user id %d", id)
		}
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if len(members) > 0 {
		users, err := s.repo.GetAccountsByIds(ctx, members)
		if err != nil {
			return "", apperr.E(op, apperr.Retrievable, err)
		}
		if len(users) != len(members) {
			return "", apperr.Errorf(op, apperr.NotFound, "%d of %d members do not exist", len(members)-len(users), len(members))
		}
	}

	kind := types.RoomKindGroup
	projectRef = strings.TrimSpace(projectRef)
	if projectRef != "" {
		kind = types.RoomKindProject
	}

	return s.createRoom(ctx, op, database.CreateRoomParams{
		Kind:       string(kind),
		Name:       name,
		ProjectRef: projectRef,
		CreatorId:  creatorID,
	}, members)
}

// createRoom inserts the room and its participants. The creator joins as
// admin. If a later step fails the room is deleted again; when that fails
// too the result is a PartialFailure carrying both errors.
func (s *Service) createRoom(ctx context.Context, op string, params database.CreateRoomParams, members []int) (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", apperr.E(op, apperr.Internal, fmt.Errorf("generate room id: %w", err))
	}

	now := s.clock.Now()
	params.Id = id
	params.CreatedAt = now

	room, err := s.repo.CreateRoom(ctx, params)
	if err != nil {
		return "", storeErr(op, err, apperr.NotFound)
	}

	adds := []database.AddParticipantParams{{
		RoomId:   room.Id,
		UserId:   params.CreatorId,
		Role:     string(types.RoleAdmin),
		JoinedAt: now,
	}}
	for _, m := range members {
		adds = append(adds, database.AddParticipantParams{
			RoomId:   room.Id,
			UserId:   m,
			Role:     string(types.RoleMember),
			JoinedAt: now,
		})
	}

	for _, p := range adds {
		if _, err := s.repo.AddParticipant(ctx, p); err != nil {
			return "", s.compensate(op, room.Id, fmt.Errorf("add participant %d: %w", p.UserId, err))
		}
	}

	s.incr(stats.RoomsCreated)
	evs := []feed.Event{feed.NewEvent(feed.TableRooms, feed.KindInsert, room.Id, room.Id)}
	for _, p := range adds {
		evs = append(evs, feed.NewParticipantEvent(feed.KindInsert, room.Id, p.UserId))
	}
	s.publish(evs...)
	s.recordActivity(Activity{Action: "room.created", RoomID: room.Id, UserID: params.CreatorId, Ref: params.Kind, At: now})

	return room.Id, nil
}

// compensate deletes a room whose creation failed part way. It uses its own
// deadline since the request context may be what failed.
func (s *Service) compensate(op, roomID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.repo.DeleteRoom(ctx, roomID); err != nil {
		s.log.Printf("%s: rollback of room %q failed: %v (cause: %v)", op, roomID, err, cause)
		return apperr.E(op, apperr.PartialFailure,
			errors.Join(cause, fmt.Errorf("rollback room %s: %w", roomID, err)))
	}

	s.log.Printf("%s: rolled back room %q: %v", op, roomID, cause)
	return storeErr(op, cause, apperr.NotFound)
}
