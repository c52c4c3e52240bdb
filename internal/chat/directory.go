package chat

import (
	"context"
	"sort"
	"time"

	"github.com/npezzotti/opsdesk/internal/apperr"
	"github.com/npezzotti/opsdesk/internal/database"
	"github.com/npezzotti/opsdesk/internal/types"
)

// ListRoomsForUser returns every room userID participates in, with
// participants and unread counts, most recently active first.
//
// The store is queried three times regardless of the number of rooms: the
// rooms, all of their participants, and the candidate unread messages.
// Counts are then folded against each room's watermark.
func (s *Service) ListRoomsForUser(ctx context.Context, userID int) ([]types.Room, error) {
	const op = "chat.ListRoomsForUser"
	if userID == 0 {
		return nil, apperr.E(op, apperr.Unauthenticated, errNoIdentity)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rooms, err := s.repo.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.E(op, apperr.Retrievable, err)
	}
	if len(rooms) == 0 {
		return []types.Room{}, nil
	}

	roomIDs := make([]string, len(rooms))
	for i, r := range rooms {
		roomIDs[i] = r.Id
	}

	participants, err := s.repo.ListParticipants(ctx, roomIDs)
	if err != nil {
		return nil, apperr.E(op, apperr.Retrievable, err)
	}

	candidates, err := s.repo.ListUnreadCandidates(ctx, userID, roomIDs)
	if err != nil {
		return nil, apperr.E(op, apperr.Retrievable, err)
	}

	byRoom := make(map[string][]types.Participant, len(rooms))
	watermarks := make(map[string]*time.Time, len(rooms))
	for _, p := range participants {
		byRoom[p.RoomId] = append(byRoom[p.RoomId], toParticipant(p))
		if p.UserId == userID {
			watermarks[p.RoomId] = p.LastReadAt
		}
	}

	unread := countUnread(userID, candidates, watermarks)

	out := make([]types.Room, len(rooms))
	for i, r := range rooms {
		room := toRoom(r)
		room.Participants = byRoom[r.Id]
		if room.Participants == nil {
			room.Participants = []types.Participant{}
		}
		room.UnreadCount = unread[r.Id]
		out[i] = room
	}

	sortRooms(out)
	return out, nil
}

// countUnread counts, per room, visible messages from other users created
// strictly after the user's watermark. A room without a watermark counts
// every such message.
func countUnread(userID int, msgs []database.Message, watermarks map[string]*time.Time) map[string]int {
	counts := make(map[string]int)
	for _, m := range msgs {
		if m.SenderId == userID || m.DeletedAt != nil {
			continue
		}
		if wm := watermarks[m.RoomId]; wm != nil && !m.CreatedAt.After(*wm) {
			continue
		}
		counts[m.RoomId]++
	}
	return counts
}

// sortRooms orders by last activity descending. Rooms without activity go
// last; ties are broken by updated_at descending, then id.
func sortRooms(rooms []types.Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		a, b := rooms[i], rooms[j]
		switch {
		case a.LastActivityAt != nil && b.LastActivityAt == nil:
			return true
		case a.LastActivityAt == nil && b.LastActivityAt != nil:
			return false
		case a.LastActivityAt != nil && !a.LastActivityAt.Equal(*b.LastActivityAt):
			return a.LastActivityAt.After(*b.LastActivityAt)
		case !a.UpdatedAt.Equal(b.UpdatedAt):
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.Id < b.Id
	})
}

func toRoom(r database.Room) types.Room {
	return types.Room{
		Id:                  r.Id,
		Kind:                types.RoomKind(r.Kind),
		Name:                r.Name,
		ProjectRef:          r.ProjectRef,
		CreatorId:           r.CreatorId,
		LastActivityAt:      r.LastActivityAt,
		LastActivityPreview: r.LastActivityPreview,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func toParticipant(p database.Participant) types.Participant {
	return types.Participant{
		UserId:     p.UserId,
		Username:   p.Username,
		Role:       types.ParticipantRole(p.Role),
		JoinedAt:   p.JoinedAt,
		LastReadAt: p.LastReadAt,
	}
}
