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
)

var (
	errEmptyBody   = errors.New("message body is empty")
	errNotSender   = errors.New("only the sender may change a message")
	errFileMissing = errors.New("file message needs a file url")
)

type SendMessageParams struct {
	RoomID   string
	SenderID int
	Body     string
	Kind     types.MessageKind
	File     *types.File
	ReplyTo  string
}

// ListMessages returns the visible messages of a room in creation order,
// each joined with its sender, the body of the message it replies to and
// the users that have read it.
func (s *Service) ListMessages(ctx context.Context, roomID string, callerID int) ([]types.Message, error) {
	const op = "chat.ListMessages"
	if callerID == 0 {
		return nil, apperr.E(op, apperr.Unauthenticated, errNoIdentity)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, _, err := s.requireParticipant(ctx, op, roomID, callerID); err != nil {
		return nil, err
	}

	msgs, err := s.repo.ListMessages(ctx, roomID)
	if err != nil {
		return nil, apperr.E(op, apperr.Retrievable, err)
	}

	out, err := s.enrich(ctx, msgs)
	if err != nil {
		return nil, apperr.E(op, apperr.Retrievable, err)
	}
	return out, nil
}

// enrich joins msgs with senders, reply targets and readers using one batched
// lookup each.
func (s *Service) enrich(ctx context.Context, msgs []database.Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(msgs))
	if len(msgs) == 0 {
		return out, nil
	}

	var (
		senderIDs []int
		replyIDs  []string
		msgIDs    = make([]string, len(msgs))
		seen      = make(map[int]bool)
	)
	for i, m := range msgs {
		msgIDs[i] = m.Id
		if !seen[m.SenderId] {
			seen[m.SenderId] = true
			senderIDs = append(senderIDs, m.SenderId)
		}
		if m.ReplyTo != nil {
			replyIDs = append(replyIDs, *m.ReplyTo)
		}
	}

	users, err := s.repo.GetAccountsByIds(ctx, senderIDs)
	if err != nil {
		return nil, fmt.Errorf("senders: %w", err)
	}
	senders := make(map[int]types.User, len(users))
	for _, u := range users {
		senders[u.Id] = types.User{Id: u.Id, Username: u.Username}
	}

	replies := make(map[string]*string)
	if len(replyIDs) > 0 {
		targets, err := s.repo.GetMessagesByIds(ctx, replyIDs)
		if err != nil {
			return nil, fmt.Errorf("reply targets: %w", err)
		}
		for _, t := range targets {
			body := t.Body
			replies[t.Id] = &body
		}
	}

	receipts, err := s.repo.ListReadReceipts(ctx, msgIDs)
	if err != nil {
		return nil, fmt.Errorf("read receipts: %w", err)
	}
	readers := make(map[string][]int)
	for _, r := range receipts {
		readers[r.MessageId] = append(readers[r.MessageId], r.UserId)
	}

	for _, m := range msgs {
		msg := toMessage(m, senders[m.SenderId])
		if m.ReplyTo != nil {
			msg.ReplyTo = &types.ReplyRef{Id: *m.ReplyTo, Body: replies[*m.ReplyTo]}
		}
		if ids, ok := readers[m.Id]; ok {
			msg.ReadBy = ids
		}
		out = append(out, msg)
	}

	return out, nil
}

func toMessage(m database.Message, sender types.User) types.Message {
	if sender.Id == 0 {
		sender.Id = m.SenderId
	}

	msg := types.Message{
		Id:        m.Id,
		RoomId:    m.RoomId,
		Sender:    sender,
		Body:      m.Body,
		Kind:      types.MessageKind(m.Kind),
		ReadBy:    []int{},
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}

	if m.FileURL != nil {
		f := &types.File{URL: *m.FileURL}
		if m.FileName != nil {
			f.Name = *m.FileName
		}
		if m.FileSize != nil {
			f.Size = *m.FileSize
		}
		msg.File = f
	}
	if m.ReplyTo != nil {
		msg.ReplyTo = &types.ReplyRef{Id: *m.ReplyTo}
	}

	return msg
}

func validateSend(params *SendMessageParams) error {
	params.Body = strings.TrimSpace(params.Body)

	switch params.Kind {
	case "":
		params.Kind = types.MessageKindText
	case types.MessageKindText, types.MessageKindSystem:
	case types.MessageKindFile:
		if params.File == nil || strings.TrimSpace(params.File.URL) == "" {
			return errFileMissing
		}
		if params.Body == "" {
			params.Body = params.File.Name
		}
	default:
		return fmt.Errorf("unknown message kind %q", params.Kind)
	}

	if params.Body == "" {
		return errEmptyBody
	}

	if params.ReplyTo != "" {
		if _, err := uuid.Parse(params.ReplyTo); err != nil {
			return fmt.Errorf("malformed reply id %q", params.ReplyTo)
		}
	}

	return nil
}

// SendMessage stores a message and moves the room's last activity forward
// in the same transaction.
func (s *Service) SendMessage(ctx context.Context, params SendMessageParams) (types.Message, error) {
	const op = "chat.SendMessage"
	if params.SenderID == 0 {
		return types.Message{}, apperr.E(op, apperr.Unauthenticated, errNoIdentity)
	}
	if err := validateSend(&params); err != nil {
		return types.Message{}, apperr.E(op, apperr.InvalidArgument, err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, sender, err := s.requireParticipant(ctx, op, params.RoomID, params.SenderID)
	if err != nil {
		return types.Message{}, err
	}

	var replyBody *string
	if params.ReplyTo != "" {
		target, err := s.repo.GetMessage(ctx, params.ReplyTo)
		if err != nil {
			return types.Message{}, storeErr(op, err, apperr.InvalidArgument)
		}
		if target.RoomId != params.RoomID {
			return types.Message{}, apperr.Errorf(op, apperr.InvalidArgument,
				"reply target %s belongs to another room", params.ReplyTo)
		}
		replyBody = &target.Body
	}

	row := database.Message{
		Id:        uuid.NewString(),
		RoomId:    params.RoomID,
		SenderId:  params.SenderID,
		Body:      params.Body,
		Kind:      string(params.Kind),
		CreatedAt: s.clock.Now(),
	}
	if params.File != nil && params.Kind == types.MessageKindFile {
		row.FileURL = &params.File.URL
		row.FileName = &params.File.Name
		row.FileSize = &params.File.Size
	}
	if params.ReplyTo != "" {
		row.ReplyTo = &params.ReplyTo
	}

	created, err := s.repo.CreateMessage(ctx, row)
	if err != nil {
		return types.Message{}, storeErr(op, err, apperr.NotFound)
	}

	s.incr(stats.MessagesSent)
	s.publish(
		feed.NewEvent(feed.TableMessages, feed.KindInsert, created.RoomId, created.Id),
		feed.NewEvent(feed.TableRooms, feed.KindUpdate, created.RoomId, created.RoomId),
	)
	s.recordActivity(Activity{
		Action: "message.sent",
		RoomID: created.RoomId,
		UserID: created.SenderId,
		Ref:    created.Id,
		At:     created.CreatedAt,
	})

	msg := toMessage(created, types.User{Id: sender.UserId, Username: sender.Username})
	if msg.ReplyTo != nil {
		msg.ReplyTo.Body = replyBody
	}
	return msg, nil
}

// senderMessage loads a visible message and checks that callerID sent it.
func (s *Service) senderMessage(ctx context.Context, op, messageID string, callerID int) (database.Message, error) {
	if callerID == 0 {
		return database.Message{}, apperr.E(op, apperr.Unauthenticated, errNoIdentity)
	}
	if _, err := uuid.Parse(messageID); err != nil {
		return database.Message{}, apperr.Errorf(op, apperr.InvalidArgument, "malformed message id %q", messageID)
	}

	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return database.Message{}, storeErr(op, err, apperr.NotFound)
	}
	if m.DeletedAt != nil {
		return database.Message{}, apperr.Errorf(op, apperr.NotFound, "message %s is deleted", messageID)
	}

	if _, err := s.repo.GetParticipant(ctx, m.RoomId, callerID); err != nil {
		// hide messages of rooms the caller cannot see
		return database.Message{}, storeErr(op, err, apperr.NotFound)
	}
	if m.SenderId != callerID {
		return database.Message{}, apperr.E(op, apperr.Forbidden, errNotSender)
	}

	return m, nil
}

// EditMessage replaces the body of a visible message. Only its sender may
// edit it.
func (s *Service) EditMessage(ctx context.Context, messageID string, callerID int, body string) (types.Message, error) {
	const op = "chat.EditMessage"
	body = strings.TrimSpace(body)
	if body == "" {
		return types.Message{}, apperr.E(op, apperr.InvalidArgument, errEmptyBody)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.senderMessage(ctx, op, messageID, callerID); err != nil {
		return types.Message{}, err
	}

	at := s.clock.Now()
	updated, err := s.repo.UpdateMessageBody(ctx, messageID, body, at)
	if err != nil {
		return types.Message{}, storeErr(op, err, apperr.NotFound)
	}

	s.publish(feed.NewEvent(feed.TableMessages, feed.KindUpdate, updated.RoomId, updated.Id))
	s.recordActivity(Activity{Action: "message.edited", RoomID: updated.RoomId, UserID: callerID, Ref: updated.Id, At: at})

	out, err := s.enrich(ctx, []database.Message{updated})
	if err != nil {
		return types.Message{}, apperr.E(op, apperr.Retrievable, err)
	}
	return out[0], nil
}

// DeleteMessage soft-deletes a message. Deleted messages can no longer be
// edited or deleted.
func (s *Service) DeleteMessage(ctx context.Context, messageID string, callerID int) error {
	const op = "chat.DeleteMessage"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.senderMessage(ctx, op, messageID, callerID); err != nil {
		return err
	}

	at := s.clock.Now()
	deleted, err := s.repo.SoftDeleteMessage(ctx, messageID, at)
	if err != nil {
		return storeErr(op, err, apperr.NotFound)
	}

	// soft deletes are row updates
	s.publish(feed.NewEvent(feed.TableMessages, feed.KindUpdate, deleted.RoomId, deleted.Id))
	s.recordActivity(Activity{Action: "message.deleted", RoomID: deleted.RoomId, UserID: callerID, Ref: deleted.Id, At: at})

	return nil
}
