package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	roomColumns    = "r.id, r.kind, r.name, r.project_ref, r.creator_id, r.last_activity_at, r.last_activity_preview, r.created_at, r.updated_at"
	messageColumns = "m.id, m.room_id, m.sender_id, m.body, m.kind, m.file_url, m.file_name, m.file_size, m.reply_to, m.created_at, m.edited_at, m.deleted_at"

	addParticipantQuery = "INSERT INTO participants (room_id, user_id, role, joined_at) " +
		"VALUES ($1, $2, $3, $4) RETURNING room_id, user_id, role, joined_at, last_read_at"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var (
		room         Room
		lastActivity sql.NullTime
	)

	err := row.Scan(
		&room.Id,
		&room.Kind,
		&room.Name,
		&room.ProjectRef,
		&room.CreatorId,
		&lastActivity,
		&room.LastActivityPreview,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	if lastActivity.Valid {
		t := lastActivity.Time
		room.LastActivityAt = &t
	}

	return room, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg                      Message
		fileURL, fileName, reply sql.NullString
		fileSize                 sql.NullInt64
		editedAt, deletedAt      sql.NullTime
	)

	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.Body,
		&msg.Kind,
		&fileURL,
		&fileName,
		&fileSize,
		&reply,
		&msg.CreatedAt,
		&editedAt,
		&deletedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if fileURL.Valid {
		msg.FileURL = &fileURL.String
	}
	if fileName.Valid {
		msg.FileName = &fileName.String
	}
	if fileSize.Valid {
		msg.FileSize = &fileSize.Int64
	}
	if reply.Valid {
		msg.ReplyTo = &reply.String
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}

	return msg, nil
}

func scanParticipant(row rowScanner, withUsername bool) (Participant, error) {
	var (
		p        Participant
		lastRead sql.NullTime
	)

	dest := []any{&p.RoomId, &p.UserId, &p.Role, &p.JoinedAt, &lastRead}
	if withUsername {
		dest = append(dest, &p.Username)
	}

	if err := row.Scan(dest...); err != nil {
		return Participant{}, err
	}

	if lastRead.Valid {
		t := lastRead.Time
		p.LastReadAt = &t
	}

	return p, nil
}

func toInt64s(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func (db *PgChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, role, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		now,
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, translateErr(err)
}

func (db *PgChatRepository) UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRowContext(ctx,
		"UPDATE accounts SET username = $2, password_hash = $3, updated_at = $4 "+
			"WHERE id = $1 RETURNING id, username, email, role, created_at, updated_at",
		params.UserId,
		params.Username,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, translateErr(err)
}

func (db *PgChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, role, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, translateErr(err)
}

func (db *PgChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, role, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Role,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, translateErr(err)
}

func (db *PgChatRepository) GetAccountsByIds(ctx context.Context, ids []int) ([]User, error) {
	if len(ids) == 0 {
		return []User{}, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, username, email, role, created_at, updated_at FROM accounts WHERE id = ANY($1)",
		pq.Array(toInt64s(ids)),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0, len(ids))
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *PgChatRepository) GetRoom(ctx context.Context, roomId string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms r WHERE r.id = $1 LIMIT 1",
		roomId,
	)

	room, err := scanRoom(row)
	return room, translateErr(err)
}

func (db *PgChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO rooms AS r (id, kind, name, project_ref, creator_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+roomColumns,
		params.Id,
		params.Kind,
		params.Name,
		params.ProjectRef,
		params.CreatorId,
		params.CreatedAt,
	)

	room, err := scanRoom(row)
	return room, translateErr(err)
}

func (db *PgChatRepository) DeleteRoom(ctx context.Context, roomId string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"DELETE FROM read_receipts WHERE message_id IN (SELECT id FROM messages WHERE room_id = $1)", roomId)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM participants WHERE room_id = $1", roomId)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", roomId)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) queryRooms(ctx context.Context, query string, args ...any) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) ListRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	return db.queryRooms(ctx,
		"SELECT "+roomColumns+" FROM rooms r "+
			"JOIN participants p ON p.room_id = r.id WHERE p.user_id = $1",
		userId,
	)
}

func (db *PgChatRepository) ListDirectRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	return db.queryRooms(ctx,
		"SELECT "+roomColumns+" FROM rooms r "+
			"JOIN participants p ON p.room_id = r.id WHERE p.user_id = $1 AND r.kind = 'direct' "+
			"ORDER BY r.created_at, r.id",
		userId,
	)
}

func (db *PgChatRepository) AddParticipant(ctx context.Context, params AddParticipantParams) (Participant, error) {
	row := db.conn.QueryRowContext(ctx,
		addParticipantQuery,
		params.RoomId,
		params.UserId,
		params.Role,
		params.JoinedAt,
	)

	p, err := scanParticipant(row, false)
	return p, translateErr(err)
}

func (db *PgChatRepository) GetParticipant(ctx context.Context, roomId string, userId int) (Participant, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT p.room_id, p.user_id, p.role, p.joined_at, p.last_read_at, a.username "+
			"FROM participants p JOIN accounts a ON a.id = p.user_id "+
			"WHERE p.room_id = $1 AND p.user_id = $2 LIMIT 1",
		roomId,
		userId,
	)

	p, err := scanParticipant(row, true)
	return p, translateErr(err)
}

func (db *PgChatRepository) ListParticipants(ctx context.Context, roomIds []string) ([]Participant, error) {
	if len(roomIds) == 0 {
		return []Participant{}, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT p.room_id, p.user_id, p.role, p.joined_at, p.last_read_at, a.username "+
			"FROM participants p JOIN accounts a ON a.id = p.user_id "+
			"WHERE p.room_id = ANY($1) ORDER BY p.room_id, p.joined_at, p.user_id",
		pq.Array(roomIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

func (db *PgChatRepository) AdvanceLastReadAt(ctx context.Context, roomId string, userId int, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE participants SET last_read_at = GREATEST(COALESCE(last_read_at, $3), $3) "+
			"WHERE room_id = $1 AND user_id = $2",
		roomId,
		userId,
		at,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx,
		"INSERT INTO messages AS m (id, room_id, sender_id, body, kind, file_url, file_name, file_size, reply_to, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING "+messageColumns,
		msg.Id,
		msg.RoomId,
		msg.SenderId,
		msg.Body,
		msg.Kind,
		msg.FileURL,
		msg.FileName,
		msg.FileSize,
		msg.ReplyTo,
		msg.CreatedAt,
	)

	var created Message
	created, err = scanMessage(row)
	if err != nil {
		return Message{}, translateErr(err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE rooms SET "+
			"last_activity_at = GREATEST(COALESCE(last_activity_at, $2), $2), "+
			"last_activity_preview = CASE WHEN last_activity_at IS NULL OR last_activity_at <= $2 THEN $3 ELSE last_activity_preview END, "+
			"updated_at = GREATEST(updated_at, $2) "+
			"WHERE id = $1",
		msg.RoomId,
		msg.CreatedAt,
		Preview(msg.Body),
	)
	if err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return created, nil
}

func (db *PgChatRepository) GetMessage(ctx context.Context, messageId string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages m WHERE m.id = $1 LIMIT 1",
		messageId,
	)

	msg, err := scanMessage(row)
	return msg, translateErr(err)
}

func (db *PgChatRepository) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) GetMessagesByIds(ctx context.Context, messageIds []string) ([]Message, error) {
	if len(messageIds) == 0 {
		return []Message{}, nil
	}

	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m WHERE m.id = ANY($1::uuid[])",
		pq.Array(messageIds),
	)
}

func (db *PgChatRepository) ListMessages(ctx context.Context, roomId string) ([]Message, error) {
	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m "+
			"WHERE m.room_id = $1 AND m.deleted_at IS NULL ORDER BY m.created_at ASC, m.id ASC",
		roomId,
	)
}

func (db *PgChatRepository) ListUnreadCandidates(ctx context.Context, userId int, roomIds []string) ([]Message, error) {
	if len(roomIds) == 0 {
		return []Message{}, nil
	}

	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages m "+
			"JOIN participants p ON p.room_id = m.room_id AND p.user_id = $1 "+
			"WHERE m.room_id = ANY($2) AND m.sender_id <> $1 AND m.deleted_at IS NULL "+
			"AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)",
		userId,
		pq.Array(roomIds),
	)
}

func (db *PgChatRepository) UpdateMessageBody(ctx context.Context, messageId, body string, at time.Time) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages AS m SET body = $2, edited_at = $3 "+
			"WHERE m.id = $1 AND m.deleted_at IS NULL RETURNING "+messageColumns,
		messageId,
		body,
		at,
	)

	msg, err := scanMessage(row)
	return msg, translateErr(err)
}

func (db *PgChatRepository) SoftDeleteMessage(ctx context.Context, messageId string, at time.Time) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages AS m SET deleted_at = $2 "+
			"WHERE m.id = $1 AND m.deleted_at IS NULL RETURNING "+messageColumns,
		messageId,
		at,
	)

	msg, err := scanMessage(row)
	return msg, translateErr(err)
}

func (db *PgChatRepository) UpsertReadReceipts(ctx context.Context, roomId string, userId int, messageIds []string, at time.Time) error {
	if len(messageIds) == 0 {
		return nil
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO read_receipts (message_id, user_id, read_at) "+
			"SELECT m.id, $3, $4 FROM messages m WHERE m.id = ANY($1::uuid[]) AND m.room_id = $2 "+
			"ON CONFLICT (message_id, user_id) DO NOTHING",
		pq.Array(messageIds),
		roomId,
		userId,
		at,
	)

	return err
}

func (db *PgChatRepository) ListReadReceipts(ctx context.Context, messageIds []string) ([]ReadReceipt, error) {
	if len(messageIds) == 0 {
		return []ReadReceipt{}, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT message_id, user_id, read_at FROM read_receipts "+
			"WHERE message_id = ANY($1::uuid[]) ORDER BY message_id, read_at, user_id",
		pq.Array(messageIds),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := make([]ReadReceipt, 0)
	for rows.Next() {
		var r ReadReceipt
		if err := rows.Scan(&r.MessageId, &r.UserId, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("scan read receipt: %w", err)
		}
		receipts = append(receipts, r)
	}

	return receipts, rows.Err()
}
