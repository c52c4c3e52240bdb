package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormChatRepository is the embedded sqlite store used for local runs and
// tests. Time comparisons happen in Go so results match the Postgres store
// regardless of how the driver encodes timestamps.
type GormChatRepository struct {
	db *gorm.DB
}

func NewSQLiteChatRepository(dsn string) (*GormChatRepository, error) {
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&User{}, &Room{}, &Participant{}, &Message{}, &ReadReceipt{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &GormChatRepository{db: db}, nil
}

func gormErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (r *GormChatRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *GormChatRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *GormChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	u := User{
		Username:     params.Username,
		EmailAddress: params.EmailAddress,
		PasswordHash: params.PasswordHash,
		Role:         "member",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.db.WithContext(ctx).Create(&u).Error; err != nil {
		return User{}, gormErr(err)
	}

	u.PasswordHash = ""
	return u, nil
}

func (r *GormChatRepository) UpdateAccount(ctx context.Context, params UpdateAccountParams) (User, error) {
	var u User
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&u, "id = ?", params.UserId).Error; err != nil {
			return err
		}
		return tx.Model(&u).Updates(map[string]any{
			"username":      params.Username,
			"password_hash": params.PasswordHash,
			"updated_at":    time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return User{}, gormErr(err)
	}

	u.PasswordHash = ""
	return u, nil
}

func (r *GormChatRepository) GetAccountById(ctx context.Context, id int) (User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return User{}, gormErr(err)
	}

	u.PasswordHash = ""
	return u, nil
}

func (r *GormChatRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		return User{}, gormErr(err)
	}
	return u, nil
}

func (r *GormChatRepository) GetAccountsByIds(ctx context.Context, ids []int) ([]User, error) {
	users := make([]User, 0, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, gormErr(err)
	}
	for i := range users {
		users[i].PasswordHash = ""
	}

	return users, nil
}

func (r *GormChatRepository) GetRoom(ctx context.Context, roomId string) (Room, error) {
	var room Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", roomId).Error; err != nil {
		return Room{}, gormErr(err)
	}
	return room, nil
}

func (r *GormChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	room := Room{
		Id:         params.Id,
		Kind:       params.Kind,
		Name:       params.Name,
		ProjectRef: params.ProjectRef,
		CreatorId:  params.CreatorId,
		CreatedAt:  params.CreatedAt,
		UpdatedAt:  params.CreatedAt,
	}

	if err := r.db.WithContext(ctx).Create(&room).Error; err != nil {
		return Room{}, gormErr(err)
	}
	return room, nil
}

func (r *GormChatRepository) DeleteRoom(ctx context.Context, roomId string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&Message{}).Select("id").Where("room_id = ?", roomId)
		if err := tx.Where("message_id IN (?)", ids).Delete(&ReadReceipt{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomId).Delete(&Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomId).Delete(&Participant{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", roomId).Delete(&Room{}).Error
	})
}

func (r *GormChatRepository) ListRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	rooms := make([]Room, 0)
	err := r.db.WithContext(ctx).
		Joins("JOIN participants p ON p.room_id = rooms.id").
		Where("p.user_id = ?", userId).
		Find(&rooms).Error
	if err != nil {
		return nil, gormErr(err)
	}
	return rooms, nil
}

func (r *GormChatRepository) ListDirectRoomsForUser(ctx context.Context, userId int) ([]Room, error) {
	rooms := make([]Room, 0)
	err := r.db.WithContext(ctx).
		Joins("JOIN participants p ON p.room_id = rooms.id").
		Where("p.user_id = ? AND rooms.kind = ?", userId, "direct").
		Find(&rooms).Error
	if err != nil {
		return nil, gormErr(err)
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		if !rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
		}
		return rooms[i].Id < rooms[j].Id
	})

	return rooms, nil
}

func (r *GormChatRepository) AddParticipant(ctx context.Context, params AddParticipantParams) (Participant, error) {
	p := Participant{
		RoomId:   params.RoomId,
		UserId:   params.UserId,
		Role:     params.Role,
		JoinedAt: params.JoinedAt,
	}

	if err := r.db.WithContext(ctx).Create(&p).Error; err != nil {
		return Participant{}, gormErr(err)
	}
	return p, nil
}

// withUsernames fills Participant.Username from accounts.
func (r *GormChatRepository) withUsernames(ctx context.Context, participants []Participant) error {
	seen := make(map[int]bool)
	ids := make([]int, 0, len(participants))
	for _, p := range participants {
		if !seen[p.UserId] {
			seen[p.UserId] = true
			ids = append(ids, p.UserId)
		}
	}

	users, err := r.GetAccountsByIds(ctx, ids)
	if err != nil {
		return err
	}

	names := make(map[int]string, len(users))
	for _, u := range users {
		names[u.Id] = u.Username
	}
	for i := range participants {
		participants[i].Username = names[participants[i].UserId]
	}

	return nil
}

func (r *GormChatRepository) GetParticipant(ctx context.Context, roomId string, userId int) (Participant, error) {
	var p Participant
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomId, userId).
		First(&p).Error
	if err != nil {
		return Participant{}, gormErr(err)
	}

	ps := []Participant{p}
	if err := r.withUsernames(ctx, ps); err != nil {
		return Participant{}, err
	}
	return ps[0], nil
}

func (r *GormChatRepository) ListParticipants(ctx context.Context, roomIds []string) ([]Participant, error) {
	participants := make([]Participant, 0)
	if len(roomIds) == 0 {
		return participants, nil
	}

	if err := r.db.WithContext(ctx).Where("room_id IN ?", roomIds).Find(&participants).Error; err != nil {
		return nil, gormErr(err)
	}

	sort.SliceStable(participants, func(i, j int) bool {
		a, b := participants[i], participants[j]
		if a.RoomId != b.RoomId {
			return a.RoomId < b.RoomId
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserId < b.UserId
	})

	if err := r.withUsernames(ctx, participants); err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *GormChatRepository) AdvanceLastReadAt(ctx context.Context, roomId string, userId int, at time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Participant
		if err := tx.Where("room_id = ? AND user_id = ?", roomId, userId).First(&p).Error; err != nil {
			return err
		}
		if p.LastReadAt != nil && !at.After(*p.LastReadAt) {
			return nil
		}
		return tx.Model(&Participant{}).
			Where("room_id = ? AND user_id = ?", roomId, userId).
			Update("last_read_at", at).Error
	})
	return gormErr(err)
}

func (r *GormChatRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room Room
		if err := tx.First(&room, "id = ?", msg.RoomId).Error; err != nil {
			return err
		}

		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		updates := map[string]any{}
		if room.LastActivityAt == nil || !msg.CreatedAt.Before(*room.LastActivityAt) {
			updates["last_activity_at"] = msg.CreatedAt
			updates["last_activity_preview"] = Preview(msg.Body)
		}
		if msg.CreatedAt.After(room.UpdatedAt) {
			updates["updated_at"] = msg.CreatedAt
		}
		if len(updates) == 0 {
			return nil
		}

		return tx.Model(&Room{}).Where("id = ?", msg.RoomId).Updates(updates).Error
	})
	if err != nil {
		return Message{}, gormErr(err)
	}

	return msg, nil
}

func (r *GormChatRepository) GetMessage(ctx context.Context, messageId string) (Message, error) {
	var msg Message
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", messageId).Error; err != nil {
		return Message{}, gormErr(err)
	}
	return msg, nil
}

func (r *GormChatRepository) GetMessagesByIds(ctx context.Context, messageIds []string) ([]Message, error) {
	msgs := make([]Message, 0, len(messageIds))
	if len(messageIds) == 0 {
		return msgs, nil
	}

	if err := r.db.WithContext(ctx).Where("id IN ?", messageIds).Find(&msgs).Error; err != nil {
		return nil, gormErr(err)
	}
	return msgs, nil
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Id < msgs[j].Id
	})
}

func (r *GormChatRepository) ListMessages(ctx context.Context, roomId string) ([]Message, error) {
	msgs := make([]Message, 0)
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND deleted_at IS NULL", roomId).
		Find(&msgs).Error
	if err != nil {
		return nil, gormErr(err)
	}

	sortMessages(msgs)
	return msgs, nil
}

func (r *GormChatRepository) ListUnreadCandidates(ctx context.Context, userId int, roomIds []string) ([]Message, error) {
	msgs := make([]Message, 0)
	if len(roomIds) == 0 {
		return msgs, nil
	}

	err := r.db.WithContext(ctx).
		Where("room_id IN ? AND sender_id <> ? AND deleted_at IS NULL", roomIds, userId).
		Find(&msgs).Error
	if err != nil {
		return nil, gormErr(err)
	}
	return msgs, nil
}

func (r *GormChatRepository) updateVisibleMessage(ctx context.Context, messageId string, updates map[string]any) (Message, error) {
	var msg Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND deleted_at IS NULL", messageId).First(&msg).Error; err != nil {
			return err
		}
		if err := tx.Model(&Message{}).Where("id = ?", messageId).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&msg, "id = ?", messageId).Error
	})
	if err != nil {
		return Message{}, gormErr(err)
	}
	return msg, nil
}

func (r *GormChatRepository) UpdateMessageBody(ctx context.Context, messageId, body string, at time.Time) (Message, error) {
	return r.updateVisibleMessage(ctx, messageId, map[string]any{"body": body, "edited_at": at})
}

func (r *GormChatRepository) SoftDeleteMessage(ctx context.Context, messageId string, at time.Time) (Message, error) {
	return r.updateVisibleMessage(ctx, messageId, map[string]any{"deleted_at": at})
}

func (r *GormChatRepository) UpsertReadReceipts(ctx context.Context, roomId string, userId int, messageIds []string, at time.Time) error {
	if len(messageIds) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&Message{}).
			Where("id IN ? AND room_id = ?", messageIds, roomId).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		receipts := make([]ReadReceipt, 0, len(ids))
		for _, id := range ids {
			receipts = append(receipts, ReadReceipt{MessageId: id, UserId: userId, ReadAt: at})
		}

		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipts).Error
	})
}

func (r *GormChatRepository) ListReadReceipts(ctx context.Context, messageIds []string) ([]ReadReceipt, error) {
	receipts := make([]ReadReceipt, 0)
	if len(messageIds) == 0 {
		return receipts, nil
	}

	err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIds).
		Order("message_id, user_id").
		Find(&receipts).Error
	if err != nil {
		return nil, gormErr(err)
	}
	return receipts, nil
}
