package database

import "time"

// The gorm tags drive AutoMigrate for the sqlite store; the Postgres schema
// lives in migrations/ and must stay column compatible.

type User struct {
	Id           int       `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"type:varchar(64);not null"`
	EmailAddress string    `gorm:"column:email;type:varchar(255);uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"type:varchar(16);not null;default:member"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (User) TableName() string { return "accounts" }

type Room struct {
	Id                  string     `gorm:"primaryKey;type:varchar(32)"`
	Kind                string     `gorm:"type:varchar(16);index;not null"`
	Name                string     `gorm:"type:varchar(255);not null;default:''"`
	ProjectRef          string     `gorm:"type:varchar(64);not null;default:''"`
	CreatorId           int        `gorm:"not null"`
	LastActivityAt      *time.Time `gorm:"index"`
	LastActivityPreview string     `gorm:"type:varchar(255);not null;default:''"`
	CreatedAt           time.Time  `gorm:"not null"`
	UpdatedAt           time.Time  `gorm:"not null"`
}

func (Room) TableName() string { return "rooms" }

type Participant struct {
	RoomId     string    `gorm:"primaryKey;type:varchar(32)"`
	UserId     int       `gorm:"primaryKey;index"`
	Role       string    `gorm:"type:varchar(16);not null"`
	JoinedAt   time.Time `gorm:"not null"`
	LastReadAt *time.Time
	// Username is joined from accounts on reads.
	Username string `gorm:"-"`
}

func (Participant) TableName() string { return "participants" }

type Message struct {
	Id        string    `gorm:"primaryKey;type:varchar(36)"`
	RoomId    string    `gorm:"type:varchar(32);not null;index:idx_messages_room_created,priority:1"`
	SenderId  int       `gorm:"not null;index"`
	Body      string    `gorm:"type:text;not null"`
	Kind      string    `gorm:"type:varchar(16);not null"`
	FileURL   *string   `gorm:"column:file_url"`
	FileName  *string   `gorm:"column:file_name"`
	FileSize  *int64    `gorm:"column:file_size"`
	ReplyTo   *string   `gorm:"type:varchar(36)"`
	CreatedAt time.Time `gorm:"not null;index:idx_messages_room_created,priority:2"`
	EditedAt  *time.Time
	DeletedAt *time.Time `gorm:"index"`
}

func (Message) TableName() string { return "messages" }

type ReadReceipt struct {
	MessageId string    `gorm:"primaryKey;type:varchar(36)"`
	UserId    int       `gorm:"primaryKey"`
	ReadAt    time.Time `gorm:"not null"`
}

func (ReadReceipt) TableName() string { return "read_receipts" }

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PasswordHash string
}

type CreateRoomParams struct {
	Id         string
	Kind       string
	Name       string
	ProjectRef string
	CreatorId  int
	CreatedAt  time.Time
}

type AddParticipantParams struct {
	RoomId   string
	UserId   int
	Role     string
	JoinedAt time.Time
}
