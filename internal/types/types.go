package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Role         string    `json:"role,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type RoomKind string

const (
	RoomKindDirect  RoomKind = "direct"
	RoomKindGroup   RoomKind = "group"
	RoomKindProject RoomKind = "project"
)

type Room struct {
	Id                  string        `json:"id"`
	Kind                RoomKind      `json:"kind"`
	Name                string        `json:"name,omitempty"`
	ProjectRef          string        `json:"project_ref,omitempty"`
	CreatorId           int           `json:"creator_id"`
	Participants        []Participant `json:"participants"`
	UnreadCount         int           `json:"unread_count"`
	LastActivityAt      *time.Time    `json:"last_activity_at,omitempty"`
	LastActivityPreview string        `json:"last_activity_preview,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleAdmin  ParticipantRole = "admin"
)

type Participant struct {
	UserId     int             `json:"user_id"`
	Username   string          `json:"username"`
	Role       ParticipantRole `json:"role"`
	JoinedAt   time.Time       `json:"joined_at"`
	LastReadAt *time.Time      `json:"last_read_at,omitempty"`
}

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

type File struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ReplyRef is the target of a reply. Body is null when the target could not
// be resolved, and may be an empty string when it resolved.
type ReplyRef struct {
	Id   string  `json:"id"`
	Body *string `json:"body"`
}

type Message struct {
	Id        string      `json:"id"`
	RoomId    string      `json:"room_id"`
	Sender    User        `json:"sender"`
	Body      string      `json:"body"`
	Kind      MessageKind `json:"kind"`
	File      *File       `json:"file,omitempty"`
	ReplyTo   *ReplyRef   `json:"reply_to,omitempty"`
	ReadBy    []int       `json:"read_by"`
	CreatedAt time.Time   `json:"created_at"`
	EditedAt  *time.Time  `json:"edited_at,omitempty"`
}
