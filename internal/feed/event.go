package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

type Table string

const (
	TableMessages     Table = "messages"
	TableRooms        Table = "rooms"
	TableParticipants Table = "participants"
)

var Tables = []Table{TableMessages, TableRooms, TableParticipants}

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

var Kinds = []Kind{KindInsert, KindUpdate, KindDelete}

func (t Table) Valid() bool {
	switch t {
	case TableMessages, TableRooms, TableParticipants:
		return true
	}
	return false
}

func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Event identifies a changed row. It carries no row data: receivers are
// expected to refetch whatever views the row can affect.
type Event struct {
	ID     string    `json:"id"`
	Table  Table     `json:"table"`
	Kind   Kind      `json:"kind"`
	RoomID string    `json:"room_id"`
	RowID  string    `json:"row_id"`
	UserID int       `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

func NewEvent(table Table, kind Kind, roomID, rowID string) Event {
	return Event{
		ID:     ulid.Make().String(),
		Table:  table,
		Kind:   kind,
		RoomID: roomID,
		RowID:  rowID,
		At:     time.Now().UTC(),
	}
}

// NewParticipantEvent builds an event for the (roomID, userID) participant
// row.
func NewParticipantEvent(kind Kind, roomID string, userID int) Event {
	ev := NewEvent(TableParticipants, kind, roomID, ParticipantRowID(roomID, userID))
	ev.UserID = userID
	return ev
}

func ParticipantRowID(roomID string, userID int) string {
	return roomID + ":" + strconv.Itoa(userID)
}

// Publisher accepts change events for fan-out.
type Publisher interface {
	Publish(ev Event)
}

// ParseNotification decodes a chat_changes payload emitted by the database
// triggers.
func ParseNotification(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}

	if !ev.Table.Valid() {
		return Event{}, fmt.Errorf("unknown table %q", ev.Table)
	}
	if !ev.Kind.Valid() {
		return Event{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if ev.RoomID == "" {
		return Event{}, fmt.Errorf("notification for %s has no room", ev.Table)
	}

	ev.ID = ulid.Make().String()
	ev.At = time.Now().UTC()

	return ev, nil
}
