package chatsync

import (
	"sort"
	"sync"

	"github.com/npezzotti/opsdesk/internal/feed"
	"github.com/npezzotti/opsdesk/internal/types"
)

// View names one cached view.
type View struct {
	// RoomID is empty for the room list.
	RoomID string
}

func (v View) IsRoomList() bool {
	return v.RoomID == ""
}

type eventKey struct {
	table feed.Table
	kind  feed.Kind
}

type invalidation func(c *ViewCache, ev feed.Event)

func invalidateRoomList(c *ViewCache, ev feed.Event) {
	c.InvalidateRooms()
}

// message events change the room's history and the room list preview and
// unread counts
func invalidateRoomAndList(c *ViewCache, ev feed.Event) {
	c.InvalidateMessages(ev.RoomID)
	c.InvalidateRooms()
}

// dispatch is the whole invalidation policy. Events never carry data the
// cache trusts; they only say which views to refetch.
var dispatch = map[eventKey]invalidation{
	{feed.TableMessages, feed.KindInsert}: invalidateRoomAndList,
	{feed.TableMessages, feed.KindUpdate}: invalidateRoomAndList,
	{feed.TableMessages, feed.KindDelete}: invalidateRoomAndList,

	{feed.TableRooms, feed.KindInsert}: invalidateRoomList,
	{feed.TableRooms, feed.KindUpdate}: invalidateRoomList,
	{feed.TableRooms, feed.KindDelete}: invalidateRoomList,

	{feed.TableParticipants, feed.KindInsert}: invalidateRoomList,
	{feed.TableParticipants, feed.KindUpdate}: invalidateRoomList,
	{feed.TableParticipants, feed.KindDelete}: invalidateRoomList,
}

// ViewCache holds the room list and per-room message lists of one session.
// Every invalidation bumps a generation counter; a fetch that started
// before an invalidation is not stored as valid.
type ViewCache struct {
	mu sync.Mutex

	rooms      []types.Room
	roomsValid bool
	roomsGen   uint64

	messages map[string][]types.Message
	msgGen   map[string]uint64

	onInvalidate func(View)
}

func NewViewCache() *ViewCache {
	return &ViewCache{
		messages: make(map[string][]types.Message),
		msgGen:   make(map[string]uint64),
	}
}

// OnInvalidate registers fn to be called after a view is invalidated. It is
// called without the cache lock held.
func (c *ViewCache) OnInvalidate(fn func(View)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInvalidate = fn
}

func (c *ViewCache) notify(v View) {
	c.mu.Lock()
	fn := c.onInvalidate
	c.mu.Unlock()

	if fn != nil {
		fn(v)
	}
}

// Apply invalidates the views ev can affect. It reports false for events
// outside the dispatch table.
func (c *ViewCache) Apply(ev feed.Event) bool {
	inv, ok := dispatch[eventKey{ev.Table, ev.Kind}]
	if !ok {
		return false
	}
	inv(c, ev)
	return true
}

func (c *ViewCache) Rooms() ([]types.Room, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.roomsValid {
		return nil, c.roomsGen, false
	}
	return append([]types.Room(nil), c.rooms...), c.roomsGen, true
}

// StoreRooms caches rooms fetched at generation gen. It reports false when
// the list was invalidated in the meantime.
func (c *ViewCache) StoreRooms(gen uint64, rooms []types.Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.roomsGen {
		return false
	}
	c.rooms = append([]types.Room(nil), rooms...)
	c.roomsValid = true
	return true
}

func (c *ViewCache) Messages(roomID string) ([]types.Message, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs, ok := c.messages[roomID]
	if !ok {
		return nil, c.msgGen[roomID], false
	}
	return append([]types.Message(nil), msgs...), c.msgGen[roomID], true
}

func (c *ViewCache) StoreMessages(roomID string, gen uint64, msgs []types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.msgGen[roomID] {
		return false
	}
	c.messages[roomID] = append([]types.Message{}, msgs...)
	return true
}

// AddMessage puts a message the session just sent into the room's cached
// list, keeping creation order. When the list is not cached, a fetch that
// may have started before the send is kept from storing its result.
func (c *ViewCache) AddMessage(msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs, ok := c.messages[msg.RoomId]
	if !ok {
		c.msgGen[msg.RoomId]++
		return
	}
	for _, m := range msgs {
		if m.Id == msg.Id {
			return
		}
	}

	msgs = append(msgs, msg)
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Id < msgs[j].Id
	})
	c.messages[msg.RoomId] = msgs
}

func (c *ViewCache) InvalidateRooms() {
	c.mu.Lock()
	c.roomsValid = false
	c.rooms = nil
	c.roomsGen++
	c.mu.Unlock()

	c.notify(View{})
}

func (c *ViewCache) InvalidateMessages(roomID string) {
	c.mu.Lock()
	delete(c.messages, roomID)
	c.msgGen[roomID]++
	c.mu.Unlock()

	c.notify(View{RoomID: roomID})
}

// InvalidateAll drops every cached view.
func (c *ViewCache) InvalidateAll() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.messages))
	for id := range c.messages {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	c.InvalidateRooms()
	for _, id := range rooms {
		c.InvalidateMessages(id)
	}
}
