package feed

import (
	"context"
	"log"
	"time"

	"github.com/npezzotti/opsdesk/internal/stats"
)

const audienceTimeout = 5 * time.Second

// AudienceFunc returns the ids of the users allowed to see events for a
// room.
type AudienceFunc func(ctx context.Context, roomID string) ([]int, error)

type stopReq struct {
	done chan struct{}
}

// audienceResult carries a finished audience lookup back to Run.
type audienceResult struct {
	ev    Event
	users []int
	err   error
}

// Hub owns the set of connected feed clients and fans events out to them.
// All client bookkeeping happens on the Run goroutine. Audience lookups run
// off it, one room at a time, so events of a room keep their order.
type Hub struct {
	log            *log.Logger
	audience       AudienceFunc
	stats          stats.Provider
	clients        map[*Client]struct{}
	userMap        map[int]map[*Client]struct{}
	registerChan   chan *Client
	deRegisterChan chan *Client
	eventChan      chan Event
	resolvedChan   chan audienceResult
	broadcastChan  chan *ServerMessage
	stop           chan stopReq
	done           chan struct{}

	// rooms with a lookup in progress, and the events queued behind it
	pending map[string][]Event
}

func NewHub(logger *log.Logger, audience AudienceFunc, su stats.Provider) *Hub {
	su.Register(stats.FeedClients, stats.EventsPublished, stats.EventsDelivered)

	return &Hub{
		log:            logger,
		audience:       audience,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[int]map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		eventChan:      make(chan Event, 512),
		resolvedChan:   make(chan audienceResult),
		pending:        make(map[string][]Event),
		broadcastChan:  make(chan *ServerMessage, 16),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.registerChan:
			h.addClient(c)
		case c := <-h.deRegisterChan:
			h.removeClient(c)
		case ev := <-h.eventChan:
			h.dispatch(ev)
		case res := <-h.resolvedChan:
			h.deliver(res)
		case msg := <-h.broadcastChan:
			for c := range h.clients {
				c.queueMessage(msg)
			}
		case req := <-h.stop:
			h.log.Println("shutting down feed clients")
			for c := range h.clients {
				c.stopClient()
			}
			close(h.done)
			close(req.done)
			return
		}
	}
}

// Register adds c to the hub. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.registerChan <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) deregister(c *Client) {
	select {
	case h.deRegisterChan <- c:
	case <-h.done:
	}
}

// Publish queues ev for delivery. Events published after shutdown are
// dropped.
func (h *Hub) Publish(ev Event) {
	select {
	case h.eventChan <- ev:
	case <-h.done:
	}
}

// Resync tells every connected client to refetch its views.
func (h *Hub) Resync(reason string) {
	select {
	case h.broadcastChan <- ResyncMessage(reason):
	case <-h.done:
	}
}

func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Println("received shutdown signal")
	req := stopReq{done: make(chan struct{})}

	select {
	case h.stop <- req:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) addClient(c *Client) {
	h.clients[c] = struct{}{}
	if h.userMap[c.user.Id] == nil {
		h.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	h.userMap[c.user.Id][c] = struct{}{}
	h.stats.Add(stats.FeedClients, 1)
	h.log.Printf("added feed client for %q", c.user.Username)
}

func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	delete(h.clients, c)
	if conns, ok := h.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.userMap, c.user.Id)
		}
	}
	h.stats.Add(stats.FeedClients, -1)
	h.log.Printf("removed feed client for %q", c.user.Username)
}

// recipients resolves the users that may see ev. For participant rows the
// affected user is always included so a removed member still learns about
// the removal.
func (h *Hub) recipients(ev Event) ([]int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), audienceTimeout)
	defer cancel()

	users, err := h.audience(ctx, ev.RoomID)
	if err != nil {
		return nil, err
	}

	if ev.UserID != 0 {
		for _, id := range users {
			if id == ev.UserID {
				return users, nil
			}
		}
		users = append(users, ev.UserID)
	}

	return users, nil
}

// dispatch counts ev and starts its audience lookup, or queues it behind
// the lookup already running for its room.
func (h *Hub) dispatch(ev Event) {
	h.stats.Add(stats.EventsPublished, 1)
	h.stats.CountEvent(string(ev.Table), string(ev.Kind))
	if len(h.clients) == 0 {
		return
	}

	if queued, busy := h.pending[ev.RoomID]; busy {
		h.pending[ev.RoomID] = append(queued, ev)
		return
	}
	h.pending[ev.RoomID] = nil
	go h.resolve(ev)
}

func (h *Hub) resolve(ev Event) {
	users, err := h.recipients(ev)
	select {
	case h.resolvedChan <- audienceResult{ev: ev, users: users, err: err}:
	case <-h.done:
	}
}

// deliver queues the event to the subscribed clients of its audience and
// starts the next lookup for the room.
func (h *Hub) deliver(res audienceResult) {
	roomID := res.ev.RoomID
	if queued := h.pending[roomID]; len(queued) > 0 {
		h.pending[roomID] = queued[1:]
		go h.resolve(queued[0])
	} else {
		delete(h.pending, roomID)
	}

	if res.err != nil {
		h.log.Printf("resolve audience for room %q: %v", roomID, res.err)
		return
	}

	msg := EventMessage(res.ev)
	for _, id := range res.users {
		for c := range h.userMap[id] {
			if c.wants(res.ev) && c.queueMessage(msg) {
				h.stats.Add(stats.EventsDelivered, 1)
			}
		}
	}
}
