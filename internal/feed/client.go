package feed

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/opsdesk/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

// Client is one websocket connection on the feed. It receives only events
// for rooms its user participates in and only for the table/kind pairs it
// subscribed to.
type Client struct {
	conn     *websocket.Conn
	hub      *Hub
	log      *log.Logger
	user     types.User
	send     chan *ServerMessage
	subs     map[Table]map[Kind]struct{}
	subsLock sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, hub *Hub, l *log.Logger) *Client {
	return &Client{
		conn: conn,
		hub:  hub,
		log:  l,
		user: user,
		send: make(chan *ServerMessage, 256),
		subs: make(map[Table]map[Kind]struct{}),
		stop: make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ClientMessage) {
	switch {
	case msg.Subscribe != nil:
		if err := validateSubscription(msg.Subscribe); err != nil {
			c.queueMessage(ErrInvalidSubscription(msg.Id, err.Error()))
			return
		}
		c.subscribe(msg.Subscribe)
		c.queueMessage(NoErrOK(msg.Id, c.subscriptions()))
	case msg.Unsubscribe != nil:
		if err := validateSubscription(msg.Unsubscribe); err != nil {
			c.queueMessage(ErrInvalidSubscription(msg.Id, err.Error()))
			return
		}
		c.unsubscribe(msg.Unsubscribe)
		c.queueMessage(NoErrOK(msg.Id, c.subscriptions()))
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func validateSubscription(s *Subscription) error {
	if len(s.Tables) == 0 {
		return fmt.Errorf("subscription names no tables")
	}
	for _, t := range s.Tables {
		if !t.Valid() {
			return fmt.Errorf("unknown table %q", t)
		}
	}
	for _, k := range s.Events {
		if !k.Valid() {
			return fmt.Errorf("unknown event kind %q", k)
		}
	}
	return nil
}

func kindsOrAll(kinds []Kind) []Kind {
	if len(kinds) == 0 {
		return Kinds
	}
	return kinds
}

func (c *Client) subscribe(s *Subscription) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	for _, t := range s.Tables {
		if c.subs[t] == nil {
			c.subs[t] = make(map[Kind]struct{})
		}
		for _, k := range kindsOrAll(s.Events) {
			c.subs[t][k] = struct{}{}
		}
	}
}

func (c *Client) unsubscribe(s *Subscription) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	for _, t := range s.Tables {
		for _, k := range kindsOrAll(s.Events) {
			delete(c.subs[t], k)
		}
		if len(c.subs[t]) == 0 {
			delete(c.subs, t)
		}
	}
}

// subscriptions reports the current filter as table -> kinds.
func (c *Client) subscriptions() map[Table][]Kind {
	c.subsLock.RLock()
	defer c.subsLock.RUnlock()

	out := make(map[Table][]Kind, len(c.subs))
	for _, t := range Tables {
		for _, k := range Kinds {
			if _, ok := c.subs[t][k]; ok {
				out[t] = append(out[t], k)
			}
		}
	}
	return out
}

func (c *Client) wants(ev Event) bool {
	c.subsLock.RLock()
	defer c.subsLock.RUnlock()

	_, ok := c.subs[ev.Table][ev.Kind]
	return ok
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("failed to send message to %q, channel is full", c.user.Username)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.hub.deregister(c)
	c.stopClient()
}
