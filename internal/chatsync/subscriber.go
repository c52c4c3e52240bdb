package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/npezzotti/opsdesk/internal/feed"
)

type State int

const (
	StateDisconnected State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Conn is one open feed connection.
type Conn interface {
	Send(msg feed.ClientMessage) error
	Receive() (feed.ServerMessage, error)
	Close() error
}

type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

var errSubscriptionRejected = errors.New("subscription rejected")

// streams are the change streams a session listens to.
var streams = []feed.Subscription{
	{Tables: []feed.Table{feed.TableMessages}, Events: []feed.Kind{feed.KindInsert, feed.KindUpdate, feed.KindDelete}},
	{Tables: []feed.Table{feed.TableRooms}, Events: []feed.Kind{feed.KindInsert, feed.KindUpdate}},
	{Tables: []feed.Table{feed.TableParticipants}, Events: []feed.Kind{feed.KindInsert, feed.KindUpdate}},
}

// Subscriber keeps one feed connection open and turns what arrives on it
// into cache invalidations. Every successful subscribe invalidates the
// whole cache, since events may have been missed while disconnected.
type Subscriber struct {
	log       *log.Logger
	transport Transport
	cache     *ViewCache

	minBackoff time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	state   State
	onState func(State)
}

type SubscriberOption func(*Subscriber)

func WithBackoff(min, max time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.minBackoff = min
		s.maxBackoff = max
	}
}

// WithStateHook calls fn on every state transition.
func WithStateHook(fn func(State)) SubscriberOption {
	return func(s *Subscriber) {
		s.onState = fn
	}
}

func NewSubscriber(logger *log.Logger, transport Transport, cache *ViewCache, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		log:        logger,
		transport:  transport,
		cache:      cache,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscriber) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	fn := s.onState
	s.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}

// Run connects and reconnects until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	delay := s.minBackoff
	for {
		s.setState(StateSubscribing)
		subscribed, err := s.session(ctx)
		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			delay = s.minBackoff
		}
		s.log.Printf("feed connection lost: %v, retrying in %s", err, delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		delay *= 2
		if delay > s.maxBackoff {
			delay = s.maxBackoff
		}
	}
}

// session runs one connection. It reports whether the subscription was
// acknowledged before the connection ended.
func (s *Subscriber) session(ctx context.Context) (bool, error) {
	conn, err := s.transport.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	pending := make(map[int]bool, len(streams))
	for i := range streams {
		id := i + 1
		msg := feed.ClientMessage{
			BaseMessage: feed.BaseMessage{Id: id, Timestamp: feed.Now()},
			Subscribe:   &streams[i],
		}
		if err := conn.Send(msg); err != nil {
			return false, fmt.Errorf("subscribe: %w", err)
		}
		pending[id] = true
	}

	subscribed := false
	for {
		msg, err := conn.Receive()
		if err != nil {
			return subscribed, err
		}

		switch {
		case msg.Response != nil:
			if !pending[msg.Id] {
				continue
			}
			if msg.Response.ResponseCode != http.StatusOK {
				return subscribed, fmt.Errorf("%w: %s", errSubscriptionRejected, msg.Response.Error)
			}
			delete(pending, msg.Id)
			if len(pending) == 0 {
				subscribed = true
				s.cache.InvalidateAll()
				s.setState(StateSubscribed)
			}
		case msg.Event != nil:
			s.cache.Apply(*msg.Event)
		case msg.Notification != nil && msg.Notification.Resync != nil:
			s.log.Printf("feed asked for resync: %s", msg.Notification.Resync.Reason)
			s.cache.InvalidateAll()
		}
	}
}
