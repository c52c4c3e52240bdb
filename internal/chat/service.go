// Package chat implements the room directory, message retrieval and the
// chat mutations on top of a database.ChatRepository.
package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/opsdesk/internal/apperr"
	"github.com/npezzotti/opsdesk/internal/database"
	"github.com/npezzotti/opsdesk/internal/feed"
	"github.com/npezzotti/opsdesk/internal/stats"
)

const (
	DefaultTimeout = 20 * time.Second
	detachTimeout  = 10 * time.Second
)

var errNoIdentity = errors.New("no authenticated user")

// Clock supplies timestamps for stored rows.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now is truncated to microseconds, the precision Postgres keeps, so
// values compare the same before and after a round trip.
func (systemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

type Service struct {
	repo     database.ChatRepository
	log      *log.Logger
	events   feed.Publisher
	activity ActivityLog
	stats    stats.Provider
	clock    Clock
	timeout  time.Duration

	// serializes direct room creation so two concurrent requests for the
	// same pair cannot both miss the lookup
	directMu sync.Mutex
	detached sync.WaitGroup
}

type Option func(*Service)

// WithEvents publishes change events in process. Leave unset when the
// database emits them itself.
func WithEvents(p feed.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithActivityLog(a ActivityLog) Option {
	return func(s *Service) { s.activity = a }
}

func WithStats(su stats.Provider) Option {
	return func(s *Service) {
		su.Register(stats.MessagesSent, stats.RoomsCreated)
		s.stats = su
	}
}

func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

func NewService(logger *log.Logger, repo database.ChatRepository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		log:     logger,
		clock:   systemClock{},
		timeout: DefaultTimeout,
	}
	s.activity = NewLogActivity(logger)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) publish(evs ...feed.Event) {
	if s.events == nil {
		return
	}
	for _, ev := range evs {
		s.events.Publish(ev)
	}
}

func (s *Service) incr(m stats.Metric) {
	if s.stats != nil {
		s.stats.Add(m, 1)
	}
}

// detach runs fn in the background. Failures are logged and never reach the
// caller.
func (s *Service) detach(name string, fn func(ctx context.Context) error) {
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()

		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.log.Printf("%s: %v", name, err)
		}
	}()
}

// Wait blocks until detached work has finished.
func (s *Service) Wait() {
	s.detached.Wait()
}

// Audience lists the participants of a room. It backs the change feed's
// per-event authorization.
func (s *Service) Audience(ctx context.Context, roomID string) ([]int, error) {
	participants, err := s.repo.ListParticipants(ctx, []string{roomID})
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserId)
	}
	return ids, nil
}

// storeErr classifies a repository failure. Missing rows map to notFound;
// anything else is treated as a transient store failure.
func storeErr(op string, err error, notFound apperr.Kind) error {
	if errors.Is(err, database.ErrNotFound) {
		return apperr.E(op, notFound, err)
	}
	if errors.Is(err, database.ErrConflict) {
		return apperr.E(op, apperr.InvalidArgument, err)
	}
	return apperr.E(op, apperr.Retrievable, err)
}

// requireParticipant checks that the room exists and that userID belongs
// to it, keeping a missing room distinct from a room the caller cannot see.
func (s *Service) requireParticipant(ctx context.Context, op, roomID string, userID int) (database.Room, database.Participant, error) {
	room, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return database.Room{}, database.Participant{}, storeErr(op, err, apperr.NotFound)
	}

	p, err := s.repo.GetParticipant(ctx, roomID, userID)
	if err != nil {
		return database.Room{}, database.Participant{}, storeErr(op, err, apperr.Forbidden)
	}

	return room, p, nil
}
