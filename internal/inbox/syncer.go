package inbox

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/npezzotti/opsdesk/internal/apperr"
)

const (
	DefaultStaleAfter   = 2 * time.Minute
	DefaultPollInterval = time.Minute
	DefaultFetchTimeout = 20 * time.Second

	remoteTimeout = 10 * time.Second
	maxPushDelay  = time.Minute
)

// PushSource delivers new items one at a time until ctx is done or the
// transport fails.
type PushSource interface {
	Consume(ctx context.Context, handle func(context.Context, Item) error) error
}

// Syncer feeds the cache from the mailbox listing and an optional push
// source, and forwards local actions to the mailbox.
type Syncer struct {
	cache   *Cache
	mailbox Mailbox
	push    PushSource
	log     *log.Logger

	fetchTimeout time.Duration
	staleAfter   time.Duration
	interval     time.Duration

	flight   singleflight.Group
	detached sync.WaitGroup
}

type SyncerOption func(*Syncer)

func WithPush(p PushSource) SyncerOption {
	return func(s *Syncer) { s.push = p }
}

func WithFetchTimeout(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.fetchTimeout = d }
}

func WithStaleAfter(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.staleAfter = d }
}

func WithPollInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) { s.interval = d }
}

func NewSyncer(logger *log.Logger, cache *Cache, mailbox Mailbox, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		cache:        cache,
		mailbox:      mailbox,
		log:          logger,
		fetchTimeout: DefaultFetchTimeout,
		staleAfter:   DefaultStaleAfter,
		interval:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read returns the cached snapshot when it is younger than the staleness
// threshold and otherwise fetches a full listing first.
func (s *Syncer) Read(ctx context.Context) (Snapshot, error) {
	if age, ok := s.cache.Age(); ok && age < s.staleAfter {
		return s.cache.Snapshot(), nil
	}

	if _, err := s.fetch(ctx); err != nil {
		return Snapshot{}, err
	}
	return s.cache.Snapshot(), nil
}

// Poll fetches a full listing regardless of staleness and merges the new
// identities. It returns the items that were added.
func (s *Syncer) Poll(ctx context.Context) ([]Item, error) {
	return s.fetch(ctx)
}

// fetch lists the mailbox and merges the result. Concurrent callers share
// one listing. The listing runs on its own context bounded by fetchTimeout
// so that a caller giving up does not cancel it for the others.
func (s *Syncer) fetch(ctx context.Context) ([]Item, error) {
	const op = "inbox.fetch"

	ch := s.flight.DoChan("list", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
		defer cancel()

		items, err := s.mailbox.List(fctx)
		if err != nil {
			return nil, err
		}

		added, err := s.cache.Merge(fctx, items, true)
		if err != nil {
			s.log.Printf("inbox: %v", err)
		}
		return added, nil
	})

	select {
	case <-ctx.Done():
		return nil, apperr.E(op, apperr.Retrievable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			var ae *apperr.Error
			if errors.As(res.Err, &ae) {
				return nil, res.Err
			}
			return nil, apperr.E(op, apperr.Retrievable, res.Err)
		}
		added, _ := res.Val.([]Item)
		return added, nil
	}
}

// OnPush merges one pushed item.
func (s *Syncer) OnPush(ctx context.Context, it Item) error {
	if it.ID == "" {
		return apperr.Errorf("inbox.OnPush", apperr.InvalidArgument, "item has no id")
	}

	if _, err := s.cache.Merge(ctx, []Item{it}, false); err != nil {
		s.log.Printf("inbox: %v", err)
	}
	return nil
}

// Run polls on the configured interval and consumes the push source until
// ctx is done. Failures skip a cycle and leave the cache as it was.
func (s *Syncer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if s.push != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consumePush(ctx)
		}()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Syncer) pollOnce(ctx context.Context) {
	added, err := s.Poll(ctx)
	if err != nil {
		s.log.Printf("inbox poll skipped: %v", err)
		return
	}
	if len(added) > 0 {
		s.log.Printf("inbox poll: %d new", len(added))
	}
}

// consumePush keeps the push source connected, backing off between
// failures.
func (s *Syncer) consumePush(ctx context.Context) {
	delay := time.Second
	for {
		err := s.push.Consume(ctx, s.OnPush)
		if ctx.Err() != nil {
			return
		}
		s.log.Printf("inbox push: %v, retrying in %s", err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxPushDelay {
			delay = maxPushDelay
		}
	}
}

// MarkRead sets is_read locally and tells the mailbox in the background.
func (s *Syncer) MarkRead(ctx context.Context, id string) (Item, error) {
	it, err := s.update(ctx, "inbox.MarkRead", id, func(it *Item) { it.IsRead = true })
	if err != nil {
		return Item{}, err
	}

	s.detach("inbox mark seen "+id, func(ctx context.Context) error {
		return s.mailbox.MarkSeen(ctx, id)
	})
	return it, nil
}

// ToggleStar flips is_starred. Stars are local only.
func (s *Syncer) ToggleStar(ctx context.Context, id string) (Item, error) {
	return s.update(ctx, "inbox.ToggleStar", id, func(it *Item) { it.IsStarred = !it.IsStarred })
}

// Delete removes the item locally and from the mailbox in the background.
func (s *Syncer) Delete(ctx context.Context, id string) error {
	if err := s.cache.Remove(ctx, id); err != nil {
		if errors.Is(err, ErrUnknownItem) {
			return apperr.E("inbox.Delete", apperr.NotFound, err)
		}
		s.log.Printf("inbox: %v", err)
	}

	s.detach("inbox remote delete "+id, func(ctx context.Context) error {
		return s.mailbox.Delete(ctx, id)
	})
	return nil
}

func (s *Syncer) update(ctx context.Context, op, id string, fn func(*Item)) (Item, error) {
	it, err := s.cache.Update(ctx, id, fn)
	if errors.Is(err, ErrUnknownItem) {
		return Item{}, apperr.E(op, apperr.NotFound, err)
	}
	if err != nil {
		s.log.Printf("inbox: %v", err)
	}
	return it, nil
}

func (s *Syncer) detach(name string, fn func(ctx context.Context) error) {
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()

		ctx, cancel := context.WithTimeout(context.Background(), remoteTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.log.Printf("%s: %v", name, err)
		}
	}()
}

// Wait blocks until background mailbox calls have finished.
func (s *Syncer) Wait() {
	s.detached.Wait()
}
