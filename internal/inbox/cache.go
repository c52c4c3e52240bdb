package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrUnknownItem = errors.New("inbox item not cached")

// Cache is the in-memory owner of the latest snapshot. Every change is a
// read-modify-write under one lock, run through Store.Update against the
// latest persisted value so that other processes sharing the store do not
// lose their changes. When the save fails the in-memory value still moves
// forward and the error is returned for logging.
type Cache struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
	snap  Snapshot

	// flags for every id seen by this process or loaded from the store
	memo map[string]Flags
	// ids deleted locally; listings must not bring them back
	tombstones map[string]struct{}
}

type CacheOption func(*Cache)

// WithNow sets the clock used to stamp full listings and measure age.
func WithNow(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:      store,
		now:        time.Now,
		memo:       make(map[string]Flags),
		tombstones: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replaces the in-memory snapshot with the persisted one.
func (c *Cache) Load(ctx context.Context) error {
	s, ok, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load inbox cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ok {
		c.snap = s
		c.remember(s.Items)
	}
	return nil
}

func (c *Cache) remember(items []Item) {
	for _, it := range items {
		c.memo[it.ID] = it.Flags()
	}
}

func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.clone()
}

// Age reports how long ago the last full listing was merged. ok is false
// when there has been none.
func (c *Cache) Age() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap.Timestamp.IsZero() {
		return 0, false
	}
	return c.now().Sub(c.snap.Timestamp), true
}

// Merge adds the new identities in incoming. A full listing also refreshes
// the snapshot timestamp.
func (c *Cache) Merge(ctx context.Context, incoming []Item, fullListing bool) ([]Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []Item
	err := c.apply(ctx, func(next *Snapshot) error {
		var items []Item
		items, added = Merge(next.Items, incoming, c.memo, c.tombstones)
		if len(added) == 0 && !fullListing {
			return errUnchanged
		}
		next.Items = items
		if fullListing {
			next.Timestamp = c.now().UTC()
		}
		return nil
	})
	c.remember(added)
	return added, err
}

// Update applies fn to the cached item with the given id.
func (c *Cache) Update(ctx context.Context, id string, fn func(*Item)) (Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var updated Item
	err := c.apply(ctx, func(next *Snapshot) error {
		for i := range next.Items {
			if next.Items[i].ID != id {
				continue
			}
			fn(&next.Items[i])
			updated = next.Items[i]
			return nil
		}
		return ErrUnknownItem
	})
	if errors.Is(err, ErrUnknownItem) {
		return Item{}, err
	}

	c.memo[id] = updated.Flags()
	return updated, err
}

// Remove drops the item and keeps it from being merged again.
func (c *Cache) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tombstones[id] = struct{}{}

	return c.apply(ctx, func(next *Snapshot) error {
		kept := make([]Item, 0, len(next.Items))
		for _, it := range next.Items {
			if it.ID != id {
				kept = append(kept, it)
			}
		}
		if len(kept) == len(next.Items) {
			return ErrUnknownItem
		}
		next.Items = kept
		return nil
	})
}

var errUnchanged = errors.New("inbox cache unchanged")

// apply runs change against the latest persisted snapshot and saves the
// result, so changes made by other processes sharing the store are kept.
// When the store cannot be read the change is applied to the in-memory
// snapshot. Either way the in-memory value moves forward; a failed save is
// returned for logging. change must leave next untouched when it returns an
// error. Callers hold c.mu.
func (c *Cache) apply(ctx context.Context, change func(next *Snapshot) error) error {
	var (
		next      Snapshot
		changeErr error
		ran       bool
	)
	err := c.store.Update(ctx, func(cur Snapshot, ok bool) (Snapshot, error) {
		ran = true
		base := c.snap
		if ok {
			c.adopt(cur)
			base = cur
		}
		next = base.clone()
		if changeErr = change(&next); changeErr != nil {
			return Snapshot{}, changeErr
		}
		return next, nil
	})

	if !ran {
		next = c.snap.clone()
		changeErr = change(&next)
	}
	c.snap = next

	switch {
	case errors.Is(changeErr, errUnchanged):
		return nil
	case changeErr != nil:
		return changeErr
	case err != nil:
		return fmt.Errorf("save inbox cache: %w", err)
	}
	return nil
}

// adopt takes the flags another process persisted for the items in cur.
// They are newer than anything this process remembers for those ids.
func (c *Cache) adopt(cur Snapshot) {
	c.remember(cur.Items)
}
