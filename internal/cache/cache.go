package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// A store with single-flight filling.
type Cache struct {
	store  Store
	flight singleflight.Group
}

// Creates a cache backed by store.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Returns the underlying store.
func (c *Cache) Store() Store {
	return c.store
}

// Returns the entry for key, or [ErrNotFound].
func (c *Cache) Lookup(key Key) (*Entry, error) {
	return c.store.Lookup(key)
}

// Produces the entry for key, running fill at most once per key at a time.
//
// When another caller is already filling the same key, Fill waits for it
// and returns its entry with ran set to false. A failed fill is reported to
// every waiter and stores nothing; a later call runs fill again. A waiter
// whose shared fill was cancelled under another caller's context joins a
// new flight while its own ctx is live. Waiting is abandoned when ctx is
// done, without cancelling the fill in progress.
func (c *Cache) Fill(ctx context.Context, key Key, fill func() (*Entry, error)) (*Entry, bool, error) {
	for {
		e, ran, err := c.fillOnce(ctx, key, fill)
		if err != nil && !ran && ctx.Err() == nil && isCancellation(err) {
			slog.Debug("shared cache fill cancelled, filling again", "key", key.Short())
			continue
		}
		return e, ran, err
	}
}

// Joins or starts one flight for key.
func (c *Cache) fillOnce(ctx context.Context, key Key, fill func() (*Entry, error)) (*Entry, bool, error) {
	var ran atomic.Bool
	ch := c.flight.DoChan(string(key), func() (any, error) {
		if e, err := c.store.Lookup(key); err == nil {
			return e, nil
		} else if !errors.Is(err, ErrNotFound) {
			slog.Warn("discarding unreadable cache entry", "key", key.Short(), "error", err)
			if err := c.store.Remove(key); err != nil {
				return nil, err
			}
		}
		ran.Store(true)
		return fill()
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, ran.Load(), res.Err
		}
		return res.Val.(*Entry), ran.Load(), nil
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
