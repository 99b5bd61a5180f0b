// Package lock implements the per-process and distributed locks that
// serialize backup/restore commands against the same host and the same
// replica set: an advisory flock (github.com/gofrs/flock) for the local
// process, plus an optional etcd- or DynamoDB-backed distributed lock
// held for the duration of a backup/restore critical section.
package lock

import (
	"context"
)

// Locker is a held-or-not mutual exclusion primitive with an explicit
// acquire/release pair, usable both locally (one process) and across a
// replica set (distributed backend).
type Locker interface {
	// TryLock attempts to acquire the lock without blocking. Returns
	// false, nil if another holder currently owns it.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases the lock. Unlock on a lock that was never
	// successfully acquired is a no-op.
	Unlock(ctx context.Context) error
}

// Chain acquires every Locker in order, releasing anything already
// acquired if a later one fails or is already held. Mirrors
// lock_manager.py's nested "with flock, with zk_lock" composition: the
// local flock first (the cheaper, always-available check), then the
// distributed lock.
type Chain struct {
	lockers []Locker
	held    []Locker
}

// NewChain builds a Chain over lockers, skipping nil entries so callers
// can pass an optionally-nil distributed lock directly.
func NewChain(lockers ...Locker) *Chain {
	c := &Chain{}
	for _, l := range lockers {
		if l != nil {
			c.lockers = append(c.lockers, l)
		}
	}
	return c
}

// Acquire locks every member of the chain, in order. On failure it
// unwinds anything already held and returns false.
func (c *Chain) Acquire(ctx context.Context) (bool, error) {
	for _, l := range c.lockers {
		ok, err := l.TryLock(ctx)
		if err != nil {
			c.release(ctx)
			return false, err
		}
		if !ok {
			c.release(ctx)
			return false, nil
		}
		c.held = append(c.held, l)
	}
	return true, nil
}

// Release unwinds every currently-held member of the chain, in reverse
// acquisition order, returning the first error encountered (continuing
// to release the rest regardless).
func (c *Chain) Release(ctx context.Context) error {
	return c.release(ctx)
}

func (c *Chain) release(ctx context.Context) error {
	var firstErr error
	for i := len(c.held) - 1; i >= 0; i-- {
		if err := c.held[i].Unlock(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.held = nil
	return firstErr
}

// NoopLocker is a Locker that always succeeds, used when lock
// acquisition is disabled by configuration.
type NoopLocker struct{}

func (NoopLocker) TryLock(ctx context.Context) (bool, error) { return true, nil }
func (NoopLocker) Unlock(ctx context.Context) error          { return nil }

var _ Locker = NoopLocker{}
