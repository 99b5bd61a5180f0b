// Package ratelimit implements the backup engine's token bucket rate
// limiter. golang.org/x/time/rate's Limiter has no partial-extract
// operation (WaitN either grants the full request or blocks), so this is
// a direct mutex-guarded reimplementation of the extract/grant contract
// rather than a wrapper around it.
package ratelimit

import (
	"sync"
	"time"
)

// clock is overridden in tests to avoid real sleeps.
type clock func() time.Time

// TokenBucket is an integer-capacity bucket that refills continuously by
// elapsed time × limit. limitPerSec == 0 disables limiting entirely.
type TokenBucket struct {
	mu sync.Mutex

	limitPerSec int64
	available   float64
	last        time.Time
	now         clock
}

// New builds a TokenBucket with the given per-second limit. A limit of 0
// disables limiting: Extract and Grant always succeed.
func New(limitPerSec int64) *TokenBucket {
	return &TokenBucket{
		limitPerSec: limitPerSec,
		available:   float64(limitPerSec),
		last:        time.Now(),
		now:         time.Now,
	}
}

func (b *TokenBucket) refill() {
	if b.limitPerSec == 0 {
		return
	}
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.available += elapsed * float64(b.limitPerSec)
	cap := float64(b.limitPerSec)
	if b.available > cap {
		b.available = cap
	}
	b.last = now
}

// Extract returns min(available, n) and consumes that many tokens.
// Disabled (limitPerSec == 0) always returns n.
func (b *TokenBucket) Extract(n int64) int64 {
	if b.limitPerSec == 0 {
		return n
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()

	take := n
	if b.available < float64(take) {
		take = int64(b.available)
	}
	b.available -= float64(take)
	return take
}

// Grant returns true and consumes n tokens iff n tokens are currently
// available. Disabled (limitPerSec == 0) always grants.
func (b *TokenBucket) Grant(n int64) bool {
	if b.limitPerSec == 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()

	if b.available < float64(n) {
		return false
	}
	b.available -= float64(n)
	return true
}

// Enabled reports whether this bucket actually limits throughput.
func (b *TokenBucket) Enabled() bool {
	return b.limitPerSec != 0
}
