package ratelimit

import (
	"testing"
	"time"
)

func TestExtractCapsAtAvailable(t *testing.T) {
	b := New(100)
	b.available = 10
	b.now = func() time.Time { return b.last }

	got := b.Extract(50)
	if got != 10 {
		t.Fatalf("Extract(50) = %d, want 10", got)
	}
	if b.available != 0 {
		t.Fatalf("available after extract = %v, want 0", b.available)
	}
}

func TestGrantFailsWhenInsufficient(t *testing.T) {
	b := New(100)
	b.available = 5
	b.now = func() time.Time { return b.last }

	if b.Grant(10) {
		t.Fatalf("Grant(10) should fail with only 5 available")
	}
	if b.available != 5 {
		t.Fatalf("available should be untouched after a failed grant, got %v", b.available)
	}

	if !b.Grant(5) {
		t.Fatalf("Grant(5) should succeed with 5 available")
	}
	if b.available != 0 {
		t.Fatalf("available after grant = %v, want 0", b.available)
	}
}

func TestZeroLimitDisablesLimiting(t *testing.T) {
	b := New(0)
	if !b.Grant(1_000_000) {
		t.Fatalf("Grant should always succeed when limiting is disabled")
	}
	if b.Extract(1_000_000) != 1_000_000 {
		t.Fatalf("Extract should return the full request when limiting is disabled")
	}
	if b.Enabled() {
		t.Fatalf("Enabled() should be false for limitPerSec == 0")
	}
}

func TestRefillAdvancesWithElapsedTime(t *testing.T) {
	b := New(10)
	b.available = 0
	tick := b.last
	b.now = func() time.Time { tick = tick.Add(time.Second); return tick }

	got := b.Extract(5)
	if got != 5 {
		t.Fatalf("Extract(5) after 1s refill at 10/s = %d, want 5", got)
	}
}
