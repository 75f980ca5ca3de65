package security

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("request beyond burst was allowed")
	}
}

func TestRateLimiter_PerIdentifier(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	if !rl.Allow("1.1.1.1") {
		t.Error("first identifier denied")
	}
	if !rl.Allow("2.2.2.2") {
		t.Error("second identifier should have its own bucket")
	}
	if rl.Allow("1.1.1.1") {
		t.Error("first identifier should be exhausted")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()
	rl.maxTracked = 5

	for i := 0; i < 10; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if got := rl.Tracked(); got > 5 {
		t.Errorf("expected at most 5 tracked identifiers, got %d", got)
	}
}

func TestRateLimiter_ReapIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	rl.Allow("stale-ip")
	rl.mu.Lock()
	rl.lru.Front().Value.(*visitor).lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.reapIdle(30 * time.Minute)
	if got := rl.Tracked(); got != 0 {
		t.Errorf("expected idle entry to be reaped, %d tracked", got)
	}
}
