package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxTracked = 10000

// visitor pairs a token bucket with its last access time for idle reaping.
type visitor struct {
	identifier string
	limiter    *rate.Limiter
	lastSeen   time.Time
}

// RateLimiter applies a per-identifier token bucket, typically keyed by
// client IP. Tracked identifiers are bounded by LRU eviction so hostile
// traffic cannot grow the map without limit.
type RateLimiter struct {
	mu         sync.Mutex
	visitors   map[string]*list.Element
	lru        *list.List
	rps        rate.Limit
	burst      int
	maxTracked int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter creates a rate limiter allowing requestsPerSecond with
// the given burst per identifier.
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		visitors:        make(map[string]*list.Element),
		lru:             list.New(),
		rps:             rate.Limit(requestsPerSecond),
		burst:           burst,
		maxTracked:      defaultMaxTracked,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from identifier may proceed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if elem, ok := rl.visitors[identifier]; ok {
		rl.lru.MoveToFront(elem)
		v := elem.Value.(*visitor)
		v.lastSeen = now
		return v.limiter.Allow()
	}

	if len(rl.visitors) >= rl.maxTracked {
		rl.evictOldest()
	}

	v := &visitor{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.rps, rl.burst),
		lastSeen:   now,
	}
	rl.visitors[identifier] = rl.lru.PushFront(v)
	return v.limiter.Allow()
}

// evictOldest drops the least recently seen visitor. Caller holds the lock.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	v := elem.Value.(*visitor)
	delete(rl.visitors, v.identifier)
	rl.lru.Remove(elem)
	rl.logger.Debug("Evicted rate limiter entry", "tracked", len(rl.visitors))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.reapIdle(30 * time.Minute)
		case <-rl.stopCleanup:
			return
		}
	}
}

// reapIdle removes visitors not seen within maxIdle.
func (rl *RateLimiter) reapIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0
	var next *list.Element
	for elem := rl.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		v := elem.Value.(*visitor)
		if now.Sub(v.lastSeen) > maxIdle {
			delete(rl.visitors, v.identifier)
			rl.lru.Remove(elem)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("Reaped idle rate limiter entries", "removed", removed, "remaining", len(rl.visitors))
	}
}

// Tracked returns the number of identifiers currently tracked.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
