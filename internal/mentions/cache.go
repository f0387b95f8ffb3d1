// Package mentions implements the in-memory dedup cache that guarantees
// at-most-once engagement per mention.
package mentions

import (
	"sync"
	"time"

	"github.com/hellausefulsoftware/glbot/internal/logging"
)

// Cache deduplicates mention identities within a TTL window. All checks
// are atomic under one mutex so two concurrent engagements can never
// both win the race for the same identity.
//
// The cache holds two kinds of state: committed entries, which expire by
// TTL and are evicted oldest-first under capacity pressure, and in-flight
// reservations, which exist only while an engagement is running and are
// either committed after a successful post or released on failure.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]time.Time // identity -> first seen
	inflight map[string]time.Time
	now      func() time.Time
}

// New creates a cache with the given TTL window and capacity bound.
func New(ttl time.Duration, capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]time.Time),
		inflight: make(map[string]time.Time),
		now:      time.Now,
	}
}

// NewWithClock is New with an injected clock for deterministic tests.
func NewWithClock(ttl time.Duration, capacity int, now func() time.Time) *Cache {
	c := New(ttl, capacity)
	c.now = now
	return c
}

// Observe atomically checks and records an identity. Returns true if the
// identity had not been seen within the TTL window (and is now recorded),
// false if it was already present.
func (c *Cache) Observe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)

	if _, ok := c.entries[id]; ok {
		return false
	}
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.entries[id] = now
	c.enforceCapacityLocked()
	return true
}

// Reserve atomically claims an identity for an in-flight engagement.
// Exactly one caller wins per identity per TTL window; losers see false.
// The winner must later call Commit or Release.
func (c *Cache) Reserve(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)

	if _, ok := c.entries[id]; ok {
		return false
	}
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = now
	return true
}

// Commit records a reserved identity as processed, starting its TTL
// window. Called only after the reply was successfully posted.
func (c *Cache) Commit(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)
	delete(c.inflight, id)
	c.entries[id] = now
	c.enforceCapacityLocked()
}

// Release drops a reservation after a failed engagement so the mention
// stays eligible for retry on the next poll tick.
func (c *Cache) Release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// Seen reports whether an identity is currently committed.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
	_, ok := c.entries[id]
	return ok
}

// Len returns the number of committed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(c.now())
	return len(c.entries)
}

// purgeLocked drops entries whose TTL has elapsed. Callers hold c.mu.
func (c *Cache) purgeLocked(now time.Time) {
	for id, seen := range c.entries {
		if now.Sub(seen) >= c.ttl {
			delete(c.entries, id)
		}
	}
}

// enforceCapacityLocked evicts oldest entries until the cache is within
// its capacity bound, preserving the most recent mentions. Callers hold
// c.mu.
func (c *Cache) enforceCapacityLocked() {
	for len(c.entries) > c.capacity {
		var oldestID string
		var oldest time.Time
		first := true
		for id, seen := range c.entries {
			if first || seen.Before(oldest) {
				oldestID = id
				oldest = seen
				first = false
			}
		}
		delete(c.entries, oldestID)
		logging.Debug("mention cache evicted oldest entry", "identity", oldestID)
	}
}
