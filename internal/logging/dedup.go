package logging

import (
	"sync"
	"time"
)

// Deduplicator suppresses repeated log messages within a time window.
// Polling loops emit the same message every tick; callers gate those
// messages through ShouldLog so a quiet repository logs once per window
// instead of once per sweep.
type Deduplicator struct {
	mu         sync.Mutex
	lastLogged map[string]time.Time
	window     time.Duration
	now        func() time.Time
}

// NewDeduplicator creates a deduplicator with the given suppression window.
func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{
		lastLogged: make(map[string]time.Time),
		window:     window,
		now:        time.Now,
	}
}

// NewDeduplicatorWithClock is like NewDeduplicator with an injected clock.
func NewDeduplicatorWithClock(window time.Duration, now func() time.Time) *Deduplicator {
	d := NewDeduplicator(window)
	d.now = now
	return d
}

// ShouldLog reports whether a message keyed by key should be logged now.
// The first call for a key returns true; subsequent calls within the
// suppression window return false.
func (d *Deduplicator) ShouldLog(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.lastLogged[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.lastLogged[key] = now
	return true
}

// Cleanup drops entries older than twice the suppression window so the
// map does not grow without bound over a long-running process.
func (d *Deduplicator) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, last := range d.lastLogged {
		if now.Sub(last) >= 2*d.window {
			delete(d.lastLogged, key)
		}
	}
}
