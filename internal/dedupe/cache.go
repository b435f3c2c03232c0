// Package dedupe provides the time-windowed duplicate cache behind the
// duplicate filter.  The feed retransmits products (office resends, server
// failover replays); the cache remembers product ids for a sliding window
// so only the first emission is processed.
package dedupe

import (
	"sync"
	"time"
)

// DefaultWindow is how long a product id is remembered when no window
// is configured.
const DefaultWindow = 300 * time.Second

// Option adjusts cache construction.
type Option func(*Cache)

// WithNow replaces the clock, letting tests drive window expiry
// deterministically.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is a bounded-age set of recently seen ids.  Every access purges
// expired entries before the lookup, so no entry ever exceeds the window.
type Cache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

// New returns a cache holding ids for the given window.  A non-positive
// window selects DefaultWindow.
func New(window time.Duration, opts ...Option) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	c := &Cache{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FirstSeen purges expired entries, then reports whether id is new within
// the window.  New ids are recorded at the current time and return true;
// ids already present return false.
func (c *Cache) FirstSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purge(now)

	if _, dup := c.seen[id]; dup {
		return false
	}
	c.seen[id] = now
	return true
}

// purge removes entries older than the window.  Callers hold the lock.
func (c *Cache) purge(now time.Time) {
	for id, first := range c.seen {
		if now.Sub(first) > c.window {
			delete(c.seen, id)
		}
	}
}

// Size reports the number of live entries after purging.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge(c.now())
	return len(c.seen)
}

// OldestAge reports the age of the oldest live entry, zero when empty.
func (c *Cache) OldestAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purge(now)

	var oldest time.Duration
	for _, first := range c.seen {
		if age := now.Sub(first); age > oldest {
			oldest = age
		}
	}
	return oldest
}

// Window reports the configured retention window.
func (c *Cache) Window() time.Duration {
	return c.window
}
