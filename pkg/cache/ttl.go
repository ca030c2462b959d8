package cache

import (
	"sync"
	"time"

	"github.com/nombers/test-sorter/errors"
)

// TTL is a thread-safe cache whose entries expire a fixed duration
// after they are written. Expired entries are dropped lazily on read
// and swept by a background janitor, so memory stays bounded even for
// keys that are never read again.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]

	ttl             time.Duration
	janitorInterval time.Duration
	onEvict         EvictCallback[V]

	stats Statistics

	stop      chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a cache whose entries live for ttl after each write.
// A zero or negative ttl means entries never expire and no janitor is
// started.
func NewTTL[V any](ttl time.Duration, opts ...Option[V]) *TTL[V] {
	c := &TTL[V]{
		entries:         make(map[string]entry[V]),
		ttl:             ttl,
		janitorInterval: defaultJanitorInterval(ttl),
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl > 0 {
		go c.janitor()
	}
	return c
}

// defaultJanitorInterval sweeps at half the TTL, clamped so tiny TTLs
// do not spin and huge TTLs still free memory within a minute.
func defaultJanitorInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Get returns the cached value for key. Expired entries are removed
// and reported as a miss.
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.stats.misses.Add(1)
		return zero, false
	}
	if c.ttl > 0 && e.expired(time.Now()) {
		c.expire(key)
		c.stats.misses.Add(1)
		return zero, false
	}

	c.stats.hits.Add(1)
	return e.value, true
}

// Set stores value under key, resetting the expiry deadline if the key
// already exists.
func (c *TTL[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrEmptyKey, "cache", "Set", "validate key")
	}

	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Delete removes key and reports whether it was present.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	return ok
}

// Len returns the number of entries currently stored, including any
// expired entries the janitor has not swept yet.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *TTL[V]) Stats() Stats {
	return c.stats.snapshot()
}

// Close stops the janitor. The cache stays usable afterwards; entries
// then expire only lazily on read. Close is safe to call twice.
func (c *TTL[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
}

// expire removes key if it is still expired, rechecking under the
// write lock because a concurrent Set may have refreshed it.
func (c *TTL[V]) expire(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || !e.expired(time.Now()) {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.mu.Unlock()

	c.stats.expirations.Add(1)
	if c.onEvict != nil {
		c.onEvict(key, e.value)
	}
}

func (c *TTL[V]) janitor() {
	ticker := time.NewTicker(c.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes every expired entry in one pass. Callbacks run after
// the lock is released.
func (c *TTL[V]) sweep() {
	now := time.Now()
	var expired []struct {
		key   string
		value V
	}

	c.mu.Lock()
	for key, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, struct {
				key   string
				value V
			}{key, e.value})
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.stats.expirations.Add(1)
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
}
