// Package cache provides a small thread-safe TTL cache used to memoize
// slow lookups, such as LIS barcode resolutions that stay valid for the
// length of a sorting run.
package cache

import (
	"time"
)

// EvictCallback runs after an entry leaves the cache through expiry.
// It is invoked outside the cache lock, so callbacks may call back
// into the cache.
type EvictCallback[V any] func(key string, value V)

// entry holds one cached value with its expiry deadline.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Option configures a TTL cache at construction time.
type Option[V any] func(*TTL[V])

// WithJanitorInterval overrides how often the background sweep removes
// expired entries. Reads never return expired values regardless of the
// sweep cadence.
func WithJanitorInterval[V any](interval time.Duration) Option[V] {
	return func(c *TTL[V]) {
		if interval > 0 {
			c.janitorInterval = interval
		}
	}
}

// WithEvictCallback registers a callback invoked for every entry the
// cache expires, whether lazily on read or by the janitor.
func WithEvictCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *TTL[V]) {
		c.onEvict = fn
	}
}
