// Package buffer provides a fixed-capacity ring that keeps the most
// recent values pushed into it. The gateway uses it to hand late
// subscribers a short replay of the cell event feed.
package buffer

import "sync"

// Ring is a thread-safe circular buffer. Once full, each push
// overwrites the oldest value.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // next write position
	size  int
}

// NewRing creates a ring holding up to capacity values. Capacities
// below one are clamped to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, dropping the oldest value when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}
	r.mu.Unlock()
}

// Snapshot returns the buffered values oldest first. The returned
// slice is a copy and safe to retain.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.items)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}

// Len returns the number of buffered values.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the fixed capacity of the ring.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}
