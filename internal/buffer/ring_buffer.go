// Package buffer provides a ring buffer for retaining the most recent items
// of a bounded history.
package buffer

import (
	"sync"
)

// Ring is a thread-safe circular buffer that keeps the most recent items up
// to a fixed capacity. When full, the oldest item is discarded to make room.
//
// It backs the event publisher's recent-activity view: completed-signature
// events are retained advisorily, with no delivery guarantee.
type Ring[T any] struct {
	items    []T
	start    int
	length   int
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a Ring with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item, discarding the oldest when the buffer is full.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := (r.start + r.length) % r.capacity
	r.items[end] = item
	if r.length < r.capacity {
		r.length++
	} else {
		r.start = (r.start + 1) % r.capacity
	}
}

// Snapshot returns a copy of the buffered items, oldest first.
// The returned slice is safe to use without holding the lock.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.length == 0 {
		return nil
	}
	result := make([]T, r.length)
	for i := 0; i < r.length; i++ {
		result[i] = r.items[(r.start+i)%r.capacity]
	}
	return result
}

// Clear removes all items from the buffer.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.start = 0
	r.length = 0
}

// Len returns the current number of items in the buffer.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.length
}

// Cap returns the capacity of the buffer.
func (r *Ring[T]) Cap() int {
	return r.capacity
}
