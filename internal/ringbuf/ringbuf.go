// Package ringbuf provides a fixed-capacity FIFO that retains only the most
// recent entries. Each session owns one ring per event stream; writes come
// from asynchronous browser events, reads from tool calls.
package ringbuf

import "sync"

// Ring is a bounded FIFO. When full, the oldest entry is evicted first.
// All methods are safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int // index of the oldest entry
	count int
}

// New creates a ring with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends an entry, evicting the oldest when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = v
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

// Recent returns up to n entries, oldest first. n <= 0 returns everything.
func (r *Ring[T]) Recent(n int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	// Skip the oldest entries when n < count so the newest n are returned.
	start := (r.head + r.count - n) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of retained entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Reset drops all entries, keeping the capacity.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.count = 0
}
