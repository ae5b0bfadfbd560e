package util

import "sync"

// RingBuffer is a bounded FIFO. Once full, each Push evicts the oldest item.
// Safe for concurrent use.
type RingBuffer[T any] struct {
	mu      sync.Mutex
	items   []T
	start   int
	n       int
	evicted int
}

// NewRingBuffer returns a buffer holding at most size items.
// A size below one is treated as one.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{items: make([]T, size)}
}

// Push stores v and reports whether an older item was evicted to make room.
func (r *RingBuffer[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.items)
	r.items[(r.start+r.n)%size] = v
	if r.n < size {
		r.n++
		return false
	}
	r.start = (r.start + 1) % size
	r.evicted++
	return true
}

// Drain removes and returns the stored items, oldest first.
func (r *RingBuffer[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.n)
	var zero T
	for i := 0; i < r.n; i++ {
		j := (r.start + i) % len(r.items)
		out = append(out, r.items[j])
		r.items[j] = zero
	}
	r.start, r.n = 0, 0
	return out
}

// Len is the number of items currently held.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Evicted counts items lost to overflow since creation.
func (r *RingBuffer[T]) Evicted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
