// Package ringbuf provides a fixed-capacity FIFO ring that overwrites its
// oldest element once full. It backs the candle buffers and the bounded
// per-timeframe feature stores. A Ring is not safe for concurrent writers;
// owners serialize access.
package ringbuf

import "sync/atomic"

// Ring is a bounded FIFO of T. Index 0 is always the oldest element.
type Ring[T any] struct {
	buf  []T
	head int // position of the oldest element
	n    int

	// Overflow counter (atomic, for metrics)
	overflow atomic.Uint64
}

// New creates a ring holding at most capacity elements. Minimum capacity is 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. When the ring is full the oldest element is overwritten
// and returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	if r.n < len(r.buf) {
		r.buf[r.pos(r.n)] = v
		r.n++
		return old, false
	}
	old = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.overflow.Add(1)
	return old, true
}

// At returns the i-th element, oldest first. Panics when out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.n {
		panic("ringbuf: index out of range")
	}
	return r.buf[r.pos(i)]
}

// Set replaces the i-th element in place.
func (r *Ring[T]) Set(i int, v T) {
	if i < 0 || i >= r.n {
		panic("ringbuf: index out of range")
	}
	r.buf[r.pos(i)] = v
}

// Last returns the newest element.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[r.pos(r.n-1)], true
}

// SetLast replaces the newest element. Returns false on an empty ring.
func (r *Ring[T]) SetLast(v T) bool {
	if r.n == 0 {
		return false
	}
	r.buf[r.pos(r.n-1)] = v
	return true
}

// Slice copies the contents out, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[r.pos(i)]
	}
	return out
}

// Tail copies out the newest k elements, oldest first.
func (r *Ring[T]) Tail(k int) []T {
	if k > r.n {
		k = r.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]T, k)
	start := r.n - k
	for i := 0; i < k; i++ {
		out[i] = r.buf[r.pos(start+i)]
	}
	return out
}

// Retain keeps the elements for which keep returns true, preserving order,
// and returns the removed ones.
func (r *Ring[T]) Retain(keep func(T) bool) []T {
	var removed []T
	kept := 0
	for i := 0; i < r.n; i++ {
		v := r.buf[r.pos(i)]
		if keep(v) {
			r.buf[r.pos(kept)] = v
			kept++
			continue
		}
		removed = append(removed, v)
	}
	var zero T
	for i := kept; i < r.n; i++ {
		r.buf[r.pos(i)] = zero
	}
	r.n = kept
	return removed
}

// Reset empties the ring without releasing its storage.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.n = 0
}

// Len returns the current number of items in the buffer.
func (r *Ring[T]) Len() int {
	return r.n
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Overflow returns the total number of elements overwritten by Push.
func (r *Ring[T]) Overflow() uint64 {
	return r.overflow.Load()
}

func (r *Ring[T]) pos(i int) int {
	return (r.head + i) % len(r.buf)
}
