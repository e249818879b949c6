// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package throughput

// RingBuffer is a fixed-size circular buffer of samples. Its length never
// changes after construction and it never allocates on Push.
//
// RingBuffer is not safe for concurrent use; wrap it in a lock.
type RingBuffer[T any] struct {
	head    int
	filled  int
	entries []T
}

// NewRingBuffer returns a ring of n slots, each holding the zero value.
// n must be positive.
func NewRingBuffer[T any](n int) *RingBuffer[T] {
	if n <= 0 {
		panic("throughput: ring buffer size must be positive")
	}
	return &RingBuffer[T]{entries: make([]T, n)}
}

// Push overwrites the slot at the cursor and advances it.
func (r *RingBuffer[T]) Push(v T) {
	r.entries[r.head] = v
	r.head = (r.head + 1) % len(r.entries)
	if r.filled < len(r.entries) {
		r.filled++
	}
}

// Fetch returns every slot, oldest first.
func (r *RingBuffer[T]) Fetch() []T {
	out := make([]T, 0, len(r.entries))
	out = append(out, r.entries[r.head:]...)
	out = append(out, r.entries[:r.head]...)
	return out
}

// Latest returns the most recently pushed n samples, oldest first.
// n is clamped to the number of samples pushed so far, so zero slots from
// construction are never returned.
func (r *RingBuffer[T]) Latest(n int) []T {
	size := len(r.entries)
	n = min(n, r.filled)
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := (r.head - n + size) % size
	for i := range n {
		out[i] = r.entries[(start+i)%size]
	}
	return out
}

// Len returns the fixed number of slots.
func (r *RingBuffer[T]) Len() int { return len(r.entries) }

// Filled returns how many slots hold pushed samples.
func (r *RingBuffer[T]) Filled() int { return r.filled }
