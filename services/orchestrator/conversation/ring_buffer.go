// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

// RingBuffer is a fixed-size circular buffer.
//
// # Description
//
// Provides O(1) push and bounded memory usage. When full, the oldest item
// is overwritten and handed back to the caller.
//
// # Thread Safety
//
// NOT safe for concurrent use; caller must synchronize.
type RingBuffer[T any] struct {
	data  []T
	head  int // Next write position
	tail  int // First element position
	count int
	cap   int
}

// NewRingBuffer creates a new ring buffer with the given capacity.
//
// # Inputs
//
//   - capacity: Maximum number of elements to store. Values <= 0 fall back
//     to DefaultMaxTurns.
//
// # Outputs
//
//   - *RingBuffer[T]: Ready-to-use buffer.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultMaxTurns
	}
	return &RingBuffer[T]{
		data: make([]T, capacity),
		cap:  capacity,
	}
}

// Push adds an item to the buffer.
//
// # Description
//
// If the buffer is full, the oldest item is overwritten.
//
// # Outputs
//
//   - T: The evicted item, zero value if nothing was evicted.
//   - bool: True if an item was evicted.
func (r *RingBuffer[T]) Push(item T) (T, bool) {
	var evicted T
	didEvict := false
	if r.count == r.cap {
		evicted = r.data[r.tail]
		didEvict = true
		r.tail = (r.tail + 1) % r.cap
		r.count--
	}

	r.data[r.head] = item
	r.head = (r.head + 1) % r.cap
	r.count++
	return evicted, didEvict
}

// Last returns the last n items, oldest first.
//
// # Inputs
//
//   - n: Number of items to return. Clamped to Len().
//
// # Outputs
//
//   - []T: Up to n items in chronological order. A fresh slice.
func (r *RingBuffer[T]) Last(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	result := make([]T, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		result[i] = r.data[(r.tail+start+i)%r.cap]
	}
	return result
}

// Slice returns all items from oldest to newest as a copy.
func (r *RingBuffer[T]) Slice() []T {
	return r.Last(r.count)
}

// Len returns the current number of elements.
func (r *RingBuffer[T]) Len() int {
	return r.count
}

// Cap returns the maximum capacity.
func (r *RingBuffer[T]) Cap() int {
	return r.cap
}

// Clear removes all elements from the buffer.
func (r *RingBuffer[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.tail = 0
	r.count = 0
}
