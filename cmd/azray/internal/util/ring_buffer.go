// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import "sync"

// RingBuffer is a bounded FIFO that overwrites its oldest item when full.
//
// # Description
//
// Used where only the most recent history matters: the last stderr lines
// of the proxy process (attached to LaunchError) and the last probe
// outcomes (reported on /status).
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	buffer   []T
	head     int
	size     int
	capacity int
	dropped  int64
	mu       sync.Mutex
}

// NewRingBuffer creates a buffer holding at most capacity items.
// Panics if capacity is not positive.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ring buffer capacity must be positive")
	}
	return &RingBuffer[T]{
		buffer:   make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item, evicting the oldest when full. Returns true if an
// item was evicted.
func (r *RingBuffer[T]) Push(item T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.size) % r.capacity
	r.buffer[tail] = item
	if r.size == r.capacity {
		r.head = (r.head + 1) % r.capacity
		r.dropped++
		return true
	}
	r.size++
	return false
}

// Snapshot returns the items oldest first without removing them.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buffer[(r.head+i)%r.capacity]
	}
	return out
}

// Size returns the number of buffered items.
func (r *RingBuffer[T]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// DroppedCount returns how many items have been evicted since creation
// or the last Clear.
func (r *RingBuffer[T]) DroppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear removes all items and resets the dropped counter.
func (r *RingBuffer[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.buffer {
		r.buffer[i] = zero
	}
	r.head = 0
	r.size = 0
	r.dropped = 0
}
