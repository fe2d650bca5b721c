// Package window holds the bounded, newest-first view of live traffic.
package window

import (
	"sync"

	"Go2NetSentry/internal/model"
)

// DefaultCapacity matches the live feed the dashboard renders.
const DefaultCapacity = 100

// Buffer is a thread-safe ring of the most recent traffic events.
type Buffer struct {
	mu      sync.RWMutex
	entries []model.TrafficEvent
	size    int
	head    int // next write position
	count   int
}

// New creates a buffer holding at most capacity events. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries: make([]model.TrafficEvent, capacity),
		size:    capacity,
	}
}

// Push inserts e as the newest entry, evicting the oldest when full.
func (b *Buffer) Push(e model.TrafficEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = e
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Snapshot returns a copy of the buffer contents, newest first.
func (b *Buffer) Snapshot() []model.TrafficEvent {
	return b.Latest(0)
}

// Latest returns up to n entries, newest first. n <= 0 means all of them.
func (b *Buffer) Latest(n int) []model.TrafficEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	result := make([]model.TrafficEvent, n)
	for i := 0; i < n; i++ {
		idx := (b.head - 1 - i + b.size) % b.size
		result[i] = b.entries[idx]
	}
	return result
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the maximum number of events kept.
func (b *Buffer) Cap() int {
	return b.size
}
