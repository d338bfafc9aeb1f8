// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pending holds packets and classifications parked while policy
// decides on them.
package pending

import (
	"slices"
	"sort"
	"sync"
)

type entry[T any] struct {
	id    uint64
	value T
}

// Cache maps monotonically increasing ids to parked values. Ids start at 1 so
// that 0 can mean "no pending entry" on the wire.
type Cache[T any] struct {
	mu      sync.Mutex
	entries []entry[T] // ordered by id
	nextID  uint64
}

// New creates an empty cache.
func New[T any]() *Cache[T] {
	return &Cache[T]{nextID: 1}
}

// Push parks v and returns its id.
func (c *Cache[T]) Push(v T) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.entries = append(c.entries, entry[T]{id: id, value: v})
	return id
}

// Pop removes and returns the value parked under id.
func (c *Cache[T]) Pop(id uint64) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].id >= id })
	if i == len(c.entries) || c.entries[i].id != id {
		var zero T
		return zero, false
	}
	v := c.entries[i].value
	// Delete zeroes the vacated slot so the popped value can be collected.
	c.entries = slices.Delete(c.entries, i, i+1)
	return v, true
}

// Drain removes and returns every parked value in id order.
func (c *Cache[T]) Drain() []T {
	c.mu.Lock()
	entries := c.entries
	c.entries = nil
	c.mu.Unlock()

	out := make([]T, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.value)
	}
	return out
}

// Len returns the number of parked values.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// IDs returns the parked ids in order.
func (c *Cache[T]) IDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]uint64, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.id
	}
	return ids
}

// Range calls fn for every parked value in id order while holding the lock.
// fn must not call back into the cache.
func (c *Cache[T]) Range(fn func(id uint64, v T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		fn(e.id, e.value)
	}
}
