// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"sync"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/protocol"
)

var (
	// ErrQueueFull is returned by Push when the queue is at capacity.
	ErrQueueFull = errors.New(errors.KindExhausted, "event queue full")
	// ErrQueueClosed is returned once the queue has been run down.
	ErrQueueClosed = errors.New(errors.KindUnavailable, "event queue closed")
)

// Queue is a bounded FIFO of infos waiting to be written to the policy process.
// Producers never block; the single consumer blocks in Pop.
type Queue struct {
	mu       sync.Mutex
	items    []protocol.Info
	capacity int
	closed   bool
	dropped  uint64

	ready chan struct{} // signalled when items become available
	done  chan struct{} // closed by Rundown
}

// NewQueue creates a queue holding up to capacity infos.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues info without blocking.
func (q *Queue) Push(info protocol.Info) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		q.dropped++
		return ErrQueueFull
	}
	q.items = append(q.items, info)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until an info is available, ctx is done or the queue is run down.
func (q *Queue) Pop(ctx context.Context) (protocol.Info, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if len(q.items) > 0 {
			info := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			if len(q.items) > 0 {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return info, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Rundown closes the queue, wakes every waiter and discards pending infos.
// It returns the number of discarded infos.
func (q *Queue) Rundown() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	q.closed = true
	n := len(q.items)
	q.items = nil
	close(q.done)
	return n
}

// Len returns the number of queued infos.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many pushes were rejected because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Closed reports whether the queue was run down.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
