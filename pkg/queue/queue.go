// Package queue implements the priority-ordered holding area for requests
// awaiting scheduling. Ordering is priority-descending with stable FIFO
// within a tier: a new item is placed before the first item whose priority is
// strictly lower, so equal-priority items keep arrival order while a
// late-arriving higher-priority item still jumps the line.
package queue

import "sync"

// Item is the minimal contract the queue needs from its elements.
type Item interface {
	// ItemID uniquely identifies the element for Remove
	ItemID() string
	// ItemPriority orders elements; larger values drain first
	ItemPriority() int
}

// Queue is a priority-stable FIFO queue. Safe for concurrent use.
type Queue[T Item] struct {
	mu    sync.RWMutex
	items []T
}

// New creates an empty queue.
func New[T Item]() *Queue[T] {
	return &Queue[T]{}
}

// Insert places item according to its priority, after all existing items of
// equal or higher priority.
func (q *Queue[T]) Insert(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := len(q.items)
	for i, existing := range q.items {
		if existing.ItemPriority() < item.ItemPriority() {
			pos = i
			break
		}
	}

	q.items = append(q.items, item)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// Drain removes and returns up to max items from the front of the queue:
// highest priority first, oldest first within a tier.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || len(q.items) == 0 {
		return nil
	}
	if max > len(q.items) {
		max = len(q.items)
	}

	drained := make([]T, max)
	copy(drained, q.items[:max])

	n := copy(q.items, q.items[max:])
	// Clear vacated slots so the queue does not pin completed requests.
	for i := n; i < len(q.items); i++ {
		var zero T
		q.items[i] = zero
	}
	q.items = q.items[:n]

	return drained
}

// Remove deletes the item with the given id if it is still queued and
// reports whether it was found. A false return means someone else (a drain)
// already owns the item.
func (q *Queue[T]) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ItemID() == id {
			copy(q.items[i:], q.items[i+1:])
			var zero T
			q.items[len(q.items)-1] = zero
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// Depth returns the number of queued items without mutating the queue.
func (q *Queue[T]) Depth() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}
