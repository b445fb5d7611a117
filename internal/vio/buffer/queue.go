// Package buffer holds the pending-measurement containers used by the
// synchronizer.
//
// Queue is deliberately unsynchronized: the two primary queues must be
// inspected and drained together under one ingestion lock, so the lock
// lives with their owner. Latest carries its own short-held mutex because
// relocalization messages are stored and taken independently.
package buffer

// Queue is an ordered FIFO with peek access to both ends. Storage grows
// without bound; consumed slots are reclaimed when the head passes the
// midpoint of the backing slice.
type Queue[T any] struct {
	items []T
	head  int
}

// NewQueue returns an empty queue with room for capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{items: make([]T, 0, capacity)}
}

// Len returns the number of pending items.
func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}

// Empty reports whether the queue holds no items.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}

// Push appends v at the back.
func (q *Queue[T]) Push(v T) {
	q.items = append(q.items, v)
}

// Front returns the oldest item without removing it.
func (q *Queue[T]) Front() (T, bool) {
	if q.Empty() {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

// Back returns the newest item without removing it.
func (q *Queue[T]) Back() (T, bool) {
	if q.Empty() {
		var zero T
		return zero, false
	}
	return q.items[len(q.items)-1], true
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.Empty() {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.compact()
	return v, true
}

// Clear drops every pending item.
func (q *Queue[T]) Clear() {
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
}

// Snapshot returns a copy of the pending items, oldest first.
func (q *Queue[T]) Snapshot() []T {
	out := make([]T, q.Len())
	copy(out, q.items[q.head:])
	return out
}

func (q *Queue[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head < 64 || q.head < len(q.items)/2 {
		return
	}
	n := copy(q.items, q.items[q.head:])
	clear(q.items[n:])
	q.items = q.items[:n]
	q.head = 0
}
