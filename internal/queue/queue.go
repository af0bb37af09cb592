// Package queue provides a minimal generic FIFO used for transmit queues.
package queue

// FIFO is a slice-backed first-in-first-out queue.
//
// It is not goroutine-safe; owners guard it with their own lock.
type FIFO[T any] struct {
	items []T
}

// NewFIFO creates a FIFO with the given preallocated capacity.
func NewFIFO[T any](prealloc int) *FIFO[T] {
	return &FIFO[T]{items: make([]T, 0, prealloc)}
}

// Push adds an item to the tail of the queue.
func (q *FIFO[T]) Push(item T) {
	q.items = append(q.items, item)
}

// Pop removes and returns the item at the head of the queue.
// The second return value is false if the queue is empty.
func (q *FIFO[T]) Pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero // release the reference
	q.items = q.items[1:]

	return item, true
}

// Peek returns the head item without removing it.
func (q *FIFO[T]) Peek() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	return q.items[0], true
}

// Reset empties the queue, reusing the underlying array.
func (q *FIFO[T]) Reset() {
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.items = q.items[:0]
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	return len(q.items)
}
