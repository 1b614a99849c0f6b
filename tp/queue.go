package tp

import "sync"

// SafeQueue is a thread-safe unbounded FIFO. Ready delivers a token whenever
// the queue is non-empty, so a single consumer can select on it.
type SafeQueue[T any] struct {
	items []T
	mu    sync.Mutex
	ready chan struct{}
	peak  int
}

func NewSafeQueue[T any]() *SafeQueue[T] {
	return &SafeQueue[T]{
		items: make([]T, 0),
		ready: make(chan struct{}, 1),
	}
}

// Push appends item and returns the new depth.
func (q *SafeQueue[T]) Push(item T) int {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	if n > q.peak {
		q.peak = n
	}
	q.mu.Unlock()
	q.signal()
	return n
}

// Pop removes the oldest item. If more remain, Ready is re-armed.
func (q *SafeQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()
	if more {
		q.signal()
	}
	return item, true
}

func (q *SafeQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peak is the largest depth observed since creation.
func (q *SafeQueue[T]) Peak() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peak
}

// Clear drops every queued item and returns them.
func (q *SafeQueue[T]) Clear() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := q.items
	q.items = make([]T, 0)
	return dropped
}

// Ready returns the wake-up channel.
func (q *SafeQueue[T]) Ready() <-chan struct{} {
	return q.ready
}

func (q *SafeQueue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
