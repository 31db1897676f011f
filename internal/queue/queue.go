// Package queue provides an unbounded FIFO with a single blocking consumer.
package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO. Any number of goroutines may Push; exactly one
// goroutine may Pop.
type Queue[T any] struct {
	notify chan struct{}

	mu     sync.Mutex
	items  []T
	closed bool
}

func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends v. It reports false, dropping v, once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.wake()
	return true
}

// Pop blocks until an item is available, the queue is closed and drained,
// or ctx is done. ok is false in the latter two cases.
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		if q.closed {
			q.mu.Unlock()
			return v, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return v, false
		}
	}
}

// Close stops accepting items. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Forward pops items into out until the queue is closed and drained or ctx
// is done. It does not close out.
func (q *Queue[T]) Forward(ctx context.Context, out chan<- T) {
	for {
		v, ok := q.Pop(ctx)
		if !ok {
			return
		}
		select {
		case out <- v:
		case <-ctx.Done():
			return
		}
	}
}
