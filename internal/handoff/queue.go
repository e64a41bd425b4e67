// Package handoff provides the queue between the ingestion loop and the
// accumulator.
package handoff

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned once the consumer side has closed the queue.
var ErrClosed = errors.New("handoff: queue closed")

// Queue is an unbounded FIFO for one producer and one consumer. Send never
// blocks; Receive blocks until a value is available.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	// ready holds at most one wakeup for a consumer parked in Receive.
	ready chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Send appends v. It fails only after Close.
func (q *Queue[T]) Send(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}

	q.items = append(q.items, v)
	q.mu.Unlock()

	q.notify()

	return nil
}

// Receive returns the oldest queued value. Values sent before Close are still
// delivered; after that it returns ErrClosed. It returns ctx.Err() if ctx is
// done first.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	var zero T

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]

			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()

			return v, nil
		}

		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Close marks the consumer as gone. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.notify()
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *Queue[T]) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
