// Package queue provides the bounded multi-producer multi-consumer queues
// that connect ingestion, scoring and alert dispatch.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once a
// closed queue has been drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO backed by a buffered channel.
// Producers blocked under the block policy are woken in arrival order.
type Queue[T any] struct {
	items   chan T
	policy  domain.QueuePolicy
	timeout time.Duration

	mu        sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int, policy domain.QueuePolicy, timeout time.Duration) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	if policy == "" {
		policy = domain.QueueReject
	}
	return &Queue[T]{
		items:   make(chan T, capacity),
		policy:  policy,
		timeout: timeout,
		closing: make(chan struct{}),
	}
}

// Enqueue adds item or returns domain.ErrBackpressure when the queue stays
// full. With the reject policy it never blocks.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.items <- item:
		return nil
	default:
	}

	if q.policy != domain.QueueBlock || q.timeout <= 0 {
		return domain.ErrBackpressure
	}

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case q.items <- item:
		return nil
	case <-timer.C:
		return domain.ErrBackpressure
	case <-q.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Put adds item, waiting for space as long as it takes. It ignores the full
// policy and returns only once the item is queued, the queue is closed or
// ctx is done.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.items <- item:
		return nil
	case <-q.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an item is available. After Close it keeps returning
// buffered items, then ErrClosed.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-q.items:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close stops accepting items. Buffered items remain available to Dequeue.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closing)
		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
	})
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
