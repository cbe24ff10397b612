// Package queue provides the FIFO queue that links a producing pipeline to a
// consuming one.
//
// A Queue is unbounded by default. [WithMaxLen] caps it with a drop-oldest
// policy for deployments that prefer losing stale audio over growing memory
// when the consumer stalls.
package queue

import (
	"context"
	"sync"
	"time"
)

// Option configures a Queue.
type Option func(*options)

type options struct {
	maxLen int
	onDrop func(n int)
}

// WithMaxLen bounds the queue. When full, Push discards the oldest item.
// n <= 0 means unbounded.
func WithMaxLen(n int) Option {
	return func(o *options) { o.maxLen = n }
}

// WithDropHook registers fn to be called (outside the lock) each time Push
// discards items to honour the length bound.
func WithDropHook(fn func(n int)) Option {
	return func(o *options) { o.onDrop = fn }
}

// Queue is a FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	ready   chan struct{} // capacity 1; signalled whenever items may be non-empty
	maxLen  int
	onDrop  func(n int)
	dropped uint64
}

// New returns an empty Queue.
func New[T any](opts ...Option) *Queue[T] {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return &Queue[T]{
		ready:  make(chan struct{}, 1),
		maxLen: o.maxLen,
		onDrop: o.onDrop,
	}
}

// Push appends v. It never blocks.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	drop := 0
	if q.maxLen > 0 && len(q.items) > q.maxLen {
		drop = len(q.items) - q.maxLen
		var zero T
		for i := range drop {
			q.items[i] = zero
		}
		q.items = q.items[drop:]
		q.dropped += uint64(drop)
	}
	q.mu.Unlock()

	q.signal()
	if drop > 0 && q.onDrop != nil {
		q.onDrop(drop)
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the head without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return v, true
}

// Pop blocks until an item is available or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// PopTimeout waits at most d for an item. ok is false on timeout; err is
// non-nil only when ctx is done.
func (q *Queue[T]) PopTimeout(ctx context.Context, d time.Duration) (v T, ok bool, err error) {
	if v, ok := q.TryPop(); ok {
		return v, true, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-q.ready:
			if v, ok := q.TryPop(); ok {
				return v, true, nil
			}
		case <-timer.C:
			v, ok := q.TryPop()
			return v, ok, nil
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		}
	}
}

// Clear discards every queued item and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	clear(q.items)
	q.items = q.items[:0]
	return n
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of items discarded by the length bound.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
