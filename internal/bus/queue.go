package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a bounded queue between two pipeline stages. Publish blocks while
// the queue is full, so a slow consumer stalls its producer.
type Queue[T any] struct {
	name string
	ch   chan T
	done chan struct{}
	once sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	blocked   atomic.Uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Publish enqueues v, waiting for space until ctx is done or the queue closes.
func (q *Queue[T]) Publish(ctx context.Context, v T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		q.published.Add(1)
		return nil
	default:
	}

	q.blocked.Add(1)
	select {
	case q.ch <- v:
		q.published.Add(1)
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublish enqueues v without blocking.
func (q *Queue[T]) TryPublish(v T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- v:
		q.published.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Close stops the queue from accepting new items. Items already queued are
// still handed to Run.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

// Run consumes items until the context is done, or the queue is closed and
// drained.
func (q *Queue[T]) Run(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-q.ch:
			handler(v)
		case <-q.done:
			for {
				select {
				case v := <-q.ch:
					handler(v)
				default:
					return
				}
			}
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Name      string
	Len       int
	Cap       int
	Published uint64
	Dropped   uint64
	Blocked   uint64
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Name:      q.name,
		Len:       len(q.ch),
		Cap:       cap(q.ch),
		Published: q.published.Load(),
		Dropped:   q.dropped.Load(),
		Blocked:   q.blocked.Load(),
	}
}
