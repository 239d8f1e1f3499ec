package call

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO drained by a single goroutine. push never
// blocks, so it may be called while holding other locks.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{wake: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// run handles items in order until ctx is done. Items left behind are
// dropped.
func (q *queue[T]) run(ctx context.Context, fn func(T)) {
	for {
		for _, v := range q.drain() {
			if ctx.Err() != nil {
				return
			}
			fn(v)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}
