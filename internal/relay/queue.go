package relay

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO of audio chunks with any number of producers
// and a single consumer. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
	closed bool
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends a chunk. It reports false if the queue was closed.
func (q *Queue) Push(chunk []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, chunk)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop waits up to wait for a chunk. ok is false on timeout, on ctx
// cancellation and once the queue is closed and drained.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (chunk []byte, ok bool) {
	if chunk, ok, closed := q.take(); ok || closed {
		return chunk, ok
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			if chunk, ok, closed := q.take(); ok || closed {
				return chunk, ok
			}
		case <-timer.C:
			chunk, ok, _ := q.take()
			return chunk, ok
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) take() (chunk []byte, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false, q.closed
	}
	chunk = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return chunk, true, false
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and wakes the consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
