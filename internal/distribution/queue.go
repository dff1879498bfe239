package distribution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsiec/pcmcast/internal/chunk"
)

// ErrQueueClosed is returned by Pop once the queue has been closed.
var ErrQueueClosed = errors.New("distribution: queue closed")

// DefaultBacklog is the amount of audio a session may buffer before the
// oldest chunks are dropped.
const DefaultBacklog = 10 * time.Second

// Queue is a session's bounded FIFO of pending chunks. It has exactly one
// consumer (the session's sender loop) and any number of producers.
//
// The bound is coarse: before a push, entries are evicted while
// Len() * incoming.Duration() exceeds the limit. With a limit of L and
// chunks of duration d, at most floor(L/d)+1 entries are held after a push.
type Queue struct {
	limit time.Duration

	mu     sync.Mutex
	items  []*chunk.Chunk
	closed bool
	ready  chan struct{}
}

// NewQueue creates an empty queue bounded by limit. A non-positive limit
// uses DefaultBacklog.
func NewQueue(limit time.Duration) *Queue {
	if limit <= 0 {
		limit = DefaultBacklog
	}
	return &Queue{
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// Push appends c after evicting the oldest entries that would exceed the
// backlog limit. It never blocks and returns the number of evicted chunks.
// Pushing to a closed queue is a no-op.
func (q *Queue) Push(c *chunk.Chunk) (dropped int) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	for len(q.items) > 0 && time.Duration(len(q.items))*c.Duration() > q.limit {
		q.items[0] = nil
		q.items = q.items[1:]
		dropped++
	}
	q.items = append(q.items, c)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest chunk, blocking until one is
// available, the queue is closed, or ctx is done.
func (q *Queue) Pop(ctx context.Context) (*chunk.Chunk, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return c, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards every queued chunk and wakes a blocked Pop.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	clear(q.items)
	q.items = nil
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}
