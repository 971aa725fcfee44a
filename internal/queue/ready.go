package queue

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"jobflow/internal/domain"
)

var ErrClosed = errors.New("ready queue closed")

// Ready is an unbounded FIFO of jobs eligible to run. Push never blocks;
// Pop blocks until a job arrives, the context ends, or the queue closes.
type Ready struct {
	mu     sync.Mutex
	items  []*domain.Job
	head   int
	signal chan struct{}
	closed bool
}

func NewReady() *Ready {
	return &Ready{signal: make(chan struct{})}
}

func (q *Ready) Push(j *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, j)
	close(q.signal)
	q.signal = make(chan struct{})
	return nil
}

func (q *Ready) Pop(ctx context.Context) (*domain.Job, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			j := q.items[q.head]
			q.items[q.head] = nil
			q.head++
			// compact once the consumed prefix dominates
			if q.head > 64 && q.head*2 >= len(q.items) {
				q.items = append([]*domain.Job(nil), q.items[q.head:]...)
				q.head = 0
			}
			q.mu.Unlock()
			return j, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (q *Ready) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close rejects further pushes. Jobs already queued can still be popped;
// once drained, Pop returns ErrClosed.
func (q *Ready) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
	q.signal = make(chan struct{})
}
