// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded in-memory FIFO of scrape triggers. Enqueue never
// blocks; Dequeue is intended for a single consumer.
type Queue struct {
	mu     sync.Mutex
	items  []scrape.Trigger
	closed bool
	notify chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
	}
}

// Enqueue appends a trigger. It only fails after Close.
func (q *Queue) Enqueue(_ context.Context, trigger scrape.Trigger) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, trigger)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Dequeue pops the oldest trigger, waiting until one is available, the
// context ends or the queue is closed and empty.
func (q *Queue) Dequeue(ctx context.Context) (scrape.Trigger, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			trigger := q.items[0]
			q.items[0] = scrape.Trigger{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return trigger, nil
		}
		if q.closed {
			q.mu.Unlock()
			return scrape.Trigger{}, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return scrape.Trigger{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
		}
	}
}

// Len reports the number of pending triggers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting triggers. Pending triggers can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
