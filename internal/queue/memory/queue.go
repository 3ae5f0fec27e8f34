// Package memory provides an in-process crawl queue for runs that do not need
// to survive a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
)

// Queue is an unbounded FIFO of queue records with context-aware Pop and
// explicit acknowledgement.
type Queue struct {
	mu       sync.Mutex
	nextID   int64
	waiting  []crawler.QueueRecord
	inFlight map[int64]crawler.QueueRecord
	notify   chan struct{}
	done     chan struct{}
	closed   bool
}

var _ crawler.Queue = (*Queue)(nil)

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		inFlight: make(map[int64]crawler.QueueRecord),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Put appends a job. It never blocks.
func (q *Queue) Put(ctx context.Context, spiderID string, job crawler.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return crawler.ErrQueueClosed
	}
	q.nextID++
	q.waiting = append(q.waiting, crawler.QueueRecord{ID: q.nextID, SpiderID: spiderID, Job: job})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Pop removes the oldest waiting record, blocking until one is available.
func (q *Queue) Pop(ctx context.Context) (crawler.QueueRecord, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return crawler.QueueRecord{}, crawler.ErrQueueClosed
		}
		if len(q.waiting) > 0 {
			rec := q.waiting[0]
			q.waiting[0] = crawler.QueueRecord{}
			q.waiting = q.waiting[1:]
			q.inFlight[rec.ID] = rec
			more := len(q.waiting) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return rec, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.QueueRecord{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
		case <-q.notify:
		}
	}
}

// Ack forgets a popped record.
func (q *Queue) Ack(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inFlight[id]; !ok {
		return fmt.Errorf("ack %d: %w", id, crawler.ErrUnknownRecord)
	}
	delete(q.inFlight, id)
	return nil
}

// Size returns the number of records waiting to be popped.
func (q *Queue) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting), nil
}

// Close wakes blocked consumers. Closing twice is safe.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
