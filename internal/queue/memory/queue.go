// Package memory provides the bounded in-process work queue feeding the worker pool.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pricing-webhooks/internal/webhook"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = webhook.ErrQueueClosed

// Queue is a bounded channel of work items with context-aware operations.
type Queue struct {
	ch      chan webhook.WorkItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan webhook.WorkItem, capacity),
	}
}

// TryEnqueue adds item without blocking. A full queue returns
// webhook.ErrPoolSaturated.
func (q *Queue) TryEnqueue(item webhook.WorkItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return fmt.Errorf("enqueue %s/%s: %w", item.EventID, item.ResourceID, webhook.ErrPoolSaturated)
	}
}

// Enqueue blocks until item is accepted or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item webhook.WorkItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (webhook.WorkItem, error) {
	select {
	case <-ctx.Done():
		return webhook.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return webhook.WorkItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Close stops accepting items. Queued items can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
