// Package memory provides a bounded in-process queue of import batches.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded channel of import batches with context-aware operations.
type Queue struct {
	ch     chan monitor.QueueItem
	mu     sync.RWMutex
	closed bool
}

var _ monitor.Queue = (*Queue)(nil)

// NewQueue constructs a queue holding up to capacity pending batches.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan monitor.QueueItem, capacity)}
}

// Enqueue blocks until the batch fits, the context ends or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, item monitor.QueueItem) error {
	if item.ImportID == "" {
		return monitor.Invalid("import_id", "is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue import %s: %w", item.ImportID, ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next batch, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (monitor.QueueItem, error) {
	select {
	case <-ctx.Done():
		return monitor.QueueItem{}, fmt.Errorf("dequeue: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return monitor.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of pending batches.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting batches. Pending batches can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
