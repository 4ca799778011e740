// Package memory provides the in-process claim queue used in async mode.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/indieweb-listener/internal/webmention"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan webmention.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan webmention.QueueItem, capacity),
	}
}

// Enqueue pushes a claim into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item webmention.QueueItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return webmention.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next claim, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (webmention.QueueItem, error) {
	select {
	case <-ctx.Done():
		return webmention.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return webmention.QueueItem{}, webmention.ErrQueueClosed
		}
		return item, nil
	}
}

// Len reports how many claims are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Claims already queued
// can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
