package queue

import (
	"context"
	"sync"
)

// ChannelQueue is a bounded in-process FIFO backed by a buffered channel
type ChannelQueue struct {
	mu     sync.RWMutex
	items  chan WorkItem
	closed bool
}

// NewChannelQueue creates a queue holding at most capacity waiting items
func NewChannelQueue(capacity int) *ChannelQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &ChannelQueue{items: make(chan WorkItem, capacity)}
}

// Enqueue adds an item or fails fast with ErrQueueFull
func (q *ChannelQueue) Enqueue(ctx context.Context, item WorkItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue returns the oldest item. After Close, remaining items are still
// delivered before ErrQueueClosed.
func (q *ChannelQueue) Dequeue(ctx context.Context) (WorkItem, error) {
	select {
	case <-ctx.Done():
		return WorkItem{}, ctx.Err()
	case item, ok := <-q.items:
		if !ok {
			return WorkItem{}, ErrQueueClosed
		}
		return item, nil
	}
}

// Len returns the number of buffered items
func (q *ChannelQueue) Len() int {
	return len(q.items)
}

// Close stops accepting new items. It is safe to call more than once.
func (q *ChannelQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.items)
	}
	return nil
}
