package queue

import (
	"cdss-inference/internal/models"
	"context"
	"errors"
)

var (
	// ErrQueueFull is returned by Enqueue when the dispatcher has no free capacity
	ErrQueueFull = errors.New("job queue is full")
	// ErrQueueClosed is returned once the queue has been closed and drained
	ErrQueueClosed = errors.New("job queue is closed")
)

// WorkItem is one unit of work handed to a worker
type WorkItem struct {
	JobID string
	// Leased is set when the queue already moved the job to RUNNING on the worker's behalf.
	// Job then holds the claimed record.
	Leased bool
	Job    *models.Job
}

// Queue delivers job ids from submitters to workers in FIFO order
type Queue interface {
	// Enqueue must not block the caller
	Enqueue(ctx context.Context, item WorkItem) error
	// Dequeue blocks until an item is available, ctx is done or the queue is closed
	Dequeue(ctx context.Context) (WorkItem, error)
	// Len reports the number of items waiting for a worker
	Len() int
	Close() error
}
