package queue

import (
	"cdss-inference/internal/models"
	"cdss-inference/internal/repository"
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LeaseQueue treats PENDING rows in the job store as the queue.
// Dequeue leases the oldest available row, so delivery is at-least-once:
// a job whose lease expires before it finishes is handed out again.
type LeaseQueue struct {
	repo          repository.JobRepository
	leaseDuration time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger
	closed        atomic.Bool
	done          chan struct{}
}

// NewLeaseQueue creates a queue over repo
func NewLeaseQueue(repo repository.JobRepository, leaseDuration, pollInterval time.Duration, logger *zap.Logger) *LeaseQueue {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaseQueue{
		repo:          repo,
		leaseDuration: leaseDuration,
		pollInterval:  pollInterval,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// Enqueue is a no-op: the PENDING row written by the submitter is the queue entry
func (q *LeaseQueue) Enqueue(ctx context.Context, item WorkItem) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	return nil
}

// Dequeue polls the store until a job can be leased
func (q *LeaseQueue) Dequeue(ctx context.Context) (WorkItem, error) {
	for {
		if q.closed.Load() {
			return WorkItem{}, ErrQueueClosed
		}

		job, err := q.repo.LeaseJob(ctx, q.leaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return WorkItem{}, ctx.Err()
			}
			q.logger.Error("error leasing job", zap.Error(err))
		}
		if job != nil {
			q.logger.Debug("job leased",
				zap.String("job_id", job.ID),
				zap.Int("attempts", job.Attempts),
			)
			return WorkItem{JobID: job.ID, Leased: true, Job: job}, nil
		}

		select {
		case <-ctx.Done():
			return WorkItem{}, ctx.Err()
		case <-q.done:
			return WorkItem{}, ErrQueueClosed
		case <-time.After(q.pollInterval):
		}
	}
}

// Len returns the number of PENDING jobs in the store
func (q *LeaseQueue) Len() int {
	counts, err := q.repo.CountJobsByStatus(context.Background())
	if err != nil {
		return 0
	}
	return counts[models.StatusPending]
}

// Close wakes pollers and makes further Dequeue calls return ErrQueueClosed
func (q *LeaseQueue) Close() error {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
	return nil
}
