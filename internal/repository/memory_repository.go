package repository

import (
	"cdss-inference/internal/models"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository implements JobRepository in process memory.
// Records live until the process exits.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
}

// Close is a no-op
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateJob stores a new job
func (r *MemoryRepository) CreateJob(ctx context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("failed to create job: duplicate id %s", job.ID)
	}

	now := r.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	r.jobs[job.ID] = job.Clone()
	return nil
}

// GetJobByID returns a copy of the job
func (r *MemoryRepository) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobsByStatus returns jobs with the given status, oldest first
func (r *MemoryRepository) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range r.jobs {
		if job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	sortByCreatedAt(jobs)
	return jobs, nil
}

// ClaimJob transitions a PENDING job, or a RUNNING job with an expired lease, to RUNNING
func (r *MemoryRepository) ClaimJob(ctx context.Context, id string, leaseDuration time.Duration) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	now := r.now()
	if err := claimable(job, now); err != nil {
		return nil, err
	}
	r.markRunning(job, now, leaseDuration)
	return job.Clone(), nil
}

// LeaseJob claims the oldest available job
func (r *MemoryRepository) LeaseJob(ctx context.Context, leaseDuration time.Duration) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var candidates []*models.Job
	for _, job := range r.jobs {
		if claimable(job, now) == nil {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sortByCreatedAt(candidates)

	job := candidates[0]
	r.markRunning(job, now, leaseDuration)
	return job.Clone(), nil
}

// CompleteJob records a successful result
func (r *MemoryRepository) CompleteJob(ctx context.Context, id string, result models.Result, usedFallback bool) error {
	return r.finish(id, models.StatusSuccess, func(job *models.Job) {
		job.Result = &result
		job.UsedFallback = usedFallback
	})
}

// FailJob records a failure reason
func (r *MemoryRepository) FailJob(ctx context.Context, id string, reason string) error {
	return r.finish(id, models.StatusFailure, func(job *models.Job) {
		job.Error = reason
	})
}

// CountJobsByStatus returns the number of jobs in each state
func (r *MemoryRepository) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (r *MemoryRepository) finish(id string, status models.JobStatus, apply func(*models.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if models.IsTerminal(job.Status) {
		return ErrJobTerminal
	}
	if err := models.ValidateTransition(job.Status, status); err != nil {
		return err
	}

	now := r.now()
	job.Status = status
	job.LeaseExpiresAt = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	apply(job)
	return nil
}

func (r *MemoryRepository) markRunning(job *models.Job, now time.Time, leaseDuration time.Duration) {
	expires := now.Add(leaseDuration)
	job.Status = models.StatusRunning
	job.Attempts++
	job.LeaseExpiresAt = &expires
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	job.UpdatedAt = now
}

func claimable(job *models.Job, now time.Time) error {
	switch job.Status {
	case models.StatusPending:
		return nil
	case models.StatusRunning:
		if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now) {
			return nil
		}
		return ErrJobClaimed
	default:
		return ErrJobTerminal
	}
}

func sortByCreatedAt(jobs []*models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
