package repository

import (
	"cdss-inference/internal/models"
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when a write targets a job that already reached SUCCESS or FAILURE
	ErrJobTerminal = errors.New("job already in terminal state")
	// ErrJobClaimed is returned when a claim targets a job another worker holds a live lease on
	ErrJobClaimed = errors.New("job already claimed")
)

// JobRepository defines the interface for job persistence
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJobByID(ctx context.Context, id string) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	// ClaimJob moves a specific job to RUNNING for the caller.
	ClaimJob(ctx context.Context, id string, leaseDuration time.Duration) (*models.Job, error)
	// LeaseJob claims the oldest PENDING job, or a RUNNING job whose lease expired.
	// It returns nil, nil when nothing is available.
	LeaseJob(ctx context.Context, leaseDuration time.Duration) (*models.Job, error)
	CompleteJob(ctx context.Context, id string, result models.Result, usedFallback bool) error
	FailJob(ctx context.Context, id string, reason string) error
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	Close() error
}
