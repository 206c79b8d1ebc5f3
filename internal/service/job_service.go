package service

import (
	"cdss-inference/internal/classifier"
	"cdss-inference/internal/metrics"
	"cdss-inference/internal/models"
	"cdss-inference/internal/normalizer"
	"cdss-inference/internal/queue"
	"cdss-inference/internal/reporter"
	"cdss-inference/internal/repository"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidReference  = errors.New("input reference must be an absolute http or https URL")
	ErrInvalidRequest    = errors.New("invalid request")
)

// PendingMessage is the advisory text returned for jobs no worker has picked up yet
const PendingMessage = "Task is still processing."

// ImageNormalizer produces the encoded image a classifier consumes
type ImageNormalizer interface {
	Normalize(ctx context.Context, sourceURL string, format normalizer.Format) (*normalizer.NormalizedImage, error)
}

// SubmitRequest describes one inference job to queue
type SubmitRequest struct {
	PredictionID   string
	Model          models.ModelKind
	InputReference string
	// ClientKey identifies the caller for rate limiting
	ClientKey string
}

// JobServiceDeps are the collaborators of a JobService
type JobServiceDeps struct {
	Repo        repository.JobRepository
	Queue       queue.Queue
	RateLimiter *RateLimiter
	Registry    *classifier.Registry
	Normalizer  ImageNormalizer
	Reporter    reporter.Reporter
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// JobService handles submission and status queries
type JobService struct {
	repo        repository.JobRepository
	queue       queue.Queue
	rateLimiter *RateLimiter
	registry    *classifier.Registry
	normalizer  ImageNormalizer
	reporter    reporter.Reporter
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewJobService creates a new job service
func NewJobService(deps JobServiceDeps) *JobService {
	s := &JobService{
		repo:        deps.Repo,
		queue:       deps.Queue,
		rateLimiter: deps.RateLimiter,
		registry:    deps.Registry,
		normalizer:  deps.Normalizer,
		reporter:    deps.Reporter,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
	}
	if s.rateLimiter == nil {
		s.rateLimiter = NewRateLimiter(0, 0)
	}
	if s.reporter == nil {
		s.reporter = reporter.NopReporter{}
	}
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// ValidateReference checks that ref is an absolute http(s) URL
func ValidateReference(ref string) error {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	return nil
}

// Submit records a PENDING job and queues it. It never waits on job execution.
// When the dispatch queue is full the job is failed at once and returned along with queue.ErrQueueFull.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if strings.TrimSpace(req.PredictionID) == "" {
		return nil, fmt.Errorf("%w: prediction id is required", ErrInvalidRequest)
	}
	model, err := models.ParseModelKind(string(req.Model))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", classifier.ErrUnknownModel, err)
	}
	if s.registry != nil && !s.registry.Has(model) {
		return nil, fmt.Errorf("%w: %s", classifier.ErrUnknownModel, model)
	}
	if err := ValidateReference(req.InputReference); err != nil {
		return nil, err
	}

	if err := s.rateLimiter.CheckSubmissionRate(ctx, req.ClientKey); err != nil {
		s.metrics.IncrementRejectedJobs("rate_limited")
		return nil, err
	}

	job := &models.Job{
		ID:             uuid.New().String(),
		PredictionID:   req.PredictionID,
		Model:          model,
		InputReference: strings.TrimSpace(req.InputReference),
		Status:         models.StatusPending,
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.metrics.IncrementTotalJobs(string(model))
	logger := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("prediction_id", job.PredictionID),
		zap.String("model", string(job.Model)),
	)

	if err := s.queue.Enqueue(ctx, queue.WorkItem{JobID: job.ID}); err != nil {
		return s.rejectQueued(ctx, logger, job, err)
	}
	s.metrics.SetQueueDepth(s.queue.Len())

	logger.Info("job submitted", zap.String("input_reference", job.InputReference))
	return job, nil
}

func (s *JobService) rejectQueued(ctx context.Context, logger *zap.Logger, job *models.Job, enqueueErr error) (*models.Job, error) {
	reason := fmt.Sprintf("failed to dispatch job: %v", enqueueErr)
	ctx = context.WithoutCancel(ctx)

	s.reporter.ReportFailure(ctx, job.PredictionID)
	if err := s.repo.FailJob(ctx, job.ID, reason); err != nil {
		logger.Error("error marking undispatched job as failed", zap.Error(err))
	}
	s.metrics.IncrementRejectedJobs("queue_full")
	s.metrics.IncrementFailedJobs(string(job.Model), "dispatch")
	logger.Warn("job rejected by dispatcher", zap.Error(enqueueErr))

	failed, err := s.repo.GetJobByID(ctx, job.ID)
	if err != nil {
		failed = job
	}
	return failed, enqueueErr
}

// GetJob retrieves a job by ID
func (s *JobService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.repo.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetStatus returns the polling view of a job
func (s *JobService) GetStatus(ctx context.Context, id string) (*models.StatusResponse, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return StatusOf(job), nil
}

// StatusOf projects a job record onto the status response shapes
func StatusOf(job *models.Job) *models.StatusResponse {
	resp := &models.StatusResponse{TaskID: job.ID, Status: job.Status}
	switch job.Status {
	case models.StatusPending:
		resp.Message = PendingMessage
	case models.StatusSuccess:
		resp.Result = job.Result
		resp.UsedFallback = job.UsedFallback
	case models.StatusFailure:
		resp.Error = job.Error
	}
	return resp
}

// ListJobsByStatus retrieves jobs by status
func (s *JobService) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	jobs, err := s.repo.ListJobsByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Preview runs the normalizer synchronously and returns the encoded image.
// A missing source surfaces as normalizer.ErrNotFound.
func (s *JobService) Preview(ctx context.Context, sourceURL string, format normalizer.Format) (*normalizer.NormalizedImage, error) {
	if err := ValidateReference(sourceURL); err != nil {
		return nil, err
	}
	if s.normalizer == nil {
		return nil, fmt.Errorf("preview is not configured")
	}

	img, err := s.normalizer.Normalize(ctx, sourceURL, format)
	if err != nil {
		return nil, err
	}
	if img.UsedFallback {
		s.metrics.IncrementFallbackImages()
	}
	return img, nil
}
