package service

import (
	"cdss-inference/internal/classifier"
	"cdss-inference/internal/metrics"
	"cdss-inference/internal/models"
	"cdss-inference/internal/normalizer"
	"cdss-inference/internal/queue"
	"cdss-inference/internal/reporter"
	"cdss-inference/internal/repository"
	"cdss-inference/internal/tracing"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	stageClaim     = "claim"
	stageNormalize = "normalize"
	stageClassify  = "classify"
	stageReport    = "report"
	stageRecord    = "record"
	stagePanic     = "panic"

	DefaultJobTimeout = 10 * time.Minute
)

// WorkerConfig tunes the worker pool
type WorkerConfig struct {
	Concurrency   int
	LeaseDuration time.Duration
	JobTimeout    time.Duration
	ImageFormat   normalizer.Format
	// IdleBackoff is the pause after a dequeue error before trying again
	IdleBackoff time.Duration
}

// WorkerDeps are the collaborators shared by every worker
type WorkerDeps struct {
	Repo       repository.JobRepository
	Queue      queue.Queue
	Normalizer ImageNormalizer
	Registry   *classifier.Registry
	Reporter   reporter.Reporter
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// WorkerService handles worker operations
type WorkerService struct {
	cfg        WorkerConfig
	repo       repository.JobRepository
	queue      queue.Queue
	normalizer ImageNormalizer
	registry   *classifier.Registry
	reporter   reporter.Reporter
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewWorkerService creates a new worker service
func NewWorkerService(cfg WorkerConfig, deps WorkerDeps) *WorkerService {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = cfg.JobTimeout + time.Minute
	}
	if cfg.ImageFormat == "" {
		cfg.ImageFormat = normalizer.FormatJPEG
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Second
	}

	s := &WorkerService{
		cfg:        cfg,
		repo:       deps.Repo,
		queue:      deps.Queue,
		normalizer: deps.Normalizer,
		registry:   deps.Registry,
		reporter:   deps.Reporter,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		tracer:     deps.Tracer,
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
	if s.tracer == nil {
		s.tracer = tracing.NoopTracer()
	}
	return s
}

// Run starts Concurrency workers and blocks until all of them return.
// Cancelling ctx stops dequeuing; jobs already running finish first.
func (s *WorkerService) Run(ctx context.Context) error {
	s.logger.Info("worker pool started", zap.Int("concurrency", s.cfg.Concurrency))

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := s.ProcessJobs(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("worker stopped", zap.Int("worker", worker), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	s.logger.Info("worker pool stopped")
	return nil
}

// ProcessJobs continuously processes jobs until ctx is done or the queue is closed
func (s *WorkerService) ProcessJobs(ctx context.Context) error {
	for {
		item, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return nil
			}
			s.logger.Error("error dequeuing job", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.IdleBackoff):
			}
			continue
		}

		s.metrics.SetQueueDepth(s.queue.Len())
		s.processItem(ctx, item)
	}
}

// processItem claims and runs a single delivery
func (s *WorkerService) processItem(ctx context.Context, item queue.WorkItem) {
	logger := s.logger.With(zap.String("job_id", item.JobID))

	job := item.Job
	if !item.Leased {
		claimed, err := s.repo.ClaimJob(ctx, item.JobID, s.cfg.LeaseDuration)
		switch {
		case errors.Is(err, repository.ErrJobTerminal), errors.Is(err, repository.ErrJobClaimed):
			s.metrics.IncrementDuplicateDeliveries()
			logger.Info("ignoring duplicate delivery", zap.Error(err))
			return
		case err != nil:
			logger.Error("error claiming job", zap.String("stage", stageClaim), zap.Error(err))
			return
		}
		job = claimed
	}
	if job == nil {
		logger.Error("delivery carries no job record")
		return
	}
	if job.Attempts > 1 {
		s.metrics.IncrementRedeliveredJobs()
	}

	// The job runs to completion even when ctx is cancelled for shutdown.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.JobTimeout)
	defer cancel()

	s.processJob(jobCtx, job)
}

// processJob runs the pipeline for one claimed job
func (s *WorkerService) processJob(ctx context.Context, job *models.Job) {
	logger := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("prediction_id", job.PredictionID),
		zap.String("model", string(job.Model)),
	)

	ctx, span := s.tracer.Start(ctx, "inference.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.model", string(job.Model)),
		attribute.Int("job.attempts", job.Attempts),
	))
	defer span.End()

	stage := stageNormalize
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during %s: %v", stage, r)
			logger.Error("recovered from panic", zap.String("stage", stage), zap.Any("panic", r))
			if stage == stageReport || stage == stageRecord {
				// Success may already be reported, so only the record is failed.
				tracing.SetError(ctx, err)
				s.recordFailure(ctx, logger, job, stagePanic, err)
				return
			}
			s.handleJobFailure(ctx, logger, job, stagePanic, err)
		}
	}()

	logger.Info("job started", zap.Int("attempts", job.Attempts))

	img, err := s.normalize(ctx, job)
	if err != nil {
		s.handleJobFailure(ctx, logger, job, stageNormalize, err)
		return
	}
	if img.UsedFallback {
		s.metrics.IncrementFallbackImages()
		logger.Warn("classifying placeholder image after decode failure",
			zap.String("stage", stageNormalize),
			zap.NamedError("decode_error", img.DecodeErr),
		)
	}

	stage = stageClassify
	pred, err := s.classify(ctx, job, img.Data)
	if err != nil {
		s.handleJobFailure(ctx, logger, job, stageClassify, err)
		return
	}
	logger.Info("classification finished",
		zap.String("stage", stageClassify),
		zap.String("label", pred.Label),
		zap.Float64("probability", pred.Probability),
	)

	stage = stageReport
	recordCtx := context.WithoutCancel(ctx)
	s.timed(ctx, stageReport, func(ctx context.Context) error {
		s.reporter.ReportSuccess(recordCtx, job.PredictionID, pred.Label, pred.Probability)
		return nil
	})

	stage = stageRecord
	result := models.Result{Label: pred.Label, Probability: pred.Probability}
	if err := s.repo.CompleteJob(recordCtx, job.ID, result, img.UsedFallback); err != nil {
		if errors.Is(err, repository.ErrJobTerminal) {
			s.metrics.IncrementDuplicateDeliveries()
			logger.Info("job already terminal, keeping existing result", zap.String("stage", stageRecord))
			return
		}
		tracing.SetError(ctx, err)
		logger.Error("error recording job result", zap.String("stage", stageRecord), zap.Error(err))
		return
	}

	s.metrics.IncrementCompletedJobs(string(job.Model))
	logger.Info("job completed successfully", zap.Bool("used_fallback", img.UsedFallback))
}

func (s *WorkerService) normalize(ctx context.Context, job *models.Job) (*normalizer.NormalizedImage, error) {
	var img *normalizer.NormalizedImage
	err := s.timed(ctx, stageNormalize, func(ctx context.Context) error {
		var err error
		img, err = s.normalizer.Normalize(ctx, job.InputReference, s.cfg.ImageFormat)
		return err
	})
	return img, err
}

func (s *WorkerService) classify(ctx context.Context, job *models.Job, image []byte) (classifier.Prediction, error) {
	var pred classifier.Prediction
	err := s.timed(ctx, stageClassify, func(ctx context.Context) error {
		c, err := s.registry.Get(job.Model)
		if err != nil {
			return err
		}
		pred, err = c.Classify(ctx, image)
		return err
	})
	return pred, err
}

// timed runs fn inside a child span and records its duration
func (s *WorkerService) timed(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "inference."+stage)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveStageDuration(stage, time.Since(start))
	if err != nil {
		tracing.SetError(ctx, err)
	}
	return err
}

// handleJobFailure reports the failure once and moves the job to FAILURE
func (s *WorkerService) handleJobFailure(ctx context.Context, logger *zap.Logger, job *models.Job, stage string, cause error) {
	tracing.SetError(ctx, cause)
	s.reporter.ReportFailure(context.WithoutCancel(ctx), job.PredictionID)
	s.recordFailure(ctx, logger, job, stage, cause)
}

// recordFailure moves the job to FAILURE without reporting it
func (s *WorkerService) recordFailure(ctx context.Context, logger *zap.Logger, job *models.Job, stage string, cause error) {
	reason := failureReason(stage, cause, s.cfg.JobTimeout)

	// Terminal writes must land even when the job deadline is what failed it.
	ctx = context.WithoutCancel(ctx)

	if err := s.repo.FailJob(ctx, job.ID, reason); err != nil {
		if errors.Is(err, repository.ErrJobTerminal) {
			s.metrics.IncrementDuplicateDeliveries()
			logger.Info("job already terminal, keeping existing outcome", zap.String("stage", stage))
			return
		}
		logger.Error("error marking job as failed", zap.String("stage", stage), zap.Error(err))
		return
	}

	s.metrics.IncrementFailedJobs(string(job.Model), stage)
	logger.Warn("job failed", zap.String("stage", stage), zap.String("reason", reason))
}

func failureReason(stage string, cause error, timeout time.Duration) string {
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Sprintf("%s: job exceeded execution deadline of %s", stage, timeout)
	}
	return fmt.Sprintf("%s: %v", stage, cause)
}
