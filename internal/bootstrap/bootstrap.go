package bootstrap

import (
	"cdss-inference/internal/classifier"
	"cdss-inference/internal/config"
	"cdss-inference/internal/handler"
	"cdss-inference/internal/metrics"
	"cdss-inference/internal/models"
	"cdss-inference/internal/normalizer"
	"cdss-inference/internal/queue"
	"cdss-inference/internal/reporter"
	"cdss-inference/internal/repository"
	"cdss-inference/internal/service"
	"cdss-inference/internal/tracing"
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Version is stamped at build time with -ldflags "-X cdss-inference/internal/bootstrap.Version=..."
var Version = "dev"

// App holds every wired component of the service
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Repo       repository.JobRepository
	Queue      queue.Queue
	Metrics    *metrics.Metrics
	Tracing    *tracing.Provider
	Registry   *classifier.Registry
	Normalizer *normalizer.Normalizer
	Reporter   reporter.Reporter
	Jobs       *service.JobService
	Workers    *service.WorkerService
}

// New wires the service from cfg. The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: logger}

	format, err := normalizer.ParseFormat(cfg.Worker.ImageFormat)
	if err != nil {
		return nil, err
	}

	app.Tracing, err = tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return nil, err
	}

	app.Repo, app.Queue, err = openStore(cfg, logger)
	if err != nil {
		app.Tracing.Shutdown(ctx)
		return nil, err
	}

	app.Metrics = metrics.NewMetrics()
	app.Registry = NewRegistry(cfg.Classifier, format, logger)
	app.Normalizer = normalizer.New(
		normalizer.WithFetchTimeout(cfg.DICOM.FetchTimeout),
		normalizer.WithContrastStretch(cfg.DICOM.ContrastStretch),
		normalizer.WithLogger(logger.Named("normalizer")),
	)
	app.Reporter = NewReporter(cfg.Reporter, logger, app.Metrics)

	app.Jobs = service.NewJobService(service.JobServiceDeps{
		Repo:        app.Repo,
		Queue:       app.Queue,
		RateLimiter: service.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		Registry:    app.Registry,
		Normalizer:  app.Normalizer,
		Reporter:    app.Reporter,
		Metrics:     app.Metrics,
		Logger:      logger.Named("jobs"),
	})
	app.Workers = service.NewWorkerService(service.WorkerConfig{
		Concurrency:   cfg.Worker.Concurrency,
		LeaseDuration: cfg.Worker.LeaseDuration,
		JobTimeout:    cfg.Worker.JobTimeout,
		ImageFormat:   format,
	}, service.WorkerDeps{
		Repo:       app.Repo,
		Queue:      app.Queue,
		Normalizer: app.Normalizer,
		Registry:   app.Registry,
		Reporter:   app.Reporter,
		Metrics:    app.Metrics,
		Logger:     logger.Named("worker"),
		Tracer:     app.Tracing.Tracer(),
	})

	return app, nil
}

// openStore pairs the repository with its queue: the in-memory store feeds a
// bounded channel, the SQLite store is polled through leases.
func openStore(cfg *config.Config, logger *zap.Logger) (repository.JobRepository, queue.Queue, error) {
	switch cfg.Store.Driver {
	case "memory":
		return repository.NewMemoryRepository(), queue.NewChannelQueue(cfg.Worker.QueueSize), nil
	case "sqlite":
		repo, err := repository.NewSQLiteRepository(cfg.Store.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		q := queue.NewLeaseQueue(repo, cfg.Worker.LeaseDuration, cfg.Worker.PollInterval, logger.Named("queue"))
		return repo, q, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// NewRegistry builds the model registry. A model with an endpoint is served
// over HTTP, one with a static label answers with that label, and a model with
// neither is left unregistered so submissions for it are rejected.
func NewRegistry(cfg config.ClassifierConfig, format normalizer.Format, logger *zap.Logger) *classifier.Registry {
	entries := map[models.ModelKind]config.ModelConfig{
		models.ModelBrainMRI: cfg.BrainMRI,
		models.ModelLungCT:   cfg.LungCT,
	}

	classifiers := make(map[models.ModelKind]classifier.Classifier, len(entries))
	for kind, m := range entries {
		switch {
		case m.Endpoint != "":
			classifiers[kind] = classifier.NewHTTPClassifier(m.Endpoint, format.ContentType(), m.Timeout)
			logger.Info("model registered", zap.String("model", string(kind)), zap.String("endpoint", m.Endpoint))
		case m.StaticLabel != "":
			classifiers[kind] = classifier.StaticClassifier{Prediction: classifier.Prediction{
				Label:       m.StaticLabel,
				Probability: m.StaticProbability,
			}}
			logger.Warn("model registered with a static prediction", zap.String("model", string(kind)))
		default:
			logger.Warn("model not configured", zap.String("model", string(kind)))
		}
	}
	return classifier.NewRegistry(classifiers)
}

// NewReporter returns a backend reporter, or a no-op one when no backend is configured
func NewReporter(cfg config.ReporterConfig, logger *zap.Logger, m *metrics.Metrics) reporter.Reporter {
	if cfg.BackendURL == "" {
		logger.Warn("reporter backend not configured, results will not be delivered")
		return reporter.NopReporter{}
	}
	return reporter.NewBackendReporter(reporter.Config{
		BackendURL:      cfg.BackendURL,
		APIKey:          cfg.APIKey,
		Timeout:         cfg.Timeout,
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
	}, logger.Named("reporter"), m)
}

// Router builds the HTTP handler for the API
func (a *App) Router() *mux.Router {
	h := handler.NewJobHandler(a.Jobs, a.Metrics, a.Logger.Named("http"))
	return handler.NewRouter(h, handler.RouterConfig{
		APIKey: a.Config.Server.APIKey,
		Logger: a.Logger.Named("access"),
		Tracer: a.Tracing.Tracer(),
	})
}

// Close stops the queue, flushes traces and closes the store
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	if err := a.Tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	if err := a.Repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close repository: %w", err))
	}
	return errors.Join(errs...)
}
