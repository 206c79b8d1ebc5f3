package reporter

import (
	"bytes"
	"cdss-inference/internal/metrics"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Reporter delivers job outcomes to the external record system.
// Delivery is best-effort: implementations never return an error to the caller.
type Reporter interface {
	ReportSuccess(ctx context.Context, predictionID, label string, probability float64)
	ReportFailure(ctx context.Context, predictionID string)
}

// NopReporter discards every report
type NopReporter struct{}

func (NopReporter) ReportSuccess(ctx context.Context, predictionID, label string, probability float64) {
}

func (NopReporter) ReportFailure(ctx context.Context, predictionID string) {}

// Config configures a BackendReporter
type Config struct {
	BackendURL string
	APIKey     string
	Timeout    time.Duration
	// MaxAttempts bounds delivery attempts; 1 sends once without retrying
	MaxAttempts     int
	InitialInterval time.Duration
}

// BackendReporter PATCHes outcomes to {BackendURL}/cdss/{predictionID}
type BackendReporter struct {
	cfg     Config
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type successBody struct {
	Result      string  `json:"result"`
	Probability float64 `json:"probability"`
}

// NewBackendReporter creates a reporter. metrics may be nil.
func NewBackendReporter(cfg Config, logger *zap.Logger, m *metrics.Metrics) *BackendReporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	return &BackendReporter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: m,
	}
}

// ReportSuccess sends {"result": label, "probability": p}
func (r *BackendReporter) ReportSuccess(ctx context.Context, predictionID, label string, probability float64) {
	body, err := json.Marshal(successBody{Result: label, Probability: probability})
	if err != nil {
		r.swallow(outcomeSuccess, predictionID, err)
		return
	}
	target := fmt.Sprintf("%s/cdss/%s", r.cfg.BackendURL, url.PathEscape(predictionID))
	if err := r.patch(ctx, target, body); err != nil {
		r.swallow(outcomeSuccess, predictionID, err)
		return
	}
	r.logger.Info("reported prediction result",
		zap.String("prediction_id", predictionID),
		zap.String("label", label),
		zap.Float64("probability", probability),
	)
}

// ReportFailure marks the prediction as failed
func (r *BackendReporter) ReportFailure(ctx context.Context, predictionID string) {
	target := fmt.Sprintf("%s/cdss/%s/fail", r.cfg.BackendURL, url.PathEscape(predictionID))
	if err := r.patch(ctx, target, nil); err != nil {
		r.swallow(outcomeFailure, predictionID, err)
		return
	}
	r.logger.Info("reported prediction failure", zap.String("prediction_id", predictionID))
}

func (r *BackendReporter) patch(ctx context.Context, target string, body []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.send(ctx, target, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	)
	return err
}

func (r *BackendReporter) send(ctx context.Context, target string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build report request: %w", err))
	}
	req.Header.Set("x-api-key", r.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("report request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("backend returned status %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(statusErr)
	}
	return statusErr
}

func (r *BackendReporter) swallow(outcome, predictionID string, err error) {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if r.metrics != nil {
		r.metrics.IncrementReportFailures(outcome)
	}
	r.logger.Warn("failed to report outcome to backend",
		zap.String("prediction_id", predictionID),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
}
