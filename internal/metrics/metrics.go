package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "cdss"

// Metrics tracks system metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	totalJobs       *prometheus.CounterVec
	completedJobs   *prometheus.CounterVec
	failedJobs      *prometheus.CounterVec
	redeliveredJobs prometheus.Counter
	duplicateJobs   prometheus.Counter
	fallbackImages  prometheus.Counter
	reportFailures  *prometheus.CounterVec
	rejectedJobs    *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		totalJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Inference jobs accepted for processing",
			},
			[]string{"model"},
		),
		completedJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Inference jobs that reached SUCCESS",
			},
			[]string{"model"},
		),
		failedJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_failed_total",
				Help:      "Inference jobs that reached FAILURE",
			},
			[]string{"model", "stage"},
		),
		redeliveredJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_redelivered_total",
			Help:      "Jobs handed out again after their lease expired",
		}),
		duplicateJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_duplicate_deliveries_total",
			Help:      "Deliveries ignored because the job was already terminal or held by another worker",
		}),
		fallbackImages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_images_total",
			Help:      "Images replaced by the black placeholder after a decode failure",
		}),
		reportFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_failures_total",
				Help:      "Outcome reports to the record backend that could not be delivered",
			},
			[]string{"outcome"},
		),
		rejectedJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_rejected_total",
				Help:      "Submissions refused before a job was queued",
			},
			[]string{"reason"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"stage"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker",
		}),
	}

	m.registry.MustRegister(
		m.totalJobs,
		m.completedJobs,
		m.failedJobs,
		m.redeliveredJobs,
		m.duplicateJobs,
		m.fallbackImages,
		m.reportFailures,
		m.rejectedJobs,
		m.stageDuration,
		m.queueDepth,
	)
	return m
}

// IncrementTotalJobs increments the submitted jobs counter
func (m *Metrics) IncrementTotalJobs(model string) {
	m.totalJobs.WithLabelValues(model).Inc()
}

// IncrementCompletedJobs increments the completed jobs counter
func (m *Metrics) IncrementCompletedJobs(model string) {
	m.completedJobs.WithLabelValues(model).Inc()
}

// IncrementFailedJobs increments the failed jobs counter for the stage that failed
func (m *Metrics) IncrementFailedJobs(model, stage string) {
	m.failedJobs.WithLabelValues(model, stage).Inc()
}

// IncrementRedeliveredJobs counts a lease re-claim
func (m *Metrics) IncrementRedeliveredJobs() {
	m.redeliveredJobs.Inc()
}

// IncrementDuplicateDeliveries counts a delivery that was ignored
func (m *Metrics) IncrementDuplicateDeliveries() {
	m.duplicateJobs.Inc()
}

// IncrementFallbackImages counts a placeholder substitution
func (m *Metrics) IncrementFallbackImages() {
	m.fallbackImages.Inc()
}

// IncrementReportFailures counts an undelivered outcome report; outcome is "success" or "failure"
func (m *Metrics) IncrementReportFailures(outcome string) {
	m.reportFailures.WithLabelValues(outcome).Inc()
}

// IncrementRejectedJobs counts a refused submission
func (m *Metrics) IncrementRejectedJobs(reason string) {
	m.rejectedJobs.WithLabelValues(reason).Inc()
}

// ObserveStageDuration records how long a pipeline stage took
func (m *Metrics) ObserveStageDuration(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetQueueDepth records the current backlog
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GetSnapshot returns every counter and gauge summed across labels, and the
// observation count of every histogram, keyed by metric name.
func (m *Metrics) GetSnapshot() map[string]int64 {
	snapshot := make(map[string]int64)

	families, err := m.registry.Gather()
	if err != nil {
		return snapshot
	}

	for _, family := range families {
		var total float64
		for _, metric := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				total += metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				total += metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		snapshot[family.GetName()] = int64(total)
	}
	return snapshot
}
