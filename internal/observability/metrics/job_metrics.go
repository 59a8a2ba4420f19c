// Package metrics exposes prometheus instrumentation for the background job
// engine.
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobErrorTypeDeadlineExceeded = "deadline_exceeded"
	JobErrorTypeBusinessRule     = "business_rule"
	JobErrorTypeDB               = "db"
	JobErrorTypeGateway          = "gateway"
	JobErrorTypeUnknown          = "unknown"
)

// JobMetrics captures job engine health signals.
type JobMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	continuations  *prometheus.CounterVec
}

var (
	jobMetricsOnce sync.Once
	jobMetrics     *JobMetrics
)

// Jobs returns the singleton job metrics registry.
func Jobs() *JobMetrics {
	jobMetricsOnce.Do(func() {
		jobMetrics = newJobMetrics(prometheus.DefaultRegisterer)
	})
	return jobMetrics
}

// ResetJobMetricsForTest drops the singleton and unregisters its collectors
// so the next fixture can register fresh ones.
func ResetJobMetricsForTest() {
	if jobMetrics != nil {
		for _, c := range []prometheus.Collector{
			jobMetrics.jobRuns, jobMetrics.jobDuration, jobMetrics.jobErrors,
			jobMetrics.batchProcessed, jobMetrics.continuations,
		} {
			prometheus.Unregister(c)
		}
	}
	jobMetricsOnce = sync.Once{}
	jobMetrics = nil
}

func newJobMetrics(registerer prometheus.Registerer) *JobMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiffinly_job_runs_total",
		Help: "Background job runs by type.",
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tiffinly_job_duration_seconds",
		Help:    "Background job latency to protect batch freshness.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiffinly_job_errors_total",
		Help: "Background job errors by low-cardinality type.",
	}, []string{"job", "error_type"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiffinly_job_batch_items_total",
		Help: "Batch items processed to gauge billing throughput.",
	}, []string{"job"})
	continuations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiffinly_job_continuations_total",
		Help: "Continuation jobs created when a run exhausts its time budget.",
	}, []string{"job"})

	registerer.MustRegister(jobRuns, jobDuration, jobErrors, batchProcessed, continuations)

	return &JobMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobErrors:      jobErrors,
		batchProcessed: batchProcessed,
		continuations:  continuations,
	}
}

func (m *JobMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *JobMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *JobMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobErrorType(err)).Inc()
}

func (m *JobMetrics) AddBatchProcessed(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}

func (m *JobMetrics) IncContinuation(job string) {
	if m == nil {
		return
	}
	m.continuations.WithLabelValues(job).Inc()
}

// ClassifyJobErrorType buckets an error into a low-cardinality label.
func ClassifyJobErrorType(err error) string {
	switch {
	case err == nil:
		return JobErrorTypeUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return JobErrorTypeDeadlineExceeded
	case errors.Is(err, gorm.ErrRecordNotFound):
		return JobErrorTypeDB
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return JobErrorTypeDB
	}
	return JobErrorTypeBusinessRule
}

// IsJobErrorRetryable reports whether a later run may succeed without
// operator intervention.
func IsJobErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected, lock_not_available
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
