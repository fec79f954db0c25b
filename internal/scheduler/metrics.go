package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the job scheduler.
type Metrics struct {
	JobsSucceeded *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsSkipped   *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "jobs_succeeded_total",
			Help:      "Total job runs that completed without error.",
		}, []string{"job"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "jobs_failed_total",
			Help:      "Total job runs that returned an error.",
		}, []string{"job"}),
		JobsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "jobs_skipped_total",
			Help:      "Ticks skipped because the previous run was still in progress.",
		}, []string{"job"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of job runs.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"job"}),
	}

	reg.MustRegister(m.JobsSucceeded, m.JobsFailed, m.JobsSkipped, m.JobDuration)
	return m
}

func (m *Metrics) observe(job string, d time.Duration, err error) {
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		m.JobsFailed.WithLabelValues(job).Inc()
		return
	}
	m.JobsSucceeded.WithLabelValues(job).Inc()
}
