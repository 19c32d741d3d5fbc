// Package metrics holds the Prometheus instruments of the orchestration core.
// A *Metrics is built once in main, registered on a registry, and passed to
// the components that record into it. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a prometheus.Collector over the job and scheduler instruments.
type Metrics struct {
	jobsEnqueued      *prometheus.CounterVec
	jobsCompleted     *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobsInFlight      *prometheus.GaugeVec
	schedulerTicks    *prometheus.CounterVec
	schedulerEnqueued *prometheus.CounterVec
	schedulerSkipped  *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		jobsEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoflow_jobs_enqueued_total",
				Help: "Total number of jobs enqueued",
			},
			[]string{"job_type", "submitted_by"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoflow_jobs_completed_total",
				Help: "Total number of jobs that reached a terminal queue status",
			},
			[]string{"job_type", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "repoflow_job_duration_seconds",
				Help:    "Wall time spent in job handlers",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"job_type"},
		),
		jobsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "repoflow_jobs_in_flight",
				Help: "Number of jobs currently being handled",
			},
			[]string{"job_type"},
		),
		schedulerTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoflow_scheduler_ticks_total",
				Help: "Total number of scheduler ticks",
			},
			[]string{"scheduler"},
		),
		schedulerEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoflow_scheduler_enqueued_total",
				Help: "Total number of refresh jobs enqueued by schedulers",
			},
			[]string{"scheduler"},
		),
		schedulerSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repoflow_scheduler_skipped_total",
				Help: "Total number of stale repositories a scheduler did not enqueue",
			},
			[]string{"scheduler", "reason"},
		),
	}
}

// Describe is used to describe Prometheus metrics.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect is used to collect Prometheus metrics.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.jobsEnqueued.Collect(ch)
	m.jobsCompleted.Collect(ch)
	m.jobDuration.Collect(ch)
	m.jobsInFlight.Collect(ch)
	m.schedulerTicks.Collect(ch)
	m.schedulerEnqueued.Collect(ch)
	m.schedulerSkipped.Collect(ch)
}

func (m *Metrics) JobEnqueued(jobType, submittedBy string) {
	if m == nil {
		return
	}
	m.jobsEnqueued.WithLabelValues(jobType, submittedBy).Inc()
}

// JobStarted marks a job in flight and returns the func that records its end.
func (m *Metrics) JobStarted(jobType string) func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.jobsInFlight.WithLabelValues(jobType).Inc()
	return func(status string) {
		m.jobsInFlight.WithLabelValues(jobType).Dec()
		m.jobDuration.WithLabelValues(jobType).Observe(time.Since(start).Seconds())
		m.jobsCompleted.WithLabelValues(jobType, status).Inc()
	}
}

// JobFinished counts a terminal status recorded outside a handler run, such as
// a timeout or recovery decision.
func (m *Metrics) JobFinished(jobType, status string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) SchedulerTick(scheduler string) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(scheduler).Inc()
}

func (m *Metrics) SchedulerEnqueued(scheduler string) {
	if m == nil {
		return
	}
	m.schedulerEnqueued.WithLabelValues(scheduler).Inc()
}

func (m *Metrics) SchedulerSkipped(scheduler, reason string) {
	if m == nil {
		return
	}
	m.schedulerSkipped.WithLabelValues(scheduler, reason).Inc()
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
