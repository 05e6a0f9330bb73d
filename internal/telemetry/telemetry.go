// Package telemetry provides observability with Prometheus metrics,
// grounded on the teacher's promauto/promhttp wiring.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric llmlimiter exposes.
type Metrics struct {
	SlotsCapacity *prometheus.GaugeVec // jobType, model
	SlotsInUse    *prometheus.GaugeVec // jobType, model
	SlotQueueDepth *prometheus.GaugeVec // jobType, model

	SchedulerQueueDepth prometheus.Gauge
	JobsTotal           *prometheus.CounterVec // status: success, error, no_models, all_exhausted, stopped
	JobDuration         *prometheus.HistogramVec
	EscalationAttempts  *prometheus.CounterVec // model, reason

	QuotaCurrent    *prometheus.GaugeVec // model, kind
	QuotaLimit      *prometheus.GaugeVec // model, kind
	ConcurrentActive *prometheus.GaugeVec // model

	RatioCurrent  *prometheus.GaugeVec // jobType
	InstanceCount prometheus.Gauge

	CoordinatorErrors  *prometheus.CounterVec // op
	HeartbeatFailures  prometheus.Counter
	SelfEjections      prometheus.Counter
}

// NewMetrics creates and registers every metric against registry, or the
// default registerer if nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		SlotsCapacity: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmlimiter_slot_capacity",
				Help: "Local slot pool capacity for a (jobType, model) pair",
			},
			[]string{"job_type", "model"},
		),
		SlotsInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmlimiter_slot_in_use",
				Help: "Local slot pool in-use count for a (jobType, model) pair",
			},
			[]string{"job_type", "model"},
		),
		SlotQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmlimiter_slot_queue_depth",
				Help: "Waiters queued on a (jobType, model) slot pool",
			},
			[]string{"job_type", "model"},
		),
		SchedulerQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmlimiter_scheduler_queue_depth",
				Help: "Active jobs not yet processing",
			},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmlimiter_jobs_total",
				Help: "Total jobs submitted via queueJob, by outcome",
			},
			[]string{"status"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmlimiter_job_duration_seconds",
				Help:    "queueJob wall-clock duration from queue to resolve",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		EscalationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmlimiter_escalation_attempts_total",
				Help: "Escalation attempts per model and rejection reason",
			},
			[]string{"model", "reason"},
		),
		QuotaCurrent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmlimiter_quota_current",
				Help: "Current usage for a model's quota kind",
			},
			[]string{"model", "kind"},
		),
		QuotaLimit: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmlimiter_quota_limit",
				Help: "Configured limit for a model's quota kind",
			},
			[]string{"model", "kind"},
		),
		ConcurrentActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmlimiter_concurrent_active",
				Help: "Active concurrent requests held against a model",
			},
			[]string{"model"},
		),
		RatioCurrent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmlimiter_ratio_current",
				Help: "This instance's current ratio for a job type",
			},
			[]string{"job_type"},
		),
		InstanceCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "llmlimiter_instance_count",
				Help: "Fleet size as last observed from the coordinator",
			},
		),
		CoordinatorErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmlimiter_coordinator_errors_total",
				Help: "Coordinator operation failures by op",
			},
			[]string{"op"},
		),
		HeartbeatFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "llmlimiter_heartbeat_failures_total",
				Help: "Total heartbeat failures observed",
			},
		),
		SelfEjections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "llmlimiter_self_ejections_total",
				Help: "Times this instance self-ejected after repeated heartbeat failure",
			},
		),
	}
}

// Handler returns the HTTP handler Prometheus scrapes.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a completed queueJob call.
func (m *Metrics) ObserveJob(status string, duration time.Duration) {
	m.JobsTotal.WithLabelValues(status).Inc()
	m.JobDuration.WithLabelValues(status).Observe(duration.Seconds())
}
