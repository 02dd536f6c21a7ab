package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_received_total",
			Help: "Total number of jobs popped from the queue",
		},
		[]string{"queue", "source", "job_type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs finished in COMPLETED",
		},
		[]string{"queue", "source", "job_type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs finished in FAILED",
		},
		[]string{"queue", "source", "job_type"},
	)
	JobsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_cancelled_total",
			Help: "Total number of jobs finished in CANCELLED",
		},
		[]string{"queue", "source", "job_type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_retried_total",
			Help: "Total number of jobs re-queued for retry",
		},
		[]string{"queue", "source", "job_type"},
	)
	JobsInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_inflight",
			Help: "Jobs currently being dispatched by this worker",
		},
		[]string{"job_type"},
	)
	DispatchLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_dispatch_latency_ms",
			Help:    "Wall-clock dispatch duration per job in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000},
		},
		[]string{"queue", "source", "job_type"},
	)

	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_model_requests_total",
			Help: "Total number of model requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	ModelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_model_request_duration_seconds",
			Help:    "Model request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(JobsReceivedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsCancelledTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsInflight)
	prometheus.MustRegister(DispatchLatencyMs)
	prometheus.MustRegister(ModelRequestsTotal)
	prometheus.MustRegister(ModelRequestDuration)
}

func ReceiveJob(queue, source, jobType string) {
	JobsReceivedTotal.WithLabelValues(queue, source, jobType).Inc()
	JobsInflight.WithLabelValues(jobType).Inc()
}

func CompleteJob(queue, source, jobType string, started time.Time) {
	JobsInflight.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(queue, source, jobType).Inc()
	DispatchLatencyMs.WithLabelValues(queue, source, jobType).Observe(float64(time.Since(started).Milliseconds()))
}

func FailJob(queue, source, jobType string, started time.Time) {
	JobsInflight.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(queue, source, jobType).Inc()
	DispatchLatencyMs.WithLabelValues(queue, source, jobType).Observe(float64(time.Since(started).Milliseconds()))
}

func CancelJob(queue, source, jobType string, started time.Time) {
	JobsInflight.WithLabelValues(jobType).Dec()
	JobsCancelledTotal.WithLabelValues(queue, source, jobType).Inc()
	DispatchLatencyMs.WithLabelValues(queue, source, jobType).Observe(float64(time.Since(started).Milliseconds()))
}

func RetryJob(queue, source, jobType string) {
	JobsInflight.WithLabelValues(jobType).Dec()
	JobsRetriedTotal.WithLabelValues(queue, source, jobType).Inc()
}

// ObserveModelRequest records one model call.
func ObserveModelRequest(operation, outcome string, dur time.Duration) {
	ModelRequestsTotal.WithLabelValues(operation, outcome).Inc()
	ModelRequestDuration.WithLabelValues(operation).Observe(dur.Seconds())
}
