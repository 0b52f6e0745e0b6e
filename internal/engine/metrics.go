package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tremor_submissions_total",
			Help: "Total number of calculation submissions by outcome.",
		},
		[]string{"outcome"},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tremor_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status.",
		},
		[]string{"job_type", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tremor_job_duration_seconds",
			Help:    "Wall-clock duration of job execution in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"job_type"},
	)

	jobsExecuting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tremor_jobs_executing",
		Help: "Number of jobs currently executing.",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tremor_queue_depth",
		Help: "Number of jobs waiting for a worker.",
	})

	callbackFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tremor_callback_failures_total",
		Help: "Total number of callback notifications that could not be delivered.",
	})
)

func init() {
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(jobsExecuting)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(callbackFailuresTotal)
}
