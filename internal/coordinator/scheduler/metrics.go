package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsAssignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_exchange_jobs_assigned_total",
			Help: "Total number of jobs matched and handed to a worker.",
		},
	)

	jobsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compute_exchange_jobs_settled_total",
			Help: "Total number of jobs settled, by outcome.",
		},
		[]string{"outcome"},
	)

	jobsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compute_exchange_jobs_reaped_total",
			Help: "Total number of running jobs failed by the reaper, either under a stalled worker or past twice their timeout.",
		},
	)

	pendingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "compute_exchange_pending_queue_depth",
			Help: "Number of jobs currently waiting in the pending queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsAssignedTotal)
	prometheus.MustRegister(jobsSettledTotal)
	prometheus.MustRegister(jobsReapedTotal)
	prometheus.MustRegister(pendingQueueDepth)

	for _, outcome := range []string{"completed", "failed", "timed_out", "cancelled"} {
		jobsSettledTotal.WithLabelValues(outcome)
	}
}
