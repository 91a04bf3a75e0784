package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(pollTicksTotal, pollTransportErrorsTotal, pollCyclesTotal, pollAttemptsToFinish, persistDroppedTotal)
}

var (
	pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_poll_ticks_total",
			Help: "Successful status polls, labeled by workflow and reported job status.",
		},
		[]string{"workflow", "status"},
	)

	pollTransportErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_poll_transport_errors_total",
			Help: "Status polls that failed at the transport level.",
		},
		[]string{"workflow"},
	)

	pollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_poll_cycles_total",
			Help: "Finished poll cycles by how they ended.",
		},
		[]string{"workflow", "outcome"}, // 'stopped', 'timeout', 'cancelled'
	)

	pollAttemptsToFinish = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichment_poll_attempts",
			Help:    "Number of successful polls a cycle needed before it ended.",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20, 30},
		},
		[]string{"workflow"},
	)

	persistDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_persist_tasks_dropped_total",
			Help: "Snapshot persistence tasks rejected because the worker queue was full or stopped.",
		},
		[]string{"workflow"},
	)
)

func IncPollTick(workflow, status string) {
	pollTicksTotal.WithLabelValues(norm(workflow), norm(status)).Inc()
}

func IncPollTransportError(workflow string) {
	pollTransportErrorsTotal.WithLabelValues(norm(workflow)).Inc()
}

func ObservePollCycle(workflow, outcome string, attempts int) {
	pollCyclesTotal.WithLabelValues(norm(workflow), norm(outcome)).Inc()
	pollAttemptsToFinish.WithLabelValues(norm(workflow)).Observe(float64(attempts))
}

func IncPersistDropped(workflow string) {
	persistDroppedTotal.WithLabelValues(norm(workflow)).Inc()
}
