package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(trackerTransitionsTotal, trackersActive) }

var (
	trackerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_tracker_transitions_total",
			Help: "Tracker state transitions, labeled by workflow and target state.",
		},
		[]string{"workflow", "state"},
	)

	trackersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrichment_trackers_active",
			Help: "Trackers currently held in memory per workflow.",
		},
		[]string{"workflow"},
	)
)

func IncTrackerTransition(workflow, state string) {
	trackerTransitionsTotal.WithLabelValues(norm(workflow), norm(state)).Inc()
}

func SetTrackersActive(workflow string, n int) {
	trackersActive.WithLabelValues(norm(workflow)).Set(float64(n))
}
