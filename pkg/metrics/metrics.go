package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path
	WritesAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilt_writes_accepted_total",
			Help: "Local writes accepted, by structure",
		},
		[]string{"structure"},
	)

	WritesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilt_writes_rejected_total",
			Help: "Writes rejected by the LWW merge or a stale clock, by structure",
		},
		[]string{"structure"},
	)

	// Sync path
	SyncRounds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilt_sync_rounds_total",
			Help: "Anti-entropy exchanges completed",
		},
	)

	SyncActionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilt_sync_actions_applied_total",
			Help: "Foreign actions accepted via sync, by structure",
		},
		[]string{"structure"},
	)

	// Fan-out
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilt_events_emitted_total",
			Help: "Subscription events drained, by kind",
		},
		[]string{"kind"},
	)

	KnownBuckets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_known_buckets",
			Help: "Replica buckets observed in the action history",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WritesAccepted,
		WritesRejected,
		SyncRounds,
		SyncActionsApplied,
		EventsEmitted,
		KnownBuckets,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBatch records a drained event batch.
func ObserveBatch(atoms, nodes, edges, idSets int) {
	EventsEmitted.WithLabelValues("atom").Add(float64(atoms))
	EventsEmitted.WithLabelValues("node").Add(float64(nodes))
	EventsEmitted.WithLabelValues("edge").Add(float64(edges))
	EventsEmitted.WithLabelValues("id_set").Add(float64(idSets))
}
