// Package metrics defines the Prometheus collectors for memorybank.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "memorybank"

var (
	// SearchDuration tracks end-to-end search latency.
	// Labels: kind (memory, unified), result (success, error)
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Duration of search calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "result"},
	)

	// CandidatesFiltered counts ANN candidates dropped after retrieval.
	// Labels: corpus (memory, knowledge), reason (threshold, expired, scope, grant, filter)
	CandidatesFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "candidates_filtered_total",
			Help:      "Total number of ANN candidates removed by post-filtering",
		},
		[]string{"corpus", "reason"},
	)

	// Retries counts retried backend calls.
	// Labels: op
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "retries_total",
			Help:      "Total number of retried backend calls",
		},
		[]string{"op"},
	)

	// AccessLogged counts access events by outcome.
	// Labels: result (success, error, dropped)
	AccessLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "events_total",
			Help:      "Total number of memory access events recorded",
		},
		[]string{"result"},
	)

	// AccessFolded counts log entries folded into counters.
	AccessFolded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "folded_total",
			Help:      "Total number of access log entries folded into counters",
		},
	)

	// MemoriesPurged counts expired memories deleted by the sweeper.
	MemoriesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "memories_purged_total",
			Help:      "Total number of expired memories deleted",
		},
	)

	// SweeperRuns counts sweeper job runs.
	// Labels: job (purge, aggregate), result (success, error)
	SweeperRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Total number of sweeper job runs",
		},
		[]string{"job", "result"},
	)

	// SweeperLastSuccess is the unix time of each job's last success.
	// Labels: job
	SweeperLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sweeper run",
		},
		[]string{"job"},
	)
)

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
