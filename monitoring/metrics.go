package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "xpubwallet"

var (
	// AddressSyncs counts address synchronizations by outcome.
	AddressSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "address_syncs_total",
			Help:      "Address synchronizations by result.",
		},
		[]string{"result"},
	)

	// TxsIngested counts transactions newly written to storage.
	TxsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "txs_ingested_total",
		Help:      "Transactions newly appended to storage.",
	})

	// ReorgsDetected counts addresses whose history was purged after
	// their last confirmed block left the best chain.
	ReorgsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "reorgs_detected_total",
		Help:      "Address histories purged because of a reorg.",
	})

	// SyncDuration observes the latency of a sync per scope granularity.
	SyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of synchronizations per scope.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"scope"},
	)

	// ExplorerRequests counts explorer HTTP round trips by endpoint and
	// outcome.
	ExplorerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "explorer",
			Name:      "requests_total",
			Help:      "Explorer requests by operation and result.",
		},
		[]string{"op", "result"},
	)

	// ExplorerBreakerState reports the explorer circuit breaker state:
	// 0 closed, 1 half-open, 2 open.
	ExplorerBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "explorer",
		Name:      "breaker_state",
		Help:      "Explorer circuit breaker state.",
	})
)

func init() {
	prometheus.MustRegister(
		AddressSyncs, TxsIngested, ReorgsDetected, SyncDuration,
		ExplorerRequests, ExplorerBreakerState,
	)
}

// Result labels shared by the counters above.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// ResultLabel maps an error to the result label of a counter.
func ResultLabel(err error) string {
	if err != nil {
		return ResultFailed
	}

	return ResultOK
}
