package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "partq"

// QueriesTotal counts dispatched queries by outcome ("success" or "failure").
var QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "queries_total",
	Help:      "Total number of queries dispatched to the engine, by outcome.",
}, []string{"status"})

// QueryDuration observes the wall-clock time of each engine call.
var QueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "query_duration_seconds",
	Help:      "Wall-clock duration of individual queries.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
})

// BatchSize observes how many queries arrive in one dispatch.
var BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "batch_size",
	Help:      "Number of queries per dispatched batch.",
	Buckets:   prometheus.LinearBuckets(1, 1, 10),
})

// PartitionsResolved counts partition paths produced for requests.
var PartitionsResolved = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "partitions_resolved_total",
	Help:      "Total number of partition paths resolved from date ranges.",
})

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Init registers all metrics with the default Prometheus registry.
func Init() {
	prometheus.MustRegister(QueriesTotal, QueryDuration, BatchSize, PartitionsResolved)
}
