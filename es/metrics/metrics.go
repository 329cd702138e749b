// Package metrics holds the Prometheus collectors of the storage engine.
// Collectors are package-level; binaries register them with
// prometheus.MustRegister(metrics.Collectors()...).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values.
const (
	Fail     = "fail"
	Ok       = "ok"
	Conflict = "conflict"
	Hit      = "hit"
	Miss     = "miss"
	Error    = "error"
)

// Engine collectors.
var (
	AppendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pupstore_appends_total",
		Help: "Cumulative number of append operations, by outcome.",
	}, []string{"outcome"})
	AppendedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pupstore_appended_events_total",
		Help: "Cumulative number of events committed.",
	})
	RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pupstore_retries_total",
		Help: "Cumulative number of retried backend attempts, by operation.",
	}, []string{"op"})
	LoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pupstore_loads_total",
		Help: "Cumulative number of stream loads, by source (cache, primary, replica).",
	}, []string{"source"})
	DecodeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pupstore_decode_failures_total",
		Help: "Cumulative number of events whose stored payload could not be decoded.",
	})
	OperationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pupstore_operation_seconds",
		Help:    "Latency of engine operations.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"op"})
)

// Cache collectors.
var (
	CacheRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pupstore_cache_requests_total",
		Help: "Cumulative number of cache tier lookups, by tier and result.",
	}, []string{"tier", "result"})
	CacheInvalidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pupstore_cache_invalidations_total",
		Help: "Cumulative number of cache tier invalidations, by tier and outcome.",
	}, []string{"tier", "outcome"})
)

// Pool collectors.
var (
	PoolCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pupstore_pool_capacity",
		Help: "Current lease capacity of a connection pool.",
	}, []string{"pool"})
	PoolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pupstore_pool_in_use",
		Help: "Leases currently held from a connection pool.",
	}, []string{"pool"})
	PoolWaiters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pupstore_pool_waiters",
		Help: "Callers currently queued for a lease.",
	}, []string{"pool"})
	PoolExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pupstore_pool_exhausted_total",
		Help: "Cumulative number of acquisitions that timed out.",
	}, []string{"pool"})
	PoolDiscardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pupstore_pool_discarded_total",
		Help: "Cumulative number of connections discarded after a fatal error.",
	}, []string{"pool"})
)

// Replica collectors.
var (
	ReplicaLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pupstore_replica_lag",
		Help: "Last probed replication lag of a replica, in watermark units.",
	}, []string{"replica"})
	ReplicaEligible = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pupstore_replica_eligible",
		Help: "Whether a replica is currently eligible for reads (1) or excluded (0).",
	}, []string{"replica"})
)

// Collectors returns every collector of the engine.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		AppendsTotal,
		AppendedEventsTotal,
		RetriesTotal,
		LoadsTotal,
		DecodeFailuresTotal,
		OperationSeconds,
		CacheRequestsTotal,
		CacheInvalidationsTotal,
		PoolCapacity,
		PoolInUse,
		PoolWaiters,
		PoolExhaustedTotal,
		PoolDiscardedTotal,
		ReplicaLag,
		ReplicaEligible,
	}
}
