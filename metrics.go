package knk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransportRequests counts backend requests.
var TransportRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "knk",
	Subsystem: "transport",
	Name:      "requests_total",
	Help:      "Backend requests by method and outcome.",
}, []string{"method", "outcome"})

// TransportRetries counts retried attempts of idempotent requests.
var TransportRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "knk",
	Subsystem: "transport",
	Name:      "retries_total",
	Help:      "Retried backend requests by method.",
}, []string{"method"})

// TransportDuration observes the duration of each request attempt.
var TransportDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "knk",
	Subsystem: "transport",
	Name:      "request_duration_seconds",
	Help:      "Duration of backend request attempts.",
	Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
}, []string{"method"})

// SchedulerQueued is the number of operations waiting per namespace.
var SchedulerQueued = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "knk",
	Subsystem: "scheduler",
	Name:      "queued_operations",
	Help:      "Operations waiting in per-key queues.",
}, []string{"namespace"})

// SchedulerInFlight is the number of operations being executed.
var SchedulerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "knk",
	Subsystem: "scheduler",
	Name:      "in_flight_operations",
	Help:      "Operations currently being executed by workers.",
})

// SchedulerResults counts completed operations.
var SchedulerResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "knk",
	Subsystem: "scheduler",
	Name:      "operation_results_total",
	Help:      "Completed operations by namespace, kind and outcome.",
}, []string{"namespace", "kind", "outcome"})

// BridgeDepth is the number of continuations waiting for the main thread.
var BridgeDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "knk",
	Subsystem: "bridge",
	Name:      "pending_continuations",
	Help:      "Continuations waiting for the main thread.",
})

// SyncConflicts counts version conflicts and how they were resolved.
var SyncConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "knk",
	Subsystem: "coordinator",
	Name:      "conflicts_total",
	Help:      "Version conflicts by namespace and resolution.",
}, []string{"namespace", "resolution"})

// FlushTimeouts counts unloads whose final write missed the flush timeout.
var FlushTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "knk",
	Subsystem: "coordinator",
	Name:      "flush_timeouts_total",
	Help:      "Unload flushes that exceeded the flush timeout.",
}, []string{"namespace"})

// CachedRecords is the number of cached records.
var CachedRecords = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "knk",
	Subsystem: "cache",
	Name:      "records",
	Help:      "Cached records by namespace and dirtiness.",
}, []string{"namespace", "dirty"})

// Collectors returns every metric of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TransportRequests,
		TransportRetries,
		TransportDuration,
		SchedulerQueued,
		SchedulerInFlight,
		SchedulerResults,
		BridgeDepth,
		SyncConflicts,
		FlushTimeouts,
		CachedRecords,
	}
}

// RegisterMetrics registers the package metrics with reg, ignoring duplicates.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
