// Package metrics exposes the engine's Prometheus collectors: execution
// terminal counts, queue depth and lease churn, mutex wait time, and the
// reaper gauges supplemented in SPEC_FULL.md §C (locks_live,
// queue_depth_by_priority, leases_expired_total).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every engine-specific collector, kept separate from the
// default global registry so a process embedding this package twice (tests)
// never double-registers.
var Registry = prometheus.NewRegistry()

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagee",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Executions reaching a terminal state, by terminal status.",
		},
		[]string{"status", "sla_class"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stagee",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Duration of a step's adapter invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~100s
		},
		[]string{"action_class", "outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stagee",
			Subsystem: "queue",
			Name:      "depth_by_priority",
			Help:      "Current AVAILABLE queue item count by priority band.",
		},
		[]string{"priority"},
	)

	leasesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stagee",
			Subsystem: "queue",
			Name:      "leases_expired_total",
			Help:      "Queue items reaped after their lease expired.",
		},
	)

	dlqTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagee",
			Subsystem: "queue",
			Name:      "dlq_total",
			Help:      "Executions routed to the dead-letter queue, by last error kind.",
		},
		[]string{"error_kind"},
	)

	locksLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stagee",
			Subsystem: "mutex",
			Name:      "locks_live",
			Help:      "Current count of live (non-expired) asset locks.",
		},
	)

	locksReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "stagee",
			Subsystem: "mutex",
			Name:      "locks_reaped_total",
			Help:      "Stale asset locks released by the reaper.",
		},
	)

	mutexWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "stagee",
			Subsystem: "mutex",
			Name:      "wait_seconds",
			Help:      "Time a step spent waiting to acquire its asset mutex.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	rbacDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stagee",
			Subsystem: "rbac",
			Name:      "decisions_total",
			Help:      "RBAC check outcomes, by allowed/denied.",
		},
		[]string{"allowed"},
	)

	workersHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stagee",
			Subsystem: "workerpool",
			Name:      "workers_healthy",
			Help:      "Count of workers that reported liveness within 2x lease TTL.",
		},
	)
)

func init() {
	Registry.MustRegister(
		executionsTotal,
		stepDuration,
		queueDepth,
		leasesExpiredTotal,
		dlqTotal,
		locksLive,
		locksReapedTotal,
		mutexWaitSeconds,
		rbacDecisionsTotal,
		workersHealthy,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for ENGINE_METRICS_ADDR scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordExecutionTerminal increments the terminal-state counter.
func RecordExecutionTerminal(status, slaClass string) {
	executionsTotal.WithLabelValues(status, slaClass).Inc()
}

// RecordStepDuration observes one step's adapter-invocation duration.
func RecordStepDuration(actionClass, outcome string, d time.Duration) {
	stepDuration.WithLabelValues(actionClass, outcome).Observe(d.Seconds())
}

// SetQueueDepth publishes the current AVAILABLE count for one priority band.
func SetQueueDepth(priority string, depth int) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordLeasesExpired adds n to the reaped-lease counter.
func RecordLeasesExpired(n int) {
	if n <= 0 {
		return
	}
	leasesExpiredTotal.Add(float64(n))
}

// RecordDLQ increments the DLQ counter for one error kind.
func RecordDLQ(errorKind string) {
	if errorKind == "" {
		errorKind = "unknown"
	}
	dlqTotal.WithLabelValues(errorKind).Inc()
}

// SetLocksLive publishes the current live-lock count.
func SetLocksLive(n int) {
	locksLive.Set(float64(n))
}

// RecordLocksReaped adds n to the reaped-lock counter.
func RecordLocksReaped(n int) {
	if n <= 0 {
		return
	}
	locksReapedTotal.Add(float64(n))
}

// RecordMutexWait observes the time a step spent blocked on AcquireMany.
func RecordMutexWait(d time.Duration) {
	mutexWaitSeconds.Observe(d.Seconds())
}

// RecordRBACDecision increments the decision counter for one outcome.
func RecordRBACDecision(allowed bool) {
	label := "false"
	if allowed {
		label = "true"
	}
	rbacDecisionsTotal.WithLabelValues(label).Inc()
}

// SetWorkersHealthy publishes the current healthy-worker count.
func SetWorkersHealthy(n int) {
	workersHealthy.Set(float64(n))
}
