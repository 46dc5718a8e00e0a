package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every metric (skuld_...).
const namespace = "skuld"

// evalBuckets adds sub-5ms resolution for the evaluation path, which is
// expected to be served from the in-process cache most of the time.
var evalBuckets = []float64{.001, .002, .005, .010, .015, .020, .025, .050, .100, .500}

var (
	// HTTPReqDuration measures control API request latency.
	// Metric: skuld_control_http_handling_seconds
	HTTPReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle control API requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// HTTPReqTotal counts control API requests by outcome.
	// Metric: skuld_control_http_requests_total
	HTTPReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "http_requests_total",
		Help:      "Total control API requests",
	}, []string{"method", "path", "code"})

	// EvaluationsTotal counts flag evaluations by decision reason. The
	// reason label has low, fixed cardinality (the decision pipeline has a
	// closed set of outcomes).
	// Metric: skuld_engine_evaluations_total
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Total flag evaluations by decision reason",
	}, []string{"reason"})

	// EvaluationDuration measures end-to-end evaluation latency.
	// Metric: skuld_engine_evaluation_seconds
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluation_seconds",
		Help:      "Time taken to evaluate a flag for a user",
		Buckets:   evalBuckets,
	})

	// --- Cache (L1 in-memory + L2 Redis) ---

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits by layer",
	}, []string{"layer"}) // l1, l2

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total lookups that fell through to the store",
	})

	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Total invalidation events received via pub/sub",
	})

	// --- Scheduler (background driver) ---

	// ScheduleStepsTotal counts executed schedule steps by outcome.
	// "conflict" means another driver instance won the race for the step.
	// Metric: skuld_scheduler_steps_total
	ScheduleStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "steps_total",
		Help:      "Total schedule steps processed",
	}, []string{"status"}) // executed, conflict, fail

	// ScheduleCycleDuration measures one full pass over active schedules.
	// Metric: skuld_scheduler_cycle_seconds
	ScheduleCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "cycle_seconds",
		Help:      "Time taken by one scheduler pass over active schedules",
		Buckets:   prometheus.DefBuckets,
	})
)
