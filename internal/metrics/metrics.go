// Package metrics exposes the Prometheus collectors shared by the worker and
// monitor binaries. Collectors register on the default registry; the metrics
// endpoint serves promhttp.Handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mqmon"

var (
	eventsProjected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "events_total",
		Help:      "Lifecycle events projected into the read model, by event type.",
	}, []string{"event_type"})

	duplicatesAbsorbed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "duplicates_total",
		Help:      "Events skipped by the idempotency gate.",
	})

	projectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "projection",
		Name:      "latency_seconds",
		Help:      "Time to project one event into the read model.",
		Buckets:   prometheus.DefBuckets,
	})

	stageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_outcomes_total",
		Help:      "Stage execution outcomes, by stage and result.",
	}, []string{"stage", "result"})

	retriesScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "retries_total",
		Help:      "Messages reparked on a delayed-retry queue, by origin.",
	}, []string{"origin"})

	deadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "dead_lettered_total",
		Help:      "Messages rejected to the dead-letter exchange, by origin and reason.",
	}, []string{"origin", "reason"})

	activeExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "active_executions",
		Help:      "Executions currently registered with the cancellation registry.",
	})
)

// EventProjected counts a successfully projected event.
func EventProjected(eventType string) {
	eventsProjected.WithLabelValues(eventType).Inc()
}

// DuplicateAbsorbed counts an event skipped by the idempotency gate.
func DuplicateAbsorbed() {
	duplicatesAbsorbed.Inc()
}

// ObserveProjection records the time spent projecting one event.
func ObserveProjection(d time.Duration) {
	projectionLatency.Observe(d.Seconds())
}

// StageOutcome counts a stage execution result.
func StageOutcome(stage, result string) {
	stageOutcomes.WithLabelValues(stage, result).Inc()
}

// RetryScheduled counts a message reparked for delayed retry.
func RetryScheduled(origin string) {
	retriesScheduled.WithLabelValues(origin).Inc()
}

// DeadLettered counts a message rejected to the dead-letter exchange.
func DeadLettered(origin, reason string) {
	deadLettered.WithLabelValues(origin, reason).Inc()
}

// SetActiveExecutions publishes the cancellation registry size.
func SetActiveExecutions(n int) {
	activeExecutions.Set(float64(n))
}

// Serve exposes /metrics on the given port until ctx would normally shut it
// down; callers run it in a goroutine and let process exit tear it down.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(":"+strconv.Itoa(port), mux)
}
