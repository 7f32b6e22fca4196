package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/stateflow-go/flow/store"
)

// PrometheusMetrics provides Prometheus-compatible metrics collection
// for scheduler monitoring in production environments.
//
// Metrics exposed (all namespaced with "stateflow_"):
//
// 1. computations_inflight (gauge): Workers currently running.
// Use: Monitor concurrency levels and detect stuck workers.
//
// 2. computations_grabbed_total (counter): Computations promoted from
// not_set to computing.
// Use: Track scheduler throughput.
//
// 3. computations_completed_total (counter): Terminal transitions.
// Labels: state (success/failed/abandoned).
// Use: Error-rate alerting.
//
// 4. retries_total (counter): Retry rows inserted after a failure or
// abandonment.
// Use: Identify flaky nodes.
//
// 5. invalidations_total (counter): Derived slots cleared because their
// gating condition stopped holding.
// Use: Spot graphs that thrash.
//
// 6. sweep_runs_total (counter): Background sweep passes.
// Labels: sweep_type, status (ok/partial/error).
//
// 7. sweep_duration_seconds (histogram): Wall time of one sweep pass.
// Labels: sweep_type.
//
// 8. waiter_polls_total (counter): Poll iterations performed by blocked
// Get callers.
// Use: Size the wait back-off.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewPrometheusMetrics(registry)
//	eng := flow.New(st, flow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe on a nil receiver, so the engine never branches
// on whether metrics were configured.
type PrometheusMetrics struct {
	inflight      prometheus.Gauge
	grabbed       prometheus.Counter
	completed     *prometheus.CounterVec
	retries       prometheus.Counter
	invalidations prometheus.Counter
	sweepRuns     *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	waiterPolls   prometheus.Counter
}

// NewPrometheusMetrics creates and registers all scheduler metrics with
// the provided registry. Pass nil to use the global default registry;
// a dedicated registry is recommended for isolation in tests.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stateflow",
			Name:      "computations_inflight",
			Help:      "Workers currently running a computation",
		}),
		grabbed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "computations_grabbed_total",
			Help:      "Computations promoted from not_set to computing",
		}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "computations_completed_total",
			Help:      "Computations reaching a terminal state",
		}, []string{"state"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "retries_total",
			Help:      "Retry rows inserted after a failure or abandonment",
		}),
		invalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "invalidations_total",
			Help:      "Derived value slots cleared by cascade invalidation",
		}),
		sweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "sweep_runs_total",
			Help:      "Background sweep passes by type and status",
		}, []string{"sweep_type", "status"}),
		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stateflow",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one background sweep pass",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"sweep_type"}),
		waiterPolls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stateflow",
			Name:      "waiter_polls_total",
			Help:      "Poll iterations performed by blocked Get callers",
		}),
	}
}

// IncInflight increments the in-flight worker gauge.
func (pm *PrometheusMetrics) IncInflight() {
	if pm == nil {
		return
	}
	pm.inflight.Inc()
}

// DecInflight decrements the in-flight worker gauge.
func (pm *PrometheusMetrics) DecInflight() {
	if pm == nil {
		return
	}
	pm.inflight.Dec()
}

// ObserveGrab counts one not_set → computing promotion.
func (pm *PrometheusMetrics) ObserveGrab() {
	if pm == nil {
		return
	}
	pm.grabbed.Inc()
}

// ObserveCompleted counts one terminal transition by state.
func (pm *PrometheusMetrics) ObserveCompleted(state store.ComputationState) {
	if pm == nil {
		return
	}
	pm.completed.WithLabelValues(string(state)).Inc()
}

// ObserveRetry counts one retry insert.
func (pm *PrometheusMetrics) ObserveRetry() {
	if pm == nil {
		return
	}
	pm.retries.Inc()
}

// ObserveInvalidations counts cleared slots.
func (pm *PrometheusMetrics) ObserveInvalidations(n int) {
	if pm == nil {
		return
	}
	pm.invalidations.Add(float64(n))
}

// ObserveSweep records one sweep pass.
func (pm *PrometheusMetrics) ObserveSweep(sweepType, status string, d time.Duration) {
	if pm == nil {
		return
	}
	pm.sweepRuns.WithLabelValues(sweepType, status).Inc()
	pm.sweepDuration.WithLabelValues(sweepType).Observe(d.Seconds())
}

// ObserveWaiterPoll counts one waiter poll iteration.
func (pm *PrometheusMetrics) ObserveWaiterPoll() {
	if pm == nil {
		return
	}
	pm.waiterPolls.Inc()
}
