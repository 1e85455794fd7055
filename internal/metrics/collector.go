// Package metrics exposes Prometheus instrumentation for the workflow
// engine. A nil *Collector is valid and records nothing, so callers never
// branch on whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's metric families.
type Collector struct {
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	checkpointsSaved *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	pendingTasks     prometheus.Gauge
}

// NewCollector registers the metric families on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "tasks_total",
			Help:      "Tasks reaching a terminal status, by type and status.",
		}, []string{"type", "status"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskflow",
			Name:      "task_duration_seconds",
			Help:      "Wall time of task handler execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "task_retries_total",
			Help:      "Task-level retries, by type.",
		}, []string{"type"}),
		checkpointsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow",
			Name:      "checkpoints_saved_total",
			Help:      "Checkpoints written, by checkpoint type.",
		}, []string{"type"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per name: 0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
		pendingTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow",
			Name:      "pending_tasks",
			Help:      "Tasks currently waiting to run.",
		}),
	}
}

// ObserveTask records a terminal task outcome and its duration.
func (c *Collector) ObserveTask(taskType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(taskType, status).Inc()
	c.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// IncRetry counts one task-level retry.
func (c *Collector) IncRetry(taskType string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(taskType).Inc()
}

// IncCheckpoint counts one saved checkpoint.
func (c *Collector) IncCheckpoint(cpType string) {
	if c == nil {
		return
	}
	c.checkpointsSaved.WithLabelValues(cpType).Inc()
}

// SetBreakerState records the numeric state of a named breaker.
func (c *Collector) SetBreakerState(name string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(name).Set(float64(state))
}

// SetPendingTasks records the current scheduler backlog.
func (c *Collector) SetPendingTasks(n int) {
	if c == nil {
		return
	}
	c.pendingTasks.Set(float64(n))
}
