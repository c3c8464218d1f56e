package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// schedulerMetrics holds the task/commit/retry/tick counters the scheduler's
// worker pool and tick loop update. One set per Scheduler, registered on that
// Scheduler's own registry; Prometheus registration panics on duplicate
// registration, so newSchedulerMetrics must only be called once per registry
// (NewScheduler does this).
type schedulerMetrics struct {
	tasksStarted   prometheus.Counter
	tasksCommitted prometheus.Counter
	tasksConflict  prometheus.Counter
	tasksRetried   prometheus.Counter
	tasksFailed    prometheus.Counter
	ticks          prometheus.Counter
}

func newSchedulerMetrics(reg prometheus.Registerer) *schedulerMetrics {
	factory := promauto.With(reg)
	return &schedulerMetrics{
		tasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "barn_scheduler_tasks_started_total",
			Help: "Tasks dispatched to the worker pool for execution.",
		}),
		tasksCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "barn_scheduler_tasks_committed_total",
			Help: "Task attempts whose transaction committed successfully.",
		}),
		tasksConflict: factory.NewCounter(prometheus.CounterOpts{
			Name: "barn_scheduler_tasks_conflict_total",
			Help: "Task attempts that hit a commit conflict (ErrConflict).",
		}),
		tasksRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "barn_scheduler_tasks_retried_total",
			Help: "Task attempts re-run after a commit conflict.",
		}),
		tasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "barn_scheduler_tasks_failed_total",
			Help: "Tasks that failed permanently (retry limit exhausted or non-retryable conflict).",
		}),
		ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "barn_scheduler_ticks_total",
			Help: "Fixed-update scheduler ticks processed.",
		}),
	}
}

// ServeMetrics starts an HTTP server exposing the scheduler's Prometheus
// registry at /metrics. Intended to run in its own goroutine.
func ServeMetrics(addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
