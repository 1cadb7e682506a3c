// Package metrics exposes the orchestrator's Prometheus metrics. Components
// update their counters/gauges directly through the package-level vars;
// Handler serves the aggregated exposition text for the /metrics route.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the single Prometheus registry for the server process.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		RunsTotal, RunsInFlight,
		WorkerJobsTotal, WorkerJobsInFlight,
		EventsAppendedTotal,
		QueueDepth, QueueDeadLetterTotal,
		StreamSubscribers,
	)
}

// RunsTotal counts Run terminations by final status (success|failed|cancelled).
var RunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conductor_runs_total",
		Help: "Total number of Runs that reached a terminal status.",
	},
	[]string{"status"},
)

// RunsInFlight is the current count of Runs by non-terminal status.
var RunsInFlight = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "conductor_runs_in_flight",
		Help: "Current number of Runs in a non-terminal status.",
	},
	[]string{"status"},
)

// WorkerJobsTotal counts WorkerJob terminations by final status.
var WorkerJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conductor_worker_jobs_total",
		Help: "Total number of WorkerJobs that reached a terminal status.",
	},
	[]string{"status"},
)

// WorkerJobsInFlight is the current count of WorkerJobs by non-terminal status.
var WorkerJobsInFlight = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "conductor_worker_jobs_in_flight",
		Help: "Current number of WorkerJobs in a non-terminal status.",
	},
	[]string{"status"},
)

// EventsAppendedTotal counts every durable event written to the event store,
// by event type.
var EventsAppendedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conductor_events_appended_total",
		Help: "Total number of RunEvents appended to the event store.",
	},
	[]string{"event_type"},
)

// QueueDepth is the current number of QueueItems by status.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "conductor_queue_depth",
		Help: "Current number of QueueItems by status.",
	},
	[]string{"status"},
)

// QueueDeadLetterTotal counts QueueItems that exhausted their retry budget.
var QueueDeadLetterTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "conductor_queue_dead_letter_total",
		Help: "Total number of QueueItems moved to the dead letter state.",
	},
)

// StreamSubscribers is the current number of live SSE subscribers across all
// runs being streamed.
var StreamSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "conductor_stream_subscribers",
		Help: "Current number of live SSE stream subscribers.",
	},
)

// Handler returns an http.Handler that serves the registry's exposition text.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
