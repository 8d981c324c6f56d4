// Package metrics holds the Prometheus collectors for semflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes recorded by coordinators.
const (
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeInvalid      = "invalid"
	OutcomeFailed       = "failed"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRequeued     = "requeued"
)

// Transition results recorded by the workflow engine.
const (
	TransitionApplied  = "applied"
	TransitionStale    = "stale"
	TransitionRejected = "rejected"
	TransitionConflict = "conflict"
)

// Collector holds all semflow metrics on a custom registry, so nothing is
// registered globally. Components accept a nil *Collector and skip
// recording.
type Collector struct {
	Registry *prometheus.Registry

	// Coordinator metrics.
	MessagesTotal   *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	InFlight        *prometheus.GaugeVec

	// Workflow metrics.
	WorkflowsCreatedTotal *prometheus.CounterVec
	TransitionsTotal      *prometheus.CounterVec

	// Task metrics.
	TasksDispatchedTotal *prometheus.CounterVec
	TasksTimedOutTotal   *prometheus.CounterVec

	// Agent registry.
	AgentsLive *prometheus.GaugeVec
}

// NewCollector creates a Collector with every metric registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	m := &Collector{
		Registry: reg,

		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "coordinator",
			Name:      "messages_total",
			Help:      "Messages handled by coordinator and outcome.",
		}, []string{"coordinator", "outcome"}),

		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "semflow",
			Subsystem: "coordinator",
			Name:      "handler_duration_seconds",
			Help:      "Handler duration in seconds, retries included.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 30, 120, 600},
		}, []string{"coordinator"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "coordinator",
			Name:      "retries_total",
			Help:      "Handler retries after a failed attempt.",
		}, []string{"coordinator"}),

		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semflow",
			Subsystem: "coordinator",
			Name:      "in_flight",
			Help:      "Messages currently being handled.",
		}, []string{"coordinator"}),

		WorkflowsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "workflow",
			Name:      "created_total",
			Help:      "Workflows created by type.",
		}, []string{"type"}),

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "State machine events by workflow type, event and result.",
		}, []string{"type", "event", "result"}),

		TasksDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "task",
			Name:      "dispatched_total",
			Help:      "Tasks published to agents.",
		}, []string{"agent_type"}),

		TasksTimedOutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "task",
			Name:      "timed_out_total",
			Help:      "Dispatched tasks failed by the deadline sweeper.",
		}, []string{"agent_type"}),

		AgentsLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "semflow",
			Subsystem: "registry",
			Name:      "agents_live",
			Help:      "Agents with a current heartbeat by type.",
		}, []string{"agent_type"}),
	}

	reg.MustRegister(
		m.MessagesTotal,
		m.HandlerDuration,
		m.RetriesTotal,
		m.InFlight,
		m.WorkflowsCreatedTotal,
		m.TransitionsTotal,
		m.TasksDispatchedTotal,
		m.TasksTimedOutTotal,
		m.AgentsLive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
