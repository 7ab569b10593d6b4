package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orchestrator"

var (
	// ─── Provider gateway ────────────────────────────────────────────────────────

	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Provider API calls, labelled by operation, kind and outcome code.",
	}, []string{"op", "kind", "code"})

	ProviderRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Provider API call latency in seconds, including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op", "kind"})

	ProviderRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "retries_total",
		Help:      "Provider calls retried after a transient failure.",
	}, []string{"op", "kind"})

	ProviderRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "rate_limited_total",
		Help:      "Submissions rejected by the local submission limiter.",
	}, []string{"kind"})

	// ─── Tasks ───────────────────────────────────────────────────────────────────

	TasksCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "created_total",
		Help:      "Tasks created, labelled by kind and whether the provider answered synchronously.",
	}, []string{"kind", "synchronous"})

	TasksSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "settled_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"kind", "status"})

	TaskWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "wait_seconds",
		Help:      "Time from task creation to its terminal status.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"kind"})

	// ─── Reconciler ──────────────────────────────────────────────────────────────

	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "signals_total",
		Help:      "Completion signals ingested, labelled by source and outcome.",
	}, []string{"source", "outcome"})

	// ─── Workflows ───────────────────────────────────────────────────────────────

	RunsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "runs_started_total",
		Help:      "Workflow runs started, labelled by template.",
	}, []string{"template"})

	RunsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "runs_finished_total",
		Help:      "Workflow runs that reached a terminal status.",
	}, []string{"template", "status"})

	RunsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "runs_inflight",
		Help:      "Workflow runs started by this instance and not yet finished.",
	})

	// ─── Poller / relay ──────────────────────────────────────────────────────────

	PollerSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "sweeps_total",
		Help:      "Poller sweeps, labelled by whether this instance held leadership.",
	}, []string{"leader"})

	PollerTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "timeouts_total",
		Help:      "Tasks forced to FAILED after exceeding their maximum wait.",
	})

	RelayDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "dlq_total",
		Help:      "Malformed completion signals sent to the dead-letter topic.",
	})
)
