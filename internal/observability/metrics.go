// Package observability exposes the Prometheus metrics the control
// plane's components update as they run. Register them with the
// default registry; cmd/ralphd wires /metrics to promhttp.Handler().
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is registered for the number of issues in each queue
	// state. No component sets it, so it reports no series.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ralph_queue_depth",
		Help: "Number of issues currently in each ralph queue status",
	}, []string{"repo", "status"})

	// LabelWriteOutcomes tracks GitHub label write attempts by outcome.
	LabelWriteOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_label_write_total",
		Help: "Total label write attempts by class and outcome",
	}, []string{"class", "outcome"}) // outcome: applied, failed

	// LabelCoalesceWindowSkips tracks writes folded into an in-flight coalesce window.
	LabelCoalesceWindowSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_label_coalesce_skipped_total",
		Help: "Label write requests folded into an already-scheduled coalesce window",
	}, []string{"repo"})

	// RepoCooldownActive tracks whether a repo is currently backed off.
	RepoCooldownActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ralph_repo_cooldown_active",
		Help: "1 if the repo's label writer is in a cooldown backoff, else 0",
	}, []string{"repo"})

	// PollerTickDuration tracks issue mirror poll tick latency.
	PollerTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ralph_poller_tick_duration_seconds",
		Help:    "Duration of an issue mirror poll tick",
		Buckets: prometheus.DefBuckets,
	}, []string{"repo", "status"})

	// PollerFetchedIssues tracks issues fetched per tick.
	PollerFetchedIssues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_poller_fetched_issues_total",
		Help: "Total issues fetched across poll ticks",
	}, []string{"repo"})

	// CheckpointReachedTotal tracks checkpoint transitions by checkpoint name.
	CheckpointReachedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_checkpoint_reached_total",
		Help: "Total checkpoint.reached events emitted by checkpoint name",
	}, []string{"checkpoint"})

	// WorkerPausedGauge tracks whether a worker is currently paused.
	WorkerPausedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ralph_worker_paused",
		Help: "1 if the worker is currently paused, else 0",
	}, []string{"worker_id"})

	// DoneReconcilerProcessedPRs tracks merged PRs processed per reconcile tick.
	DoneReconcilerProcessedPRs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_done_reconciler_processed_prs_total",
		Help: "Total merged PRs processed by the done reconciler",
	}, []string{"repo"})

	// DoneReconcilerClosedIssues tracks issues transitioned to done.
	DoneReconcilerClosedIssues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_done_reconciler_closed_issues_total",
		Help: "Total issues transitioned to ralph:done by the done reconciler",
	}, []string{"repo"})

	// ControlPlaneCommandTotal tracks command dispatch outcomes.
	ControlPlaneCommandTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ralph_controlplane_command_total",
		Help: "Total POST /v1/commands dispatches by command name and outcome",
	}, []string{"command", "outcome"}) // outcome: ok, accepted, error

	// ControlPlaneActiveStreams tracks currently connected /v1/events clients.
	ControlPlaneActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ralph_controlplane_active_streams",
		Help: "Current number of connected /v1/events WebSocket clients",
	})
)
