// Package metrics exposes the orchestrator's prometheus collectors as
// package-level vars plus small Record* helpers, mirroring the pack's usual
// metrics-package shape.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksDispatchedTotal counts every TaskMessage published by the
	// dispatcher, labelled by agent personality.
	TasksDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_tasks_dispatched_total",
		Help: "Total number of task messages dispatched, by agent personality.",
	}, []string{"personality"})

	// PendingTasksGauge tracks the in-flight task count per personality, as
	// maintained by the Dispatcher's pending counter.
	PendingTasksGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentflow_pending_tasks",
		Help: "Number of dispatched tasks awaiting a result, by agent personality.",
	}, []string{"personality"})

	// WorkflowsCompletedTotal counts terminal workflows, labelled by final
	// status (completed/failed).
	WorkflowsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_workflows_completed_total",
		Help: "Total number of workflows reaching a terminal status, by outcome.",
	}, []string{"status"})

	// WorkflowDuration measures wall-clock time from creation to terminal
	// status.
	WorkflowDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentflow_workflow_duration_seconds",
		Help:    "Workflow duration from creation to terminal status.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// TaskOutcomesTotal counts terminal task blocks by final status,
	// recorded when their workflow finishes.
	TaskOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_task_outcomes_total",
		Help: "Total number of task blocks in finished workflows, by final status.",
	}, []string{"status"})

	// GoalBreachesTotal counts goal-condition breaches observed by the Goal
	// Monitor, labelled by goal id and whether the breach was predicted.
	GoalBreachesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentflow_goal_breaches_total",
		Help: "Total number of goal condition breaches detected, by goal and source.",
	}, []string{"goal_id", "source"})
)

// RecordDispatch increments the dispatch counter and pending gauge for a
// personality.
func RecordDispatch(personality string) {
	TasksDispatchedTotal.WithLabelValues(personality).Inc()
	PendingTasksGauge.WithLabelValues(personality).Inc()
}

// RecordResult decrements the pending gauge for a personality when a result
// arrives.
func RecordResult(personality string) {
	PendingTasksGauge.WithLabelValues(personality).Dec()
}

// RecordWorkflowTerminal records a terminal workflow's outcome and duration.
func RecordWorkflowTerminal(succeeded bool, duration time.Duration) {
	status := "completed"
	if !succeeded {
		status = "failed"
	}
	WorkflowsCompletedTotal.WithLabelValues(status).Inc()
	WorkflowDuration.Observe(duration.Seconds())
}

// RecordTaskOutcome counts one finished workflow's task blocks by status.
func RecordTaskOutcome(status string, n int) {
	TaskOutcomesTotal.WithLabelValues(status).Add(float64(n))
}

// RecordGoalBreach records a breached goal condition, source is "current" or
// "forecast".
func RecordGoalBreach(goalID, source string) {
	GoalBreachesTotal.WithLabelValues(goalID, source).Inc()
}
