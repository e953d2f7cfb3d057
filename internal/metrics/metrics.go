// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentic"

var (
	WorkflowsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_started_total",
		Help:      "Workflows started, by definition.",
	}, []string{"definition"})

	WorkflowsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_finished_total",
		Help:      "Workflows that reached a terminal status.",
	}, []string{"status"})

	PhasesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "phase_executions_total",
		Help:      "Phase executions, by outcome.",
	}, []string{"outcome"})

	PhaseRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "phase_retries_total",
		Help:      "Automatic phase retries scheduled.",
	})

	Approvals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approval_decisions_total",
		Help:      "Approval decisions applied, by action.",
	}, []string{"action"})

	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_tasks_total",
		Help:      "Agent task executions, by task type and outcome.",
	}, []string{"task_type", "outcome"})

	Goals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orchestrator_goals_total",
		Help:      "Goals executed by the orchestrator, by outcome.",
	}, []string{"outcome"})
)
