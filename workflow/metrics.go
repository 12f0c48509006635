package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvy_workflow_submissions_total",
		Help: "Workflows submitted per entity type.",
	}, []string{"entity_type"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvy_workflow_transitions_total",
		Help: "Committed workflow state transitions.",
	}, []string{"from", "to"})

	taskDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "approvy_task_decisions_total",
		Help: "Approval tasks that reached a final status.",
	}, []string{"status"})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "approvy_workflow_conflicts_total",
		Help: "Optimistic concurrency conflicts retried by the workflow service.",
	})
)
