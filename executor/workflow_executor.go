package executor

import (
	"sync"

	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/container"
)

var _ Executor = new(tickExecutor)

// NewSLAExecutor expires overdue approval tasks.
func NewSLAExecutor(container *container.DIContiner, conf config.WorkflowConfig, wg *sync.WaitGroup) Executor {
	return newTickExecutor("sla-executor", conf.SLASweepInterval, container.GetWorkflowService().SweepSLA, wg)
}

// NewRecoveryExecutor re-drives workflows left behind by a crash or a failed
// agent screening.
func NewRecoveryExecutor(container *container.DIContiner, conf config.WorkflowConfig, wg *sync.WaitGroup) Executor {
	return newTickExecutor("recovery-executor", conf.RecoveryInterval, container.GetWorkflowService().Recover, wg)
}
