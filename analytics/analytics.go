package analytics

import "github.com/mohitkumar/approvy/model"

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const NOOP_DATA_COLLECTOR DataCollectorType = "NOOP_DATA_COLLECTOR"

// WorkflowDataCollector receives the decision trail of every workflow after
// it was committed.
type WorkflowDataCollector interface {
	RecordTransition(sub *model.WorkflowSubject, from model.WorkflowState, actor string)
	RecordTaskDecision(task *model.ApprovalTask)
	RecordAgentDecision(workflowId string, decision model.AgentDecision)
}

func NewDataCollector(config DataCollectorConfig) (WorkflowDataCollector, error) {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		return NewLogFileDataCollector(config.FileName)
	}
	return NoopDataCollector{}, nil
}

type NoopDataCollector struct{}

func (NoopDataCollector) RecordTransition(*model.WorkflowSubject, model.WorkflowState, string) {}
func (NoopDataCollector) RecordTaskDecision(*model.ApprovalTask)                               {}
func (NoopDataCollector) RecordAgentDecision(string, model.AgentDecision)                      {}
