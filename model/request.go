package model

import "time"

type SubmissionRequest struct {
	EntityType            string         `json:"entityType"`
	EntityId              string         `json:"entityId"`
	EntityData            map[string]any `json:"entityData,omitempty"`
	EntityMetadata        map[string]any `json:"entityMetadata"`
	InitiatedBy           string         `json:"initiatedBy"`
	TenantId              string         `json:"tenantId"`
	TemplateId            string         `json:"templateId,omitempty"`
	BusinessJustification string         `json:"businessJustification,omitempty"`
	Priority              string         `json:"priority,omitempty"`
}

type SubmissionResponse struct {
	WorkflowId          string        `json:"workflowId"`
	WorkflowInstanceId  string        `json:"workflowInstanceId"`
	Status              WorkflowState `json:"status"`
	ApprovalRequired    bool          `json:"approvalRequired"`
	RequiredApprovals   int           `json:"requiredApprovals"`
	ApproverRoles       []string      `json:"approverRoles"`
	Sequential          bool          `json:"sequential"`
	SLAHours            int           `json:"slaHours"`
	EstimatedCompletion *time.Time    `json:"estimatedCompletion,omitempty"`
	Message             string        `json:"message"`
}

type TaskDecisionType string

const DECISION_APPROVE TaskDecisionType = "APPROVE"
const DECISION_REJECT TaskDecisionType = "REJECT"

type TaskAction struct {
	TaskId   string           `json:"taskId"`
	ActorId  string           `json:"actorId"`
	Decision TaskDecisionType `json:"decision"`
	Comments string           `json:"comments,omitempty"`
}
