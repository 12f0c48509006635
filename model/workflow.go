package model

import "time"

type WorkflowState string

const STATE_INITIATED WorkflowState = "INITIATED"
const STATE_PLAN_COMPUTED WorkflowState = "PLAN_COMPUTED"
const STATE_TASKS_PENDING WorkflowState = "TASKS_PENDING"
const STATE_APPROVED WorkflowState = "APPROVED"
const STATE_REJECTED WorkflowState = "REJECTED"
const STATE_CANCELLED WorkflowState = "CANCELLED"

func (s WorkflowState) IsTerminal() bool {
	return s == STATE_APPROVED || s == STATE_REJECTED || s == STATE_CANCELLED
}

var transitions = map[WorkflowState][]WorkflowState{
	STATE_INITIATED:     {STATE_PLAN_COMPUTED, STATE_APPROVED, STATE_REJECTED, STATE_CANCELLED},
	STATE_PLAN_COMPUTED: {STATE_TASKS_PENDING, STATE_APPROVED, STATE_REJECTED, STATE_CANCELLED},
	STATE_TASKS_PENDING: {STATE_TASKS_PENDING, STATE_APPROVED, STATE_REJECTED, STATE_CANCELLED},
}

func (s WorkflowState) CanTransitionTo(next WorkflowState) bool {
	for _, st := range transitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// WorkflowSubject is the aggregate root of one approval instance. Version is
// bumped by every persisted change and guards concurrent writers.
type WorkflowSubject struct {
	WorkflowId         string                `json:"workflowId"`
	WorkflowInstanceId string                `json:"workflowInstanceId"`
	TemplateId         string                `json:"templateId"`
	TemplateVersion    int                   `json:"templateVersion"`
	EntityType         string                `json:"entityType"`
	EntityId           string                `json:"entityId"`
	TenantId           string                `json:"tenantId"`
	State              WorkflowState         `json:"state"`
	Version            int64                 `json:"version"`
	InitiatedBy        string                `json:"initiatedBy"`
	InitiatedAt        time.Time             `json:"initiatedAt"`
	UpdatedAt          time.Time             `json:"updatedAt"`
	CompletedAt        *time.Time            `json:"completedAt,omitempty"`
	EntityData         map[string]any        `json:"entityData,omitempty"`
	Metadata           map[string]any        `json:"metadata"`
	Justification      string                `json:"businessJustification,omitempty"`
	Priority           string                `json:"priority,omitempty"`
	OutcomeTopic       string                `json:"outcomeTopic"`
	Plan               *ComputedApprovalPlan `json:"plan,omitempty"`
	Decisions          []AgentDecision       `json:"agentDecisions,omitempty"`
	TasksCreated       int                   `json:"tasksCreated"`
	RejectionReason    string                `json:"rejectionReason,omitempty"`
	CancelReason       string                `json:"cancelReason,omitempty"`
	ErrorMessage       string                `json:"errorMessage,omitempty"`
	RetryAt            *time.Time            `json:"retryAt,omitempty"`
	Attempts           int                   `json:"attempts"`
}

type TaskStatus string

const TASK_PENDING TaskStatus = "PENDING"
const TASK_APPROVED TaskStatus = "APPROVED"
const TASK_REJECTED TaskStatus = "REJECTED"
const TASK_EXPIRED TaskStatus = "EXPIRED"

// TASK_CANCELLED closes a task left open when its workflow ended.
const TASK_CANCELLED TaskStatus = "CANCELLED"

type ApprovalTask struct {
	TaskId        string     `json:"taskId"`
	WorkflowId    string     `json:"workflowId"`
	TenantId      string     `json:"tenantId"`
	Step          int        `json:"step"`
	RequiredRole  string     `json:"requiredRole"`
	AssignedTo    string     `json:"assignedTo,omitempty"`
	Status        TaskStatus `json:"status"`
	ExtraScrutiny bool       `json:"extraScrutiny,omitempty"`
	ReplacesTask  string     `json:"replacesTask,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	DueDate       time.Time  `json:"dueDate"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	DecidedBy     string     `json:"decidedBy,omitempty"`
	Comments      string     `json:"comments,omitempty"`
}

type AuditAction string

const AUDIT_SUBMITTED AuditAction = "SUBMITTED"
const AUDIT_PLAN_COMPUTED AuditAction = "PLAN_COMPUTED"
const AUDIT_AGENTS_EVALUATED AuditAction = "AGENTS_EVALUATED"
const AUDIT_AGENTS_FAILED AuditAction = "AGENTS_FAILED"
const AUDIT_TASK_CREATED AuditAction = "TASK_CREATED"
const AUDIT_TASK_APPROVED AuditAction = "TASK_APPROVED"
const AUDIT_TASK_REJECTED AuditAction = "TASK_REJECTED"
const AUDIT_TASK_EXPIRED AuditAction = "TASK_EXPIRED"
const AUDIT_TASK_REASSIGNED AuditAction = "TASK_REASSIGNED"
const AUDIT_TASK_CANCELLED AuditAction = "TASK_CANCELLED"
const AUDIT_APPROVED AuditAction = "APPROVED"
const AUDIT_REJECTED AuditAction = "REJECTED"
const AUDIT_CANCELLED AuditAction = "CANCELLED"

// AuditEntry is append only, ordered by Seq within a workflow.
type AuditEntry struct {
	Id          string         `json:"id"`
	WorkflowId  string         `json:"workflowId"`
	TenantId    string         `json:"tenantId"`
	Seq         int64          `json:"seq"`
	Action      AuditAction    `json:"action"`
	Actor       string         `json:"actor"`
	TaskId      string         `json:"taskId,omitempty"`
	StateBefore WorkflowState  `json:"stateBefore,omitempty"`
	StateAfter  WorkflowState  `json:"stateAfter,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
