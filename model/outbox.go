package model

import "time"

const EVENT_WORKFLOW_COMPLETED = "WORKFLOW_COMPLETED"
const EVENT_WORKFLOW_CANCELLED = "WORKFLOW_CANCELLED"
const EVENT_TASK_CREATED = "TASK_CREATED"
const EVENT_TASK_EXPIRED = "TASK_EXPIRED"

const AGGREGATE_WORKFLOW = "WorkflowSubject"

type OutboxEvent struct {
	EventId       string     `json:"eventId"`
	EventType     string     `json:"eventType"`
	AggregateType string     `json:"aggregateType"`
	AggregateId   string     `json:"aggregateId"`
	TenantId      string     `json:"tenantId"`
	Topic         string     `json:"topic"`
	Payload       []byte     `json:"payload"`
	Seq           int64      `json:"seq"`
	Published     bool       `json:"published"`
	Failed        bool       `json:"failed"`
	RetryCount    int        `json:"retryCount"`
	LastError     string     `json:"lastError,omitempty"`
	NextRetryAt   time.Time  `json:"nextRetryAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	PublishedAt   *time.Time `json:"publishedAt,omitempty"`
}

type Outcome string

const OUTCOME_APPROVED Outcome = "APPROVED"
const OUTCOME_REJECTED Outcome = "REJECTED"

// OutcomeEvent is the payload of a WORKFLOW_COMPLETED event.
type OutcomeEvent struct {
	WorkflowId         string         `json:"workflowId"`
	WorkflowInstanceId string         `json:"workflowInstanceId"`
	EntityType         string         `json:"entityType"`
	EntityId           string         `json:"entityId"`
	TenantId           string         `json:"tenantId"`
	Outcome            Outcome        `json:"outcome"`
	Approvals          []TaskDecision `json:"approvals"`
	CompletedAt        time.Time      `json:"completedAt"`
	RejectionReason    string         `json:"rejectionReason,omitempty"`
}

type TaskDecision struct {
	TaskId      string     `json:"taskId"`
	Step        int        `json:"step"`
	Role        string     `json:"role"`
	Status      TaskStatus `json:"status"`
	DecidedBy   string     `json:"decidedBy,omitempty"`
	Comments    string     `json:"comments,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type TaskEvent struct {
	WorkflowId   string     `json:"workflowId"`
	EntityType   string     `json:"entityType"`
	EntityId     string     `json:"entityId"`
	TenantId     string     `json:"tenantId"`
	TaskId       string     `json:"taskId"`
	Step         int        `json:"step"`
	RequiredRole string     `json:"requiredRole"`
	AssignedTo   string     `json:"assignedTo,omitempty"`
	Status       TaskStatus `json:"status"`
	DueDate      time.Time  `json:"dueDate"`
}

type CancelEvent struct {
	WorkflowId  string    `json:"workflowId"`
	EntityType  string    `json:"entityType"`
	EntityId    string    `json:"entityId"`
	TenantId    string    `json:"tenantId"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}
