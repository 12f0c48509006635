package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/mohitkumar/approvy/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

// Change is applied as one atomic unit. The subject is written only if the
// stored version still equals ExpectedVersion (0 means it must not exist
// yet); on success the stored version becomes ExpectedVersion+1.
type Change struct {
	Subject         *model.WorkflowSubject
	ExpectedVersion int64
	Tasks           []*model.ApprovalTask
	Audit           []model.AuditEntry
	Events          []model.OutboxEvent
}

type WorkflowStore interface {
	// Commit returns api_v1.ConcurrencyConflictError when ExpectedVersion
	// is stale.
	Commit(ctx context.Context, change Change) error
	GetSubject(ctx context.Context, workflowId string) (*model.WorkflowSubject, error)
	GetTask(ctx context.Context, taskId string) (*model.ApprovalTask, error)
	GetTasks(ctx context.Context, workflowId string) ([]*model.ApprovalTask, error)
	GetAudit(ctx context.Context, workflowId string) ([]model.AuditEntry, error)
	// DueTasks lists PENDING task ids whose due date is at or before now.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Stalled lists workflows waiting in INITIATED or PLAN_COMPUTED whose
	// retry time is at or before now.
	Stalled(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type OutboxStore interface {
	// ClaimDue leases up to limit unpublished events due at now by pushing
	// their next retry time to now+lease, and returns them.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.OutboxEvent, error)
	// Head returns the oldest unpublished event id of an aggregate.
	Head(ctx context.Context, aggregateId string) (string, error)
	MarkPublished(ctx context.Context, eventId string, at time.Time) error
	MarkFailed(ctx context.Context, eventId string, retryCount int, nextRetryAt time.Time, lastError string, failed bool) error
	GetEvent(ctx context.Context, eventId string) (*model.OutboxEvent, error)
	// Purge deletes events published before the given time.
	Purge(ctx context.Context, before time.Time, limit int) (int, error)
	FailedCount(ctx context.Context) (int64, error)
}

type TemplateStore interface {
	// SaveTemplate fails with a conflict when the id and version exist.
	SaveTemplate(ctx context.Context, tmpl model.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string, version int) (*model.WorkflowTemplate, error)
	LatestVersion(ctx context.Context, id string) (int, error)
	TemplateForEntity(ctx context.Context, entityType string) (string, error)
	ListTemplateIds(ctx context.Context) ([]string, error)
}

// EntityStore holds the requesting domain's own entity status.
type EntityStore interface {
	// ApplyStatus moves the entity to status unless eventId was already
	// applied or the entity is already in that status. applied reports
	// whether a transition happened.
	ApplyStatus(ctx context.Context, entityType string, entityId string, eventId string, status string) (applied bool, err error)
	GetStatus(ctx context.Context, entityType string, entityId string) (string, error)
}

func IsStalledState(s model.WorkflowState) bool {
	return s == model.STATE_INITIATED || s == model.STATE_PLAN_COMPUTED
}

// StalledScore is the time a waiting subject becomes eligible for recovery.
func StalledScore(s *model.WorkflowSubject) time.Time {
	if s.RetryAt != nil {
		return *s.RetryAt
	}
	return s.UpdatedAt
}
