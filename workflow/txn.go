package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/model"
)

// seqStride leaves room for the audit entries and events of one change
// between two versions.
const seqStride = 1000

// txn stages one atomic change of a workflow.
type txn struct {
	sub      *model.WorkflowSubject
	from     model.WorkflowState
	expected int64
	actor    string
	now      time.Time
	tasks    []*model.ApprovalTask
	audit    []model.AuditEntry
	events   []model.OutboxEvent
}

func (s *Service) begin(sub *model.WorkflowSubject, actor string, now time.Time) *txn {
	return &txn{
		sub:      sub,
		from:     sub.State,
		expected: sub.Version,
		actor:    actor,
		now:      now,
	}
}

func (t *txn) seq(i int) int64 {
	return (t.expected+1)*seqStride + int64(i)
}

// moveTo changes the state after checking the transition is legal.
func (t *txn) moveTo(to model.WorkflowState, details map[string]any) error {
	from := t.sub.State
	if !from.CanTransitionTo(to) {
		return api.InvalidTransitionError{WorkflowId: t.sub.WorkflowId, From: string(from), To: string(to)}
	}
	t.sub.State = to
	t.sub.UpdatedAt = t.now
	if to.IsTerminal() {
		completed := t.now
		t.sub.CompletedAt = &completed
		t.sub.RetryAt = nil
	}
	t.record(auditActionFor(to), "", from, to, details)
	return nil
}

func auditActionFor(to model.WorkflowState) model.AuditAction {
	switch to {
	case model.STATE_PLAN_COMPUTED:
		return model.AUDIT_PLAN_COMPUTED
	case model.STATE_APPROVED:
		return model.AUDIT_APPROVED
	case model.STATE_REJECTED:
		return model.AUDIT_REJECTED
	case model.STATE_CANCELLED:
		return model.AUDIT_CANCELLED
	}
	return model.AuditAction(to)
}

func (t *txn) record(action model.AuditAction, taskId string, before, after model.WorkflowState, details map[string]any) {
	t.audit = append(t.audit, model.AuditEntry{
		Id:          uuid.NewString(),
		WorkflowId:  t.sub.WorkflowId,
		TenantId:    t.sub.TenantId,
		Seq:         t.seq(len(t.audit)),
		Action:      action,
		Actor:       t.actor,
		TaskId:      taskId,
		StateBefore: before,
		StateAfter:  after,
		Details:     details,
		Timestamp:   t.now,
	})
}

func (t *txn) emit(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.events = append(t.events, model.OutboxEvent{
		EventId:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: model.AGGREGATE_WORKFLOW,
		AggregateId:   t.sub.WorkflowId,
		TenantId:      t.sub.TenantId,
		Topic:         t.sub.OutcomeTopic,
		Payload:       data,
		Seq:           t.seq(len(t.events)),
		NextRetryAt:   t.now,
		CreatedAt:     t.now,
	})
	return nil
}

func (t *txn) put(task *model.ApprovalTask) {
	for i, staged := range t.tasks {
		if staged.TaskId == task.TaskId {
			t.tasks[i] = task
			return
		}
	}
	t.tasks = append(t.tasks, task)
}

func (t *txn) newTask(step model.Step, slaHours int) *model.ApprovalTask {
	task := &model.ApprovalTask{
		TaskId:        uuid.NewString(),
		WorkflowId:    t.sub.WorkflowId,
		TenantId:      t.sub.TenantId,
		Step:          step.Index,
		RequiredRole:  step.Role,
		Status:        model.TASK_PENDING,
		ExtraScrutiny: step.ExtraScrutiny,
		CreatedAt:     t.now,
		DueDate:       t.now.Add(time.Duration(slaHours) * time.Hour),
	}
	t.sub.TasksCreated++
	return task
}

// openTask stages a new PENDING task with its audit entry and event.
func (t *txn) openTask(task *model.ApprovalTask, action model.AuditAction) error {
	t.put(task)
	t.record(action, task.TaskId, t.sub.State, t.sub.State, map[string]any{
		"step":         task.Step,
		"requiredRole": task.RequiredRole,
		"dueDate":      task.DueDate,
	})
	return t.emit(model.EVENT_TASK_CREATED, t.taskEvent(task))
}

func (t *txn) taskEvent(task *model.ApprovalTask) model.TaskEvent {
	return model.TaskEvent{
		WorkflowId:   t.sub.WorkflowId,
		EntityType:   t.sub.EntityType,
		EntityId:     t.sub.EntityId,
		TenantId:     t.sub.TenantId,
		TaskId:       task.TaskId,
		Step:         task.Step,
		RequiredRole: task.RequiredRole,
		AssignedTo:   task.AssignedTo,
		Status:       task.Status,
		DueDate:      task.DueDate,
	}
}

// closeOpen cancels the given tasks that are still PENDING so none of them
// stays actionable. closedBy names what made them unnecessary.
func (t *txn) closeOpen(tasks []*model.ApprovalTask, closedBy string) {
	for _, task := range tasks {
		if task.Status != model.TASK_PENDING {
			continue
		}
		completed := t.now
		task.Status = model.TASK_CANCELLED
		task.CompletedAt = &completed
		t.put(task)
		t.record(model.AUDIT_TASK_CANCELLED, task.TaskId, t.sub.State, t.sub.State, map[string]any{
			"step":     task.Step,
			"closedBy": closedBy,
		})
	}
}

// complete moves the workflow to APPROVED or REJECTED and writes its single
// completion event in the same change.
func (t *txn) complete(outcome model.WorkflowState, reason string, tasks []*model.ApprovalTask) error {
	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
		t.sub.RejectionReason = reason
	}
	t.closeOpen(tasks, string(outcome))
	if err := t.moveTo(outcome, details); err != nil {
		return err
	}
	approvals := make([]model.TaskDecision, 0, len(tasks))
	for _, task := range tasks {
		if task.Status == model.TASK_PENDING || task.Status == model.TASK_CANCELLED {
			continue
		}
		approvals = append(approvals, model.TaskDecision{
			TaskId:      task.TaskId,
			Step:        task.Step,
			Role:        task.RequiredRole,
			Status:      task.Status,
			DecidedBy:   task.DecidedBy,
			Comments:    task.Comments,
			CompletedAt: task.CompletedAt,
		})
	}
	return t.emit(model.EVENT_WORKFLOW_COMPLETED, model.OutcomeEvent{
		WorkflowId:         t.sub.WorkflowId,
		WorkflowInstanceId: t.sub.WorkflowInstanceId,
		EntityType:         t.sub.EntityType,
		EntityId:           t.sub.EntityId,
		TenantId:           t.sub.TenantId,
		Outcome:            model.Outcome(outcome),
		Approvals:          approvals,
		CompletedAt:        t.now,
		RejectionReason:    reason,
	})
}
