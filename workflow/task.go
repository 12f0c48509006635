package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/tenant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const sweepBatch = 500

// Act records an approver's decision on a PENDING task. The caller identity
// comes from the tenant context and must hold the task's role.
func (s *Service) Act(ctx context.Context, action model.TaskAction) (*model.ApprovalTask, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.act", trace.WithAttributes(
		attribute.String("task.id", action.TaskId),
		attribute.String("task.decision", string(action.Decision)),
	))
	defer span.End()

	if action.Decision != model.DECISION_APPROVE && action.Decision != model.DECISION_REJECT {
		return nil, api.ValidationError{Field: "decision", Reason: "must be APPROVE or REJECT"}
	}
	task, err := s.store.GetTask(ctx, action.TaskId)
	if err != nil {
		return nil, err
	}
	tc, ok := tenant.From(ctx)
	actor := action.ActorId
	if actor == "" {
		actor = tc.ActorId
	}
	if !ok || actor == "" || (tc.ActorId != "" && tc.ActorId != actor) {
		return nil, api.UnauthorizedActorError{ActorId: actor, RequiredRole: task.RequiredRole}
	}
	if tc.TenantId != "" && tc.TenantId != task.TenantId {
		return nil, api.NotFoundError{Kind: "task", Id: action.TaskId}
	}

	var decided *model.ApprovalTask
	_, err = s.mutate(ctx, task.WorkflowId, actor, func(t *txn) error {
		tasks, err := s.store.GetTasks(ctx, t.sub.WorkflowId)
		if err != nil {
			return err
		}
		current := find(tasks, action.TaskId)
		if current == nil {
			return api.NotFoundError{Kind: "task", Id: action.TaskId}
		}
		if current.Status != model.TASK_PENDING || t.sub.State.IsTerminal() {
			return api.TaskNotPendingError{TaskId: current.TaskId, Status: string(current.Status)}
		}
		if t.sub.State != model.STATE_TASKS_PENDING {
			return api.InvalidTransitionError{WorkflowId: t.sub.WorkflowId, From: string(t.sub.State), To: string(t.sub.State)}
		}
		if !tc.HasRole(current.RequiredRole) || (current.AssignedTo != "" && current.AssignedTo != actor) {
			return api.UnauthorizedActorError{ActorId: actor, RequiredRole: current.RequiredRole}
		}

		completed := t.now
		current.CompletedAt = &completed
		current.DecidedBy = actor
		current.Comments = action.Comments
		t.sub.UpdatedAt = t.now
		if action.Decision == model.DECISION_REJECT {
			current.Status = model.TASK_REJECTED
		} else {
			current.Status = model.TASK_APPROVED
		}
		t.put(current)
		t.record(auditForTask(current.Status), current.TaskId, t.sub.State, t.sub.State, map[string]any{
			"step":     current.Step,
			"comments": action.Comments,
		})
		decided = current
		return s.afterDecision(t, tasks, current)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("task decided", zap.String("task", decided.TaskId), zap.String("workflow", decided.WorkflowId), zap.String("status", string(decided.Status)), zap.String("actor", actor))
	return decided, nil
}

// afterDecision applies the thresholds: any rejection rejects, the N-th
// approval approves once the escalation role approved too, and otherwise a
// sequential approval opens the next step.
func (s *Service) afterDecision(t *txn, tasks []*model.ApprovalTask, decided *model.ApprovalTask) error {
	plan := t.sub.Plan
	if decided.Status == model.TASK_REJECTED {
		reason := fmt.Sprintf("task %d rejected by %s", decided.Step+1, decided.DecidedBy)
		if c := strings.TrimSpace(decided.Comments); c != "" {
			reason = reason + ": " + c
		}
		return t.complete(model.STATE_REJECTED, reason, tasks)
	}
	if plan.Satisfied(tasks) {
		return t.complete(model.STATE_APPROVED, "", tasks)
	}
	if !plan.Sequential {
		t.reserveForEscalation(plan, tasks)
		return nil
	}
	steps := plan.Steps()
	next := decided.Step + 1
	if next >= len(steps) {
		return api.InvalidTransitionError{WorkflowId: t.sub.WorkflowId, From: string(t.sub.State), To: string(model.STATE_TASKS_PENDING)}
	}
	return t.openTask(t.newTask(steps[next], plan.SLAHours), model.AUDIT_TASK_CREATED)
}

// reserveForEscalation closes the open tasks of other roles once only the
// escalation role's approval is missing, so the last required approval of a
// parallel escalated plan is the senior one.
func (t *txn) reserveForEscalation(plan *model.ComputedApprovalPlan, tasks []*model.ApprovalTask) {
	if plan.EscalationRole == "" {
		return
	}
	approved := 0
	var others []*model.ApprovalTask
	for _, task := range tasks {
		if task.RequiredRole == plan.EscalationRole {
			continue
		}
		switch task.Status {
		case model.TASK_APPROVED:
			approved++
		case model.TASK_PENDING:
			others = append(others, task)
		}
	}
	if approved >= plan.RequiredApprovals-1 {
		t.closeOpen(others, "ESCALATION")
	}
}

func auditForTask(status model.TaskStatus) model.AuditAction {
	switch status {
	case model.TASK_APPROVED:
		return model.AUDIT_TASK_APPROVED
	case model.TASK_REJECTED:
		return model.AUDIT_TASK_REJECTED
	}
	return model.AUDIT_TASK_EXPIRED
}

func find(tasks []*model.ApprovalTask, taskId string) *model.ApprovalTask {
	for _, t := range tasks {
		if t.TaskId == taskId {
			return t
		}
	}
	return nil
}

// Cancel ends a workflow that is not terminal yet. Nothing is deleted.
func (s *Service) Cancel(ctx context.Context, workflowId string, reason string) (*model.WorkflowSubject, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.cancel", trace.WithAttributes(attribute.String("workflow.id", workflowId)))
	defer span.End()

	actor := SYSTEM_ACTOR
	tc, ok := tenant.From(ctx)
	if ok && tc.ActorId != "" {
		actor = tc.ActorId
	}
	t, err := s.mutate(ctx, workflowId, actor, func(t *txn) error {
		if ok && tc.TenantId != "" && tc.TenantId != t.sub.TenantId {
			return api.NotFoundError{Kind: "workflow", Id: workflowId}
		}
		tasks, err := s.store.GetTasks(ctx, t.sub.WorkflowId)
		if err != nil {
			return err
		}
		t.sub.CancelReason = reason
		t.closeOpen(tasks, string(model.STATE_CANCELLED))
		if err := t.moveTo(model.STATE_CANCELLED, map[string]any{"reason": reason}); err != nil {
			return err
		}
		return t.emit(model.EVENT_WORKFLOW_CANCELLED, model.CancelEvent{
			WorkflowId:  t.sub.WorkflowId,
			EntityType:  t.sub.EntityType,
			EntityId:    t.sub.EntityId,
			TenantId:    t.sub.TenantId,
			Reason:      reason,
			CancelledAt: t.now,
		})
	})
	if err != nil {
		return nil, err
	}
	logger.Info("workflow cancelled", zap.String("workflow", workflowId), zap.String("actor", actor))
	return t.sub, nil
}

// SweepSLA expires PENDING tasks that are past due. The workflow itself is
// left as it is; expired tasks wait for a manual Reassign.
func (s *Service) SweepSLA(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.DueTasks(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			logger.Error("error in loading due task", zap.String("task", id), zap.Error(err))
			continue
		}
		committed, err := s.mutate(ctx, task.WorkflowId, SYSTEM_ACTOR, func(t *txn) error {
			current, err := s.store.GetTask(ctx, id)
			if err != nil {
				return err
			}
			if current.Status != model.TASK_PENDING || current.DueDate.After(now) || t.sub.State.IsTerminal() {
				return errNoChange
			}
			completed := t.now
			current.Status = model.TASK_EXPIRED
			current.CompletedAt = &completed
			t.sub.UpdatedAt = t.now
			t.put(current)
			t.record(model.AUDIT_TASK_EXPIRED, current.TaskId, t.sub.State, t.sub.State, map[string]any{
				"step":    current.Step,
				"dueDate": current.DueDate,
			})
			return t.emit(model.EVENT_TASK_EXPIRED, t.taskEvent(current))
		})
		if err != nil {
			logger.Error("error in expiring task", zap.String("task", id), zap.Error(err))
			continue
		}
		if committed != nil {
			expired++
			logger.Warn("approval task expired", zap.String("task", id), zap.String("workflow", task.WorkflowId))
		}
	}
	return expired, nil
}

// Reassign replaces an EXPIRED task with a fresh PENDING one for the same
// step, optionally for another role or a named approver. Only holders of a
// reassign role or the escalation role may do it.
func (s *Service) Reassign(ctx context.Context, taskId string, role string, assignee string) (*model.ApprovalTask, error) {
	tc, ok := tenant.From(ctx)
	if !ok || tc.ActorId == "" || !s.canReassign(tc) {
		return nil, api.UnauthorizedActorError{ActorId: tc.ActorId, RequiredRole: strings.Join(s.reassignRoles(), "|")}
	}
	task, err := s.store.GetTask(ctx, taskId)
	if err != nil {
		return nil, err
	}
	if tc.TenantId != "" && tc.TenantId != task.TenantId {
		return nil, api.NotFoundError{Kind: "task", Id: taskId}
	}
	actor := tc.ActorId
	var replacement *model.ApprovalTask
	_, err = s.mutate(ctx, task.WorkflowId, actor, func(t *txn) error {
		tasks, err := s.store.GetTasks(ctx, t.sub.WorkflowId)
		if err != nil {
			return err
		}
		expired := find(tasks, taskId)
		if expired == nil {
			return api.NotFoundError{Kind: "task", Id: taskId}
		}
		if expired.Status != model.TASK_EXPIRED {
			return api.ValidationError{Field: "taskId", Reason: fmt.Sprintf("task is %s, only EXPIRED tasks can be reassigned", expired.Status)}
		}
		for _, other := range tasks {
			if other.ReplacesTask == taskId {
				return api.ValidationError{Field: "taskId", Reason: "task was already reassigned to " + other.TaskId}
			}
		}
		if t.sub.State != model.STATE_TASKS_PENDING {
			return api.InvalidTransitionError{WorkflowId: t.sub.WorkflowId, From: string(t.sub.State), To: string(model.STATE_TASKS_PENDING)}
		}
		step := model.Step{Index: expired.Step, Role: expired.RequiredRole, ExtraScrutiny: expired.ExtraScrutiny}
		if senior := t.sub.Plan.EscalationRole; senior != "" && expired.RequiredRole == senior && role != "" && role != senior {
			return api.ValidationError{Field: "role", Reason: "an escalated step stays with " + senior}
		}
		if role != "" {
			step.Role = role
		}
		replacement = t.newTask(step, t.sub.Plan.SLAHours)
		replacement.AssignedTo = assignee
		replacement.ReplacesTask = taskId
		t.sub.UpdatedAt = t.now
		return t.openTask(replacement, model.AUDIT_TASK_REASSIGNED)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("task reassigned", zap.String("task", taskId), zap.String("replacement", replacement.TaskId), zap.String("role", replacement.RequiredRole))
	return replacement, nil
}

func (s *Service) reassignRoles() []string {
	roles := append([]string(nil), s.conf.WorkflowConfig.ReassignRoles...)
	if r := s.conf.AgentConfig.EscalationRole; r != "" {
		roles = append(roles, r)
	}
	return roles
}

func (s *Service) canReassign(tc tenant.Context) bool {
	for _, r := range s.reassignRoles() {
		if tc.HasRole(r) {
			return true
		}
	}
	return false
}
