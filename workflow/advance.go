package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohitkumar/approvy/agent"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/rule"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const recoverBatch = 100

const maxAdvanceRetryDelay = time.Hour

// maxAdvanceBackoffSteps bounds the loop once the delay sits at the cap.
const maxAdvanceBackoffSteps = 64

// Advance runs the transitions that need no human input, starting from the
// persisted state. It is safe to call again after a crash or concurrently
// from another node: every step is a compare-and-swap on the persisted
// version, so a step that lost the race just observes the winner's result.
func (s *Service) Advance(ctx context.Context, workflowId string) (*model.WorkflowSubject, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.advance", trace.WithAttributes(attribute.String("workflow.id", workflowId)))
	defer span.End()

	for {
		sub, err := s.store.GetSubject(ctx, workflowId)
		if err != nil {
			return nil, err
		}
		var progressed bool
		switch sub.State {
		case model.STATE_INITIATED:
			progressed, err = s.computePlan(ctx, sub)
		case model.STATE_PLAN_COMPUTED:
			progressed, err = s.screen(ctx, sub)
		default:
			return sub, nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return sub, err
		}
		if !progressed {
			return s.store.GetSubject(ctx, workflowId)
		}
	}
}

func (s *Service) agentConfig(ctx context.Context, sub *model.WorkflowSubject) (*model.AgentConfig, error) {
	tmpl, err := s.templates.Get(ctx, sub.TemplateId, sub.TemplateVersion)
	if err != nil {
		return nil, err
	}
	var names []string
	if sub.Plan != nil {
		names = sub.Plan.AgentTasks
	}
	cfg := agent.Select(tmpl.AgentConfig, names)
	if cfg == nil || len(cfg.Tasks) == 0 {
		return nil, nil
	}
	return cfg, nil
}

// computePlan leaves INITIATED. A plan that needs no approval and no
// screening is approved right away.
func (s *Service) computePlan(ctx context.Context, sub *model.WorkflowSubject) (bool, error) {
	cfg, err := s.agentConfig(ctx, sub)
	if err != nil {
		return false, err
	}
	_, err = s.mutate(ctx, sub.WorkflowId, SYSTEM_ACTOR, func(t *txn) error {
		if t.sub.State != model.STATE_INITIATED {
			return errNoChange
		}
		if !t.sub.Plan.ApprovalRequired && cfg == nil {
			return t.complete(model.STATE_APPROVED, "", nil)
		}
		retryAt := t.now.Add(s.conf.WorkflowConfig.AdvanceRetryDelay)
		t.sub.RetryAt = &retryAt
		return t.moveTo(model.STATE_PLAN_COMPUTED, map[string]any{"plan": t.sub.Plan})
	})
	return err == nil, err
}

// screen runs the agents outside of any change, then applies their red
// flags and opens the first tasks in one change.
func (s *Service) screen(ctx context.Context, sub *model.WorkflowSubject) (bool, error) {
	cfg, err := s.agentConfig(ctx, sub)
	if err != nil {
		return false, err
	}
	var decisions []model.AgentDecision
	var runErr error
	escalationRole := s.conf.AgentConfig.EscalationRole
	if cfg != nil {
		if cfg.EscalationRole != "" {
			escalationRole = cfg.EscalationRole
		}
		decisions, runErr = s.agents.Run(ctx, cfg, agent.Input{
			WorkflowId: sub.WorkflowId,
			EntityType: sub.EntityType,
			EntityId:   sub.EntityId,
			TenantId:   sub.TenantId,
			EntityData: sub.EntityData,
			Metadata:   sub.Metadata,
		})
	}

	var failed bool
	committed, err := s.mutate(ctx, sub.WorkflowId, SYSTEM_ACTOR, func(t *txn) error {
		if t.sub.State != model.STATE_PLAN_COMPUTED {
			return errNoChange
		}
		if runErr != nil {
			failed = true
			return s.screeningFailed(t, decisions, runErr)
		}
		return s.applyDecisions(t, decisions, escalationRole)
	})
	if err != nil {
		return false, err
	}
	if committed != nil {
		for _, d := range decisions {
			s.collector.RecordAgentDecision(sub.WorkflowId, d)
		}
	}
	return !failed, nil
}

func (s *Service) screeningFailed(t *txn, decisions []model.AgentDecision, runErr error) error {
	t.sub.Attempts++
	t.sub.ErrorMessage = runErr.Error()
	t.sub.UpdatedAt = t.now
	t.record(model.AUDIT_AGENTS_FAILED, "", t.sub.State, t.sub.State, map[string]any{
		"attempt":   t.sub.Attempts,
		"error":     runErr.Error(),
		"decisions": decisions,
	})
	maxAttempts := s.conf.WorkflowConfig.MaxAdvanceAttempts
	if maxAttempts > 0 && t.sub.Attempts >= maxAttempts {
		logger.Error("agent screening exhausted its attempts", zap.String("workflow", t.sub.WorkflowId), zap.Int("attempts", t.sub.Attempts), zap.Error(runErr))
		return t.complete(model.STATE_REJECTED, fmt.Sprintf("agent screening failed after %d attempts: %s", t.sub.Attempts, runErr.Error()), nil)
	}
	retryAt := t.now.Add(s.retryDelay(t.sub.Attempts))
	t.sub.RetryAt = &retryAt
	logger.Warn("agent screening failed, will retry", zap.String("workflow", t.sub.WorkflowId), zap.Time("retryAt", retryAt), zap.Error(runErr))
	return nil
}

// retryDelay doubles the advance retry delay with every failed attempt, up to
// an hour.
func (s *Service) retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.conf.WorkflowConfig.AdvanceRetryDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxAdvanceRetryDelay,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < min(attempts, maxAdvanceBackoffSteps); i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (s *Service) applyDecisions(t *txn, decisions []model.AgentDecision, escalationRole string) error {
	res := agent.Resolve(*t.sub.Plan, decisions, escalationRole)
	t.sub.Decisions = decisions
	t.sub.ErrorMessage = ""
	if len(decisions) > 0 {
		t.record(model.AUDIT_AGENTS_EVALUATED, "", t.sub.State, t.sub.State, map[string]any{
			"action":    res.Action,
			"decisions": len(decisions),
		})
	}
	if len(res.Enrichment) > 0 {
		if t.sub.Metadata == nil {
			t.sub.Metadata = map[string]any{}
		}
		for k, v := range res.Enrichment {
			t.sub.Metadata[k] = v
		}
	}
	if res.Reject {
		return t.complete(model.STATE_REJECTED, res.Reason, nil)
	}
	plan := res.Plan
	if plan.ApprovalRequired && plan.SLAHours <= 0 {
		plan.SLAHours = s.conf.WorkflowConfig.DefaultSLAHours
	}
	plan = rule.Normalize(plan)
	t.sub.Plan = &plan
	if !plan.ApprovalRequired {
		return t.complete(model.STATE_APPROVED, "", nil)
	}
	if err := t.moveTo(model.STATE_TASKS_PENDING, map[string]any{"plan": plan}); err != nil {
		return err
	}
	t.sub.RetryAt = nil
	steps := plan.Steps()
	if plan.Sequential {
		steps = steps[:1]
	} else if plan.EscalationRole != "" && plan.RequiredApprovals <= 1 {
		// the single approval has to come from the escalation role
		steps = slices.DeleteFunc(steps, func(step model.Step) bool {
			return step.Role != plan.EscalationRole
		})
	}
	for _, step := range steps {
		if err := t.openTask(t.newTask(step, plan.SLAHours), model.AUDIT_TASK_CREATED); err != nil {
			return err
		}
	}
	return nil
}

// Recover re-drives workflows left in INITIATED or PLAN_COMPUTED whose retry
// time has passed, after a crash or a failed screening.
func (s *Service) Recover(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.Stalled(ctx, now, recoverBatch)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		sub, err := s.Advance(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return recovered, err
			}
			logger.Error("error in recovering workflow", zap.String("workflow", id), zap.Error(err))
			continue
		}
		if sub.State != model.STATE_INITIATED && sub.State != model.STATE_PLAN_COMPUTED {
			recovered++
		}
	}
	return recovered, nil
}
