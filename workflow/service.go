package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mohitkumar/approvy/agent"
	"github.com/mohitkumar/approvy/analytics"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/metadata"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence"
	"github.com/mohitkumar/approvy/rule"
	"github.com/mohitkumar/approvy/tenant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const SYSTEM_ACTOR = "system"

const conflictRetryDelay = 10 * time.Millisecond

// errNoChange aborts a mutation without committing anything.
var errNoChange = errors.New("no change")

type Service struct {
	store     persistence.WorkflowStore
	templates metadata.MetadataService
	rules     *rule.Engine
	agents    *agent.Orchestrator
	collector analytics.WorkflowDataCollector
	conf      config.Config
	clock     func() time.Time
	tracer    trace.Tracer
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

func WithCollector(c analytics.WorkflowDataCollector) Option {
	return func(s *Service) {
		s.collector = c
	}
}

func NewService(store persistence.WorkflowStore, templates metadata.MetadataService, rules *rule.Engine,
	agents *agent.Orchestrator, conf config.Config, opts ...Option) *Service {
	s := &Service{
		store:     store,
		templates: templates,
		rules:     rules,
		agents:    agents,
		collector: analytics.NoopDataCollector{},
		conf:      conf,
		clock:     time.Now,
		tracer:    otel.Tracer("github.com/mohitkumar/approvy/workflow"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// Submit evaluates the rules for the request, persists a new workflow and
// drives it as far as it can go without human input. Rule errors fail the
// submission; later failures leave the workflow waiting for recovery.
func (s *Service) Submit(ctx context.Context, req model.SubmissionRequest) (*model.SubmissionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.submit", trace.WithAttributes(
		attribute.String("entity.type", req.EntityType),
		attribute.String("entity.id", req.EntityId),
	))
	defer span.End()

	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}
	tmpl, err := s.resolveTemplate(ctx, req)
	if err != nil {
		return nil, err
	}
	plan, err := s.rules.Evaluate(tmpl, req.EntityMetadata)
	if err != nil {
		return nil, err
	}
	if plan.ApprovalRequired && plan.SLAHours <= 0 {
		plan.SLAHours = s.conf.WorkflowConfig.DefaultSLAHours
	}

	now := s.now()
	retryAt := now.Add(s.conf.WorkflowConfig.AdvanceRetryDelay)
	topic := tmpl.OutcomeTopic
	if topic == "" {
		topic = s.conf.OutboxConfig.Topic
	}
	meta := req.EntityMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	sub := &model.WorkflowSubject{
		WorkflowId:         uuid.NewString(),
		WorkflowInstanceId: uuid.NewString(),
		TemplateId:         tmpl.Id,
		TemplateVersion:    tmpl.Version,
		EntityType:         req.EntityType,
		EntityId:           req.EntityId,
		TenantId:           req.TenantId,
		State:              model.STATE_INITIATED,
		InitiatedBy:        req.InitiatedBy,
		InitiatedAt:        now,
		UpdatedAt:          now,
		EntityData:         req.EntityData,
		Metadata:           meta,
		Justification:      req.BusinessJustification,
		Priority:           req.Priority,
		OutcomeTopic:       topic,
		Plan:               plan,
		RetryAt:            &retryAt,
	}
	span.SetAttributes(attribute.String("workflow.id", sub.WorkflowId))
	t := s.begin(sub, req.InitiatedBy, now)
	t.from = ""
	t.record(model.AUDIT_SUBMITTED, "", "", model.STATE_INITIATED, map[string]any{
		"templateId":      tmpl.Id,
		"templateVersion": tmpl.Version,
		"plan":            plan,
	})
	if err := s.commit(ctx, t); err != nil {
		return nil, err
	}
	submissionsTotal.WithLabelValues(sub.EntityType).Inc()
	logger.Info("workflow submitted", zap.String("workflow", sub.WorkflowId), zap.String("entityType", sub.EntityType), zap.String("entityId", sub.EntityId))

	advanced, err := s.Advance(ctx, sub.WorkflowId)
	if err != nil {
		logger.Error("workflow will be resumed by recovery", zap.String("workflow", sub.WorkflowId), zap.Error(err))
		if advanced, err = s.store.GetSubject(ctx, sub.WorkflowId); err != nil {
			return nil, err
		}
	}
	return s.response(advanced), nil
}

func (s *Service) validate(ctx context.Context, req *model.SubmissionRequest) error {
	if tc, ok := tenant.From(ctx); ok {
		if req.TenantId == "" {
			req.TenantId = tc.TenantId
		} else if tc.TenantId != "" && tc.TenantId != req.TenantId {
			return api.ValidationError{Field: "tenantId", Reason: "does not match the caller tenant"}
		}
		if req.InitiatedBy == "" {
			req.InitiatedBy = tc.ActorId
		}
	}
	switch {
	case req.EntityType == "":
		return api.ValidationError{Field: "entityType", Reason: "is required"}
	case req.EntityId == "":
		return api.ValidationError{Field: "entityId", Reason: "is required"}
	case req.TenantId == "":
		return api.ValidationError{Field: "tenantId", Reason: "is required"}
	case req.InitiatedBy == "":
		return api.ValidationError{Field: "initiatedBy", Reason: "is required"}
	}
	return nil
}

func (s *Service) resolveTemplate(ctx context.Context, req model.SubmissionRequest) (*model.WorkflowTemplate, error) {
	if req.TemplateId == "" {
		tmpl, err := s.templates.ForEntity(ctx, req.EntityType)
		if api.IsNotFound(err) {
			return nil, api.ValidationError{Field: "entityType", Reason: fmt.Sprintf("no workflow template for %s", req.EntityType)}
		}
		return tmpl, err
	}
	tmpl, err := s.templates.Latest(ctx, req.TemplateId)
	if err != nil {
		return nil, err
	}
	if tmpl.EntityType != req.EntityType {
		return nil, api.ValidationError{Field: "templateId", Reason: fmt.Sprintf("template %s is for %s", tmpl.Id, tmpl.EntityType)}
	}
	return tmpl, nil
}

func (s *Service) response(sub *model.WorkflowSubject) *model.SubmissionResponse {
	res := &model.SubmissionResponse{
		WorkflowId:         sub.WorkflowId,
		WorkflowInstanceId: sub.WorkflowInstanceId,
		Status:             sub.State,
	}
	if sub.Plan != nil {
		res.ApprovalRequired = sub.Plan.ApprovalRequired
		res.RequiredApprovals = sub.Plan.RequiredApprovals
		res.ApproverRoles = sub.Plan.ApproverRoles
		res.Sequential = sub.Plan.Sequential
		res.SLAHours = sub.Plan.SLAHours
	}
	switch sub.State {
	case model.STATE_APPROVED:
		res.EstimatedCompletion = sub.CompletedAt
		if res.ApprovalRequired {
			res.Message = "approved"
		} else {
			res.Message = "approved automatically, no approval required"
		}
	case model.STATE_REJECTED:
		res.EstimatedCompletion = sub.CompletedAt
		res.Message = "rejected: " + sub.RejectionReason
	case model.STATE_CANCELLED:
		res.EstimatedCompletion = sub.CompletedAt
		res.Message = "cancelled: " + sub.CancelReason
	case model.STATE_TASKS_PENDING:
		// sequential steps each get the full SLA
		rounds := 1
		if res.Sequential {
			rounds = len(sub.Plan.Steps())
		}
		eta := sub.UpdatedAt.Add(time.Duration(rounds*res.SLAHours) * time.Hour)
		res.EstimatedCompletion = &eta
		res.Message = fmt.Sprintf("awaiting %d approval(s)", res.RequiredApprovals)
	default:
		res.Message = "processing"
		if sub.ErrorMessage != "" {
			res.Message = "processing will be retried: " + sub.ErrorMessage
		}
	}
	return res
}

// Status is the pollable view of a workflow.
type Status struct {
	Subject *model.WorkflowSubject `json:"workflow"`
	Tasks   []*model.ApprovalTask  `json:"tasks"`
	Audit   []model.AuditEntry     `json:"audit"`
}

func (s *Service) Get(ctx context.Context, workflowId string) (*Status, error) {
	sub, err := s.store.GetSubject(ctx, workflowId)
	if err != nil {
		return nil, err
	}
	if tc, ok := tenant.From(ctx); ok && tc.TenantId != "" && tc.TenantId != sub.TenantId {
		return nil, api.NotFoundError{Kind: "workflow", Id: workflowId}
	}
	tasks, err := s.store.GetTasks(ctx, workflowId)
	if err != nil {
		return nil, err
	}
	audit, err := s.store.GetAudit(ctx, workflowId)
	if err != nil {
		return nil, err
	}
	return &Status{Subject: sub, Tasks: tasks, Audit: audit}, nil
}

// mutate loads the workflow, lets fn stage a change and commits it. A lost
// compare-and-swap reloads and runs fn again, a bounded number of times.
func (s *Service) mutate(ctx context.Context, workflowId string, actor string, fn func(t *txn) error) (*txn, error) {
	var committed *txn
	op := func() error {
		committed = nil
		sub, err := s.store.GetSubject(ctx, workflowId)
		if err != nil {
			return backoff.Permanent(err)
		}
		t := s.begin(sub, actor, s.now())
		if err := fn(t); err != nil {
			if errors.Is(err, errNoChange) {
				return nil
			}
			return backoff.Permanent(err)
		}
		if err := s.commit(ctx, t); err != nil {
			if api.IsConflict(err) {
				conflictsTotal.Inc()
				logger.Debug("workflow changed concurrently, retrying", zap.String("workflow", workflowId))
				return err
			}
			return backoff.Permanent(err)
		}
		committed = t
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(conflictRetryDelay), uint64(max(s.conf.WorkflowConfig.ConflictRetries, 0)))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return committed, nil
}

func (s *Service) commit(ctx context.Context, t *txn) error {
	err := s.store.Commit(ctx, persistence.Change{
		Subject:         t.sub,
		ExpectedVersion: t.expected,
		Tasks:           t.tasks,
		Audit:           t.audit,
		Events:          t.events,
	})
	if err != nil {
		return err
	}
	if t.sub.State != t.from {
		transitionsTotal.WithLabelValues(string(t.from), string(t.sub.State)).Inc()
		s.collector.RecordTransition(t.sub, t.from, t.actor)
	}
	for _, task := range t.tasks {
		if task.Status != model.TASK_PENDING {
			taskDecisionsTotal.WithLabelValues(string(task.Status)).Inc()
			s.collector.RecordTaskDecision(task)
		}
	}
	return nil
}
