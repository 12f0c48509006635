package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/approvy/agent"
	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/metadata"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/persistence/memory"
	"github.com/mohitkumar/approvy/rule"
	"github.com/mohitkumar/approvy/tenant"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type scriptedAgent struct {
	mu      sync.Mutex
	answers map[string]func() (*agent.Verdict, error)
}

func (a *scriptedAgent) Type() model.AgentType {
	return model.AGENT_TYPE_CUSTOM
}

func (a *scriptedAgent) Execute(_ context.Context, task model.AgentTask, _ agent.Input) (*agent.Verdict, error) {
	a.mu.Lock()
	fn := a.answers[task.Name]
	a.mu.Unlock()
	return fn()
}

func (a *scriptedAgent) set(name string, fn func() (*agent.Verdict, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers[name] = fn
}

func says(action model.RecommendedAction) func() (*agent.Verdict, error) {
	return func() (*agent.Verdict, error) {
		return &agent.Verdict{RecommendedAction: action}, nil
	}
}

type fixture struct {
	t      *testing.T
	mu     sync.Mutex
	now    time.Time
	store  *memory.Store
	meta   *metadata.MetadataServiceImpl
	agents *scriptedAgent
	svc    *Service
}

func testConfig() config.Config {
	conf := config.DefaultConfig()
	conf.AgentConfig.RetryDelay = time.Millisecond
	conf.WorkflowConfig.MaxAdvanceAttempts = 3
	conf.WorkflowConfig.AdvanceRetryDelay = time.Minute
	return conf
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:      t,
		now:    epoch,
		store:  memory.NewStore(),
		agents: &scriptedAgent{answers: map[string]func() (*agent.Verdict, error){}},
	}
	conf := testConfig()
	engine := rule.NewEngine()
	f.meta = metadata.NewMetadataService(f.store, engine)
	f.svc = NewService(f.store, f.meta, engine, agent.NewOrchestrator(conf.AgentConfig, f.agents), conf,
		WithClock(f.clock))
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

func intp(i int) *int { return &i }

func (f *fixture) publish(tmpl model.WorkflowTemplate) {
	_, err := f.meta.Publish(context.Background(), tmpl)
	require.NoError(f.t, err)
}

// planTemplate publishes a template whose defaults are the given plan.
func (f *fixture) planTemplate(entityType string, required int, sequential bool, roles ...string) {
	f.publish(model.WorkflowTemplate{
		Id:         entityType,
		EntityType: entityType,
		Defaults: model.ApprovalDefaults{
			ApprovalRequired:  required > 0,
			RequiredApprovals: required,
			ApproverRoles:     roles,
			Sequential:        sequential,
			SLAHours:          24,
		},
	})
}

func (f *fixture) submit(entityType string, metadata map[string]any) *model.SubmissionResponse {
	res, err := f.svc.Submit(context.Background(), model.SubmissionRequest{
		EntityType:     entityType,
		EntityId:       "entity-1",
		EntityMetadata: metadata,
		InitiatedBy:    "requester",
		TenantId:       "acme",
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) status(workflowId string) *Status {
	st, err := f.svc.Get(context.Background(), workflowId)
	require.NoError(f.t, err)
	return st
}

func (f *fixture) pending(workflowId string) []*model.ApprovalTask {
	var res []*model.ApprovalTask
	for _, task := range f.status(workflowId).Tasks {
		if task.Status == model.TASK_PENDING {
			res = append(res, task)
		}
	}
	return res
}

func (f *fixture) events(workflowId string, eventType string) []*model.OutboxEvent {
	var res []*model.OutboxEvent
	for _, ev := range f.store.Events(workflowId) {
		if eventType == "" || ev.EventType == eventType {
			res = append(res, ev)
		}
	}
	return res
}

func (f *fixture) outcome(workflowId string) model.OutcomeEvent {
	completed := f.events(workflowId, model.EVENT_WORKFLOW_COMPLETED)
	require.Len(f.t, completed, 1)
	var out model.OutcomeEvent
	require.NoError(f.t, json.Unmarshal(completed[0].Payload, &out))
	return out
}

func as(actor string, roles ...string) context.Context {
	return tenant.With(context.Background(), tenant.Context{TenantId: "acme", ActorId: actor, Roles: roles})
}

func (f *fixture) act(actor string, role string, taskId string, decision model.TaskDecisionType) (*model.ApprovalTask, error) {
	return f.svc.Act(as(actor, role), model.TaskAction{TaskId: taskId, Decision: decision})
}

// screenedTemplate publishes a template with the given plan defaults and one
// CUSTOM agent task per name, answered by the fixture's scripted agent.
func (f *fixture) screenedTemplate(entityType string, defaults model.ApprovalDefaults, cfg model.AgentConfig, names ...string) {
	for _, name := range names {
		cfg.Tasks = append(cfg.Tasks, model.AgentTask{
			Name:   name,
			Type:   model.AGENT_TYPE_CUSTOM,
			Config: &model.CustomAgentConfig{Script: "({})"},
		})
	}
	f.publish(model.WorkflowTemplate{
		Id:          entityType,
		EntityType:  entityType,
		Defaults:    defaults,
		AgentConfig: &cfg,
	})
}
