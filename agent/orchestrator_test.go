package agent

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/model"
	"github.com/stretchr/testify/require"
)

type stubFunc func(ctx context.Context, in Input) (*Verdict, error)

// stubAgent answers per task name.
type stubAgent struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]stubFunc
}

func (s *stubAgent) Type() model.AgentType {
	return model.AGENT_TYPE_CUSTOM
}

func (s *stubAgent) Execute(ctx context.Context, task model.AgentTask, in Input) (*Verdict, error) {
	s.mu.Lock()
	s.calls = append(s.calls, task.Name)
	s.mu.Unlock()
	return s.answers[task.Name](ctx, in)
}

func (s *stubAgent) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func answer(action model.RecommendedAction) stubFunc {
	return func(ctx context.Context, in Input) (*Verdict, error) {
		return &Verdict{RecommendedAction: action}, nil
	}
}

func jittered(action model.RecommendedAction) stubFunc {
	return func(ctx context.Context, in Input) (*Verdict, error) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return &Verdict{RecommendedAction: action}, nil
	}
}

func tasks(names ...string) []model.AgentTask {
	res := make([]model.AgentTask, 0, len(names))
	for _, n := range names {
		res = append(res, model.AgentTask{Name: n, Type: model.AGENT_TYPE_CUSTOM, Config: &model.CustomAgentConfig{Script: "1"}})
	}
	return res
}

func testConf() config.AgentConfig {
	return config.AgentConfig{
		MaxConcurrentAgents: 4,
		DefaultTaskTimeout:  time.Second,
		DefaultTimeout:      5 * time.Second,
		RetryDelay:          time.Millisecond,
		EscalationRole:      "SENIOR_APPROVER",
	}
}

func TestOrchestrator(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"terminate reject wins under parallel":   testParallelReject,
		"timeout yields failed decision":         testTimeout,
		"fail on agent error stops the run":      testFailFast,
		"retries until success":                  testRetries,
		"priority order with declaration ties":   testPriorityOrder,
		"conditional tasks see prior decisions":  testConditional,
		"sequential short circuits and enriches": testSequential,
		"parallel fan out is capped":             testConcurrencyCap,
		"unknown agent type fails the task":      testUnknownType,
	} {
		t.Run(scenario, fn)
	}
}

func testParallelReject(t *testing.T) {
	stub := &stubAgent{answers: map[string]stubFunc{
		"a": jittered(model.ACTION_CONTINUE),
		"b": jittered(model.ACTION_TERMINATE_REJECT),
		"c": jittered(model.ACTION_CONTINUE),
	}}
	o := NewOrchestrator(testConf(), stub)
	cfg := &model.AgentConfig{Strategy: model.STRATEGY_PARALLEL, Tasks: tasks("a", "b", "c")}
	plan := model.ComputedApprovalPlan{ApprovalRequired: true, RequiredApprovals: 1, ApproverRoles: []string{"PM"}, SLAHours: 24}

	for i := 0; i < 20; i++ {
		decisions, err := o.Run(context.Background(), cfg, Input{WorkflowId: "wf-1"})
		require.NoError(t, err)
		require.Len(t, decisions, 3)
		require.Equal(t, []string{"a", "b", "c"}, []string{decisions[0].Agent, decisions[1].Agent, decisions[2].Agent})
		require.True(t, decisions[1].RedFlag)

		res := Resolve(plan, decisions, "SENIOR_APPROVER")
		require.True(t, res.Reject)
		require.Equal(t, model.ACTION_TERMINATE_REJECT, res.Action)
		require.Contains(t, res.Reason, "b")
	}
}

func testTimeout(t *testing.T) {
	stub := &stubAgent{answers: map[string]stubFunc{
		"slow": func(ctx context.Context, in Input) (*Verdict, error) {
			time.Sleep(200 * time.Millisecond)
			return &Verdict{RecommendedAction: model.ACTION_TERMINATE_REJECT}, nil
		},
		"fast": answer(model.ACTION_CONTINUE),
	}}
	o := NewOrchestrator(testConf(), stub)
	cfg := &model.AgentConfig{Tasks: tasks("slow", "fast")}
	cfg.Tasks[0].Timeout = model.Duration(20 * time.Millisecond)

	decisions, err := o.Run(context.Background(), cfg, Input{})
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	require.False(t, decisions[0].Success)
	require.Contains(t, decisions[0].Error, "timed out")
	require.True(t, decisions[1].Success)

	res := Resolve(model.ComputedApprovalPlan{ApprovalRequired: true, RequiredApprovals: 1}, decisions, "")
	require.False(t, res.Reject)
}

func testFailFast(t *testing.T) {
	stub := &stubAgent{answers: map[string]stubFunc{
		"broken": func(ctx context.Context, in Input) (*Verdict, error) {
			return nil, errors.New("connection refused")
		},
		"later": answer(model.ACTION_CONTINUE),
	}}
	o := NewOrchestrator(testConf(), stub)
	cfg := &model.AgentConfig{Strategy: model.STRATEGY_SEQUENTIAL, FailOnAgentError: true, Tasks: tasks("broken", "later")}

	decisions, err := o.Run(context.Background(), cfg, Input{})
	var ae api.AgentExecutionError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "broken", ae.Agent)
	require.Len(t, decisions, 1)
	require.Equal(t, []string{"broken"}, stub.called())

	cfg.Strategy = model.STRATEGY_PARALLEL
	_, err = o.Run(context.Background(), cfg, Input{})
	require.ErrorAs(t, err, &ae)
}

func testRetries(t *testing.T) {
	var calls atomic.Int32
	stub := &stubAgent{answers: map[string]stubFunc{
		"flaky": func(ctx context.Context, in Input) (*Verdict, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("try again")
			}
			return &Verdict{RecommendedAction: model.ACTION_ESCALATE}, nil
		},
	}}
	o := NewOrchestrator(testConf(), stub)
	cfg := &model.AgentConfig{Tasks: tasks("flaky")}
	cfg.Tasks[0].Retries = 2

	decisions, err := o.Run(context.Background(), cfg, Input{})
	require.NoError(t, err)
	require.True(t, decisions[0].Success)
	require.Equal(t, 3, decisions[0].Attempts)
	require.Equal(t, model.SEVERITY_MEDIUM, decisions[0].Severity)
}

func testPriorityOrder(t *testing.T) {
	stub := &stubAgent{answers: map[string]stubFunc{
		"low":    answer(model.ACTION_CONTINUE),
		"high":   answer(model.ACTION_CONTINUE),
		"high-2": answer(model.ACTION_CONTINUE),
	}}
	o := NewOrchestrator(testConf(), stub)
	cfg := &model.AgentConfig{Strategy: model.STRATEGY_PRIORITY_BASED, Tasks: tasks("low", "high", "high-2")}
	cfg.Tasks[1].Priority = 10
	cfg.Tasks[2].Priority = 10

	decisions, err := o.Run(context.Background(), cfg, Input{})
	require.NoError(t, err)
	require.Equal(t, []string{"high", "high-2", "low"}, stub.called())
	require.Equal(t, "low", decisions[0].Agent)
}

func testConditional(t *testing.T) {
	stub := &stubAgent{answers: map[string]stubFunc{
		"screen": func(ctx context.Context, in Input) (*Verdict, error) {
			return &Verdict{RedFlag: true, Severity: model.SEVERITY_HIGH, Enrichment: map[string]any{"score": 91}}, nil
		},
		"deep-dive": answer(model.ACTION_ESCALATE),
		"skipped":   answer(model.ACTION_TERMINATE_REJECT),
	}}
	o := NewOrchestrator(testConf(), stub)
	cfg := &model.AgentConfig{Strategy: model.STRATEGY_CONDITIONAL, Tasks: tasks("screen", "deep-dive", "skipped")}
	cfg.Tasks[1].Condition = "decisions['screen'].redFlag && $.score > 90"
	cfg.Tasks[2].Condition = "$.region === 'EU'"

	decisions, err := o.Run(context.Background(), cfg, Input{Metadata: map[string]any{"region": "US"}})
	require.NoError(t, err)
	require.Equal(t, []string{"screen", "deep-dive"}, stub.called())
	require.Len(t, decisions, 2)
	require.Equal(t, model.ACTION_ENHANCE_REVIEW, decisions[0].RecommendedAction)

	res := Resolve(model.ComputedApprovalPlan{ApprovalRequired: true, RequiredApprovals: 1, ApproverRoles: []string{"PM"}}, decisions, "SENIOR_APPROVER")
	require.False(t, res.Reject)
	require.Equal(t, model.ACTION_ESCALATE, res.Action)
	require.Equal(t, 3, res.Plan.RequiredApprovals)
	require.Equal(t, []string{"PM", "SENIOR_APPROVER"}, res.Plan.ApproverRoles)
	require.True(t, res.Plan.ExtraScrutiny)
	require.True(t, res.Plan.Escalated)
	require.Equal(t, map[string]any{"score": 91}, res.Enrichment)
}

func testSequential(t *testing.T) {
	stub := &stubAgent{answers: map[string]stubFunc{
		"enrich": func(ctx context.Context, in Input) (*Verdict, error) {
			return &Verdict{Enrichment: map[string]any{"customerTier": "GOLD"}}, nil
		},
		"check": func(ctx context.Context, in Input) (*Verdict, error) {
			if in.Metadata["customerTier"] != "GOLD" {
				return nil, errors.New("enrichment not visible")
			}
			return &Verdict{RecommendedAction: model.ACTION_TERMINATE_REJECT, Reasoning: []string{"sanctioned party"}}, nil
		},
		"never": answer(model.ACTION_CONTINUE),
	}}
	o := NewOrchestrator(testConf(), stub)
	cfg := &model.AgentConfig{Strategy: model.STRATEGY_SEQUENTIAL, Tasks: tasks("enrich", "check", "never")}

	decisions, err := o.Run(context.Background(), cfg, Input{})
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	require.Equal(t, []string{"enrich", "check"}, stub.called())

	res := Resolve(model.ComputedApprovalPlan{}, decisions, "")
	require.True(t, res.Reject)
	require.Equal(t, "rejected by agent check: sanctioned party", res.Reason)
}

func testConcurrencyCap(t *testing.T) {
	var running, peak atomic.Int32
	busy := func(ctx context.Context, in Input) (*Verdict, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return &Verdict{}, nil
	}
	answers := map[string]stubFunc{}
	names := []string{"a", "b", "c", "d", "e", "f"}
	for _, n := range names {
		answers[n] = busy
	}
	o := NewOrchestrator(testConf(), &stubAgent{answers: answers})
	cfg := &model.AgentConfig{Strategy: model.STRATEGY_PARALLEL, MaxConcurrentAgents: 2, Tasks: tasks(names...)}

	decisions, err := o.Run(context.Background(), cfg, Input{})
	require.NoError(t, err)
	require.Len(t, decisions, 6)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func testUnknownType(t *testing.T) {
	o := NewOrchestrator(testConf())
	cfg := &model.AgentConfig{Tasks: tasks("orphan")}
	decisions, err := o.Run(context.Background(), cfg, Input{})
	require.NoError(t, err)
	require.False(t, decisions[0].Success)
	require.Contains(t, decisions[0].Error, "no agent registered")
}

func TestResolve(t *testing.T) {
	base := model.ComputedApprovalPlan{ApprovalRequired: true, RequiredApprovals: 2, ApproverRoles: []string{"PM", "FINANCE"}, Sequential: true, SLAHours: 24}
	for scenario, tc := range map[string]struct {
		decisions []model.AgentDecision
		check     func(t *testing.T, res Resolution)
	}{
		"continue leaves plan": {
			decisions: []model.AgentDecision{{Agent: "a", Success: true, RecommendedAction: model.ACTION_CONTINUE}},
			check: func(t *testing.T, res Resolution) {
				require.Equal(t, base, res.Plan)
				require.False(t, res.Reject)
			},
		},
		"failed decisions are ignored": {
			decisions: []model.AgentDecision{{Agent: "a", Success: false, RecommendedAction: model.ACTION_TERMINATE_REJECT}},
			check: func(t *testing.T, res Resolution) {
				require.False(t, res.Reject)
				require.Equal(t, model.ACTION_CONTINUE, res.Action)
			},
		},
		"repeated escalation applies once": {
			decisions: []model.AgentDecision{
				{Agent: "a", Success: true, RecommendedAction: model.ACTION_ESCALATE},
				{Agent: "b", Success: true, RecommendedAction: model.ACTION_ESCALATE},
			},
			check: func(t *testing.T, res Resolution) {
				require.Equal(t, 3, res.Plan.RequiredApprovals)
				require.Equal(t, []string{"PM", "FINANCE", "SENIOR_APPROVER"}, res.Plan.ApproverRoles)
			},
		},
		"enhance review marks the added step": {
			decisions: []model.AgentDecision{{Agent: "a", Success: true, RecommendedAction: model.ACTION_ENHANCE_REVIEW}},
			check: func(t *testing.T, res Resolution) {
				require.Equal(t, 3, res.Plan.RequiredApprovals)
				steps := res.Plan.Steps()
				require.Len(t, steps, 3)
				require.True(t, steps[2].ExtraScrutiny)
				require.Equal(t, "FINANCE", steps[2].Role)
			},
		},
		"later enrichment overrides earlier": {
			decisions: []model.AgentDecision{
				{Agent: "a", Success: true, Enrichment: map[string]any{"k": 1}},
				{Agent: "b", Success: true, Enrichment: map[string]any{"k": 2}},
			},
			check: func(t *testing.T, res Resolution) {
				require.Equal(t, 2, res.Enrichment["k"])
			},
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			tc.check(t, Resolve(base, tc.decisions, "SENIOR_APPROVER"))
		})
	}

	// escalation moves the senior role inside the required approvals
	res := Resolve(model.ComputedApprovalPlan{ApprovalRequired: true, RequiredApprovals: 1, Sequential: true, ApproverRoles: []string{"PM", "FINANCE", "LEGAL", "SENIOR_APPROVER"}},
		[]model.AgentDecision{{Agent: "a", Success: true, RecommendedAction: model.ACTION_ESCALATE}}, "SENIOR_APPROVER")
	require.Equal(t, []string{"PM", "SENIOR_APPROVER", "FINANCE", "LEGAL"}, res.Plan.ApproverRoles)
	require.Equal(t, "SENIOR_APPROVER", res.Plan.EscalationRole)
	steps := res.Plan.Steps()
	require.Equal(t, "SENIOR_APPROVER", steps[res.Plan.RequiredApprovals-1].Role)

	pm := &model.ApprovalTask{RequiredRole: "PM", Status: model.TASK_APPROVED}
	finance := &model.ApprovalTask{RequiredRole: "FINANCE", Status: model.TASK_APPROVED}
	senior := &model.ApprovalTask{RequiredRole: "SENIOR_APPROVER", Status: model.TASK_PENDING}
	require.False(t, res.Plan.Satisfied([]*model.ApprovalTask{pm, finance, senior}))
	senior.Status = model.TASK_APPROVED
	require.True(t, res.Plan.Satisfied([]*model.ApprovalTask{pm, senior}))

	// a red flag on a plan that needed no approval makes one required
	res = Resolve(model.ComputedApprovalPlan{}, []model.AgentDecision{{Agent: "a", Success: true, RecommendedAction: model.ACTION_ENHANCE_REVIEW}}, "")
	require.True(t, res.Plan.ApprovalRequired)
	require.Equal(t, 1, res.Plan.RequiredApprovals)
	require.True(t, res.Plan.Steps() == nil)
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict([]byte(`{"redFlag":true,"confidence":1.7,"reasoning":["margin below floor"]}`))
	require.NoError(t, err)
	require.Equal(t, model.ACTION_ENHANCE_REVIEW, v.RecommendedAction)
	require.Equal(t, model.SEVERITY_MEDIUM, v.Severity)
	require.Equal(t, 1.0, clampConfidence(v.Confidence))

	v, err = ParseVerdict([]byte(`{"recommendedAction":"terminate_reject","severity":"critical"}`))
	require.NoError(t, err)
	require.Equal(t, model.ACTION_TERMINATE_REJECT, v.RecommendedAction)
	require.Equal(t, model.SEVERITY_CRITICAL, v.Severity)
	require.True(t, v.RedFlag)

	_, err = ParseVerdict([]byte(`{"recommendedAction":"PANIC"}`))
	require.Error(t, err)
	_, err = ParseVerdict([]byte(`not json`))
	require.Error(t, err)
}
