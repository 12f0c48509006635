package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dop251/goja"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/config"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errTaskTimeout = errors.New("agent timed out")

type Orchestrator struct {
	agents map[model.AgentType]Agent
	conf   config.AgentConfig
	clock  func() time.Time
	tracer trace.Tracer
}

func NewOrchestrator(conf config.AgentConfig, agents ...Agent) *Orchestrator {
	o := &Orchestrator{
		agents: make(map[model.AgentType]Agent, len(agents)),
		conf:   conf,
		clock:  time.Now,
		tracer: otel.Tracer("github.com/mohitkumar/approvy/agent"),
	}
	for _, a := range agents {
		o.Register(a)
	}
	return o
}

func (o *Orchestrator) Register(a Agent) {
	o.agents[a.Type()] = a
}

// Select narrows the configuration to the named tasks. No names means every
// configured task.
func Select(cfg *model.AgentConfig, names []string) *model.AgentConfig {
	if cfg == nil || len(names) == 0 {
		return cfg
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	selected := *cfg
	selected.Tasks = nil
	for _, t := range cfg.Tasks {
		if wanted[t.Name] {
			selected.Tasks = append(selected.Tasks, t)
		}
	}
	return &selected
}

// Run executes the configured tasks under the configured strategy and returns
// one decision per executed task in declaration order. A task that fails or
// times out yields an unsuccessful decision; with failOnAgentError the run
// stops at the first such decision and returns AgentExecutionError along with
// the decisions made so far.
func (o *Orchestrator) Run(ctx context.Context, cfg *model.AgentConfig, in Input) ([]model.AgentDecision, error) {
	if cfg == nil || len(cfg.Tasks) == 0 {
		return nil, nil
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = o.conf.DefaultTimeout
	}
	ctx, span := o.tracer.Start(ctx, "agents.run", trace.WithAttributes(
		attribute.String("workflow.id", in.WorkflowId),
		attribute.String("agents.strategy", string(cfg.Strategy)),
		attribute.Int("agents.count", len(cfg.Tasks)),
	))
	defer span.End()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var results []*model.AgentDecision
	var err error
	switch cfg.Strategy {
	case model.STRATEGY_PARALLEL, "":
		results, err = o.runParallel(ctx, cfg, in)
	case model.STRATEGY_SEQUENTIAL:
		results, err = o.runOrdered(ctx, cfg, declarationOrder(cfg), false, in)
	case model.STRATEGY_CONDITIONAL:
		results, err = o.runOrdered(ctx, cfg, declarationOrder(cfg), true, in)
	case model.STRATEGY_PRIORITY_BASED:
		results, err = o.runOrdered(ctx, cfg, priorityOrder(cfg), false, in)
	default:
		err = api.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown orchestration strategy %q", cfg.Strategy)}
	}
	decisions := make([]model.AgentDecision, 0, len(results))
	for _, d := range results {
		if d != nil {
			decisions = append(decisions, *d)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("agent orchestration failed", zap.String("workflow", in.WorkflowId), zap.Error(err))
	}
	return decisions, err
}

func declarationOrder(cfg *model.AgentConfig) []int {
	order := make([]int, len(cfg.Tasks))
	for i := range order {
		order[i] = i
	}
	return order
}

// priorityOrder sorts by descending priority; ties keep declaration order.
func priorityOrder(cfg *model.AgentConfig) []int {
	order := declarationOrder(cfg)
	sort.SliceStable(order, func(a, b int) bool {
		return cfg.Tasks[order[a]].Priority > cfg.Tasks[order[b]].Priority
	})
	return order
}

func (o *Orchestrator) runParallel(ctx context.Context, cfg *model.AgentConfig, in Input) ([]*model.AgentDecision, error) {
	limit := cfg.MaxConcurrentAgents
	if limit <= 0 {
		limit = o.conf.MaxConcurrentAgents
	}
	results := make([]*model.AgentDecision, len(cfg.Tasks))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, task := range cfg.Tasks {
		g.Go(func() error {
			d := o.execute(gctx, task, in)
			results[i] = &d
			if !d.Success && cfg.FailOnAgentError {
				return api.AgentExecutionError{Agent: task.Name, Reason: d.Error}
			}
			return nil
		})
	}
	return results, g.Wait()
}

// runOrdered runs tasks one after another. Successful enrichment is visible
// to later tasks and a TERMINATE_REJECT ends the run.
func (o *Orchestrator) runOrdered(ctx context.Context, cfg *model.AgentConfig, order []int, gated bool, in Input) ([]*model.AgentDecision, error) {
	results := make([]*model.AgentDecision, len(cfg.Tasks))
	metadata := make(map[string]any, len(in.Metadata))
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	prior := make(map[string]model.AgentDecision)
	for _, i := range order {
		task := cfg.Tasks[i]
		if gated && task.Condition != "" {
			ok, err := evalCondition(task.Condition, metadata, prior)
			if err != nil {
				d := o.failed(task, o.clock(), 0, err)
				results[i] = &d
				if cfg.FailOnAgentError {
					return results, api.AgentExecutionError{Agent: task.Name, Reason: d.Error}
				}
				continue
			}
			if !ok {
				logger.Debug("agent skipped by condition", zap.String("agent", task.Name), zap.String("workflow", in.WorkflowId))
				continue
			}
		}
		step := in
		step.Metadata = metadata
		d := o.execute(ctx, task, step)
		results[i] = &d
		prior[task.Name] = d
		if !d.Success {
			if cfg.FailOnAgentError {
				return results, api.AgentExecutionError{Agent: task.Name, Reason: d.Error}
			}
			continue
		}
		for k, v := range d.Enrichment {
			metadata[k] = v
		}
		if d.RecommendedAction == model.ACTION_TERMINATE_REJECT {
			break
		}
	}
	return results, nil
}

// evalCondition runs a javascript predicate with the metadata as $ and the
// decisions made so far, keyed by agent name, as decisions.
func evalCondition(condition string, metadata map[string]any, prior map[string]model.AgentDecision) (bool, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return false, err
	}
	decisions, err := json.Marshal(prior)
	if err != nil {
		return false, err
	}
	vm := goja.New()
	script := fmt.Sprintf("var $ = %s;\nvar decisions = %s;\n(%s)", meta, decisions, condition)
	val, err := vm.RunString(script)
	if err != nil {
		return false, fmt.Errorf("error evaluating condition %w", err)
	}
	return val.ToBoolean(), nil
}

func (o *Orchestrator) execute(ctx context.Context, task model.AgentTask, in Input) model.AgentDecision {
	start := o.clock()
	ctx, span := o.tracer.Start(ctx, "agents.task", trace.WithAttributes(
		attribute.String("agent.name", task.Name),
		attribute.String("agent.type", string(task.Type)),
	))
	defer span.End()

	agent, ok := o.agents[task.Type]
	if !ok {
		return o.failed(task, start, 0, fmt.Errorf("no agent registered for type %s", task.Type))
	}
	timeout := task.Timeout.Std()
	if timeout <= 0 {
		timeout = o.conf.DefaultTaskTimeout
	}

	attempts := 0
	var verdict *Verdict
	op := func() error {
		attempts++
		v, err := o.attempt(ctx, agent, task, in, timeout)
		if err != nil {
			logger.Warn("agent attempt failed", zap.String("agent", task.Name), zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		verdict = v
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(o.conf.RetryDelay), uint64(max(task.Retries, 0))), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.failed(task, start, attempts, err)
	}
	span.SetAttributes(attribute.String("agent.action", string(verdict.RecommendedAction)))
	return model.AgentDecision{
		Agent:             task.Name,
		AgentType:         task.Type,
		RedFlag:           verdict.RedFlag,
		Severity:          verdict.Severity,
		RecommendedAction: verdict.RecommendedAction,
		Enrichment:        verdict.Enrichment,
		Reasoning:         verdict.Reasoning,
		Confidence:        clampConfidence(verdict.Confidence),
		Success:           true,
		Attempts:          attempts,
		StartedAt:         start.UTC(),
		Duration:          model.Duration(o.clock().Sub(start)),
	}
}

// attempt bounds one call by the task timeout even when the agent ignores
// its context.
func (o *Orchestrator) attempt(ctx context.Context, agent Agent, task model.AgentTask, in Input, timeout time.Duration) (*Verdict, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		verdict *Verdict
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := agent.Execute(actx, task, in)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.verdict == nil {
			return nil, fmt.Errorf("agent returned no verdict")
		}
		if err := r.verdict.normalize(); err != nil {
			return nil, err
		}
		return r.verdict, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, errTaskTimeout
	}
}

func (o *Orchestrator) failed(task model.AgentTask, start time.Time, attempts int, err error) model.AgentDecision {
	return model.AgentDecision{
		Agent:             task.Name,
		AgentType:         task.Type,
		Severity:          model.SEVERITY_NONE,
		RecommendedAction: model.ACTION_CONTINUE,
		Success:           false,
		Error:             err.Error(),
		Attempts:          attempts,
		StartedAt:         start.UTC(),
		Duration:          model.Duration(o.clock().Sub(start)),
	}
}
