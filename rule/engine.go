package rule

import (
	"fmt"
	"strconv"

	"github.com/dop251/goja"
	api "github.com/mohitkumar/approvy/api/v1"
	"github.com/mohitkumar/approvy/cache"
	"github.com/mohitkumar/approvy/logger"
	"github.com/mohitkumar/approvy/model"
	"github.com/mohitkumar/approvy/util"
	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"
)

const DEFAULT_ROLE = "APPROVER"
const DEFAULT_SLA_HOURS = 72

type compiledRow struct {
	id         string
	conditions []*compiledCondition
	output     model.RuleOutput
}

type compiledTable struct {
	name string
	rows []*compiledRow
}

type compiledTemplate struct {
	tmpl   model.WorkflowTemplate
	tables []*compiledTable
}

// TableMatch records which row of a table won, if any.
type TableMatch struct {
	Table       string `json:"table"`
	Rule        string `json:"rule,omitempty"`
	Specificity int    `json:"specificity"`
}

type Result struct {
	Plan    model.ComputedApprovalPlan `json:"plan"`
	Matches []TableMatch               `json:"matches"`
}

// Engine evaluates decision tables. Compiled published templates are cached
// per id and version since a published version never changes.
type Engine struct {
	compiled *cache.Cache[*compiledTemplate]
}

func NewEngine() *Engine {
	return &Engine{
		compiled: cache.New[*compiledTemplate](0),
	}
}

// Evaluate computes the approval plan of a published template. It is a pure
// function of its inputs.
func (e *Engine) Evaluate(tmpl *model.WorkflowTemplate, metadata map[string]any) (*model.ComputedApprovalPlan, error) {
	ct, err := e.load(tmpl)
	if err == nil {
		var res *Result
		if res, err = run(ct, metadata); err == nil {
			return &res.Plan, nil
		}
	}
	logger.Error("rule evaluation failed", zap.String("template", tmpl.Id), zap.Error(err))
	return nil, err
}

// Test previews the plan together with the winning row of each table. It
// accepts unpublished drafts, so it compiles every time and never caches.
func (e *Engine) Test(tmpl *model.WorkflowTemplate, metadata map[string]any) (*Result, error) {
	ct, err := compile(tmpl)
	if err != nil {
		return nil, err
	}
	return run(ct, metadata)
}

func (e *Engine) Validate(tmpl *model.WorkflowTemplate) error {
	_, err := compile(tmpl)
	return err
}

func (e *Engine) load(tmpl *model.WorkflowTemplate) (*compiledTemplate, error) {
	if tmpl.Version <= 0 {
		return compile(tmpl)
	}
	key := tmpl.Id + ":" + strconv.Itoa(tmpl.Version)
	return e.compiled.GetOrLoad(key, func() (*compiledTemplate, error) {
		return compile(tmpl)
	})
}

func run(ct *compiledTemplate, metadata map[string]any) (*Result, error) {
	tmpl := &ct.tmpl
	if metadata == nil {
		metadata = map[string]any{}
	}
	acc := &accumulator{}
	matches := make([]TableMatch, 0, len(ct.tables))
	for _, table := range ct.tables {
		best, err := table.pick(metadata)
		if err != nil {
			return nil, api.RuleEvaluationError{TemplateId: tmpl.Id, Table: table.name, Rule: err.rule, Reason: err.Error()}
		}
		match := TableMatch{Table: table.name}
		if best != nil {
			match.Rule = best.id
			match.Specificity = len(best.conditions)
			acc.add(best.output)
		}
		matches = append(matches, match)
	}
	return &Result{
		Plan:    acc.plan(ct.tmpl.Defaults),
		Matches: matches,
	}, nil
}

type rowError struct {
	rule string
	err  error
}

func (r *rowError) Error() string {
	return r.err.Error()
}

// pick returns the matching row with the most conditions. Among equally
// specific rows the first declared wins.
func (t *compiledTable) pick(metadata map[string]any) (*compiledRow, *rowError) {
	var best *compiledRow
	for _, row := range t.rows {
		matched := true
		for _, cond := range row.conditions {
			ok, err := cond.match(metadata)
			if err != nil {
				return nil, &rowError{rule: row.id, err: err}
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched && (best == nil || len(row.conditions) > len(best.conditions)) {
			best = row
		}
	}
	return best, nil
}

func compile(tmpl *model.WorkflowTemplate) (*compiledTemplate, error) {
	fail := func(table, rule, reason string) error {
		return api.RuleEvaluationError{TemplateId: tmpl.Id, Table: table, Rule: rule, Reason: reason}
	}
	if tmpl.Id == "" {
		return nil, fail("", "", "template id is empty")
	}
	if tmpl.EntityType == "" {
		return nil, fail("", "", "entity type is empty")
	}
	if tmpl.Defaults.RequiredApprovals < 0 || tmpl.Defaults.SLAHours < 0 {
		return nil, fail("", "", "defaults must not be negative")
	}
	agentNames := map[string]bool{}
	if tmpl.AgentConfig != nil {
		if err := validateAgentConfig(tmpl.AgentConfig, agentNames); err != nil {
			return nil, fail("", "", err.Error())
		}
	}

	ct := &compiledTemplate{tmpl: *tmpl}
	tableNames := map[string]bool{}
	for ti, table := range tmpl.DecisionTables {
		name := table.Name
		if name == "" {
			name = fmt.Sprintf("table-%d", ti)
		}
		if tableNames[name] {
			return nil, fail(name, "", "duplicate table name")
		}
		tableNames[name] = true

		inputs := make(map[string]*jsonpath.Compiled, len(table.Inputs))
		for _, in := range table.Inputs {
			if in.Name == "" {
				return nil, fail(name, "", "input without a name")
			}
			if _, dup := inputs[in.Name]; dup {
				return nil, fail(name, "", fmt.Sprintf("duplicate input %q", in.Name))
			}
			path := in.Path
			if path == "" {
				path = in.Name
			}
			compiled, err := jsonpath.Compile(normalizePath(path))
			if err != nil {
				return nil, fail(name, "", fmt.Sprintf("unparseable path %q: %v", path, err))
			}
			inputs[in.Name] = compiled
		}

		ctable := &compiledTable{name: name}
		rowIds := map[string]bool{}
		for ri, row := range table.Rules {
			id := row.Id
			if id == "" {
				id = fmt.Sprintf("row-%d", ri)
			}
			if rowIds[id] {
				return nil, fail(name, id, "duplicate rule id")
			}
			rowIds[id] = true
			crow := &compiledRow{id: id, output: row.Output}
			for _, cond := range row.Conditions {
				cc, err := compileCondition(cond, inputs)
				if err != nil {
					return nil, fail(name, id, err.Error())
				}
				crow.conditions = append(crow.conditions, cc)
			}
			if err := validateOutput(row.Output, agentNames); err != nil {
				return nil, fail(name, id, err.Error())
			}
			ctable.rows = append(ctable.rows, crow)
		}
		ct.tables = append(ct.tables, ctable)
	}
	return ct, nil
}

func validateOutput(out model.RuleOutput, agentNames map[string]bool) error {
	if out.RequiredApprovals != nil && *out.RequiredApprovals < 0 {
		return fmt.Errorf("requiredApprovals must not be negative")
	}
	if out.SLAHours != nil && *out.SLAHours < 0 {
		return fmt.Errorf("slaHours must not be negative")
	}
	for _, name := range out.AgentTasks {
		if !agentNames[name] {
			return fmt.Errorf("output references unknown agent task %q", name)
		}
	}
	return nil
}

func validateAgentConfig(cfg *model.AgentConfig, names map[string]bool) error {
	switch cfg.Strategy {
	case model.STRATEGY_PARALLEL, model.STRATEGY_SEQUENTIAL, model.STRATEGY_CONDITIONAL, model.STRATEGY_PRIORITY_BASED, "":
	default:
		return fmt.Errorf("unknown orchestration strategy %q", cfg.Strategy)
	}
	for _, task := range cfg.Tasks {
		if task.Name == "" {
			return fmt.Errorf("agent task without a name")
		}
		if names[task.Name] {
			return fmt.Errorf("duplicate agent task %q", task.Name)
		}
		names[task.Name] = true
		if task.Config == nil || task.Config.AgentType() != task.Type {
			return fmt.Errorf("agent task %q has no %s configuration", task.Name, task.Type)
		}
		if task.Condition != "" {
			if _, err := goja.Compile(task.Name, "("+task.Condition+")", true); err != nil {
				return fmt.Errorf("unparseable condition of agent task %q: %v", task.Name, err)
			}
		}
	}
	return nil
}

// accumulator merges the winning rows of all tables, keeping the most
// stringent value of every field.
type accumulator struct {
	required   *bool
	approvals  *int
	roles      []string
	sequential *bool
	sla        *int
	agents     []string
}

func (a *accumulator) add(out model.RuleOutput) {
	if out.ApprovalRequired != nil {
		v := *out.ApprovalRequired || (a.required != nil && *a.required)
		a.required = &v
	}
	if out.RequiredApprovals != nil {
		v := *out.RequiredApprovals
		if a.approvals != nil {
			v = max(v, *a.approvals)
		}
		a.approvals = &v
	}
	a.roles = util.AppendUnique(a.roles, out.ApproverRoles...)
	if out.Sequential != nil {
		v := *out.Sequential || (a.sequential != nil && *a.sequential)
		a.sequential = &v
	}
	if out.SLAHours != nil && *out.SLAHours > 0 {
		v := *out.SLAHours
		if a.sla != nil {
			v = min(v, *a.sla)
		}
		a.sla = &v
	}
	a.agents = util.AppendUnique(a.agents, out.AgentTasks...)
}

func (a *accumulator) plan(defaults model.ApprovalDefaults) model.ComputedApprovalPlan {
	p := model.ComputedApprovalPlan{
		ApprovalRequired:  defaults.ApprovalRequired,
		RequiredApprovals: defaults.RequiredApprovals,
		ApproverRoles:     append([]string(nil), defaults.ApproverRoles...),
		Sequential:        defaults.Sequential,
		SLAHours:          defaults.SLAHours,
		AgentTasks:        a.agents,
	}
	if a.approvals != nil {
		p.RequiredApprovals = *a.approvals
		if a.required == nil {
			p.ApprovalRequired = *a.approvals > 0
		}
	}
	if a.required != nil {
		p.ApprovalRequired = *a.required
	}
	if len(a.roles) > 0 {
		p.ApproverRoles = a.roles
	}
	if a.sequential != nil {
		p.Sequential = *a.sequential
	}
	if a.sla != nil {
		p.SLAHours = *a.sla
	}
	return Normalize(p)
}

// Normalize enforces plan consistency: a plan that needs approval has at
// least one approval, one role and a positive SLA.
func Normalize(p model.ComputedApprovalPlan) model.ComputedApprovalPlan {
	if !p.ApprovalRequired {
		p.RequiredApprovals = 0
		return p
	}
	if p.RequiredApprovals < 1 {
		p.RequiredApprovals = 1
	}
	if len(p.ApproverRoles) == 0 {
		p.ApproverRoles = []string{DEFAULT_ROLE}
	}
	if p.SLAHours <= 0 {
		p.SLAHours = DEFAULT_SLA_HOURS
	}
	return p
}
