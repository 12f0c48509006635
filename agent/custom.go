package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
	"github.com/mohitkumar/approvy/model"
)

// CustomAgent runs the task's javascript body. The script sees the metadata
// as $, the whole input as input and the task params as params. Its last
// expression is the verdict.
type CustomAgent struct{}

var _ Agent = new(CustomAgent)

func NewCustomAgent() *CustomAgent {
	return &CustomAgent{}
}

func (a *CustomAgent) Type() model.AgentType {
	return model.AGENT_TYPE_CUSTOM
}

func (a *CustomAgent) Execute(ctx context.Context, task model.AgentTask, in Input) (*Verdict, error) {
	cfg, ok := task.Config.(*model.CustomAgentConfig)
	if !ok || cfg.Script == "" {
		return nil, fmt.Errorf("agent %s has no script", task.Name)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return nil, err
	}
	vm := goja.New()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()
	expression := fmt.Sprintf("var input = %s;\nvar $ = %s;\nvar params = %s;\n", data, metadata, params)
	val, err := vm.RunString(expression + cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("error executing javascript %w", err)
	}
	res, err := json.Marshal(val.Export())
	if err != nil {
		return nil, err
	}
	return ParseVerdict(res)
}
