package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type AgentType string

const AGENT_TYPE_MCP AgentType = "MCP"
const AGENT_TYPE_GRAPH_RAG AgentType = "GRAPH_RAG"
const AGENT_TYPE_CUSTOM AgentType = "CUSTOM"

type OrchestrationStrategy string

const STRATEGY_PARALLEL OrchestrationStrategy = "PARALLEL"
const STRATEGY_SEQUENTIAL OrchestrationStrategy = "SEQUENTIAL"
const STRATEGY_CONDITIONAL OrchestrationStrategy = "CONDITIONAL"
const STRATEGY_PRIORITY_BASED OrchestrationStrategy = "PRIORITY_BASED"

type RecommendedAction string

const ACTION_CONTINUE RecommendedAction = "CONTINUE"
const ACTION_ENHANCE_REVIEW RecommendedAction = "ENHANCE_REVIEW"
const ACTION_ESCALATE RecommendedAction = "ESCALATE"
const ACTION_TERMINATE_REJECT RecommendedAction = "TERMINATE_REJECT"

// Precedence orders red flag actions, higher wins.
func (a RecommendedAction) Precedence() int {
	switch a {
	case ACTION_TERMINATE_REJECT:
		return 3
	case ACTION_ESCALATE:
		return 2
	case ACTION_ENHANCE_REVIEW:
		return 1
	default:
		return 0
	}
}

type Severity string

const SEVERITY_NONE Severity = "NONE"
const SEVERITY_LOW Severity = "LOW"
const SEVERITY_MEDIUM Severity = "MEDIUM"
const SEVERITY_HIGH Severity = "HIGH"
const SEVERITY_CRITICAL Severity = "CRITICAL"

type AgentConfig struct {
	Tasks               []AgentTask           `json:"tasks" yaml:"tasks"`
	Strategy            OrchestrationStrategy `json:"strategy" yaml:"strategy"`
	Timeout             Duration              `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	FailOnAgentError    bool                  `json:"failOnAgentError,omitempty" yaml:"failOnAgentError,omitempty"`
	MaxConcurrentAgents int                   `json:"maxConcurrentAgents,omitempty" yaml:"maxConcurrentAgents,omitempty"`
	EscalationRole      string                `json:"escalationRole,omitempty" yaml:"escalationRole,omitempty"`
}

type AgentTask struct {
	Name     string    `json:"name" yaml:"name"`
	Type     AgentType `json:"type" yaml:"type"`
	Priority int       `json:"priority,omitempty" yaml:"priority,omitempty"`
	Timeout  Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries  int       `json:"retries,omitempty" yaml:"retries,omitempty"`
	// Condition gates the task under the CONDITIONAL strategy.
	Condition string        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Config    AgentSettings `json:"-" yaml:"-"`
}

// AgentSettings is the per type agent configuration, one of
// *MCPAgentConfig, *GraphRAGAgentConfig or *CustomAgentConfig.
type AgentSettings interface {
	AgentType() AgentType
}

type MCPAgentConfig struct {
	ServerURL string            `json:"serverUrl" yaml:"serverUrl"`
	Tool      string            `json:"tool" yaml:"tool"`
	Arguments map[string]any    `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

func (*MCPAgentConfig) AgentType() AgentType { return AGENT_TYPE_MCP }

type GraphRAGAgentConfig struct {
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	Query      string            `json:"query" yaml:"query"`
	Collection string            `json:"collection,omitempty" yaml:"collection,omitempty"`
	TopK       int               `json:"topK,omitempty" yaml:"topK,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

func (*GraphRAGAgentConfig) AgentType() AgentType { return AGENT_TYPE_GRAPH_RAG }

type CustomAgentConfig struct {
	Script string         `json:"script" yaml:"script"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

func (*CustomAgentConfig) AgentType() AgentType { return AGENT_TYPE_CUSTOM }

func NewAgentSettings(t AgentType) (AgentSettings, error) {
	switch t {
	case AGENT_TYPE_MCP:
		return &MCPAgentConfig{}, nil
	case AGENT_TYPE_GRAPH_RAG:
		return &GraphRAGAgentConfig{}, nil
	case AGENT_TYPE_CUSTOM:
		return &CustomAgentConfig{}, nil
	}
	return nil, fmt.Errorf("unknown agent type %q", t)
}

func (t AgentTask) MarshalJSON() ([]byte, error) {
	type plain AgentTask
	return json.Marshal(struct {
		plain
		Config AgentSettings `json:"config,omitempty"`
	}{plain(t), t.Config})
}

func (t *AgentTask) UnmarshalJSON(data []byte) error {
	type plain AgentTask
	aux := struct {
		*plain
		Config json.RawMessage `json:"config,omitempty"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	settings, err := NewAgentSettings(t.Type)
	if err != nil {
		return err
	}
	if len(aux.Config) > 0 && string(aux.Config) != "null" {
		if err := json.Unmarshal(aux.Config, settings); err != nil {
			return fmt.Errorf("agent %s: %w", t.Name, err)
		}
	}
	t.Config = settings
	return nil
}

func (t AgentTask) MarshalYAML() (any, error) {
	type plain AgentTask
	return struct {
		plain  `yaml:",inline"`
		Config AgentSettings `yaml:"config,omitempty"`
	}{plain(t), t.Config}, nil
}

func (t *AgentTask) UnmarshalYAML(value *yaml.Node) error {
	type plain AgentTask
	var aux struct {
		plain  `yaml:",inline"`
		Config yaml.Node `yaml:"config"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*t = AgentTask(aux.plain)
	settings, err := NewAgentSettings(t.Type)
	if err != nil {
		return err
	}
	if aux.Config.Kind != 0 {
		if err := aux.Config.Decode(settings); err != nil {
			return fmt.Errorf("agent %s: %w", t.Name, err)
		}
	}
	t.Config = settings
	return nil
}

// AgentDecision is written once per agent per workflow and never changed.
type AgentDecision struct {
	Agent             string            `json:"agent"`
	AgentType         AgentType         `json:"agentType"`
	RedFlag           bool              `json:"redFlag"`
	Severity          Severity          `json:"severity"`
	RecommendedAction RecommendedAction `json:"recommendedAction"`
	Enrichment        map[string]any    `json:"enrichment,omitempty"`
	Reasoning         []string          `json:"reasoning,omitempty"`
	Confidence        float64           `json:"confidence"`
	Success           bool              `json:"success"`
	Error             string            `json:"error,omitempty"`
	Attempts          int               `json:"attempts"`
	StartedAt         time.Time         `json:"startedAt"`
	Duration          Duration          `json:"duration"`
}
