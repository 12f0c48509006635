package model

import "time"

type Operator string

const OP_EQ Operator = "EQ"
const OP_NEQ Operator = "NEQ"
const OP_GT Operator = "GT"
const OP_GTE Operator = "GTE"
const OP_LT Operator = "LT"
const OP_LTE Operator = "LTE"
const OP_IN Operator = "IN"
const OP_NOT_IN Operator = "NOT_IN"
const OP_BETWEEN Operator = "BETWEEN"
const OP_EXISTS Operator = "EXISTS"
const OP_MATCHES Operator = "MATCHES"
const OP_EXPR Operator = "EXPR"

// WorkflowTemplate is immutable once published. A new version supersedes it.
type WorkflowTemplate struct {
	Id             string           `json:"id" yaml:"id"`
	Version        int              `json:"version" yaml:"version"`
	EntityType     string           `json:"entityType" yaml:"entityType"`
	Name           string           `json:"name" yaml:"name"`
	DecisionTables []DecisionTable  `json:"decisionTables" yaml:"decisionTables"`
	Defaults       ApprovalDefaults `json:"defaults" yaml:"defaults"`
	AgentConfig    *AgentConfig     `json:"agentConfig,omitempty" yaml:"agentConfig,omitempty"`
	OutcomeTopic   string           `json:"outcomeTopic,omitempty" yaml:"outcomeTopic,omitempty"`
	PublishedAt    time.Time        `json:"publishedAt" yaml:"publishedAt,omitempty"`
}

type ApprovalDefaults struct {
	ApprovalRequired  bool     `json:"approvalRequired" yaml:"approvalRequired"`
	RequiredApprovals int      `json:"requiredApprovals" yaml:"requiredApprovals"`
	ApproverRoles     []string `json:"approverRoles" yaml:"approverRoles"`
	Sequential        bool     `json:"sequential" yaml:"sequential"`
	SLAHours          int      `json:"slaHours" yaml:"slaHours"`
}

type DecisionTable struct {
	Name   string         `json:"name" yaml:"name"`
	Inputs []TableInput   `json:"inputs" yaml:"inputs"`
	Rules  []DecisionRule `json:"rules" yaml:"rules"`
}

// TableInput binds a name used by conditions to a jsonpath into the metadata.
type TableInput struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

type DecisionRule struct {
	Id         string      `json:"id" yaml:"id"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Output     RuleOutput  `json:"output" yaml:"output"`
}

type Condition struct {
	Input    string   `json:"input" yaml:"input"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
}

// RuleOutput fields left nil are not set by the row.
type RuleOutput struct {
	ApprovalRequired  *bool    `json:"approvalRequired,omitempty" yaml:"approvalRequired,omitempty"`
	RequiredApprovals *int     `json:"requiredApprovals,omitempty" yaml:"requiredApprovals,omitempty"`
	ApproverRoles     []string `json:"approverRoles,omitempty" yaml:"approverRoles,omitempty"`
	Sequential        *bool    `json:"sequential,omitempty" yaml:"sequential,omitempty"`
	SLAHours          *int     `json:"slaHours,omitempty" yaml:"slaHours,omitempty"`
	AgentTasks        []string `json:"agentTasks,omitempty" yaml:"agentTasks,omitempty"`
}
