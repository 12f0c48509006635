package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohitkumar/approvy/model"
)

// Input is what every agent sees of the workflow it is screening.
type Input struct {
	WorkflowId string         `json:"workflowId"`
	EntityType string         `json:"entityType"`
	EntityId   string         `json:"entityId"`
	TenantId   string         `json:"tenantId"`
	EntityData map[string]any `json:"entityData,omitempty"`
	Metadata   map[string]any `json:"metadata"`
}

// Verdict is the raw answer of an agent before the orchestrator records it
// as a decision.
type Verdict struct {
	RedFlag           bool                    `json:"redFlag"`
	Severity          model.Severity          `json:"severity"`
	RecommendedAction model.RecommendedAction `json:"recommendedAction"`
	Enrichment        map[string]any          `json:"enrichment"`
	Reasoning         []string                `json:"reasoning"`
	Confidence        *float64                `json:"confidence"`
}

type Agent interface {
	Type() model.AgentType
	Execute(ctx context.Context, task model.AgentTask, in Input) (*Verdict, error)
}

// ParseVerdict decodes an agent response. A red flag without an action is
// read as ENHANCE_REVIEW.
func ParseVerdict(data []byte) (*Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid agent response: %w", err)
	}
	if err := v.normalize(); err != nil {
		return nil, err
	}
	return &v, nil
}

func (v *Verdict) normalize() error {
	v.RecommendedAction = model.RecommendedAction(strings.ToUpper(string(v.RecommendedAction)))
	switch v.RecommendedAction {
	case "":
		if v.RedFlag {
			v.RecommendedAction = model.ACTION_ENHANCE_REVIEW
		} else {
			v.RecommendedAction = model.ACTION_CONTINUE
		}
	case model.ACTION_CONTINUE, model.ACTION_ENHANCE_REVIEW, model.ACTION_ESCALATE, model.ACTION_TERMINATE_REJECT:
	default:
		return fmt.Errorf("unknown recommended action %q", v.RecommendedAction)
	}
	if v.RecommendedAction != model.ACTION_CONTINUE {
		v.RedFlag = true
	}
	v.Severity = model.Severity(strings.ToUpper(string(v.Severity)))
	if v.Severity == "" {
		v.Severity = model.SEVERITY_NONE
		if v.RedFlag {
			v.Severity = model.SEVERITY_MEDIUM
		}
	}
	return nil
}

func clampConfidence(c *float64) float64 {
	if c == nil {
		return 1
	}
	return min(max(*c, 0), 1)
}
