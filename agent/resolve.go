package agent

import (
	"fmt"
	"strings"

	"github.com/mohitkumar/approvy/model"
)

// Resolution is the plan after red flags were applied.
type Resolution struct {
	Plan       model.ComputedApprovalPlan
	Action     model.RecommendedAction
	Reject     bool
	Reason     string
	Enrichment map[string]any
}

// Resolve applies the red flags of successful decisions to the plan. Each
// action applies at most once, in the order TERMINATE_REJECT, ESCALATE,
// ENHANCE_REVIEW, so the result does not depend on the order decisions
// completed in. Enrichment is merged in declaration order.
func Resolve(plan model.ComputedApprovalPlan, decisions []model.AgentDecision, escalationRole string) Resolution {
	res := Resolution{
		Plan:       plan.Clone(),
		Action:     model.ACTION_CONTINUE,
		Enrichment: map[string]any{},
	}
	raised := map[model.RecommendedAction][]string{}
	for _, d := range decisions {
		if !d.Success {
			continue
		}
		for k, v := range d.Enrichment {
			res.Enrichment[k] = v
		}
		if d.RecommendedAction.Precedence() > res.Action.Precedence() {
			res.Action = d.RecommendedAction
		}
		if d.RecommendedAction != model.ACTION_CONTINUE {
			raised[d.RecommendedAction] = append(raised[d.RecommendedAction], d.Agent)
		}
	}

	if agents, ok := raised[model.ACTION_TERMINATE_REJECT]; ok {
		res.Reject = true
		res.Reason = rejectionReason(agents, decisions)
		return res
	}
	if _, ok := raised[model.ACTION_ESCALATE]; ok {
		bump(&res.Plan)
		if escalationRole != "" {
			res.Plan.ApproverRoles = placeRole(res.Plan.ApproverRoles, escalationRole, res.Plan.RequiredApprovals-1)
			res.Plan.EscalationRole = escalationRole
		}
		res.Plan.Escalated = true
	}
	if _, ok := raised[model.ACTION_ENHANCE_REVIEW]; ok {
		bump(&res.Plan)
		res.Plan.ExtraScrutiny = true
	}
	return res
}

// bump adds one required approval. A plan that needed none now needs one.
func bump(p *model.ComputedApprovalPlan) {
	if !p.ApprovalRequired {
		p.ApprovalRequired = true
		p.RequiredApprovals = 0
	}
	p.RequiredApprovals++
}

// placeRole moves role to position at, or to the end when fewer roles come
// before it, so a sequential plan reaches the role within its required
// approvals.
func placeRole(roles []string, role string, at int) []string {
	out := make([]string, 0, len(roles)+1)
	for _, r := range roles {
		if r != role {
			out = append(out, r)
		}
	}
	at = max(0, min(at, len(out)))
	out = append(out[:at], append([]string{role}, out[at:]...)...)
	return out
}

func rejectionReason(agents []string, decisions []model.AgentDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "rejected by agent %s", strings.Join(agents, ", "))
	for _, d := range decisions {
		if d.Agent == agents[0] && len(d.Reasoning) > 0 {
			fmt.Fprintf(&b, ": %s", d.Reasoning[len(d.Reasoning)-1])
			break
		}
	}
	return b.String()
}
