package model

type ComputedApprovalPlan struct {
	ApprovalRequired  bool     `json:"approvalRequired"`
	RequiredApprovals int      `json:"requiredApprovals"`
	ApproverRoles     []string `json:"approverRoles"`
	Sequential        bool     `json:"sequential"`
	SLAHours          int      `json:"slaHours"`
	AgentTasks        []string `json:"agentTasks,omitempty"`
	// ExtraScrutiny marks the step added by an ENHANCE_REVIEW red flag.
	ExtraScrutiny bool `json:"extraScrutiny,omitempty"`
	Escalated     bool `json:"escalated,omitempty"`
	// EscalationRole must approve before an escalated plan can be approved.
	EscalationRole string `json:"escalationRole,omitempty"`
}

// Step is one approval slot of a plan.
type Step struct {
	Index         int
	Role          string
	ExtraScrutiny bool
}

// Steps lays the plan out as approval slots: one per role, or one per required
// approval when more approvals than roles are required. Sequential plans
// reuse the last role for surplus slots, parallel plans cycle through roles.
func (p ComputedApprovalPlan) Steps() []Step {
	if !p.ApprovalRequired || p.RequiredApprovals < 1 || len(p.ApproverRoles) == 0 {
		return nil
	}
	n := max(p.RequiredApprovals, len(p.ApproverRoles))
	steps := make([]Step, 0, n)
	for i := 0; i < n; i++ {
		var role string
		if p.Sequential {
			role = p.ApproverRoles[min(i, len(p.ApproverRoles)-1)]
		} else {
			role = p.ApproverRoles[i%len(p.ApproverRoles)]
		}
		steps = append(steps, Step{
			Index:         i,
			Role:          role,
			ExtraScrutiny: p.ExtraScrutiny && i == p.RequiredApprovals-1,
		})
	}
	return steps
}

// Satisfied reports whether the approved tasks complete the plan: enough
// approvals, one of them by the escalation role when the plan was escalated.
func (p ComputedApprovalPlan) Satisfied(tasks []*ApprovalTask) bool {
	approved, senior := 0, p.EscalationRole == ""
	for _, t := range tasks {
		if t.Status != TASK_APPROVED {
			continue
		}
		approved++
		if t.RequiredRole == p.EscalationRole {
			senior = true
		}
	}
	return senior && approved >= p.RequiredApprovals
}

func (p ComputedApprovalPlan) Clone() ComputedApprovalPlan {
	c := p
	c.ApproverRoles = append([]string(nil), p.ApproverRoles...)
	c.AgentTasks = append([]string(nil), p.AgentTasks...)
	return c
}
