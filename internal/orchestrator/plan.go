package orchestrator

import (
	"github.com/Kocoro-lab/orchestra/internal/decompose"
	"github.com/Kocoro-lab/orchestra/internal/workflows"
)

// PlanStep is the dry-run view of one workflow step.
type PlanStep struct {
	ID            string   `json:"id"`
	Capability    string   `json:"capability"`
	Agent         string   `json:"agent"`
	Dependencies  []string `json:"dependencies,omitempty"`
	ParallelGroup string   `json:"parallel_group"`
	Condition     string   `json:"condition,omitempty"`
	TimeoutMs     int64    `json:"timeout_ms"`
	MaxRetries    int      `json:"max_retries"`
}

// PlanView is what validate prints: the workflow without executing it.
type PlanView struct {
	Request    string     `json:"request"`
	Pattern    string     `json:"pattern"`
	Ambiguous  bool       `json:"ambiguous"`
	WorkflowID string     `json:"workflow_id"`
	Mode       string     `json:"mode"`
	Steps      []PlanStep `json:"steps"`
	Groups     [][]string `json:"groups"`
}

// DescribePlan flattens a decomposition and its workflow.
func DescribePlan(d *decompose.Decomposition, wf *workflows.Workflow) PlanView {
	view := PlanView{
		Request:    wf.Request,
		WorkflowID: wf.ID,
		Mode:       string(wf.Mode),
		Groups:     wf.Groups(),
		Steps:      make([]PlanStep, 0, len(wf.Steps)),
	}
	if d != nil {
		view.Pattern = d.Pattern
		view.Ambiguous = d.Ambiguous
	}
	for _, s := range wf.Steps {
		view.Steps = append(view.Steps, PlanStep{
			ID:            s.ID(),
			Capability:    string(s.Task.Capability),
			Agent:         s.AgentRef.Name,
			Dependencies:  s.Task.Dependencies,
			ParallelGroup: s.ParallelGroup,
			Condition:     s.Condition,
			TimeoutMs:     s.Timeout.Milliseconds(),
			MaxRetries:    s.MaxRetries,
		})
	}
	return view
}
