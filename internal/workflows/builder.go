package workflows

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/agents"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/taskgraph"
)

// Running-context keys shared with the engine.
const (
	KeyDescription    = "description"
	KeyPreviousResult = "previous_result"
	KeyResults        = "results"
)

// Builder turns a task graph into a workflow.
type Builder struct {
	selector *agents.Selector
	policy   ErrorPolicy
	logger   *zap.Logger
}

// NewBuilder creates a builder. Every built workflow carries a copy of policy.
func NewBuilder(selector *agents.Selector, policy ErrorPolicy, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{selector: selector, policy: policy, logger: logger}
}

// Build binds every task to an agent, orders steps topologically and
// selects an execution mode. It fails only when no agent (not even the
// query fallback) can serve a task.
func (b *Builder) Build(graph *taskgraph.Graph) (*Workflow, error) {
	if graph == nil || graph.Len() == 0 {
		return nil, ErrNoSteps
	}

	group := make(map[string]string, graph.Len())
	for i, level := range graph.Levels() {
		for _, id := range level {
			group[id] = fmt.Sprintf("group-%d", i)
		}
	}

	wf := &Workflow{
		ID:          uuid.New().String(),
		Pattern:     graph.Pattern,
		Mode:        SelectMode(graph),
		ErrorPolicy: b.policy,
	}

	for _, id := range graph.TopologicalOrder() {
		task, _ := graph.Task(id)
		ref, err := b.selector.Select(task.Capability)
		if err != nil {
			return nil, fmt.Errorf("build step %s: %w", id, err)
		}
		wf.Steps = append(wf.Steps, WorkflowStep{
			Task:          task,
			AgentRef:      ref,
			InputMapping:  inputMapping(task),
			OutputMapping: outputMapping(task.ID),
			ParallelGroup: group[id],
			Condition:     task.Condition,
			Timeout:       b.timeout(task),
			MaxRetries:    b.retries(task),
		})
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}

	b.logger.Debug("Workflow built",
		zap.String("workflow_id", wf.ID),
		zap.String("mode", string(wf.Mode)),
		zap.Int("steps", len(wf.Steps)),
		zap.Int("groups", len(wf.Groups())),
	)
	return wf, nil
}

func (b *Builder) timeout(t *models.Task) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}
	if b.policy.DefaultTimeout > 0 {
		return b.policy.DefaultTimeout
	}
	return DefaultErrorPolicy().DefaultTimeout
}

func (b *Builder) retries(t *models.Task) int {
	if t.MaxRetries != nil && *t.MaxRetries >= 0 {
		return *t.MaxRetries
	}
	if b.policy.MaxRetries < 0 {
		return 0
	}
	return b.policy.MaxRetries
}

// SelectMode applies the structural mode rule. A pattern-declared mode wins,
// then any condition forces Conditional. Otherwise: no dependencies at all is
// Parallel, one linear chain is Sequential, a shared dependency set with
// several dependents is Pipeline, and anything else is Sequential.
func SelectMode(g *taskgraph.Graph) ExecutionMode {
	if g.PreferredMode != "" {
		if m, err := ParseMode(g.PreferredMode); err == nil {
			return m
		}
	}
	for _, id := range g.IDs() {
		if t, _ := g.Task(id); t.Condition != "" {
			return ModeConditional
		}
	}
	switch {
	case g.IsIndependent():
		return ModeParallel
	case g.IsSingleChain():
		return ModeSequential
	case g.HasFanOut():
		return ModePipeline
	default:
		return ModeSequential
	}
}

func inputMapping(t *models.Task) map[string]string {
	switch {
	case t.Capability == models.CapabilityQuery:
		return map[string]string{"input": KeyDescription}
	case t.SourceStep != "":
		return map[string]string{"input": KeyResults + "." + t.SourceStep + ".data"}
	default:
		return map[string]string{"input": KeyPreviousResult + ".data"}
	}
}

func outputMapping(id string) map[string]string {
	prefix := KeyResults + "." + id
	return map[string]string{
		"data":    prefix + ".data",
		"success": prefix + ".success",
	}
}
