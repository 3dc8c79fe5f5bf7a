// Package workflows binds a task graph to agents and picks the scheduling
// discipline the engine applies to it.
package workflows

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Kocoro-lab/orchestra/internal/agents"
	"github.com/Kocoro-lab/orchestra/internal/models"
)

// ExecutionMode is the scheduling discipline for a workflow's steps.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeParallel    ExecutionMode = "parallel"
	ModePipeline    ExecutionMode = "pipeline"
	ModeConditional ExecutionMode = "conditional"
)

// ParseMode maps a mode name to an ExecutionMode.
func ParseMode(s string) (ExecutionMode, error) {
	switch m := ExecutionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSequential, ModeParallel, ModePipeline, ModeConditional:
		return m, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// ErrorPolicy controls retries and failure propagation.
type ErrorPolicy struct {
	// FallbackEnabled lets a sequential run skip past a failed step.
	FallbackEnabled bool `json:"fallback_enabled"`
	// AbortOnFailure stops scheduling new steps after the first failure.
	// Sequential runs abort unless FallbackEnabled is set.
	AbortOnFailure bool          `json:"abort_on_failure"`
	MaxRetries     int           `json:"max_retries"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	BackoffBase    time.Duration `json:"backoff_base"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultErrorPolicy returns one retry, 60s step timeout and 1s..10s backoff.
func DefaultErrorPolicy() ErrorPolicy {
	return ErrorPolicy{
		MaxRetries:     1,
		DefaultTimeout: 60 * time.Second,
		BackoffBase:    time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Backoff is the delay before retry number attempt (0-based):
// min(base * 2^attempt, max).
func (p ErrorPolicy) Backoff(attempt int) time.Duration {
	base, limit := p.BackoffBase, p.MaxBackoff
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// WorkflowStep binds a task to an agent and wires its input and output.
type WorkflowStep struct {
	// Task is shared with the graph, never copied.
	Task     *models.Task `json:"task"`
	AgentRef agents.Ref   `json:"agent_ref"`
	// InputMapping maps input keys to dotted paths in the running context.
	InputMapping map[string]string `json:"input_mapping"`
	// OutputMapping maps result fields to dotted paths in the running context.
	OutputMapping map[string]string `json:"output_mapping"`
	ParallelGroup string            `json:"parallel_group"`
	Condition     string            `json:"condition,omitempty"`
	Timeout       time.Duration     `json:"timeout"`
	MaxRetries    int               `json:"max_retries"`
}

// ID returns the task id.
func (s *WorkflowStep) ID() string { return s.Task.ID }

// Workflow is an executable plan.
type Workflow struct {
	ID          string         `json:"id"`
	Request     string         `json:"request"`
	Pattern     string         `json:"pattern,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	Mode        ExecutionMode  `json:"mode"`
	ErrorPolicy ErrorPolicy    `json:"error_policy"`
}

var (
	ErrNoSteps       = errors.New("workflow has no steps")
	ErrDuplicateStep = errors.New("duplicate step id")
	ErrMissingStep   = errors.New("step depends on a step outside the workflow")
)

// Validate checks that step ids are unique and every dependency names a step
// of the same workflow.
func (w *Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return ErrNoSteps
	}
	ids := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Task == nil {
			return fmt.Errorf("step %d has no task", i)
		}
		if ids[s.ID()] {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, s.ID())
		}
		ids[s.ID()] = true
	}
	for i := range w.Steps {
		for _, dep := range w.Steps[i].Task.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("%w: %s -> %s", ErrMissingStep, w.Steps[i].ID(), dep)
			}
		}
	}
	return nil
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (*WorkflowStep, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID() == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// Groups returns step ids by parallel group, in first-seen order.
func (w *Workflow) Groups() [][]string {
	var out [][]string
	index := make(map[string]int)
	for i := range w.Steps {
		g := w.Steps[i].ParallelGroup
		n, ok := index[g]
		if !ok {
			n = len(out)
			index[g] = n
			out = append(out, nil)
		}
		out[n] = append(out[n], w.Steps[i].ID())
	}
	return out
}
