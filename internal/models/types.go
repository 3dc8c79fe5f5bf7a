package models

import (
	"fmt"
	"strings"
)

// Capability names the kind of worker a task needs.
type Capability string

const (
	CapabilityQuery           Capability = "query"
	CapabilityAnalyze         Capability = "analyze"
	CapabilityVisualize       Capability = "visualize"
	CapabilityGenerateContent Capability = "generate-content"
)

// Capabilities returns the closed set of capabilities in registration order.
func Capabilities() []Capability {
	return []Capability{
		CapabilityQuery,
		CapabilityAnalyze,
		CapabilityVisualize,
		CapabilityGenerateContent,
	}
}

// Valid reports whether c is one of the known capabilities.
func (c Capability) Valid() bool {
	for _, known := range Capabilities() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCapability maps a free-form name to a Capability. Common aliases
// ("analysis", "visualization", "content") are accepted.
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "query", "data_query", "sql":
		return CapabilityQuery, nil
	case "analyze", "analysis", "analyse":
		return CapabilityAnalyze, nil
	case "visualize", "visualization", "chart":
		return CapabilityVisualize, nil
	case "generate-content", "generate_content", "content", "report":
		return CapabilityGenerateContent, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Priority bounds
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ClampPriority forces p into [MinPriority, MaxPriority]. Zero maps to the default.
func ClampPriority(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Task is one unit of decomposed work. Tasks are immutable once placed in a graph.
type Task struct {
	ID           string                 `json:"id"`
	Capability   Capability             `json:"capability"`
	Description  string                 `json:"description"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Priority     int                    `json:"priority"`
	// Zero means "use the engine default".
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// Nil means "use the engine default".
	MaxRetries *int `json:"max_retries,omitempty"`
	// SourceStep names the step whose output feeds this task, overriding previous_result.
	SourceStep string `json:"source_step,omitempty"`
	// Condition is a Rego boolean query over the running context (Conditional mode only).
	Condition string `json:"condition,omitempty"`
}

// Retries is a helper for setting Task.MaxRetries inline.
func Retries(n int) *int { return &n }

// HasDependency reports whether id is among the task's dependencies.
func (t *Task) HasDependency(id string) bool {
	for _, d := range t.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// FailureKind classifies why a step did not succeed.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureTimeout          FailureKind = "timeout"
	FailureAgentError       FailureKind = "agent_error"
	FailureDependencyNotMet FailureKind = "dependency_not_met"
	// FailureRetriesExhausted marks a step that failed every attempt with at
	// least one retry configured. A step with no retries keeps the kind of its
	// only failure (timeout or agent_error).
	FailureRetriesExhausted FailureKind = "retries_exhausted"
)

// ExecutionResult is the single settled outcome of one step in one run.
type ExecutionResult struct {
	TaskID          string                 `json:"task_id"`
	Success         bool                   `json:"success"`
	Skipped         bool                   `json:"skipped,omitempty"`
	Value           interface{}            `json:"value,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Failure         FailureKind            `json:"failure,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms"`
	Attempts        int                    `json:"attempts"`
	AgentUsed       string                 `json:"agent_used,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Failed reports whether the result counts as a failure (skipped steps do not).
func (r ExecutionResult) Failed() bool {
	return !r.Success && !r.Skipped
}

// RequestContext carries per-request values into every agent invocation.
type RequestContext struct {
	RequestID string                 `json:"request_id"`
	Request   string                 `json:"request"`
	Values    map[string]interface{} `json:"values,omitempty"`
}

// Value returns a caller-supplied value by key.
func (rc RequestContext) Value(key string) (interface{}, bool) {
	if rc.Values == nil {
		return nil, false
	}
	v, ok := rc.Values[key]
	return v, ok
}
