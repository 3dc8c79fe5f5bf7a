// Package agents binds capabilities to the workers that execute them.
package agents

import (
	"context"
	"errors"

	"github.com/Kocoro-lab/orchestra/internal/models"
)

// ErrNoAgent means neither the requested capability nor the query fallback
// has a registered agent.
var ErrNoAgent = errors.New("no agent registered")

// Agent executes one step. Implementations must not mutate input and must
// return promptly once ctx is done.
type Agent interface {
	Invoke(ctx context.Context, capability models.Capability, input map[string]interface{}, rc models.RequestContext) (interface{}, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, capability models.Capability, input map[string]interface{}, rc models.RequestContext) (interface{}, error)

// Invoke calls f.
func (f AgentFunc) Invoke(ctx context.Context, capability models.Capability, input map[string]interface{}, rc models.RequestContext) (interface{}, error) {
	return f(ctx, capability, input, rc)
}

// Factory builds an agent on first use.
type Factory func() (Agent, error)

// Ref names the concrete agent a step is bound to.
type Ref struct {
	Name       string            `json:"name"`
	Capability models.Capability `json:"capability"`
}

// AgentName is the conventional registry name for a capability's agent.
func AgentName(c models.Capability) string {
	return string(c) + "-agent"
}
