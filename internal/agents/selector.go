package agents

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/models"
)

// Selector picks the agent for a capability. A capability with no registered
// agent (including one outside the known set) is served by the query agent.
type Selector struct {
	registry *Registry
	logger   *zap.Logger
}

// NewSelector creates a selector over registry.
func NewSelector(registry *Registry, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{registry: registry, logger: logger}
}

// Select returns the agent reference for c. It fails with ErrNoAgent only
// when the query fallback is missing too.
func (s *Selector) Select(c models.Capability) (Ref, error) {
	if name, ok := s.registry.Lookup(c); ok {
		return Ref{Name: name, Capability: c}, nil
	}
	name, ok := s.registry.Lookup(models.CapabilityQuery)
	if !ok {
		return Ref{}, fmt.Errorf("select agent for %q: %w", c, ErrNoAgent)
	}
	s.logger.Warn("No agent for capability, falling back to query agent",
		zap.String("capability", string(c)),
		zap.String("agent", name),
	)
	return Ref{Name: name, Capability: models.CapabilityQuery}, nil
}
