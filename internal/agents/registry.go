package agents

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/models"
)

type entry struct {
	name     string
	factory  Factory
	instance Agent
}

// Registry maps capabilities to agent factories. Instances are built lazily,
// once, and wrapped by the guard when one is configured.
type Registry struct {
	mu      sync.Mutex
	entries map[models.Capability]*entry
	guard   *Guard
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. guard may be nil.
func NewRegistry(guard *Guard, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[models.Capability]*entry),
		guard:   guard,
		logger:  logger,
	}
}

// Register binds a factory to a capability, replacing any earlier binding.
func (r *Registry) Register(c models.Capability, f Factory) error {
	return r.RegisterNamed(c, AgentName(c), f)
}

// RegisterNamed is Register with an explicit agent name.
func (r *Registry) RegisterNamed(c models.Capability, name string, f Factory) error {
	if !c.Valid() {
		return fmt.Errorf("register agent %q: unknown capability %q", name, c)
	}
	if f == nil {
		return fmt.Errorf("register agent %q: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[c]; ok {
		r.logger.Warn("Replacing agent registration",
			zap.String("capability", string(c)),
			zap.String("old", old.name),
			zap.String("new", name),
		)
	}
	r.entries[c] = &entry{name: name, factory: f}
	return nil
}

// RegisterAgent registers an already-built agent.
func (r *Registry) RegisterAgent(c models.Capability, a Agent) error {
	return r.Register(c, func() (Agent, error) { return a, nil })
}

// Lookup returns the agent name bound to c.
func (r *Registry) Lookup(c models.Capability) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[c]
	if !ok {
		return "", false
	}
	return e.name, true
}

// Capabilities lists the registered capabilities in sorted order.
func (r *Registry) Capabilities() []models.Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Capability, 0, len(r.entries))
	for c := range r.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve returns the agent behind ref, building it on first use.
func (r *Registry) Resolve(ref Ref) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ref.Capability]
	if !ok || e.name != ref.Name {
		return nil, fmt.Errorf("resolve %q: %w", ref.Name, ErrNoAgent)
	}
	if e.instance != nil {
		return e.instance, nil
	}
	a, err := e.factory()
	if err != nil {
		return nil, fmt.Errorf("build agent %q: %w", ref.Name, err)
	}
	if a == nil {
		return nil, fmt.Errorf("build agent %q: factory returned nil", ref.Name)
	}
	if r.guard != nil {
		a = r.guard.Wrap(ref, a)
	}
	e.instance = a
	r.logger.Debug("Agent instantiated", zap.String("agent", ref.Name))
	return a, nil
}
