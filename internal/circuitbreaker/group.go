package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/metrics"
)

// Group lazily creates one breaker per name (one per capability in practice)
// and exports each breaker's state as a gauge.
type Group struct {
	config Config
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewGroup creates a group whose breakers share config.
func NewGroup(config Config, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[name]; ok {
		return cb
	}
	cfg := g.config
	user := cfg.OnStateChange
	cfg.OnStateChange = func(n string, from, to State) {
		metrics.CircuitBreakerState.WithLabelValues(n).Set(float64(to))
		if user != nil {
			user(n, from, to)
		}
	}
	cb := New(name, cfg, g.logger)
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	g.breakers[name] = cb
	return cb
}

// States returns the current state of every breaker created so far.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		list = append(list, cb)
	}
	g.mu.Unlock()

	out := make(map[string]State, len(list))
	for _, cb := range list {
		out[cb.Name()] = cb.State()
	}
	return out
}
