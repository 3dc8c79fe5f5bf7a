package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/circuitbreaker"
	"github.com/Kocoro-lab/orchestra/internal/metrics"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/ratecontrol"
)

// Guard wraps agents with a per-capability rate limiter and circuit breaker.
// Either part may be nil.
type Guard struct {
	breakers *circuitbreaker.Group
	limiter  *ratecontrol.Limiter
	logger   *zap.Logger
}

// NewGuard creates a guard.
func NewGuard(breakers *circuitbreaker.Group, limiter *ratecontrol.Limiter, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{breakers: breakers, limiter: limiter, logger: logger}
}

// Wrap returns an agent that consults the guard before delegating to a.
func (g *Guard) Wrap(ref Ref, a Agent) Agent {
	return &guarded{ref: ref, inner: a, guard: g}
}

type guarded struct {
	ref   Ref
	inner Agent
	guard *Guard
}

func (a *guarded) Invoke(ctx context.Context, capability models.Capability, input map[string]interface{}, rc models.RequestContext) (interface{}, error) {
	key := string(a.ref.Capability)

	if l := a.guard.limiter; l != nil {
		if err := l.Wait(ctx, key, estimateInputTokens(input)); err != nil {
			metrics.AgentRejections.WithLabelValues(key, "rate_limited").Inc()
			return nil, fmt.Errorf("agent %s rate limited: %w", a.ref.Name, err)
		}
	}

	if a.guard.breakers == nil {
		return a.inner.Invoke(ctx, capability, input, rc)
	}

	var out interface{}
	err := a.guard.breakers.Get(key).Execute(ctx, func(ctx context.Context) error {
		v, err := a.inner.Invoke(ctx, capability, input, rc)
		out = v
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		metrics.AgentRejections.WithLabelValues(key, "circuit_open").Inc()
		a.guard.logger.Warn("Agent call rejected by circuit breaker",
			zap.String("agent", a.ref.Name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("agent %s unavailable: %w", a.ref.Name, err)
	}
	return out, err
}

// estimateInputTokens approximates the payload size at four bytes per token.
func estimateInputTokens(input map[string]interface{}) int {
	if len(input) == 0 {
		return 0
	}
	b, err := json.Marshal(input)
	if err != nil {
		return 0
	}
	return (len(b) + 3) / 4
}
