package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"
)

// conditions caches prepared Rego queries by expression text.
type conditions struct {
	mu       sync.Mutex
	compiled map[string]*rego.PreparedEvalQuery
}

func (c *conditions) prepare(ctx context.Context, expr string) (*rego.PreparedEvalQuery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.compiled[expr]; ok {
		return q, nil
	}
	q, err := rego.New(rego.Query(expr)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	if c.compiled == nil {
		c.compiled = make(map[string]*rego.PreparedEvalQuery)
	}
	c.compiled[expr] = &q
	return &q, nil
}

// evalCondition evaluates a Rego boolean query against the running context,
// exposed as input. An undefined result is false.
func (e *Engine) evalCondition(ctx context.Context, expr string, input map[string]interface{}) (bool, error) {
	q, err := e.conditions.prepare(ctx, expr)
	if err != nil {
		return false, err
	}
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	return rs.Allowed(), nil
}
