package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/orchestra/internal/models"
)

// RegisterBuiltins binds an offline agent to every capability. The builtin
// agents never call out; they shape the step input into a plausible result
// so workflows can be dry-run end to end without an agent service.
func RegisterBuiltins(r *Registry) error {
	for _, c := range models.Capabilities() {
		if err := r.RegisterAgent(c, AgentFunc(builtin)); err != nil {
			return err
		}
	}
	return nil
}

func builtin(ctx context.Context, capability models.Capability, input map[string]interface{}, rc models.RequestContext) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	desc, _ := input["input"].(string)
	if desc == "" {
		desc = rc.Request
	}

	switch capability {
	case models.CapabilityQuery:
		rows := []map[string]interface{}{
			{"key": "a", "value": 1},
			{"key": "b", "value": 2},
			{"key": "c", "value": 3},
		}
		return map[string]interface{}{"rows": rows, "rowCount": len(rows), "query": desc}, nil
	case models.CapabilityAnalyze:
		return map[string]interface{}{
			"summary":  fmt.Sprintf("Analysis of %d input field(s)", len(input)),
			"insights": []string{"values increase monotonically"},
			"focus":    input["focus"],
		}, nil
	case models.CapabilityVisualize:
		return map[string]interface{}{"chart_type": "bar", "title": truncateWords(desc, 8)}, nil
	case models.CapabilityGenerateContent:
		return map[string]interface{}{"document": "Report: " + truncateWords(desc, 16)}, nil
	}
	return nil, fmt.Errorf("builtin agent cannot serve capability %q", capability)
}

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ") + "..."
}
