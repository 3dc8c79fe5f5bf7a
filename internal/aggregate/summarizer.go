package aggregate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/Kocoro-lab/orchestra/internal/agents"
	"github.com/Kocoro-lab/orchestra/internal/models"
)

// Summarizer writes the narrative summary of a run from its structured
// metrics. A failing summarizer is replaced by the built-in template.
type Summarizer interface {
	Summarize(ctx context.Context, metrics map[string]interface{}) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, metrics map[string]interface{}) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, metrics map[string]interface{}) (string, error) {
	return f(ctx, metrics)
}

var errEmptySummary = errors.New("summarizer returned no text")

// AgentSummarizer asks the content-generation agent for the summary.
type AgentSummarizer struct {
	registry *agents.Registry
	selector *agents.Selector
}

// NewAgentSummarizer summarizes through whichever agent serves
// generate-content in registry.
func NewAgentSummarizer(registry *agents.Registry, selector *agents.Selector) *AgentSummarizer {
	return &AgentSummarizer{registry: registry, selector: selector}
}

// Summarize implements Summarizer.
func (s *AgentSummarizer) Summarize(ctx context.Context, metrics map[string]interface{}) (string, error) {
	ref, err := s.selector.Select(models.CapabilityGenerateContent)
	if err != nil {
		return "", err
	}
	agent, err := s.registry.Resolve(ref)
	if err != nil {
		return "", err
	}
	rc, _ := models.RequestContextFrom(ctx)
	out, err := agent.Invoke(ctx, models.CapabilityGenerateContent, map[string]interface{}{
		"task":    "summary",
		"metrics": metrics,
		"input":   rc.Request,
	}, rc)
	if err != nil {
		return "", fmt.Errorf("summary agent %s: %w", ref.Name, err)
	}
	text := textOf(out)
	if strings.TrimSpace(text) == "" {
		return "", errEmptySummary
	}
	return text, nil
}

func textOf(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		for _, k := range []string{"summary", "document", "content", "text"} {
			if s, ok := t[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

type templateData struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Buckets   []bucketLine
}

type bucketLine struct {
	Name    string
	Count   int
	Percent int
	Detail  string
}

var summaryTemplate = template.Must(template.New("summary").Parse(
	`{{.Succeeded}} of {{.Total}} steps succeeded` +
		`{{if .Failed}}, {{.Failed}} failed{{end}}` +
		`{{if .Skipped}}, {{.Skipped}} skipped{{end}}.` +
		`{{range .Buckets}} {{.Name}}: {{.Count}} step(s), {{.Percent}}% successful{{if .Detail}}, {{.Detail}}{{end}}.{{end}}`))

// templateSummary renders the deterministic summary. It cannot fail: a
// template error degrades to the headline sentence.
func templateSummary(o *AggregatedOutcome) string {
	data := templateData{
		Total:     o.Succeeded + o.Failed,
		Succeeded: o.Succeeded,
		Failed:    o.Failed,
		Skipped:   o.Skipped,
	}
	for _, b := range bucketOrder {
		m, ok := o.Buckets[b]
		if !ok || m.Count == 0 {
			continue
		}
		data.Buckets = append(data.Buckets, bucketLine{
			Name:    string(b),
			Count:   m.Count,
			Percent: int(m.SuccessRate*100 + 0.5),
			Detail:  detail(b, m),
		})
	}

	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, data); err != nil {
		return fmt.Sprintf("%d of %d steps succeeded.", data.Succeeded, data.Total)
	}
	return buf.String()
}

func detail(b Bucket, m BucketMetrics) string {
	switch b {
	case BucketQuery:
		if n, ok := m.Metrics["total_rows"]; ok {
			return fmt.Sprintf("%.0f rows", n)
		}
	case BucketAnalysis:
		if n := m.Metrics["insights"]; n > 0 {
			return fmt.Sprintf("%.0f insights", n)
		}
	case BucketVisualization:
		if n := m.Metrics["charts"]; n > 0 {
			return fmt.Sprintf("%.0f charts", n)
		}
	case BucketContent:
		if n := m.Metrics["words"]; n > 0 {
			return fmt.Sprintf("%.0f words", n)
		}
	}
	return ""
}
