package decompose

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/open-policy-agent/opa/rego"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/taskgraph"
)

// Signature is a set of patterns that identify a single-capability intent.
type Signature struct {
	Name       string            `yaml:"name"`
	Capability models.Capability `yaml:"capability"`
	Patterns   []string          `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// TaskTemplate is one task of a compound pattern.
type TaskTemplate struct {
	ID           string            `yaml:"id"`
	Capability   models.Capability `yaml:"capability"`
	Dependencies []string          `yaml:"dependencies"`
	Priority     int               `yaml:"priority"`
	Focus        string            `yaml:"focus"`
	// Condition is a Rego boolean query over the running context. Any
	// condition in a compound makes it run in Conditional mode.
	Condition string `yaml:"condition"`
}

// Compound expands into a fixed task list when any of its triggers match.
type Compound struct {
	Name     string         `yaml:"name"`
	Triggers []string       `yaml:"triggers"`
	Mode     string         `yaml:"mode"`
	MinScore int            `yaml:"min_score"`
	Tasks    []TaskTemplate `yaml:"tasks"`

	compiled []*regexp.Regexp
}

// Library is the ordered set of signatures consulted by the decomposer.
// Order matters: ties break toward the earliest entry.
type Library struct {
	Signatures []Signature `yaml:"signatures"`
	Compounds  []Compound  `yaml:"compounds"`
}

// LoadLibrary reads a YAML signature library from path and compiles it.
func LoadLibrary(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature library: %w", err)
	}
	return ParseLibrary(data)
}

// ParseLibrary decodes and compiles a YAML signature library.
func ParseLibrary(data []byte) (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse signature library: %w", err)
	}
	if err := lib.Compile(); err != nil {
		return nil, err
	}
	return &lib, nil
}

// Compile validates the library and compiles every pattern case-insensitively.
func (l *Library) Compile() error {
	if len(l.Signatures) == 0 {
		return fmt.Errorf("signature library has no signatures")
	}
	seen := make(map[string]bool)
	for i := range l.Signatures {
		s := &l.Signatures[i]
		if s.Name == "" {
			return fmt.Errorf("signature %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate signature name %q", s.Name)
		}
		seen[s.Name] = true
		capability, err := models.ParseCapability(string(s.Capability))
		if err != nil {
			return fmt.Errorf("signature %q: %w", s.Name, err)
		}
		s.Capability = capability
		compiled, err := compilePatterns(s.Patterns)
		if err != nil {
			return fmt.Errorf("signature %q: %w", s.Name, err)
		}
		s.compiled = compiled
	}

	for i := range l.Compounds {
		c := &l.Compounds[i]
		if c.Name == "" {
			return fmt.Errorf("compound %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate signature name %q", c.Name)
		}
		seen[c.Name] = true
		if len(c.Tasks) == 0 {
			return fmt.Errorf("compound %q has no tasks", c.Name)
		}
		for j := range c.Tasks {
			capability, err := models.ParseCapability(string(c.Tasks[j].Capability))
			if err != nil {
				return fmt.Errorf("compound %q task %q: %w", c.Name, c.Tasks[j].ID, err)
			}
			c.Tasks[j].Capability = capability
			if cond := c.Tasks[j].Condition; cond != "" {
				if c.Mode != "" && c.Mode != "conditional" {
					return fmt.Errorf("compound %q task %q: condition requires conditional mode, got %q", c.Name, c.Tasks[j].ID, c.Mode)
				}
				if err := checkCondition(cond); err != nil {
					return fmt.Errorf("compound %q task %q: %w", c.Name, c.Tasks[j].ID, err)
				}
			}
		}
		if c.MinScore <= 0 {
			c.MinScore = 1
		}
		compiled, err := compilePatterns(c.Triggers)
		if err != nil {
			return fmt.Errorf("compound %q: %w", c.Name, err)
		}
		c.compiled = compiled

		// The template must itself be a valid DAG.
		if _, err := taskgraph.New(c.instantiate("validation")); err != nil {
			return fmt.Errorf("compound %q: %w", c.Name, err)
		}
	}
	return nil
}

func checkCondition(expr string) error {
	if _, err := rego.New(rego.Query(expr)).PrepareForEval(context.Background()); err != nil {
		return fmt.Errorf("invalid condition %q: %w", expr, err)
	}
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("no patterns")
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func score(patterns []*regexp.Regexp, request string) int {
	n := 0
	for _, re := range patterns {
		if re.MatchString(request) {
			n++
		}
	}
	return n
}

func (c *Compound) instantiate(request string) []models.Task {
	tasks := make([]models.Task, 0, len(c.Tasks))
	for _, tpl := range c.Tasks {
		input := map[string]interface{}{"description": request}
		if tpl.Focus != "" {
			input["focus"] = tpl.Focus
		}
		tasks = append(tasks, models.Task{
			ID:           tpl.ID,
			Capability:   tpl.Capability,
			Description:  fmt.Sprintf("%s (%s step of %s)", request, tpl.Capability, c.Name),
			Input:        input,
			Dependencies: append([]string(nil), tpl.Dependencies...),
			Priority:     tpl.Priority,
			Condition:    tpl.Condition,
		})
	}
	return tasks
}

// DefaultLibrary returns the built-in signatures: one per capability plus the
// "pipeline" and "dashboard" compound patterns.
func DefaultLibrary() *Library {
	lib := &Library{
		Signatures: []Signature{
			{
				Name:       "query",
				Capability: models.CapabilityQuery,
				Patterns: []string{
					`\bquery\b`, `\bfetch\b`, `\bselect\b`, `\blist\b`, `\bshow me\b`,
					`\bhow many\b`, `\bfind\b`, `\bretrieve\b`, `\blook ?up\b`, `\bdata\b`,
				},
			},
			{
				Name:       "analysis",
				Capability: models.CapabilityAnalyze,
				Patterns: []string{
					`\banaly[sz]e\b`, `\banalysis\b`, `\btrends?\b`, `\bcorrelat`, `\bwhy\b`,
					`\binsights?\b`, `\bforecast`, `\banomal`, `\bgrowth\b`, `\bcompare\b`,
				},
			},
			{
				Name:       "visualization",
				Capability: models.CapabilityVisualize,
				Patterns: []string{
					`\bvisuali[sz]`, `\bchart\b`, `\bgraph\b`, `\bplot\b`, `\bdiagram\b`,
					`\bhistogram\b`, `\bpie\b`, `\bbar\b`,
				},
			},
			{
				Name:       "content",
				Capability: models.CapabilityGenerateContent,
				Patterns: []string{
					`\bgenerate\b`, `\breport\b`, `\bwrite\b`, `\bdocument\b`, `\bsummar`,
					`\bdraft\b`, `\bcompose\b`,
				},
			},
		},
		Compounds: []Compound{
			{
				Name: "pipeline",
				Mode: "pipeline",
				Triggers: []string{
					`\bthen\b.*\bthen\b`, `\bpipeline\b`, `\bend[- ]to[- ]end\b`, `\bfull report\b`,
				},
				Tasks: []TaskTemplate{
					{ID: "query_1", Capability: models.CapabilityQuery, Priority: 8},
					{ID: "analysis_1", Capability: models.CapabilityAnalyze, Dependencies: []string{"query_1"}, Priority: 7},
					{ID: "visualization_1", Capability: models.CapabilityVisualize, Dependencies: []string{"analysis_1"}, Priority: 6},
					{ID: "content_1", Capability: models.CapabilityGenerateContent, Dependencies: []string{"visualization_1"}, Priority: 5},
				},
			},
			{
				Name: "dashboard",
				Mode: "pipeline",
				Triggers: []string{
					`\bdashboard\b`, `\boverview\b`, `\bkpis?\b`, `\bat a glance\b`,
				},
				Tasks: []TaskTemplate{
					{ID: "query_1", Capability: models.CapabilityQuery, Priority: 8},
					{ID: "analysis_1", Capability: models.CapabilityAnalyze, Dependencies: []string{"query_1"}, Priority: 7, Focus: "trends"},
					{ID: "analysis_2", Capability: models.CapabilityAnalyze, Dependencies: []string{"query_1"}, Priority: 7, Focus: "breakdown"},
					{ID: "visualization_1", Capability: models.CapabilityVisualize, Dependencies: []string{"analysis_1", "analysis_2"}, Priority: 6},
				},
			},
		},
	}
	if err := lib.Compile(); err != nil {
		panic(fmt.Sprintf("default signature library is invalid: %v", err))
	}
	return lib
}
