// Package decompose turns a free-form request into a task graph by matching it
// against a library of intent signatures.
package decompose

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/metrics"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/taskgraph"
)

// ErrAmbiguousIntent marks a request that matched no signature and was
// default-routed to a single query task. It is informational, never fatal.
var ErrAmbiguousIntent = errors.New("ambiguous intent")

// PatternDefault names the fallback decomposition.
const PatternDefault = "default"

// Decomposition is the outcome of matching one request.
type Decomposition struct {
	Graph     *taskgraph.Graph
	Pattern   string
	Ambiguous bool
	Scores    map[string]int
}

// Err returns ErrAmbiguousIntent when the request was default-routed.
func (d *Decomposition) Err() error {
	if d != nil && d.Ambiguous {
		return ErrAmbiguousIntent
	}
	return nil
}

// Decomposer matches requests against a hot-swappable signature library.
type Decomposer struct {
	mu     sync.RWMutex
	lib    *Library
	logger *zap.Logger
}

// NewDecomposer creates a decomposer. A nil library selects DefaultLibrary.
func NewDecomposer(lib *Library, logger *zap.Logger) *Decomposer {
	if lib == nil {
		lib = DefaultLibrary()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decomposer{lib: lib, logger: logger}
}

// SetLibrary swaps the signature library. The library must already be compiled.
func (d *Decomposer) SetLibrary(lib *Library) {
	if lib == nil {
		return
	}
	d.mu.Lock()
	d.lib = lib
	d.mu.Unlock()
	d.logger.Info("Signature library replaced",
		zap.Int("signatures", len(lib.Signatures)),
		zap.Int("compounds", len(lib.Compounds)),
	)
}

func (d *Decomposer) library() *Library {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lib
}

// Decompose builds a task graph for request. Compound patterns win over single
// capabilities; among equals the earliest-registered signature wins. A request
// matching nothing yields a single query task with Ambiguous set. The only
// errors are structural (e.g. a cyclic compound template).
func (d *Decomposer) Decompose(request string) (*Decomposition, error) {
	lib := d.library()
	request = strings.TrimSpace(request)
	scores := make(map[string]int)

	var best *Compound
	bestScore := 0
	for i := range lib.Compounds {
		c := &lib.Compounds[i]
		s := score(c.compiled, request)
		scores[c.Name] = s
		if s >= c.MinScore && s > bestScore {
			best, bestScore = c, s
		}
	}
	if best != nil {
		graph, err := taskgraph.New(best.instantiate(request))
		if err != nil {
			metrics.DecompositionErrors.Inc()
			return nil, fmt.Errorf("decompose %q: %w", best.Name, err)
		}
		graph.Pattern = best.Name
		graph.PreferredMode = best.Mode
		return d.finish(&Decomposition{Graph: graph, Pattern: best.Name, Scores: scores}), nil
	}

	var bestSig *Signature
	bestScore = 0
	for i := range lib.Signatures {
		s := &lib.Signatures[i]
		n := score(s.compiled, request)
		scores[s.Name] = n
		if n > bestScore {
			bestSig, bestScore = s, n
		}
	}

	capability := models.CapabilityQuery
	pattern := PatternDefault
	if bestSig != nil {
		capability = bestSig.Capability
		pattern = bestSig.Name
	}

	graph, err := taskgraph.New([]models.Task{{
		ID:          TaskID(capability, 1),
		Capability:  capability,
		Description: request,
		Input:       map[string]interface{}{"description": request},
		Priority:    models.DefaultPriority,
	}})
	if err != nil {
		metrics.DecompositionErrors.Inc()
		return nil, fmt.Errorf("decompose single task: %w", err)
	}
	graph.Pattern = pattern

	return d.finish(&Decomposition{
		Graph:     graph,
		Pattern:   pattern,
		Ambiguous: bestSig == nil,
		Scores:    scores,
	}), nil
}

func (d *Decomposition) fields() []zap.Field {
	return []zap.Field{
		zap.String("pattern", d.Pattern),
		zap.Int("tasks", d.Graph.Len()),
		zap.Bool("ambiguous", d.Ambiguous),
	}
}

func (d *Decomposer) finish(out *Decomposition) *Decomposition {
	metrics.Decompositions.WithLabelValues(out.Pattern).Inc()
	if out.Ambiguous {
		d.logger.Warn("No intent signature matched, routing to default query task", out.fields()...)
	} else {
		d.logger.Debug("Request decomposed", out.fields()...)
	}
	return out
}

// TaskID returns the conventional step id for the n-th task of a capability.
// The prefix is what result aggregation uses to bucket steps.
func TaskID(c models.Capability, n int) string {
	prefix := "task"
	switch c {
	case models.CapabilityQuery:
		prefix = "query"
	case models.CapabilityAnalyze:
		prefix = "analysis"
	case models.CapabilityVisualize:
		prefix = "visualization"
	case models.CapabilityGenerateContent:
		prefix = "content"
	}
	return fmt.Sprintf("%s_%d", prefix, n)
}
