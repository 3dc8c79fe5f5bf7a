// Package orchestrator is the single entry point of the engine: it drives a
// request through decomposition, workflow building, execution and
// aggregation.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/aggregate"
	"github.com/Kocoro-lab/orchestra/internal/contextstore"
	"github.com/Kocoro-lab/orchestra/internal/decompose"
	"github.com/Kocoro-lab/orchestra/internal/engine"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/tracing"
	"github.com/Kocoro-lab/orchestra/internal/workflows"
)

// Run is everything one Orchestrate call produced.
type Run struct {
	ID            string
	Request       string
	Decomposition *decompose.Decomposition
	Workflow      *workflows.Workflow
	Results       map[string]models.ExecutionResult
	Outcome       aggregate.AggregatedOutcome
	Context       contextstore.Stats
	StartedAt     time.Time
	Duration      time.Duration
}

// Recorder persists finished runs. Record errors are logged, never
// returned to the caller.
type Recorder interface {
	Record(ctx context.Context, run *Run) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists every finished run through r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// Orchestrator holds the collaborators of a run. It keeps no per-request
// state and is safe for concurrent use.
type Orchestrator struct {
	decomposer  *decompose.Decomposer
	builder     *workflows.Builder
	engine      *engine.Engine
	aggregator  *aggregate.Aggregator
	storeConfig contextstore.Config
	recorder    Recorder
	logger      *zap.Logger
}

// New wires an orchestrator. storeConfig sizes the context store created for
// each run.
func New(
	decomposer *decompose.Decomposer,
	builder *workflows.Builder,
	eng *engine.Engine,
	aggregator *aggregate.Aggregator,
	storeConfig contextstore.Config,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		decomposer:  decomposer,
		builder:     builder,
		engine:      eng,
		aggregator:  aggregator,
		storeConfig: storeConfig,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Orchestrate runs request and returns its aggregated outcome. The error is
// non-nil only for failures before execution starts: a structurally invalid
// decomposition or a capability no agent can serve.
func (o *Orchestrator) Orchestrate(ctx context.Context, request string, callerContext map[string]interface{}) (aggregate.AggregatedOutcome, error) {
	run, err := o.Run(ctx, request, callerContext)
	if err != nil {
		return aggregate.AggregatedOutcome{}, err
	}
	return run.Outcome, nil
}

// Plan decomposes request and builds its workflow without executing it.
func (o *Orchestrator) Plan(ctx context.Context, request string) (*decompose.Decomposition, *workflows.Workflow, error) {
	_, span := tracing.StartSpan(ctx, "decompose")
	defer span.End()

	d, err := o.decomposer.Decompose(request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("decompose request: %w", err)
	}
	if d.Ambiguous {
		span.AddEvent("ambiguous_intent")
	}
	wf, err := o.builder.Build(d.Graph)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d, nil, fmt.Errorf("build workflow: %w", err)
	}
	wf.Request = request
	span.SetAttributes(
		attribute.String("decompose.pattern", d.Pattern),
		attribute.String("workflow.mode", string(wf.Mode)),
	)
	return d, wf, nil
}

// Run is Orchestrate returning the full run record.
func (o *Orchestrator) Run(ctx context.Context, request string, callerContext map[string]interface{}) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Request:   request,
		StartedAt: time.Now(),
	}
	ctx, span := tracing.StartSpan(ctx, "orchestrate", attribute.String("run.id", run.ID))
	defer span.End()

	logger := o.logger.With(zap.String("run_id", run.ID))

	d, wf, err := o.Plan(ctx, request)
	if err != nil {
		logger.Error("Orchestration rejected before execution", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	run.Decomposition, run.Workflow = d, wf

	rc := models.RequestContext{
		RequestID: run.ID,
		Request:   request,
		Values:    callerContext,
	}
	ctx = models.WithRequestContext(ctx, rc)

	store := contextstore.New(o.storeConfig, logger)
	run.Results = o.engine.ExecuteWithStore(ctx, wf, rc, store)
	run.Outcome = o.aggregator.AggregateWithStore(ctx, run.Results, store)
	run.Context = store.Stats()
	run.Duration = time.Since(run.StartedAt)

	span.SetAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.Bool("outcome.success", run.Outcome.Success),
	)
	logger.Info("Orchestration finished",
		zap.String("workflow_id", wf.ID),
		zap.String("pattern", d.Pattern),
		zap.Bool("ambiguous", d.Ambiguous),
		zap.String("mode", string(wf.Mode)),
		zap.Bool("success", run.Outcome.Success),
		zap.Int("errors", len(run.Outcome.Errors)),
		zap.Duration("duration", run.Duration),
	)

	if o.recorder != nil {
		if err := o.recorder.Record(ctx, run); err != nil {
			logger.Warn("Failed to record run", zap.Error(err))
		}
	}
	return run, nil
}
