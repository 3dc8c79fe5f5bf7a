// Package engine runs workflows: it schedules steps according to the
// workflow's execution mode, applies per-step timeout and retry policy and
// settles exactly one ExecutionResult per scheduled step.
package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/orchestra/internal/agents"
	"github.com/Kocoro-lab/orchestra/internal/contextstore"
	"github.com/Kocoro-lab/orchestra/internal/metrics"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/streaming"
	"github.com/Kocoro-lab/orchestra/internal/tracing"
	"github.com/Kocoro-lab/orchestra/internal/workflows"
)

// DefaultMaxConcurrency caps in-flight steps of one parallel group.
const DefaultMaxConcurrency = 8

// Engine executes workflows. One Engine may run many workflows concurrently;
// each run owns its own result map, running context and context store.
type Engine struct {
	registry       *agents.Registry
	logger         *zap.Logger
	maxConcurrency int64
	storeConfig    contextstore.Config
	observer       Observer
	events         EventSink
	sleep          func(ctx context.Context, d time.Duration) error
	conditions     conditions
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrency bounds how many steps of one group run at once.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = int64(n)
		}
	}
}

// WithObserver installs a step transition observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithEventSink publishes lifecycle events to sink.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

// WithStoreConfig sizes the context store Execute creates per run.
func WithStoreConfig(cfg contextstore.Config) Option {
	return func(e *Engine) { e.storeConfig = cfg }
}

// New creates an engine that resolves agents through registry.
func New(registry *agents.Registry, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		registry:       registry,
		logger:         logger,
		maxConcurrency: DefaultMaxConcurrency,
		storeConfig:    contextstore.DefaultConfig(),
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs wf with a fresh context store and returns the settled result
// of every scheduled step keyed by step id. Step failures are values in the
// map, never errors.
func (e *Engine) Execute(ctx context.Context, wf *workflows.Workflow, rc models.RequestContext) map[string]models.ExecutionResult {
	return e.ExecuteWithStore(ctx, wf, rc, contextstore.New(e.storeConfig, e.logger))
}

// ExecuteWithStore is Execute with a caller-owned store. The store must not
// be shared with another concurrent run.
func (e *Engine) ExecuteWithStore(ctx context.Context, wf *workflows.Workflow, rc models.RequestContext, store *contextstore.Store) map[string]models.ExecutionResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "execute",
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.mode", string(wf.Mode)),
		attribute.Int("workflow.steps", len(wf.Steps)),
	)
	defer span.End()

	r := newRun(e, wf, rc, store)
	logger := e.logger.With(zap.String("workflow_id", wf.ID), zap.String("mode", string(wf.Mode)))
	logger.Info("Workflow started", zap.Int("steps", len(wf.Steps)))
	metrics.WorkflowsStarted.WithLabelValues(string(wf.Mode)).Inc()
	e.publish(wf.ID, streaming.Event{
		Type:    streaming.EventWorkflowStarted,
		Message: string(wf.Mode),
		Data:    map[string]interface{}{"steps": len(wf.Steps)},
	})

	switch wf.Mode {
	case workflows.ModeParallel:
		r.runGroups(ctx, false)
	case workflows.ModePipeline:
		r.runGroups(ctx, true)
	case workflows.ModeConditional:
		r.runConditional(ctx)
	default:
		r.runSequential(ctx)
	}

	results := r.snapshot()
	succeeded, failed, skipped := tally(results)
	status := "failed"
	if succeeded > 0 {
		status = "completed"
	} else if failed == 0 {
		status = "skipped"
	}
	elapsed := time.Since(start)
	metrics.RecordWorkflowMetrics(string(wf.Mode), status, elapsed.Seconds())
	span.SetAttributes(attribute.String("workflow.status", status))

	logger.Info("Workflow finished",
		zap.String("status", status),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
		zap.Duration("duration", elapsed),
	)
	e.publish(wf.ID, streaming.Event{
		Type:    streaming.EventWorkflowCompleted,
		Message: status,
		Data: map[string]interface{}{
			"succeeded": succeeded,
			"failed":    failed,
			"skipped":   skipped,
		},
	})
	return results
}

func tally(results map[string]models.ExecutionResult) (succeeded, failed, skipped int) {
	for _, res := range results {
		switch {
		case res.Success:
			succeeded++
		case res.Skipped:
			skipped++
		default:
			failed++
		}
	}
	return
}

func (e *Engine) publish(workflowID string, evt streaming.Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(workflowID, evt)
}

func (e *Engine) transition(workflowID, stepID string, from, to StepState, attempt int) {
	if e.observer == nil {
		return
	}
	e.observer.OnTransition(Transition{
		WorkflowID: workflowID,
		StepID:     stepID,
		From:       from,
		To:         to,
		Attempt:    attempt,
		At:         time.Now(),
	})
}

func (e *Engine) semaphore() *semaphore.Weighted {
	return semaphore.NewWeighted(e.maxConcurrency)
}
