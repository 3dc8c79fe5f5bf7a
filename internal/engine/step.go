package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/agents"
	"github.com/Kocoro-lab/orchestra/internal/metrics"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/streaming"
	"github.com/Kocoro-lab/orchestra/internal/tracing"
	"github.com/Kocoro-lab/orchestra/internal/workflows"
)

type invocation struct {
	value interface{}
	err   error
}

// runStep attempts a step up to 1+MaxRetries times and settles it. It never
// returns an error: every failure becomes a result value.
func (r *run) runStep(ctx context.Context, step *workflows.WorkflowStep, input map[string]interface{}) models.ExecutionResult {
	id := step.ID()
	capability := string(step.Task.Capability)
	logger := r.e.logger.With(
		zap.String("workflow_id", r.wf.ID),
		zap.String("step_id", id),
		zap.String("agent", step.AgentRef.Name),
	)
	start := time.Now()

	r.e.transition(r.wf.ID, id, StatePending, StateRunning, 1)
	r.e.publish(r.wf.ID, streaming.Event{
		Type:    streaming.EventStepStarted,
		StepID:  id,
		AgentID: step.AgentRef.Name,
		Message: step.Task.Description,
	})

	agent, err := r.e.registry.Resolve(step.AgentRef)
	if err != nil {
		logger.Error("Failed to resolve agent", zap.Error(err))
		res := r.failure(step, models.FailureAgentError, err.Error(), 1, elapsedMs(start))
		r.finish(step, res, StateRunning)
		return res
	}

	var (
		kind    models.FailureKind
		lastErr error
		attempt int
	)
	maxAttempts := 1 + step.MaxRetries
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		value, k, err := r.attempt(ctx, step, agent, input, attempt)
		if err == nil {
			metrics.StepAttempts.WithLabelValues(capability, "success").Inc()
			res := models.ExecutionResult{
				TaskID:          id,
				Success:         true,
				Value:           value,
				ExecutionTimeMs: elapsedMs(start),
				Attempts:        attempt,
				AgentUsed:       step.AgentRef.Name,
				Metadata:        r.metadata(step),
			}
			r.finish(step, res, StateRunning)
			return res
		}
		metrics.StepAttempts.WithLabelValues(capability, string(k)).Inc()
		kind, lastErr = k, err
		logger.Warn("Step attempt failed",
			zap.Int("attempt", attempt),
			zap.String("failure", string(k)),
			zap.Error(err),
		)

		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		r.e.transition(r.wf.ID, id, StateRunning, StateFailed, attempt)
		delay := r.wf.ErrorPolicy.Backoff(attempt - 1)
		r.e.publish(r.wf.ID, streaming.Event{
			Type:    streaming.EventStepRetry,
			StepID:  id,
			AgentID: step.AgentRef.Name,
			Message: err.Error(),
			Data: map[string]interface{}{
				"attempt":    attempt,
				"backoff_ms": delay.Milliseconds(),
			},
		})
		if err := r.e.sleep(ctx, delay); err != nil {
			break
		}
		r.e.transition(r.wf.ID, id, StateFailed, StateRunning, attempt+1)
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}

	msg := lastErr.Error()
	if step.MaxRetries > 0 && attempt == maxAttempts {
		kind = models.FailureRetriesExhausted
		msg = fmt.Sprintf("failed after %d attempts: %s", attempt, lastErr.Error())
	}
	res := r.failure(step, kind, msg, attempt, elapsedMs(start))
	r.finish(step, res, StateRunning)
	return res
}

// attempt runs one invocation under the step timeout. A panic in the agent
// is recovered into an agent error for this step only.
func (r *run) attempt(ctx context.Context, step *workflows.WorkflowStep, agent agents.Agent, input map[string]interface{}, n int) (interface{}, models.FailureKind, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if step.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	actx, span := tracing.StartStepSpan(actx, step.ID(), string(step.Task.Capability), n)
	defer span.End()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.e.logger.Error("Agent panicked",
					zap.String("workflow_id", r.wf.ID),
					zap.String("step_id", step.ID()),
					zap.Any("panic", p),
				)
				done <- invocation{err: fmt.Errorf("agent panic: %v", p)}
			}
		}()
		v, err := agent.Invoke(actx, step.Task.Capability, input, r.rc)
		done <- invocation{value: v, err: err}
	}()

	var inv invocation
	select {
	case inv = <-done:
	case <-actx.Done():
		inv = invocation{err: actx.Err()}
	}
	if inv.err == nil {
		return inv.value, models.FailureNone, nil
	}

	span.RecordError(inv.err)
	span.SetStatus(codes.Error, inv.err.Error())
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, models.FailureTimeout, fmt.Errorf("step timed out after %s", step.Timeout)
	}
	return nil, models.FailureAgentError, inv.err
}

// failure builds a failed result for step.
func (r *run) failure(step *workflows.WorkflowStep, kind models.FailureKind, msg string, attempts int, ms int64) models.ExecutionResult {
	return models.ExecutionResult{
		TaskID:          step.ID(),
		ErrorMessage:    msg,
		Failure:         kind,
		ExecutionTimeMs: ms,
		Attempts:        attempts,
		AgentUsed:       step.AgentRef.Name,
		Metadata:        r.metadata(step),
	}
}

func (r *run) skip(step *workflows.WorkflowStep, reason string) {
	res := models.ExecutionResult{
		TaskID:       step.ID(),
		Skipped:      true,
		ErrorMessage: reason,
		AgentUsed:    step.AgentRef.Name,
		Metadata:     r.metadata(step),
	}
	r.settleUnattempted(step, res, StateSkipped)
}

// settleUnattempted records a step that never reached Running.
func (r *run) settleUnattempted(step *workflows.WorkflowStep, res models.ExecutionResult, to StepState) {
	r.record(res)
	r.e.transition(r.wf.ID, step.ID(), StatePending, to, 0)
	r.observe(step, res)
}

// finish emits the terminal transition of an attempted step. The caller
// records the result.
func (r *run) finish(step *workflows.WorkflowStep, res models.ExecutionResult, from StepState) {
	to := StateCompleted
	if !res.Success {
		to = StateFailed
	}
	r.e.transition(r.wf.ID, step.ID(), from, to, res.Attempts)
	r.observe(step, res)
}

func (r *run) observe(step *workflows.WorkflowStep, res models.ExecutionResult) {
	retries := 0
	if res.Attempts > 1 {
		retries = res.Attempts - 1
	}
	metrics.RecordStepMetrics(string(step.Task.Capability), string(res.Failure), float64(res.ExecutionTimeMs), retries)

	evt := streaming.Event{
		StepID:  step.ID(),
		AgentID: step.AgentRef.Name,
		Data: map[string]interface{}{
			"attempts":          res.Attempts,
			"execution_time_ms": res.ExecutionTimeMs,
		},
	}
	switch {
	case res.Success:
		evt.Type = streaming.EventStepCompleted
	case res.Skipped:
		evt.Type = streaming.EventStepSkipped
		evt.Message = res.ErrorMessage
	default:
		evt.Type = streaming.EventStepFailed
		evt.Message = res.ErrorMessage
		evt.Data["failure"] = string(res.Failure)
	}
	r.e.publish(r.wf.ID, evt)
}

func (r *run) metadata(step *workflows.WorkflowStep) map[string]interface{} {
	return map[string]interface{}{
		"capability":     string(step.Task.Capability),
		"agent_instance": agents.InstanceName(r.wf.ID, r.index[step.ID()]),
		"parallel_group": step.ParallelGroup,
		"mode":           string(r.wf.Mode),
	}
}

func elapsedMs(start time.Time) int64 {
	ms := time.Since(start).Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
