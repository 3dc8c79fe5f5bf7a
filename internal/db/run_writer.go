package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/metrics"
	"github.com/Kocoro-lab/orchestra/internal/orchestrator"
)

// ErrRunNotFound is returned by LoadRun for unknown ids.
var ErrRunNotFound = errors.New("run not found")

type runWrite struct {
	run   *RunRecord
	steps []StepRecord
}

// BuildRecords flattens a finished run into its rows.
func BuildRecords(run *orchestrator.Run) (*RunRecord, []StepRecord) {
	rec := &RunRecord{
		ID:         run.ID,
		Request:    run.Request,
		Success:    run.Outcome.Success,
		Summary:    run.Outcome.Summary,
		Succeeded:  run.Outcome.Succeeded,
		Failed:     run.Outcome.Failed,
		Skipped:    run.Outcome.Skipped,
		DurationMs: run.Duration.Milliseconds(),
		Outcome:    outcomePayload(run),
		StartedAt:  run.StartedAt,
		CreatedAt:  time.Now(),
	}
	if run.Decomposition != nil {
		rec.Pattern = run.Decomposition.Pattern
		rec.Ambiguous = run.Decomposition.Ambiguous
	}

	capabilities := map[string]string{}
	if run.Workflow != nil {
		rec.WorkflowID = run.Workflow.ID
		rec.Mode = string(run.Workflow.Mode)
		for _, s := range run.Workflow.Steps {
			capabilities[s.ID()] = string(s.Task.Capability)
		}
	}

	steps := make([]StepRecord, 0, len(run.Results))
	for id, res := range run.Results {
		steps = append(steps, StepRecord{
			RunID:           run.ID,
			StepID:          id,
			Capability:      capabilities[id],
			Agent:           res.AgentUsed,
			Success:         res.Success,
			Skipped:         res.Skipped,
			Failure:         string(res.Failure),
			ErrorMessage:    res.ErrorMessage,
			Attempts:        res.Attempts,
			ExecutionTimeMs: res.ExecutionTimeMs,
		})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })
	return rec, steps
}

// outcomePayload round-trips the outcome through JSON so the column holds
// exactly what the API returns.
func outcomePayload(run *orchestrator.Run) JSONB {
	raw, err := json.Marshal(run.Outcome)
	if err != nil {
		return JSONB{}
	}
	var out JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		return JSONB{}
	}
	return out
}

// Record queues run for persistence. It satisfies orchestrator.Recorder.
func (c *Client) Record(_ context.Context, run *orchestrator.Run) error {
	rec, steps := BuildRecords(run)
	return c.QueueWrite(WriteTypeRun, runWrite{run: rec, steps: steps}, nil)
}

const insertRun = `
	INSERT INTO orchestration_runs (
		id, workflow_id, request, pattern, mode, ambiguous, success, summary,
		succeeded, failed, skipped, duration_ms, outcome, started_at, created_at
	) VALUES (
		:id, :workflow_id, :request, :pattern, :mode, :ambiguous, :success, :summary,
		:succeeded, :failed, :skipped, :duration_ms, :outcome, :started_at, :created_at
	)
	ON CONFLICT (id) DO NOTHING`

const insertStep = `
	INSERT INTO step_executions (
		run_id, step_id, capability, agent, success, skipped, failure,
		error_message, attempts, execution_time_ms
	) VALUES (
		:run_id, :step_id, :capability, :agent, :success, :skipped, :failure,
		:error_message, :attempts, :execution_time_ms
	)
	ON CONFLICT (run_id, step_id) DO NOTHING`

// SaveRun writes a run and its steps in one transaction. Saving the same
// run twice is a no-op.
func (c *Client) SaveRun(ctx context.Context, run *RunRecord, steps []StepRecord) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			}
		}()

		if _, err := tx.NamedExecContext(ctx, insertRun, run); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save run: %w", err)
		}
		for i := range steps {
			if _, err := tx.NamedExecContext(ctx, insertStep, &steps[i]); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to save step %s: %w", steps[i].StepID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
		return nil
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.OutcomeWrites.WithLabelValues(status).Inc()
	if err == nil {
		c.logger.Debug("Run saved",
			zap.String("run_id", run.ID),
			zap.Int("steps", len(steps)),
		)
	}
	return err
}

// LoadRun reads one run by id.
func (c *Client) LoadRun(ctx context.Context, id string) (*RunRecord, error) {
	var rec RunRecord
	query := c.db.Rebind(`SELECT id, workflow_id, request, pattern, mode, ambiguous, success, summary,
		succeeded, failed, skipped, duration_ms, outcome, started_at, created_at
		FROM orchestration_runs WHERE id = ?`)
	if err := c.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return &rec, nil
}

// LoadSteps reads the step rows of a run ordered by step id.
func (c *Client) LoadSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	var steps []StepRecord
	query := c.db.Rebind(`SELECT run_id, step_id, capability, agent, success, skipped, failure,
		error_message, attempts, execution_time_ms
		FROM step_executions WHERE run_id = ? ORDER BY step_id`)
	if err := c.db.SelectContext(ctx, &steps, query, runID); err != nil {
		return nil, fmt.Errorf("failed to load steps of %s: %w", runID, err)
	}
	return steps, nil
}

// RecentRuns lists the latest runs, newest first.
func (c *Client) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []RunRecord
	query := c.db.Rebind(`SELECT id, workflow_id, request, pattern, mode, ambiguous, success, summary,
		succeeded, failed, skipped, duration_ms, outcome, started_at, created_at
		FROM orchestration_runs ORDER BY created_at DESC LIMIT ?`)
	if err := c.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
