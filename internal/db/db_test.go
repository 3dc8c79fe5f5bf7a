package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/orchestra/internal/aggregate"
	"github.com/Kocoro-lab/orchestra/internal/decompose"
	"github.com/Kocoro-lab/orchestra/internal/metrics"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/orchestrator"
	"github.com/Kocoro-lab/orchestra/internal/streaming"
	"github.com/Kocoro-lab/orchestra/internal/workflows"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewClient(sqlx.NewDb(mockDB, "postgres"), Config{Workers: 1}, zaptest.NewLogger(t)), mock
}

func sampleRun() *orchestrator.Run {
	return &orchestrator.Run{
		ID:            "run-1",
		Request:       "fetch orders then analyze",
		Decomposition: &decompose.Decomposition{Pattern: "pipeline"},
		Workflow: &workflows.Workflow{
			ID:   "wf-1",
			Mode: workflows.ModePipeline,
			Steps: []workflows.WorkflowStep{
				{Task: &models.Task{ID: "query_1", Capability: models.CapabilityQuery}},
				{Task: &models.Task{ID: "analysis_1", Capability: models.CapabilityAnalyze}},
			},
		},
		Results: map[string]models.ExecutionResult{
			"query_1": {TaskID: "query_1", Success: true, Attempts: 1, ExecutionTimeMs: 5, AgentUsed: "query-agent"},
			"analysis_1": {TaskID: "analysis_1", Failure: models.FailureTimeout,
				ErrorMessage: "step timed out after 1s", Attempts: 2, ExecutionTimeMs: 2000},
		},
		Outcome: aggregate.AggregatedOutcome{
			Success:   true,
			Summary:   "1 of 2 steps succeeded, 1 failed.",
			Succeeded: 1,
			Failed:    1,
			Errors:    []aggregate.StepError{},
		},
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:  2100 * time.Millisecond,
	}
}

func TestBuildRecords(t *testing.T) {
	rec, steps := BuildRecords(sampleRun())

	assert.Equal(t, "run-1", rec.ID)
	assert.Equal(t, "wf-1", rec.WorkflowID)
	assert.Equal(t, "pipeline", rec.Pattern)
	assert.Equal(t, "pipeline", rec.Mode)
	assert.Equal(t, int64(2100), rec.DurationMs)
	assert.Equal(t, "1 of 2 steps succeeded, 1 failed.", rec.Outcome["summary"])

	require.Len(t, steps, 2)
	assert.Equal(t, "analysis_1", steps[0].StepID)
	assert.Equal(t, "analyze", steps[0].Capability)
	assert.Equal(t, string(models.FailureTimeout), steps[0].Failure)
	assert.Equal(t, "query_1", steps[1].StepID)
	assert.Equal(t, "query-agent", steps[1].Agent)
}

func TestSaveRun(t *testing.T) {
	c, mock := newMockClient(t)
	before := testutil.ToFloat64(metrics.OutcomeWrites.WithLabelValues("ok"))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orchestration_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO step_executions").
		WithArgs("run-1", "analysis_1", "analyze", "", false, false, "timeout", "step timed out after 1s", 2, int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO step_executions").
		WithArgs("run-1", "query_1", "query", "query-agent", true, false, "", "", 1, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, steps := BuildRecords(sampleRun())
	require.NoError(t, c.SaveRun(context.Background(), rec, steps))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.OutcomeWrites.WithLabelValues("ok")))

	mock.ExpectClose()
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunRollsBackOnError(t *testing.T) {
	c, mock := newMockClient(t)
	before := testutil.ToFloat64(metrics.OutcomeWrites.WithLabelValues("error"))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orchestration_runs").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	rec, steps := BuildRecords(sampleRun())
	err := c.SaveRun(context.Background(), rec, steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save run")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.OutcomeWrites.WithLabelValues("error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIsWrittenBeforeClose(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orchestration_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO step_executions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO step_executions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	require.NoError(t, c.Record(context.Background(), sampleRun()))
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, c.Record(context.Background(), sampleRun()), ErrClosed)
}

func TestPublishPersistsEvents(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO event_logs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	c.Publish("wf-1", streaming.Event{
		Type:   streaming.EventStepCompleted,
		StepID: "query_1",
		Data:   map[string]interface{}{"attempts": 1},
		Seq:    3,
	})
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRun(t *testing.T) {
	c, mock := newMockClient(t)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "workflow_id", "request", "pattern", "mode", "ambiguous", "success", "summary",
		"succeeded", "failed", "skipped", "duration_ms", "outcome", "started_at", "created_at",
	}).AddRow("run-1", "wf-1", "fetch orders", "query", "sequential", false, true, "1 of 1 steps succeeded.",
		1, 0, 0, 12, []byte(`{"success":true}`), started, started)
	mock.ExpectQuery(`(?s)SELECT .* FROM orchestration_runs WHERE id = \$1`).WithArgs("run-1").WillReturnRows(rows)

	rec, err := c.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", rec.WorkflowID)
	assert.True(t, rec.Success)
	assert.Equal(t, true, rec.Outcome["success"])
	assert.True(t, rec.StartedAt.Equal(started))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, Config{
		Driver:         "sqlite3",
		DSN:            filepath.Join(t.TempDir(), "runs.db"),
		MaxConnections: 1,
	}, zap.NewNop())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer c.Close()
	require.NoError(t, c.Migrate(ctx))

	rec, steps := BuildRecords(sampleRun())
	require.NoError(t, c.SaveRun(ctx, rec, steps))
	require.NoError(t, c.SaveRun(ctx, rec, steps), "saving twice is a no-op")

	got, err := c.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "fetch orders then analyze", got.Request)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, "1 of 2 steps succeeded, 1 failed.", got.Outcome["summary"])

	stored, err := c.LoadSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "analysis_1", stored[0].StepID)
	assert.Equal(t, 2, stored[0].Attempts)

	runs, err := c.RecentRuns(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres"}, nil)
	assert.Error(t, err)
}

func TestLoadRunNotFound(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(`(?s)SELECT .* FROM orchestration_runs`).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := c.LoadRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
