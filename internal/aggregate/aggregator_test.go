package aggregate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/orchestra/internal/agents"
	"github.com/Kocoro-lab/orchestra/internal/contextstore"
	"github.com/Kocoro-lab/orchestra/internal/metrics"
	"github.com/Kocoro-lab/orchestra/internal/models"
)

func TestClassify(t *testing.T) {
	tests := map[string]Bucket{
		"query_1":          BucketQuery,
		"sql_sales":        BucketQuery,
		"fetch_orders":     BucketQuery,
		"analysis_1":       BucketAnalysis,
		"analyze_trend":    BucketAnalysis,
		"visualization_1":  BucketVisualization,
		"chart_2":          BucketVisualization,
		"content_1":        BucketContent,
		"report_final":     BucketContent,
		"generate_summary": BucketContent,
		"misc_step":        BucketOther,
		"Query_Upper":      BucketQuery,
	}
	for id, want := range tests {
		assert.Equal(t, want, Classify(id), id)
	}
}

func sampleResults() map[string]models.ExecutionResult {
	rows := make([]interface{}, 500)
	for i := range rows {
		rows[i] = map[string]interface{}{"id": i, "amount": i * 10}
	}
	return map[string]models.ExecutionResult{
		"query_1": {TaskID: "query_1", Success: true, Attempts: 1, ExecutionTimeMs: 5,
			Value: map[string]interface{}{"rowCount": 500, "rows": rows}},
		"query_2": {TaskID: "query_2", Success: true, Attempts: 1, ExecutionTimeMs: 3,
			Value: map[string]interface{}{"rowCount": "25 rows"}},
		"analysis_1": {TaskID: "analysis_1", Success: true, Attempts: 2, ExecutionTimeMs: 7,
			Value: map[string]interface{}{"summary": "up", "insights": []interface{}{"a", "b"}}},
		"visualization_1": {TaskID: "visualization_1", Failure: models.FailureTimeout,
			ErrorMessage: "step timed out after 1s", Attempts: 1, ExecutionTimeMs: 1000},
		"content_1": {TaskID: "content_1", Skipped: true, ErrorMessage: "condition false"},
		"analysis_0": {TaskID: "analysis_0", Failure: models.FailureDependencyNotMet,
			ErrorMessage: "dependency not met: query_9 failed"},
	}
}

func TestAggregateBucketsAndCounts(t *testing.T) {
	a := New(nil, DefaultConfig(), zaptest.NewLogger(t))
	out := a.Aggregate(context.Background(), sampleResults())

	assert.True(t, out.Success)
	assert.Equal(t, 3, out.Succeeded)
	assert.Equal(t, 2, out.Failed)
	assert.Equal(t, 1, out.Skipped)
	assert.Equal(t, int64(1015), out.TotalTimeMs)

	q := out.Buckets[BucketQuery]
	assert.Equal(t, 2, q.Count)
	assert.Equal(t, 1.0, q.SuccessRate)
	assert.Equal(t, 525.0, q.Metrics["total_rows"])

	an := out.Buckets[BucketAnalysis]
	assert.Equal(t, 2, an.Count)
	assert.Equal(t, 0.5, an.SuccessRate)
	assert.Equal(t, 2.0, an.Metrics["insights"])

	c := out.Buckets[BucketContent]
	assert.Equal(t, 0, c.Count, "skipped steps are not counted")
	assert.Equal(t, 1, c.Skipped)
	assert.Equal(t, 0.0, c.SuccessRate)

	require.Len(t, out.Errors, 2)
	assert.Equal(t, "analysis_0", out.Errors[0].StepID)
	assert.Equal(t, models.FailureDependencyNotMet, out.Errors[0].Failure)
	assert.Equal(t, "visualization_1", out.Errors[1].StepID)
}

func TestAggregateCompressesPayloads(t *testing.T) {
	a := New(nil, Config{DescriptionChars: 60}, zap.NewNop())
	out := a.Aggregate(context.Background(), sampleResults())

	require.Len(t, out.Steps, 6)
	for _, s := range out.Steps {
		assert.LessOrEqual(t, len([]rune(s.Description)), 60, s.StepID)
		assert.NotContains(t, s.Description, "amount")
	}
	assert.Equal(t, "analysis_0", out.Steps[0].StepID)
	assert.Contains(t, Describe(sampleResults()["query_1"]), "500 rows")
}

func TestTemplateSummary(t *testing.T) {
	a := New(nil, DefaultConfig(), zap.NewNop())
	out := a.Aggregate(context.Background(), sampleResults())

	assert.Equal(t, SourceTemplate, out.SummarySource)
	assert.True(t, strings.HasPrefix(out.Summary, "3 of 5 steps succeeded, 2 failed, 1 skipped."), out.Summary)
	assert.Contains(t, out.Summary, "query: 2 step(s), 100% successful, 525 rows.")
	assert.Contains(t, out.Summary, "analysis: 2 step(s), 50% successful, 2 insights.")
	assert.NotContains(t, out.Summary, "content:")
}

func TestSummarizerFailureFallsBack(t *testing.T) {
	before := testutil.ToFloat64(metrics.AggregationFallbacks)
	failing := SummarizerFunc(func(context.Context, map[string]interface{}) (string, error) {
		return "", errors.New("llm unavailable")
	})
	out := New(failing, DefaultConfig(), zap.NewNop()).Aggregate(context.Background(), sampleResults())

	assert.Equal(t, SourceTemplate, out.SummarySource)
	assert.NotEmpty(t, out.Summary)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AggregationFallbacks))
}

func TestSummarizerPanicFallsBack(t *testing.T) {
	panicking := SummarizerFunc(func(context.Context, map[string]interface{}) (string, error) {
		panic("boom")
	})
	out := New(panicking, DefaultConfig(), zap.NewNop()).Aggregate(context.Background(), sampleResults())
	assert.Equal(t, SourceTemplate, out.SummarySource)
}

func TestSummarizerReceivesMetrics(t *testing.T) {
	var got map[string]interface{}
	s := SummarizerFunc(func(_ context.Context, m map[string]interface{}) (string, error) {
		got = m
		return "Sales grew.", nil
	})
	out := New(s, DefaultConfig(), zap.NewNop()).Aggregate(context.Background(), sampleResults())

	assert.Equal(t, SourceSummarizer, out.SummarySource)
	assert.Equal(t, "Sales grew.", out.Summary)
	require.NotNil(t, got)
	assert.Equal(t, 3, got["succeeded"])
	buckets := got["buckets"].(map[string]interface{})
	assert.Equal(t, 525.0, buckets["query"].(map[string]interface{})["total_rows"])
}

func TestAggregateWithStoreBoundsSummary(t *testing.T) {
	long := strings.Repeat("word ", 400)
	s := SummarizerFunc(func(context.Context, map[string]interface{}) (string, error) {
		return long, nil
	})
	store := contextstore.New(contextstore.Config{MaxTokens: 100, ReservedTokens: 0}, zap.NewNop())
	require.NoError(t, store.Ingest(contextstore.Chunk{ID: "query_1", Content: strings.Repeat("abcd", 75)}))

	a := New(s, DefaultConfig(), zap.NewNop())
	out := a.AggregateWithStore(context.Background(), sampleResults(), store)
	assert.LessOrEqual(t, len(out.Summary), minSummaryTokens*4)

	out = a.Aggregate(context.Background(), sampleResults())
	assert.LessOrEqual(t, len(out.Summary), 256*4)
	assert.Greater(t, len(out.Summary), minSummaryTokens*4)
}

func TestAggregateEmpty(t *testing.T) {
	out := New(nil, DefaultConfig(), nil).Aggregate(context.Background(), nil)
	assert.False(t, out.Success)
	assert.Equal(t, "0 of 0 steps succeeded.", out.Summary)
	assert.Empty(t, out.Errors)
	assert.NotNil(t, out.Errors)
}

func TestAgentSummarizer(t *testing.T) {
	r := agents.NewRegistry(nil, zap.NewNop())
	require.NoError(t, agents.RegisterBuiltins(r))
	s := NewAgentSummarizer(r, agents.NewSelector(r, zap.NewNop()))

	ctx := models.WithRequestContext(context.Background(), models.RequestContext{Request: "quarterly sales"})
	text, err := s.Summarize(ctx, map[string]interface{}{"succeeded": 1})
	require.NoError(t, err)
	assert.Equal(t, "Report: quarterly sales", text)

	empty := agents.NewRegistry(nil, zap.NewNop())
	require.NoError(t, empty.RegisterAgent(models.CapabilityGenerateContent, agents.AgentFunc(
		func(context.Context, models.Capability, map[string]interface{}, models.RequestContext) (interface{}, error) {
			return map[string]interface{}{"other": 1}, nil
		})))
	_, err = NewAgentSummarizer(empty, agents.NewSelector(empty, nil)).Summarize(context.Background(), nil)
	assert.ErrorIs(t, err, errEmptySummary)
}
