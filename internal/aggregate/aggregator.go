// Package aggregate folds a run's step results into one bounded outcome:
// per-bucket metrics, a narrative summary and short per-step descriptions.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/contextstore"
	"github.com/Kocoro-lab/orchestra/internal/metrics"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/util"
)

// Summary sources
const (
	SourceSummarizer = "summarizer"
	SourceTemplate   = "template"
)

// StepSummary replaces a step's payload with a short description.
type StepSummary struct {
	StepID          string             `json:"step_id"`
	Bucket          Bucket             `json:"bucket"`
	Success         bool               `json:"success"`
	Skipped         bool               `json:"skipped,omitempty"`
	Failure         models.FailureKind `json:"failure,omitempty"`
	Attempts        int                `json:"attempts"`
	ExecutionTimeMs int64              `json:"execution_time_ms"`
	Agent           string             `json:"agent,omitempty"`
	Description     string             `json:"description"`
}

// StepError is one failed step.
type StepError struct {
	StepID  string             `json:"step_id"`
	Failure models.FailureKind `json:"failure"`
	Message string             `json:"message"`
}

// AggregatedOutcome is the single result handed back to the caller.
// Success is true when at least one step succeeded.
type AggregatedOutcome struct {
	Success       bool                     `json:"success"`
	Summary       string                   `json:"summary"`
	SummarySource string                   `json:"summary_source"`
	Buckets       map[Bucket]BucketMetrics `json:"buckets"`
	Steps         []StepSummary            `json:"steps"`
	Errors        []StepError              `json:"errors"`
	Succeeded     int                      `json:"succeeded"`
	Failed        int                      `json:"failed"`
	Skipped       int                      `json:"skipped"`
	TotalTimeMs   int64                    `json:"total_time_ms"`
}

// Config bounds the outcome.
type Config struct {
	// MaxSummaryTokens caps the narrative summary.
	MaxSummaryTokens int
	// DescriptionChars caps each step description.
	DescriptionChars int
	CharsPerToken    int
	// SummaryTimeout bounds a summarizer call.
	SummaryTimeout time.Duration
}

// DefaultConfig returns a 256 token summary, 120 character descriptions and a
// 10s summarizer timeout.
func DefaultConfig() Config {
	return Config{
		MaxSummaryTokens: 256,
		DescriptionChars: 120,
		CharsPerToken:    4,
		SummaryTimeout:   10 * time.Second,
	}
}

// minSummaryTokens keeps the headline readable when the context is full.
const minSummaryTokens = 32

// Aggregator builds outcomes. It is safe for concurrent use.
type Aggregator struct {
	summarizer Summarizer
	cfg        Config
	logger     *zap.Logger
}

// New creates an aggregator. summarizer may be nil, in which case the
// template summary is always used.
func New(summarizer Summarizer, cfg Config, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = def.MaxSummaryTokens
	}
	if cfg.DescriptionChars <= 0 {
		cfg.DescriptionChars = def.DescriptionChars
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = def.CharsPerToken
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = def.SummaryTimeout
	}
	return &Aggregator{summarizer: summarizer, cfg: cfg, logger: logger}
}

// Aggregate builds the outcome of results.
func (a *Aggregator) Aggregate(ctx context.Context, results map[string]models.ExecutionResult) AggregatedOutcome {
	return a.aggregate(ctx, results, a.cfg.MaxSummaryTokens)
}

// AggregateWithStore is Aggregate with the summary also bounded by the
// tokens left in store.
func (a *Aggregator) AggregateWithStore(ctx context.Context, results map[string]models.ExecutionResult, store *contextstore.Store) AggregatedOutcome {
	budget := a.cfg.MaxSummaryTokens
	if store != nil {
		if r := store.Remaining(); r < budget {
			budget = r
		}
	}
	if budget < minSummaryTokens {
		budget = minSummaryTokens
	}
	return a.aggregate(ctx, results, budget)
}

func (a *Aggregator) aggregate(ctx context.Context, results map[string]models.ExecutionResult, summaryTokens int) AggregatedOutcome {
	out := AggregatedOutcome{
		Buckets: make(map[Bucket]BucketMetrics),
		Steps:   make([]StepSummary, 0, len(results)),
		Errors:  []StepError{},
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		res := results[id]
		bucket := Classify(id)
		m := out.Buckets[bucket]
		m.add(bucket, res)
		out.Buckets[bucket] = m

		switch {
		case res.Success:
			out.Succeeded++
		case res.Skipped:
			out.Skipped++
		default:
			out.Failed++
			out.Errors = append(out.Errors, StepError{StepID: id, Failure: res.Failure, Message: res.ErrorMessage})
		}
		out.TotalTimeMs += res.ExecutionTimeMs
		out.Steps = append(out.Steps, StepSummary{
			StepID:          id,
			Bucket:          bucket,
			Success:         res.Success,
			Skipped:         res.Skipped,
			Failure:         res.Failure,
			Attempts:        res.Attempts,
			ExecutionTimeMs: res.ExecutionTimeMs,
			Agent:           res.AgentUsed,
			Description:     util.TruncateString(Describe(res), a.cfg.DescriptionChars, true),
		})
	}
	for b, m := range out.Buckets {
		m.finish()
		out.Buckets[b] = m
	}
	out.Success = out.Succeeded > 0

	out.Summary, out.SummarySource = a.summarize(ctx, &out)
	out.Summary = util.TruncateString(out.Summary, summaryTokens*a.cfg.CharsPerToken, true)

	a.logger.Debug("Results aggregated",
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
		zap.Int("skipped", out.Skipped),
		zap.String("summary_source", out.SummarySource),
	)
	return out
}

// summarize asks the summarizer and falls back to the template on any
// failure, including a panic.
func (a *Aggregator) summarize(ctx context.Context, out *AggregatedOutcome) (summary, source string) {
	if a.summarizer == nil {
		return templateSummary(out), SourceTemplate
	}

	text, err := a.callSummarizer(ctx, structuredMetrics(out))
	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmptySummary
	}
	if err != nil {
		metrics.AggregationFallbacks.Inc()
		a.logger.Warn("Summarizer failed, using template summary", zap.Error(err))
		return templateSummary(out), SourceTemplate
	}
	return text, SourceSummarizer
}

func (a *Aggregator) callSummarizer(ctx context.Context, m map[string]interface{}) (text string, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SummaryTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("summarizer panic: %v", p)
		}
	}()
	return a.summarizer.Summarize(ctx, m)
}

func structuredMetrics(o *AggregatedOutcome) map[string]interface{} {
	buckets := make(map[string]interface{}, len(o.Buckets))
	for b, m := range o.Buckets {
		entry := map[string]interface{}{
			"count":        m.Count,
			"success_rate": m.SuccessRate,
		}
		for k, v := range m.Metrics {
			entry[k] = v
		}
		buckets[string(b)] = entry
	}
	return map[string]interface{}{
		"succeeded": o.Succeeded,
		"failed":    o.Failed,
		"skipped":   o.Skipped,
		"buckets":   buckets,
	}
}

// Describe renders a result as a short description that never includes the
// payload itself.
func Describe(res models.ExecutionResult) string {
	switch {
	case res.Skipped:
		return "skipped: " + res.ErrorMessage
	case !res.Success:
		return fmt.Sprintf("failed (%s) after %d attempt(s)", res.Failure, res.Attempts)
	}

	switch v := res.Value.(type) {
	case nil:
		return "completed with no data"
	case string:
		return fmt.Sprintf("text, %d words", len(strings.Fields(v)))
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		desc := fmt.Sprintf("object with %d field(s): %s", len(v), strings.Join(keys, ", "))
		if n, ok := firstNumber(v, "rowCount", "row_count"); ok {
			desc = fmt.Sprintf("%s; %.0f rows", desc, n)
		}
		return desc
	case []interface{}:
		return fmt.Sprintf("list of %d item(s)", len(v))
	case bool:
		return fmt.Sprintf("boolean %t", v)
	}
	if _, ok := util.ParseNumericValue(res.Value); ok {
		return "number"
	}
	return fmt.Sprintf("value of type %T", res.Value)
}
