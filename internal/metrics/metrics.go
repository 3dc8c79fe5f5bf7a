package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"mode"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
		[]string{"mode", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Step metrics
	StepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_step_attempts_total",
			Help: "Total number of step attempts",
		},
		[]string{"capability", "outcome"},
	)

	StepResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_step_results_total",
			Help: "Settled step results by failure kind (empty kind means success)",
		},
		[]string{"capability", "failure"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_step_duration_ms",
			Help:    "Step execution duration in milliseconds, retries included",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000},
		},
		[]string{"capability"},
	)

	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_step_retries_total",
			Help: "Total number of step retries",
		},
		[]string{"capability"},
	)

	// Decomposition metrics
	Decompositions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_decompositions_total",
			Help: "Total number of decompositions by pattern",
		},
		[]string{"pattern"},
	)

	DecompositionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestra_decomposition_errors_total",
			Help: "Total number of structural decomposition errors",
		},
	)

	// Context store metrics
	CompressionPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_context_compression_passes_total",
			Help: "Total number of context compression passes",
		},
		[]string{"level"},
	)

	ChunksEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestra_context_chunks_evicted_total",
			Help: "Total number of context chunks evicted during compression",
		},
	)

	ContextTokens = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestra_context_tokens",
			Help:    "Live context tokens observed after each ingest",
			Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		},
	)

	// Aggregation metrics
	AggregationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestra_aggregation_fallbacks_total",
			Help: "Total number of times the template summary replaced the summarizer",
		},
	)

	// Agent guard metrics
	AgentRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_agent_rejections_total",
			Help: "Agent invocations rejected by the circuit breaker or rate limiter",
		},
		[]string{"capability", "reason"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestra_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Outcome persistence metrics
	OutcomeWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_outcome_writes_total",
			Help: "Total number of persisted orchestration outcomes",
		},
		[]string{"status"},
	)
)

// RecordWorkflowMetrics records metrics for a completed workflow
func RecordWorkflowMetrics(mode, status string, durationSeconds float64) {
	WorkflowsCompleted.WithLabelValues(mode, status).Inc()
	WorkflowDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordStepMetrics records the settled outcome of one step
func RecordStepMetrics(capability, failure string, durationMs float64, retries int) {
	StepResults.WithLabelValues(capability, failure).Inc()
	StepDuration.WithLabelValues(capability).Observe(durationMs)
	if retries > 0 {
		StepRetries.WithLabelValues(capability).Add(float64(retries))
	}
}
