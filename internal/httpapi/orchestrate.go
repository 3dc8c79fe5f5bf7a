// Package httpapi exposes the orchestrator over HTTP: synchronous
// orchestration, dry-run planning, stored run lookup and SSE event streams.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/aggregate"
	"github.com/Kocoro-lab/orchestra/internal/db"
	"github.com/Kocoro-lab/orchestra/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

// RunStore reads persisted runs. *db.Client satisfies it.
type RunStore interface {
	LoadRun(ctx context.Context, id string) (*db.RunRecord, error)
	LoadSteps(ctx context.Context, runID string) ([]db.StepRecord, error)
}

// OrchestrateHandler serves the orchestration endpoints.
type OrchestrateHandler struct {
	orch    *orchestrator.Orchestrator
	runs    RunStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewOrchestrateHandler creates the handler. runs may be nil when
// persistence is disabled; timeout bounds one orchestration (0 = none).
func NewOrchestrateHandler(orch *orchestrator.Orchestrator, runs RunStore, timeout time.Duration, logger *zap.Logger) *OrchestrateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrchestrateHandler{orch: orch, runs: runs, timeout: timeout, logger: logger}
}

func (h *OrchestrateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/orchestrate", h.handleOrchestrate)
	mux.HandleFunc("POST /v1/plan", h.handlePlan)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGetRun)
}

type orchestrateRequest struct {
	Request string                 `json:"request"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type orchestrateResponse struct {
	RunID      string                      `json:"run_id"`
	WorkflowID string                      `json:"workflow_id"`
	Pattern    string                      `json:"pattern"`
	Ambiguous  bool                        `json:"ambiguous"`
	Mode       string                      `json:"mode"`
	DurationMs int64                       `json:"duration_ms"`
	Outcome    aggregate.AggregatedOutcome `json:"outcome"`
}

func (h *OrchestrateHandler) decode(w http.ResponseWriter, r *http.Request) (orchestrateRequest, bool) {
	var req orchestrateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return req, false
	}
	req.Request = strings.TrimSpace(req.Request)
	if req.Request == "" {
		h.writeError(w, http.StatusBadRequest, "request is required")
		return req, false
	}
	return req, true
}

func (h *OrchestrateHandler) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	run, err := h.orch.Run(ctx, req.Request, req.Context)
	if err != nil {
		// Rejected before execution: the request cannot be planned.
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, orchestrateResponse{
		RunID:      run.ID,
		WorkflowID: run.Workflow.ID,
		Pattern:    run.Decomposition.Pattern,
		Ambiguous:  run.Decomposition.Ambiguous,
		Mode:       string(run.Workflow.Mode),
		DurationMs: run.Duration.Milliseconds(),
		Outcome:    run.Outcome,
	})
}

func (h *OrchestrateHandler) handlePlan(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	d, wf, err := h.orch.Plan(r.Context(), req.Request)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	wf.Request = req.Request
	h.writeJSON(w, http.StatusOK, orchestrator.DescribePlan(d, wf))
}

func (h *OrchestrateHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeError(w, http.StatusNotImplemented, "run persistence is disabled")
		return
	}
	id := r.PathValue("id")
	rec, err := h.runs.LoadRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("Failed to load run", zap.String("run_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	steps, err := h.runs.LoadSteps(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load run steps", zap.String("run_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":   rec,
		"steps": steps,
	})
}

func (h *OrchestrateHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *OrchestrateHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{"error": message})
}
