package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/contextstore"
	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/util"
	"github.com/Kocoro-lab/orchestra/internal/workflows"
)

// run is the state of one Execute call.
type run struct {
	e     *Engine
	wf    *workflows.Workflow
	rc    models.RequestContext
	store *contextstore.Store
	index map[string]int

	mu      sync.Mutex
	results map[string]models.ExecutionResult
	// running is the accumulated context steps read their input from.
	running map[string]interface{}
}

func newRun(e *Engine, wf *workflows.Workflow, rc models.RequestContext, store *contextstore.Store) *run {
	request := wf.Request
	if request == "" {
		request = rc.Request
	}
	running := map[string]interface{}{
		workflows.KeyDescription: request,
		workflows.KeyResults:     map[string]interface{}{},
	}
	if len(rc.Values) > 0 {
		running["caller"] = rc.Values
	}
	index := make(map[string]int, len(wf.Steps))
	for i := range wf.Steps {
		index[wf.Steps[i].ID()] = i
	}
	return &run{
		e:       e,
		wf:      wf,
		rc:      rc,
		store:   store,
		index:   index,
		results: make(map[string]models.ExecutionResult, len(wf.Steps)),
		running: running,
	}
}

// record settles a step. Each step id is written exactly once; a second
// write is a scheduler bug and is dropped.
func (r *run) record(res models.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.results[res.TaskID]; exists {
		r.e.logger.Error("Duplicate result for step ignored",
			zap.String("workflow_id", r.wf.ID),
			zap.String("step_id", res.TaskID),
		)
		return
	}
	r.results[res.TaskID] = res
}

func (r *run) result(id string) (models.ExecutionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[id]
	return res, ok
}

func (r *run) snapshot() map[string]models.ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.ExecutionResult, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

// input builds a step's agent input: the task's own input, overlaid with
// values read through the step's input mapping, plus readable context chunks.
// withDependencies adds every dependency's value under "dependencies".
func (r *run) input(step *workflows.WorkflowStep, withDependencies bool) map[string]interface{} {
	in := make(map[string]interface{}, len(step.Task.Input)+len(step.InputMapping)+2)
	for k, v := range step.Task.Input {
		in[k] = v
	}

	r.mu.Lock()
	for key, path := range step.InputMapping {
		if v, ok := util.GetPath(r.running, path); ok {
			in[key] = v
		}
	}
	if withDependencies && len(step.Task.Dependencies) > 0 {
		deps := make(map[string]interface{}, len(step.Task.Dependencies))
		for _, dep := range step.Task.Dependencies {
			if res, ok := r.results[dep]; ok && res.Success {
				deps[dep] = res.Value
			}
		}
		in["dependencies"] = deps
	}
	r.mu.Unlock()

	if r.store != nil {
		if chunks := r.store.Query(step.Task.Capability); len(chunks) > 0 {
			in["context"] = chunks
		}
	}
	return in
}

// merge folds a settled result into the running context and, on success,
// into the context store.
func (r *run) merge(step *workflows.WorkflowStep, res models.ExecutionResult) {
	if res.Skipped {
		return
	}
	r.mu.Lock()
	for field, path := range step.OutputMapping {
		switch field {
		case "data":
			if res.Success {
				util.SetPath(r.running, path, res.Value)
			}
		case "success":
			util.SetPath(r.running, path, res.Success)
		case "error":
			if !res.Success {
				util.SetPath(r.running, path, res.ErrorMessage)
			}
		}
	}
	if res.Success {
		r.running[workflows.KeyPreviousResult] = map[string]interface{}{
			"data":    res.Value,
			"task_id": res.TaskID,
			"success": true,
		}
	}
	r.mu.Unlock()

	if !res.Success || r.store == nil {
		return
	}
	err := r.store.Ingest(contextstore.Chunk{
		ID:          step.ID(),
		ContentType: contextstore.ContentTypeFor(step.Task.Capability),
		Content:     contextstore.Render(res.Value),
		Priority:    step.Task.Priority,
	})
	if err != nil {
		r.e.logger.Warn("Failed to ingest step result", zap.String("step_id", step.ID()), zap.Error(err))
	}
}

// conditionInput is the Rego input document for a condition: a copy of the
// running context's top level.
func (r *run) conditionInput() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]interface{}, len(r.running))
	for k, v := range r.running {
		out[k] = v
	}
	return out
}

func (r *run) runSequential(ctx context.Context) {
	for i := range r.wf.Steps {
		step := &r.wf.Steps[i]
		res, ok := r.dependencyFailure(step)
		if ok {
			res = r.runStep(ctx, step, r.input(step, false))
			r.record(res)
		} else {
			r.settleUnattempted(step, res, StateFailed)
		}
		r.merge(step, res)
		if res.Success {
			continue
		}
		if !r.wf.ErrorPolicy.FallbackEnabled {
			r.e.logger.Warn("Sequential workflow aborted after step failure",
				zap.String("workflow_id", r.wf.ID),
				zap.String("step_id", step.ID()),
				zap.Int("unscheduled", len(r.wf.Steps)-i-1),
			)
			return
		}
	}
}

// runGroups runs parallel groups in order, each group's members
// concurrently. With checkDeps set (Pipeline), a step whose dependencies did
// not all succeed settles as DependencyNotMet without being attempted.
func (r *run) runGroups(ctx context.Context, checkDeps bool) {
	sem := r.e.semaphore()
	for _, group := range r.wf.Groups() {
		settled := make([]models.ExecutionResult, len(group))
		var wg sync.WaitGroup
		for i, id := range group {
			step, _ := r.wf.Step(id)
			if checkDeps {
				if res, ok := r.dependencyFailure(step); !ok {
					settled[i] = res
					r.settleUnattempted(step, res, StateFailed)
					continue
				}
			}
			wg.Add(1)
			go func(i int, step *workflows.WorkflowStep) {
				defer wg.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					res := r.failure(step, models.FailureAgentError, "not scheduled: "+err.Error(), 0, 0)
					settled[i] = res
					r.settleUnattempted(step, res, StateFailed)
					return
				}
				defer sem.Release(1)
				res := r.runStep(ctx, step, r.input(step, checkDeps))
				settled[i] = res
				r.record(res)
			}(i, step)
		}
		wg.Wait()

		// merge in list order so previous_result does not depend on timing
		anyFailed := false
		for i, id := range group {
			step, _ := r.wf.Step(id)
			r.merge(step, settled[i])
			anyFailed = anyFailed || settled[i].Failed()
		}
		if anyFailed && r.wf.ErrorPolicy.AbortOnFailure {
			r.e.logger.Warn("Workflow aborted after group failure", zap.String("workflow_id", r.wf.ID))
			return
		}
	}
}

// dependencyFailure returns ok=false and a DependencyNotMet result when a
// dependency is missing or did not succeed.
func (r *run) dependencyFailure(step *workflows.WorkflowStep) (models.ExecutionResult, bool) {
	for _, dep := range step.Task.Dependencies {
		res, ok := r.result(dep)
		if !ok || !res.Success {
			reason := "dependency not met: " + dep
			if ok && res.Skipped {
				reason += " was skipped"
			} else if ok {
				reason += " failed"
			} else {
				reason += " did not run"
			}
			return r.failure(step, models.FailureDependencyNotMet, reason, 0, 0), false
		}
	}
	return models.ExecutionResult{}, true
}

func (r *run) runConditional(ctx context.Context) {
	for i := range r.wf.Steps {
		step := &r.wf.Steps[i]

		skippedDep, failedDep := "", ""
		for _, dep := range step.Task.Dependencies {
			res, ok := r.result(dep)
			switch {
			case ok && res.Skipped:
				skippedDep = dep
			case !ok || !res.Success:
				failedDep = dep
			}
		}
		if failedDep != "" {
			res := r.failure(step, models.FailureDependencyNotMet, "dependency not met: "+failedDep, 0, 0)
			r.settleUnattempted(step, res, StateFailed)
			r.merge(step, res)
			continue
		}
		if skippedDep != "" {
			r.skip(step, "dependency skipped: "+skippedDep)
			continue
		}
		if step.Condition != "" {
			ok, err := r.e.evalCondition(ctx, step.Condition, r.conditionInput())
			if err != nil {
				r.e.logger.Warn("Condition evaluation failed, skipping step",
					zap.String("workflow_id", r.wf.ID),
					zap.String("step_id", step.ID()),
					zap.String("condition", step.Condition),
					zap.Error(err),
				)
				r.skip(step, "condition error: "+err.Error())
				continue
			}
			if !ok {
				r.skip(step, "condition false")
				continue
			}
		}

		res := r.runStep(ctx, step, r.input(step, true))
		r.record(res)
		r.merge(step, res)
		if !res.Success && r.wf.ErrorPolicy.AbortOnFailure {
			return
		}
	}
}
