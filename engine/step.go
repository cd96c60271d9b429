package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/common/models"
)

// StepOutcome is one executed step's contribution to the run
type StepOutcome struct {
	Status string
	Data   interface{}
	Error  string

	// NextStep overrides transition evaluation; loop steps use it to chain
	// into their end_loop.
	NextStep string
}

// executeStep runs one workflow step: renders its with-params, dispatches on
// the body kind, applies the return transform, persists the step result and
// publishes the output into the execution context.
func (e *Engine) executeStep(ctx context.Context, exec *execution, step *models.Step) (*StepOutcome, error) {
	started := time.Now()

	stepCtx, err := e.bindStepParams(exec, step)
	if err != nil {
		return e.failStep(exec, step.Step, started, fmt.Errorf("render step with: %w", err))
	}

	if err := exec.emit(&models.Event{
		EventType:    models.EventStepStart,
		NodeName:     step.Step,
		NodeType:     "step",
		Status:       models.StatusInProgress,
		InputContext: snapshotContext(stepCtx),
	}); err != nil {
		return nil, fmt.Errorf("emit step_start: %w", err)
	}

	outcome, err := e.dispatchStep(ctx, exec, step, stepCtx)
	if err != nil {
		return e.failStep(exec, step.Step, started, err)
	}

	if err := exec.emit(&models.Event{
		EventType:    models.EventStepResult,
		NodeName:     step.Step,
		NodeType:     "step",
		Status:       outcome.Status,
		OutputResult: outcome.Data,
		Error:        outcome.Error,
		Duration:     time.Since(started).Seconds(),
	}); err != nil {
		return nil, fmt.Errorf("emit step_result: %w", err)
	}

	bindStepResult(exec.context, step.Step, outcome.Status, outcome.Data)

	if err := exec.emit(&models.Event{
		EventType: models.EventStepComplete,
		NodeName:  step.Step,
		NodeType:  "step",
		Status:    outcome.Status,
		Duration:  time.Since(started).Seconds(),
	}); err != nil {
		return nil, fmt.Errorf("emit step_complete: %w", err)
	}

	return outcome, nil
}

// bindStepParams renders the step's with-params into a step-local context.
// Scalar values also reflect into the global context so later steps see them.
func (e *Engine) bindStepParams(exec *execution, step *models.Step) (map[string]interface{}, error) {
	stepCtx := cloneContext(exec.context)
	if step.With == nil {
		return stepCtx, nil
	}

	rendered, err := e.rt.Template.RenderMap(step.With, stepCtx)
	if err != nil {
		return nil, err
	}
	for k, v := range rendered {
		stepCtx[k] = v
		switch v.(type) {
		case map[string]interface{}, []interface{}:
		default:
			exec.context[k] = v
		}
	}
	return stepCtx, nil
}

// dispatchStep routes to the step body kind
func (e *Engine) dispatchStep(ctx context.Context, exec *execution, step *models.Step, stepCtx map[string]interface{}) (*StepOutcome, error) {
	switch {
	case step.EndLoop != nil:
		return e.runEndLoop(exec, step, stepCtx)
	case step.Loop != nil:
		return e.runLoopStep(ctx, exec, step, stepCtx)
	case step.Call != nil:
		return e.runCallStep(ctx, exec, step, stepCtx)
	default:
		// Pass-through steps (start, end, routing-only) succeed empty
		return &StepOutcome{Status: models.StatusSuccess}, nil
	}
}

// runLoopStep delegates to the iterator controller and chains the return to
// the matching end_loop step when the playbook declares one.
func (e *Engine) runLoopStep(ctx context.Context, exec *execution, step *models.Step, stepCtx map[string]interface{}) (*StepOutcome, error) {
	outcome, err := e.loops.Run(ctx, exec.id, step.Step, step.Loop, stepCtx, nil, exec.emit)
	if err != nil {
		return nil, fmt.Errorf("loop %s: %w", step.Step, err)
	}
	exec.loops[step.Step] = outcome

	result := &StepOutcome{
		Status:   outcome.Status,
		Data:     map[string]interface{}{"results": outcome.Data},
		NextStep: exec.pb.FindEndLoop(step.Step),
	}
	if len(outcome.Errors) > 0 {
		result.Error = fmt.Sprintf("%d iterations failed", len(outcome.Errors))
	}
	return result, nil
}

// runEndLoop resolves the referenced loop's aggregate, renders the declared
// result templates against it and binds <loop>_results into context.
func (e *Engine) runEndLoop(exec *execution, step *models.Step, stepCtx map[string]interface{}) (*StepOutcome, error) {
	loopName := step.EndLoop.Loop
	outcome, ok := exec.loops[loopName]
	if !ok {
		return nil, fmt.Errorf("end_loop %s references loop %s which has not run", step.Step, loopName)
	}

	resultCtx := cloneContext(stepCtx)
	resultCtx["results"] = outcome.Data
	resultCtx[loopName+"_results"] = outcome.Data

	var data interface{} = map[string]interface{}{"results": outcome.Data}
	if step.EndLoop.Result != nil {
		rendered, err := e.rt.Template.RenderMap(step.EndLoop.Result, resultCtx)
		if err != nil {
			return nil, fmt.Errorf("render end_loop result: %w", err)
		}
		data = rendered
	}

	exec.context[loopName+"_results"] = outcome.Data

	return &StepOutcome{Status: outcome.Status, Data: data}, nil
}

// runCallStep executes a workbook task by name
func (e *Engine) runCallStep(ctx context.Context, exec *execution, step *models.Step, stepCtx map[string]interface{}) (*StepOutcome, error) {
	task := exec.pb.FindTask(step.Call.Name)
	if task == nil {
		return nil, fmt.Errorf("step %s calls unknown task %s", step.Step, step.Call.Name)
	}

	var callWith map[string]interface{}
	if step.Call.With != nil {
		rendered, err := e.rt.Template.RenderMap(step.Call.With, stepCtx)
		if err != nil {
			return nil, fmt.Errorf("render call with: %w", err)
		}
		callWith = rendered
	}

	// The iterator tool is not a plugin; it reuses the loop controller
	if task.Tool == models.ToolIterator {
		if task.Loop == nil {
			return nil, fmt.Errorf("iterator task %s has no loop spec", task.Name)
		}
		outcome, err := e.loops.Run(ctx, exec.id, task.Name, task.Loop, stepCtx, callWith, exec.emit)
		if err != nil {
			return nil, fmt.Errorf("iterator task %s: %w", task.Name, err)
		}
		exec.loops[step.Step] = outcome
		return &StepOutcome{Status: outcome.Status, Data: map[string]interface{}{"results": outcome.Data}}, nil
	}

	result := e.registry.Execute(ctx, exec.id, task, stepCtx, callWith, exec.emit)
	if result.Status != models.StatusSuccess {
		return &StepOutcome{Status: models.StatusError, Error: result.Error, Data: result.Data}, nil
	}

	data, err := e.applyReturn(task, result.Data, stepCtx)
	if err != nil {
		return nil, err
	}

	if task.Sink != nil {
		saved, err := e.sinks.Save(ctx, exec.id, task.Sink, data, stepCtx, exec.emit)
		if err != nil {
			return nil, fmt.Errorf("sink for task %s: %w", task.Name, err)
		}
		if m, ok := data.(map[string]interface{}); ok {
			m["save_meta"] = saved.Meta
		}
	}

	return &StepOutcome{Status: models.StatusSuccess, Data: data}, nil
}

// applyReturn renders the task's return transform over the raw result
func (e *Engine) applyReturn(task *models.Task, data interface{}, stepCtx map[string]interface{}) (interface{}, error) {
	if task.Return == nil {
		return data, nil
	}
	returnCtx := cloneContext(stepCtx)
	returnCtx["result"] = data
	returnCtx["data"] = data

	transformed, err := e.rt.Template.Render(task.Return, returnCtx)
	if err != nil {
		return nil, fmt.Errorf("render return for task %s: %w", task.Name, err)
	}
	return transformed, nil
}

// failStep emits step_error and surfaces the failure as an outcome so the
// engine can decide whether it is fatal
func (e *Engine) failStep(exec *execution, stepName string, started time.Time, err error) (*StepOutcome, error) {
	emitErr := exec.emit(&models.Event{
		EventType: models.EventStepError,
		NodeName:  stepName,
		NodeType:  "step",
		Status:    models.StatusError,
		Error:     err.Error(),
		Duration:  time.Since(started).Seconds(),
	})
	if emitErr != nil {
		e.log.Error("emit step_error", "step", stepName, "error", emitErr)
	}
	return &StepOutcome{Status: models.StatusError, Error: err.Error()}, nil
}
