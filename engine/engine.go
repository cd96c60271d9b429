// Package engine runs playbook executions: it walks the step graph from
// start to end, interprets each step, evaluates transitions and records the
// whole run in the event log.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/engine/condition"
	"github.com/noetl/noetl/engine/loop"
	"github.com/noetl/noetl/engine/plugin"
	"github.com/noetl/noetl/engine/sink"
)

// defaultMaxTransitions bounds one execution's step count so a cyclic
// playbook cannot spin forever
const defaultMaxTransitions = 1000

// Engine executes playbooks
type Engine struct {
	rt          *plugin.Runtime
	registry    *plugin.Registry
	sinks       *sink.Writer
	loops       *loop.Controller
	transitions *TransitionEvaluator
	selector    TransitionSelector
	events      repository.EventStore
	edges       repository.TransitionStore
	log         *logger.Logger

	maxTransitions int
}

// New creates an engine wired to the given stores
func New(rt *plugin.Runtime, events repository.EventStore, edges repository.TransitionStore) *Engine {
	registry := plugin.NewRegistry(rt)
	sinks := sink.NewWriter(rt, registry)
	return &Engine{
		rt:             rt,
		registry:       registry,
		sinks:          sinks,
		loops:          loop.NewController(rt, registry, sinks),
		transitions:    NewTransitionEvaluator(rt.Template, condition.NewEvaluator()),
		selector:       FirstMatchSelector{},
		events:         events,
		edges:          edges,
		log:            rt.Log,
		maxTransitions: defaultMaxTransitions,
	}
}

// SetSelector swaps the transition selector
func (e *Engine) SetSelector(s TransitionSelector) {
	if s != nil {
		e.selector = s
	}
}

// Request parameterizes one execution
type Request struct {
	// ExecutionID is assigned when empty
	ExecutionID string
	// Input is the inbound payload folded into the workload
	Input map[string]interface{}
	// Merge applies Input as an RFC 7386 merge patch instead of a
	// top-level overwrite
	Merge bool
}

// ExecutionResult summarizes one finished run
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      string                 `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Results     map[string]interface{} `json:"results"`
	Duration    float64                `json:"duration"`
}

// execution is the in-memory state of one run. The event log stays the
// durable source of truth; this is working state only.
type execution struct {
	id      string
	pb      *models.Playbook
	context map[string]interface{}
	loops   map[string]*loop.Outcome
	emit    plugin.Emitter
}

// Execute runs one playbook to completion
func (e *Engine) Execute(ctx context.Context, pb *models.Playbook, req *Request) (*ExecutionResult, error) {
	if req == nil {
		req = &Request{}
	}
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}
	log := e.log.WithExecutionID(executionID)
	started := time.Now()

	workload, err := mergeWorkload(pb.Workload, req.Input, req.Merge)
	if err != nil {
		return nil, err
	}

	exec := &execution{
		id:      executionID,
		pb:      pb,
		loops:   make(map[string]*loop.Outcome),
		context: map[string]interface{}{
			"execution_id": executionID,
			"workload":     workload,
			"work":         workload,
			"input":        workload,
		},
	}
	exec.emit = func(event *models.Event) error {
		if event.ExecutionID == "" {
			event.ExecutionID = executionID
		}
		return e.events.Append(ctx, event)
	}

	if err := exec.emit(&models.Event{
		EventType:    models.EventExecutionStart,
		NodeName:     pb.Name,
		NodeType:     "playbook",
		Status:       models.StatusInProgress,
		InputContext: snapshotContext(exec.context),
		Metadata: map[string]interface{}{
			"path":    pb.Path,
			"version": pb.Version,
		},
	}); err != nil {
		return nil, fmt.Errorf("emit execution_start: %w", err)
	}

	finalErr := e.run(ctx, exec, log)

	duration := time.Since(started).Seconds()
	result := &ExecutionResult{
		ExecutionID: executionID,
		Duration:    duration,
	}

	if finalErr != nil {
		result.Status = models.StatusError
		result.Error = finalErr.Error()
		if emitErr := exec.emit(&models.Event{
			EventType: models.EventExecutionError,
			NodeName:  pb.Name,
			NodeType:  "playbook",
			Status:    models.StatusError,
			Error:     finalErr.Error(),
			Duration:  duration,
		}); emitErr != nil {
			log.Error("emit execution_error", "error", emitErr)
		}
		log.Error("execution failed", "playbook", pb.Path, "error", finalErr)
		return result, nil
	}

	results, err := e.collectResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	result.Status = models.StatusSuccess
	result.Results = results

	if err := exec.emit(&models.Event{
		EventType:    models.EventExecutionComplete,
		NodeName:     pb.Name,
		NodeType:     "playbook",
		Status:       models.StatusSuccess,
		OutputResult: results,
		Duration:     duration,
	}); err != nil {
		return nil, fmt.Errorf("emit execution_complete: %w", err)
	}

	log.Info("execution completed", "playbook", pb.Path,
		"steps", len(results), "duration", duration)
	return result, nil
}

// run advances the step cursor from start until end, a fatal error or the
// transition budget
func (e *Engine) run(ctx context.Context, exec *execution, log *logger.Logger) error {
	current := models.StepStart

	for transitions := 0; ; transitions++ {
		if transitions >= e.maxTransitions {
			return fmt.Errorf("transition limit %d exceeded at step %s", e.maxTransitions, current)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution cancelled at step %s: %w", current, err)
		}

		step := exec.pb.FindStep(current)
		if step == nil {
			return fmt.Errorf("step not found: %s", current)
		}

		log.WithStep(current).Debug("executing step")
		outcome, err := e.executeStep(ctx, exec, step)
		if err != nil {
			return err
		}
		if outcome.Status == models.StatusError {
			return fmt.Errorf("step %s failed: %s", current, outcome.Error)
		}

		if current == models.StepEnd {
			return nil
		}

		next, err := e.advance(ctx, exec, step, outcome)
		if err != nil {
			return err
		}
		if next == "" {
			// A step with no matching transition ends the run
			log.Warn("no transition matched, terminating", "step", current)
			return nil
		}
		current = next
	}
}

// advance picks the next step. A loop step's end_loop chain takes priority
// over the step's next clauses.
func (e *Engine) advance(ctx context.Context, exec *execution, step *models.Step, outcome *StepOutcome) (string, error) {
	if outcome.NextStep != "" {
		if err := e.recordTransition(ctx, exec, step.Step, Transition{
			Step:      outcome.NextStep,
			Condition: "end_loop",
		}); err != nil {
			return "", err
		}
		return outcome.NextStep, nil
	}

	if len(step.Next) == 0 {
		return "", nil
	}

	candidates, err := e.transitions.Evaluate(step.Next, exec.context)
	if err != nil {
		return "", fmt.Errorf("evaluate transitions for step %s: %w", step.Step, err)
	}
	selected := e.selector.Select(step.Step, candidates)
	if len(selected) == 0 {
		return "", nil
	}

	transition := selected[0]
	for k, v := range transition.With {
		exec.context[k] = v
	}
	if err := e.recordTransition(ctx, exec, step.Step, transition); err != nil {
		return "", err
	}
	return transition.Step, nil
}

// recordTransition logs the taken edge as an event and in the transition
// table for offline analysis
func (e *Engine) recordTransition(ctx context.Context, exec *execution, from string, t Transition) error {
	if err := exec.emit(&models.Event{
		EventType: models.EventStepTransition,
		NodeName:  from,
		NodeType:  "step",
		Status:    models.StatusSuccess,
		Metadata: map[string]interface{}{
			"from_step": from,
			"to_step":   t.Step,
			"condition": t.Condition,
			"with":      t.With,
		},
	}); err != nil {
		return fmt.Errorf("emit step_transition: %w", err)
	}

	err := e.edges.Record(ctx, &repository.TransitionRecord{
		ExecutionID: exec.id,
		FromStep:    from,
		ToStep:      t.Step,
		Condition:   t.Condition,
		WithParams:  t.With,
	})
	if err != nil {
		return fmt.Errorf("record transition %s -> %s: %w", from, t.Step, err)
	}
	return nil
}

// collectResults derives the successful step results from the event log
func (e *Engine) collectResults(ctx context.Context, executionID string) (map[string]interface{}, error) {
	events, err := e.events.ByExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("read execution events: %w", err)
	}

	results := make(map[string]interface{})
	for _, event := range events {
		if event.EventType == models.EventStepResult && event.Status == models.StatusSuccess {
			results[event.NodeName] = event.OutputResult
		}
	}
	return results, nil
}
