// Package plugin implements the task tools: http, postgres, duckdb, python
// and transfer. Every plugin returns a uniform result envelope and reports
// progress only through the event emitter.
package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/noetl/noetl/common/config"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/engine/auth"
	"github.com/noetl/noetl/engine/template"
)

// Result is the uniform envelope every plugin returns
type Result struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// AsMap renders the envelope for context binding
func (r *Result) AsMap() map[string]interface{} {
	out := map[string]interface{}{
		"id":     r.ID,
		"status": r.Status,
	}
	if r.Data != nil {
		out["data"] = r.Data
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

// Emitter appends one event to the execution log
type Emitter func(event *models.Event) error

// Runtime carries the shared dependencies plugins execute with
type Runtime struct {
	Template *template.Evaluator
	Auth     *auth.Resolver
	Config   *config.Config
	Log      *logger.Logger
}

// Plugin executes one unit of external work
type Plugin interface {
	Execute(ctx context.Context, task *models.Task, execCtx map[string]interface{}, with map[string]interface{}, emit Emitter) *Result
}

// Registry dispatches tasks to plugins by tool identifier
type Registry struct {
	rt      *Runtime
	plugins map[string]Plugin
}

// NewRegistry creates a registry with all built-in plugins
func NewRegistry(rt *Runtime) *Registry {
	return &Registry{
		rt: rt,
		plugins: map[string]Plugin{
			models.ToolHTTP:     NewHTTPPlugin(rt),
			models.ToolPostgres: NewPostgresPlugin(rt),
			models.ToolDuckDB:   NewDuckDBPlugin(rt),
			models.ToolPython:   NewCodePlugin(rt),
			models.ToolTransfer: NewTransferPlugin(rt),
		},
	}
}

// Get returns the plugin for a tool identifier
func (r *Registry) Get(tool string) (Plugin, error) {
	p, ok := r.plugins[tool]
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", tool)
	}
	return p, nil
}

// Execute dispatches a task, bracketing it with task_start and
// task_complete/task_error events. Panics inside a plugin are converted to
// error envelopes.
func (r *Registry) Execute(ctx context.Context, executionID string, task *models.Task, execCtx map[string]interface{}, with map[string]interface{}, emit Emitter) *Result {
	taskID := uuid.New().String()
	start := time.Now()

	if task.LegacyAuth {
		r.rt.Log.Warn("task uses deprecated credential field, use auth instead",
			"task", task.Name)
	}

	if err := emit(&models.Event{
		ExecutionID: executionID,
		EventType:   models.EventTaskStart,
		NodeID:      taskID,
		NodeName:    task.Name,
		NodeType:    task.Tool,
		Status:      models.StatusInProgress,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return &Result{ID: taskID, Status: models.StatusError, Error: fmt.Sprintf("emit task_start: %v", err)}
	}

	result := r.run(ctx, task, execCtx, with, emit)
	if result.ID == "" {
		result.ID = taskID
	}
	duration := time.Since(start).Seconds()

	eventType := models.EventTaskComplete
	if result.Status == models.StatusError {
		eventType = models.EventTaskError
	}
	if err := emit(&models.Event{
		ExecutionID: executionID,
		EventType:   eventType,
		NodeID:      result.ID,
		NodeName:    task.Name,
		NodeType:    task.Tool,
		Status:      result.Status,
		Duration:    duration,
		OutputResult: map[string]interface{}{
			"data": result.Data,
		},
		Error:     result.Error,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		r.rt.Log.Error("emit task completion event failed", "task", task.Name, "error", err)
	}

	return result
}

// run invokes the plugin with panic recovery
func (r *Registry) run(ctx context.Context, task *models.Task, execCtx map[string]interface{}, with map[string]interface{}, emit Emitter) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = &Result{
				Status: models.StatusError,
				Error:  fmt.Sprintf("plugin panic: %v\n%s", rec, debug.Stack()),
			}
		}
	}()

	p, err := r.Get(task.Tool)
	if err != nil {
		return &Result{Status: models.StatusError, Error: err.Error()}
	}
	return p.Execute(ctx, task, execCtx, with, emit)
}

// errorResult builds a failed envelope
func errorResult(err error) *Result {
	return &Result{
		ID:     uuid.New().String(),
		Status: models.StatusError,
		Error:  err.Error(),
	}
}

// successResult builds a successful envelope
func successResult(data interface{}) *Result {
	return &Result{
		ID:     uuid.New().String(),
		Status: models.StatusSuccess,
		Data:   data,
	}
}

// mergedContext layers with-params over a shallow copy of the context
func mergedContext(execCtx, with map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(execCtx)+len(with))
	for k, v := range execCtx {
		out[k] = v
	}
	for k, v := range with {
		out[k] = v
	}
	return out
}
