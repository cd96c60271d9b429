package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/engine/plugin"
	"github.com/noetl/noetl/engine/template"
	"github.com/tidwall/gjson"
)

// defaultMaxPages bounds paginated loops without an explicit limit
const defaultMaxPages = 1000

// runPagination drives the paginated HTTP variant: repeat the nested HTTP
// task while continue_while holds, retrying each request per the retry spec
// and accumulating pages per the merge strategy.
func (c *Controller) runPagination(ctx context.Context, executionID, loopName string, spec *models.LoopSpec, execCtx map[string]interface{}, with map[string]interface{}, emit plugin.Emitter) (*Outcome, error) {
	page := spec.Pagination
	if spec.Task == nil || spec.Task.Tool != models.ToolHTTP {
		return nil, fmt.Errorf("pagination loop %s requires a nested http task", loopName)
	}
	if page.ContinueWhile == "" {
		return nil, fmt.Errorf("pagination loop %s has no continue_while", loopName)
	}

	loopCtx, err := c.buildLoopContext(spec, execCtx, with)
	if err != nil {
		return nil, err
	}

	maxIterations := page.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxPages
	}
	strategy := page.MergeStrategy
	if strategy == "" {
		strategy = "append"
	}

	loopID := uuid.New().String()
	if err := emit(&models.Event{
		ExecutionID: executionID,
		EventType:   models.EventIteratorStarted,
		NodeType:    "pagination",
		NodeName:    loopName,
		Status:      models.StatusInProgress,
		LoopID:      loopID,
		LoopName:    loopName,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("emit iterator_started: %w", err)
	}

	// The task is mutated across pages by next_page updates; detach it so
	// the playbook model keeps its declared initial state
	task := detachPageTask(spec.Task)
	var accumulated []interface{}
	var lastResponse interface{}

	for iteration := 0; iteration < maxIterations; iteration++ {
		idx := iteration
		if err := emit(&models.Event{
			ExecutionID:  executionID,
			EventType:    models.EventIterationStarted,
			NodeType:     "pagination",
			NodeName:     loopName,
			Status:       models.StatusInProgress,
			LoopID:       loopID,
			LoopName:     loopName,
			CurrentIndex: &idx,
			Timestamp:    time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("emit iteration_started: %w", err)
		}

		result, err := c.executeWithRetry(ctx, executionID, &task, loopCtx, page.Retry, emit)
		if err != nil {
			emitErr := emit(&models.Event{
				ExecutionID:  executionID,
				EventType:    models.EventIterationFailed,
				NodeType:     "pagination",
				NodeName:     loopName,
				Status:       models.StatusError,
				LoopID:       loopID,
				LoopName:     loopName,
				CurrentIndex: &idx,
				Error:        err.Error(),
				Timestamp:    time.Now().UTC(),
			})
			if emitErr != nil {
				c.rt.Log.Error("emit iteration_failed", "error", emitErr)
			}
			return &Outcome{
				Status: models.StatusError,
				Data:   accumulated,
				Errors: []map[string]interface{}{{"index": iteration, "message": err.Error()}},
			}, nil
		}
		lastResponse = result.Data

		accumulated = mergePage(accumulated, result.Data, strategy, page.MergePath)

		if page.Sink != nil {
			if _, err := c.sinks.Save(ctx, executionID, page.Sink, result.Data, loopCtx, emit); err != nil {
				return nil, fmt.Errorf("pagination sink: %w", err)
			}
		}

		if emitErr := emit(&models.Event{
			ExecutionID:  executionID,
			EventType:    models.EventIterationCompleted,
			NodeType:     "pagination",
			NodeName:     loopName,
			Status:       models.StatusSuccess,
			LoopID:       loopID,
			LoopName:     loopName,
			CurrentIndex: &idx,
			OutputResult: result.Data,
			Timestamp:    time.Now().UTC(),
		}); emitErr != nil {
			c.rt.Log.Error("emit iteration_completed", "error", emitErr)
		}

		pageCtx := pageContext(loopCtx, iteration, accumulated, lastResponse)

		proceed, err := c.rt.Template.RenderString(page.ContinueWhile, pageCtx)
		if err != nil {
			return nil, fmt.Errorf("render continue_while: %w", err)
		}
		if !template.Truthy(proceed) {
			break
		}

		if err := c.applyNextPage(&task, page.NextPage, pageCtx); err != nil {
			return nil, err
		}
	}

	if err := emit(&models.Event{
		ExecutionID: executionID,
		EventType:   models.EventIteratorCompleted,
		NodeType:    "pagination",
		NodeName:    loopName,
		Status:      models.StatusSuccess,
		LoopID:      loopID,
		LoopName:    loopName,
		Results:     accumulated,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("emit iterator_completed: %w", err)
	}

	return &Outcome{Status: models.StatusSuccess, Data: accumulated}, nil
}

// executeWithRetry runs the HTTP task under the retry policy
func (c *Controller) executeWithRetry(ctx context.Context, executionID string, task *models.Task, loopCtx map[string]interface{}, retry *models.RetrySpec, emit plugin.Emitter) (*plugin.Result, error) {
	attempts := 1
	if retry != nil && retry.MaxAttempts > 0 {
		attempts = retry.MaxAttempts
	}

	var policy backoff.BackOff
	if retry != nil && retry.Backoff == "exponential" {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = durationSeconds(retry.InitialDelay, 1)
		exp.MaxInterval = durationSeconds(retry.MaxDelay, 30)
		exp.Multiplier = 2
		exp.RandomizationFactor = 0
		policy = exp
	} else {
		initial := 1.0
		if retry != nil {
			initial = retry.InitialDelay
		}
		policy = backoff.NewConstantBackOff(durationSeconds(initial, 1))
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	var result *plugin.Result
	attempt := 0
	operation := func() error {
		attempt++
		result = c.registry.Execute(ctx, executionID, task, loopCtx, nil, emit)
		if result.Status != models.StatusSuccess {
			c.rt.Log.Warn("paginated request failed, retrying",
				"attempt", attempt, "error", result.Error)
			return fmt.Errorf("attempt %d: %s", attempt, result.Error)
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("http request failed after %d attempts: %w", attempt, err)
	}
	return result, nil
}

// detachPageTask copies the task together with the maps next_page updates
// write through: headers, the data mapping and its nested query map
func detachPageTask(src *models.Task) models.Task {
	task := *src
	if src.Headers != nil {
		headers := make(map[string]interface{}, len(src.Headers))
		for k, v := range src.Headers {
			headers[k] = v
		}
		task.Headers = headers
	}
	if data, ok := src.Data.(map[string]interface{}); ok {
		copied := make(map[string]interface{}, len(data))
		for k, v := range data {
			copied[k] = v
		}
		if query, ok := data["query"].(map[string]interface{}); ok {
			detached := make(map[string]interface{}, len(query))
			for k, v := range query {
				detached[k] = v
			}
			copied["query"] = detached
		}
		task.Data = copied
	}
	return task
}

// applyNextPage renders the next_page templates and folds the updates into
// the task's query, body, headers or endpoint
func (c *Controller) applyNextPage(task *models.Task, nextPage map[string]interface{}, pageCtx map[string]interface{}) error {
	if nextPage == nil {
		return nil
	}
	rendered, err := c.rt.Template.RenderMap(nextPage, pageCtx)
	if err != nil {
		return fmt.Errorf("render next_page: %w", err)
	}

	data, _ := task.Data.(map[string]interface{})
	if data == nil {
		data = map[string]interface{}{}
	}

	for key, value := range rendered {
		switch key {
		case "endpoint":
			task.Endpoint = fmt.Sprintf("%v", value)
		case "body":
			data["body"] = value
		case "headers":
			if updates, ok := value.(map[string]interface{}); ok {
				if task.Headers == nil {
					task.Headers = map[string]interface{}{}
				}
				for k, v := range updates {
					task.Headers[k] = v
				}
			}
		case "params", "query":
			if updates, ok := value.(map[string]interface{}); ok {
				query, _ := data["query"].(map[string]interface{})
				if query == nil {
					query = map[string]interface{}{}
				}
				for k, v := range updates {
					query[k] = v
				}
				data["query"] = query
			}
		default:
			// Bare keys update the query parameters directly
			query, _ := data["query"].(map[string]interface{})
			if query == nil {
				query = map[string]interface{}{}
			}
			query[key] = value
			data["query"] = query
		}
	}

	task.Data = data
	return nil
}

// mergePage folds one response into the accumulator
func mergePage(accumulated []interface{}, response interface{}, strategy, mergePath string) []interface{} {
	value := response
	if mergePath != "" {
		value = extractPath(response, mergePath)
	}

	switch strategy {
	case "extend":
		if list, ok := value.([]interface{}); ok {
			return append(accumulated, list...)
		}
		if value != nil {
			return append(accumulated, value)
		}
		return accumulated
	case "replace":
		if list, ok := value.([]interface{}); ok {
			return list
		}
		if value == nil {
			return nil
		}
		return []interface{}{value}
	case "collect":
		return append(accumulated, response)
	case "sink_only":
		return accumulated
	default: // append
		if value != nil {
			return append(accumulated, value)
		}
		return accumulated
	}
}

// extractPath reads a dotted path out of the response payload
func extractPath(response interface{}, path string) interface{} {
	encoded, err := json.Marshal(response)
	if err != nil {
		return nil
	}
	result := gjson.GetBytes(encoded, path)
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

// pageContext binds the pagination loop variables for template rendering
func pageContext(loopCtx map[string]interface{}, iteration int, accumulated []interface{}, response interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(loopCtx)+3)
	for k, v := range loopCtx {
		out[k] = v
	}
	out["iteration"] = iteration
	out["accumulated"] = accumulated
	out["response"] = response
	return out
}

func durationSeconds(seconds, fallback float64) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds * float64(time.Second))
}
