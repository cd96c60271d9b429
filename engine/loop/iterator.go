// Package loop iterates collections running a nested task per element, with
// filter, sort, limit, chunk and bounded-parallel semantics, plus the
// paginated HTTP variant.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/engine/plugin"
	"github.com/noetl/noetl/engine/sink"
	"github.com/noetl/noetl/engine/template"
)

// defaultConcurrency bounds the async worker pool when none is declared
const defaultConcurrency = 8

// Controller runs loop specs
type Controller struct {
	rt       *plugin.Runtime
	registry *plugin.Registry
	sinks    *sink.Writer
}

// NewController creates a loop controller
func NewController(rt *plugin.Runtime, registry *plugin.Registry, sinks *sink.Writer) *Controller {
	return &Controller{rt: rt, registry: registry, sinks: sinks}
}

// Outcome is the iterator's aggregate result. Data holds per-iteration
// results in post-filter-and-sort logical order regardless of completion
// order; Errors enumerates failed indexes.
type Outcome struct {
	Status string                   `json:"status"`
	Data   []interface{}            `json:"data"`
	Errors []map[string]interface{} `json:"errors,omitempty"`
}

// item pairs a collection element with its original position for stable sort
type item struct {
	value interface{}
	index int
}

// Run executes one loop spec
func (c *Controller) Run(ctx context.Context, executionID, loopName string, spec *models.LoopSpec, execCtx map[string]interface{}, with map[string]interface{}, emit plugin.Emitter) (*Outcome, error) {
	if spec.Pagination != nil {
		return c.runPagination(ctx, executionID, loopName, spec, execCtx, with, emit)
	}
	if spec.Task == nil {
		return nil, fmt.Errorf("loop %s has no nested task", loopName)
	}

	element := spec.Element
	if element == "" {
		element = "item"
	}

	loopCtx, err := c.buildLoopContext(spec, execCtx, with)
	if err != nil {
		return nil, err
	}

	items, err := c.resolveCollection(spec, element, loopCtx, with)
	if err != nil {
		return nil, err
	}

	loopID := uuid.New().String()
	if err := emit(&models.Event{
		ExecutionID: executionID,
		EventType:   models.EventIteratorStarted,
		NodeType:    "iterator",
		NodeName:    loopName,
		Status:      models.StatusInProgress,
		LoopID:      loopID,
		LoopName:    loopName,
		Iterator:    element,
		Items:       items,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("emit iterator_started: %w", err)
	}

	selected, err := c.filterItems(executionID, loopID, loopName, element, items, spec.Where, loopCtx, emit)
	if err != nil {
		return nil, err
	}
	selected = c.sortItems(selected, element, spec.OrderBy, loopCtx)
	if spec.Limit > 0 && len(selected) > spec.Limit {
		selected = selected[:spec.Limit]
	}
	batches := chunkItems(selected, spec.Chunk)

	results, errors := c.runBatches(ctx, executionID, loopID, loopName, element, spec, batches, loopCtx, execCtx, emit)

	status := models.StatusSuccess
	if len(errors) > 0 {
		status = models.StatusError
	}

	// Legacy flat form: aggregated sink over the ordered results
	if spec.Sink != nil && status == models.StatusSuccess {
		if _, err := c.sinks.Save(ctx, executionID, spec.Sink, results, loopCtx, emit); err != nil {
			return nil, fmt.Errorf("aggregated sink: %w", err)
		}
	}

	if err := emit(&models.Event{
		ExecutionID: executionID,
		EventType:   models.EventIteratorCompleted,
		NodeType:    "iterator",
		NodeName:    loopName,
		Status:      status,
		LoopID:      loopID,
		LoopName:    loopName,
		Iterator:    element,
		Results:     results,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("emit iterator_completed: %w", err)
	}

	return &Outcome{Status: status, Data: results, Errors: errors}, nil
}

// buildLoopContext layers with-params over the parent context plus the
// work/workload/input aliases
func (c *Controller) buildLoopContext(spec *models.LoopSpec, execCtx, with map[string]interface{}) (map[string]interface{}, error) {
	loopCtx := make(map[string]interface{}, len(execCtx)+len(with)+4)
	for k, v := range execCtx {
		loopCtx[k] = v
	}
	if workload, ok := execCtx["workload"]; ok {
		loopCtx["work"] = workload
		loopCtx["input"] = workload
	}
	for k, v := range with {
		loopCtx[k] = v
	}
	if spec.With != nil {
		rendered, err := c.rt.Template.RenderMap(spec.With, loopCtx)
		if err != nil {
			return nil, fmt.Errorf("render loop with: %w", err)
		}
		for k, v := range rendered {
			loopCtx[k] = v
		}
	}
	return loopCtx, nil
}

// resolveCollection renders the collection expression, falling back to
// element-derived keys in the with-params and context
func (c *Controller) resolveCollection(spec *models.LoopSpec, element string, loopCtx, with map[string]interface{}) ([]interface{}, error) {
	var raw interface{}
	if spec.Collection != nil {
		rendered, err := c.rt.Template.Render(spec.Collection, loopCtx)
		if err != nil {
			return nil, fmt.Errorf("render collection: %w", err)
		}
		raw = rendered
	} else {
		for _, key := range []string{element + "s", element, "data", "input", "work"} {
			if v, ok := with[key]; ok && v != nil {
				raw = v
				break
			}
			if v, ok := loopCtx[key]; ok && v != nil {
				raw = v
				break
			}
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("loop collection is empty")
	}
	return coerceSequence(raw)
}

// filterItems applies the where predicate, emitting iteration_filtered for
// dropped elements
func (c *Controller) filterItems(executionID, loopID, loopName, element string, items []interface{}, where string, loopCtx map[string]interface{}, emit plugin.Emitter) ([]item, error) {
	selected := make([]item, 0, len(items))
	for i, value := range items {
		if where == "" {
			selected = append(selected, item{value: value, index: i})
			continue
		}

		predicateCtx := withElement(loopCtx, element, value)
		rendered, err := c.rt.Template.RenderString(where, predicateCtx)
		if err != nil {
			return nil, fmt.Errorf("render where for index %d: %w", i, err)
		}
		if template.Truthy(rendered) {
			selected = append(selected, item{value: value, index: i})
			continue
		}

		idx := i
		if err := emit(&models.Event{
			ExecutionID:  executionID,
			EventType:    models.EventIterationFiltered,
			NodeType:     "iteration",
			NodeName:     loopName,
			Status:       models.StatusFiltered,
			LoopID:       loopID,
			LoopName:     loopName,
			Iterator:     element,
			CurrentIndex: &idx,
			CurrentItem:  value,
			Timestamp:    time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("emit iteration_filtered: %w", err)
		}
	}
	return selected, nil
}

// sortItems sorts by the rendered order_by key, stable on original index.
// Sort errors are best-effort: the original order survives.
func (c *Controller) sortItems(items []item, element, orderBy string, loopCtx map[string]interface{}) []item {
	if orderBy == "" || len(items) < 2 {
		return items
	}

	keys := make([]interface{}, len(items))
	for i, it := range items {
		rendered, err := c.rt.Template.RenderString(orderBy, withElement(loopCtx, element, it.value))
		if err != nil {
			c.rt.Log.Warn("order_by render failed, keeping original order", "error", err)
			return items
		}
		keys[i] = rendered
	}

	indexes := make([]int, len(items))
	for i := range indexes {
		indexes[i] = i
	}
	sort.SliceStable(indexes, func(a, b int) bool {
		return compareKeys(keys[indexes[a]], keys[indexes[b]]) < 0
	})

	out := make([]item, len(items))
	for i, idx := range indexes {
		out[i] = items[idx]
	}
	return out
}

// runBatches executes the batches sequentially or on a bounded worker pool,
// reassembling results in logical order
func (c *Controller) runBatches(ctx context.Context, executionID, loopID, loopName, element string, spec *models.LoopSpec, batches [][]item, loopCtx, parentCtx map[string]interface{}, emit plugin.Emitter) ([]interface{}, []map[string]interface{}) {
	results := make([]interface{}, len(batches))
	errorSlots := make([]map[string]interface{}, len(batches))

	parallel := (spec.Mode == "async" || spec.Mode == "parallel") && len(batches) > 1
	concurrency := spec.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	runOne := func(logicalIdx int, batch []item) {
		result, errInfo := c.runIteration(ctx, executionID, loopID, loopName, element, spec, logicalIdx, batch, loopCtx, parentCtx, emit)
		results[logicalIdx] = result
		errorSlots[logicalIdx] = errInfo
	}

	if parallel && concurrency > 1 {
		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		for i, batch := range batches {
			wg.Add(1)
			sem <- struct{}{}
			go func(idx int, b []item) {
				defer wg.Done()
				defer func() { <-sem }()
				runOne(idx, b)
			}(i, batch)
		}
		wg.Wait()
	} else {
		for i, batch := range batches {
			runOne(i, batch)
		}
	}

	var errors []map[string]interface{}
	for _, e := range errorSlots {
		if e != nil {
			errors = append(errors, e)
		}
	}
	return results, errors
}

// runIteration executes one batch: nested task, optional per-item sink, and
// the iteration lifecycle events
func (c *Controller) runIteration(ctx context.Context, executionID, loopID, loopName, element string, spec *models.LoopSpec, logicalIdx int, batch []item, loopCtx, parentCtx map[string]interface{}, emit plugin.Emitter) (interface{}, map[string]interface{}) {
	var current interface{}
	if len(batch) == 1 && spec.Chunk <= 0 {
		current = batch[0].value
	} else {
		values := make([]interface{}, len(batch))
		for i, it := range batch {
			values[i] = it.value
		}
		current = values
	}

	iterCtx := withElement(loopCtx, element, current)
	iterCtx["_loop"] = map[string]interface{}{
		"id":    loopID,
		"name":  loopName,
		"index": logicalIdx,
	}
	iterCtx["parent"] = parentCtx
	if spec.Enumerate {
		iterCtx["index"] = logicalIdx
	}

	idx := logicalIdx
	if err := emit(&models.Event{
		ExecutionID:  executionID,
		EventType:    models.EventIterationStarted,
		NodeType:     "iteration",
		NodeName:     loopName,
		Status:       models.StatusInProgress,
		LoopID:       loopID,
		LoopName:     loopName,
		Iterator:     element,
		CurrentIndex: &idx,
		CurrentItem:  current,
		Timestamp:    time.Now().UTC(),
	}); err != nil {
		return nil, map[string]interface{}{"index": logicalIdx, "message": err.Error()}
	}

	fail := func(err error) (interface{}, map[string]interface{}) {
		emitErr := emit(&models.Event{
			ExecutionID:  executionID,
			EventType:    models.EventIterationFailed,
			NodeType:     "iteration",
			NodeName:     loopName,
			Status:       models.StatusError,
			LoopID:       loopID,
			LoopName:     loopName,
			Iterator:     element,
			CurrentIndex: &idx,
			CurrentItem:  current,
			Error:        err.Error(),
			Timestamp:    time.Now().UTC(),
		})
		if emitErr != nil {
			c.rt.Log.Error("emit iteration_failed", "error", emitErr)
		}
		return map[string]interface{}{"status": models.StatusError, "error": err.Error()},
			map[string]interface{}{"index": logicalIdx, "message": err.Error()}
	}

	taskWith, err := c.rt.Template.RenderMap(spec.Task.With, iterCtx)
	if err != nil {
		return fail(fmt.Errorf("render task with: %w", err))
	}

	result := c.registry.Execute(ctx, executionID, spec.Task, iterCtx, taskWith, emit)
	if result.Status != models.StatusSuccess {
		return fail(fmt.Errorf("nested task failed: %s", result.Error))
	}

	normalized := result.AsMap()

	if spec.Task.Sink != nil {
		saved, err := c.sinks.Save(ctx, executionID, spec.Task.Sink, result.Data, iterCtx, emit)
		if err != nil {
			return fail(fmt.Errorf("sink: %w", err))
		}
		normalized["save_meta"] = saved.Meta
		if saved.Data != nil {
			normalized["saved"] = saved.Data
		}
	}

	if emitErr := emit(&models.Event{
		ExecutionID:  executionID,
		EventType:    models.EventIterationCompleted,
		NodeType:     "iteration",
		NodeName:     loopName,
		Status:       models.StatusSuccess,
		LoopID:       loopID,
		LoopName:     loopName,
		Iterator:     element,
		CurrentIndex: &idx,
		CurrentItem:  current,
		OutputResult: normalized,
		Timestamp:    time.Now().UTC(),
	}); emitErr != nil {
		c.rt.Log.Error("emit iteration_completed", "error", emitErr)
	}

	return normalized, nil
}

// withElement shallow-copies the context binding the iterator variable
func withElement(base map[string]interface{}, element string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out[element] = value
	return out
}

// chunkItems partitions into batches of chunk size, or singletons
func chunkItems(items []item, chunk int) [][]item {
	if chunk <= 0 {
		chunk = 1
	}
	var batches [][]item
	for i := 0; i < len(items); i += chunk {
		end := i + chunk
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}
	return batches
}

// coerceSequence turns a rendered collection value into a slice
func coerceSequence(raw interface{}) ([]interface{}, error) {
	switch v := raw.(type) {
	case []interface{}:
		return v, nil
	case string:
		var parsed []interface{}
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed, nil
		}
		return nil, fmt.Errorf("collection string is not a JSON array")
	case map[string]interface{}:
		// Mapping iterates as {key, value} records in key order
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			out = append(out, map[string]interface{}{"key": k, "value": v[k]})
		}
		return out, nil
	default:
		return []interface{}{raw}, nil
	}
}

// compareKeys orders rendered sort keys: numbers numerically, everything
// else by string form
func compareKeys(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
