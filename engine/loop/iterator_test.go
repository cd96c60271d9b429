package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/noetl/noetl/common/config"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/engine/auth"
	"github.com/noetl/noetl/engine/plugin"
	"github.com/noetl/noetl/engine/sink"
	"github.com/noetl/noetl/engine/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventCollector records emitted events; safe for parallel iterations
type eventCollector struct {
	mu     sync.Mutex
	events []*models.Event
}

func (c *eventCollector) emit(event *models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) byType(eventType string) []*models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.Event
	for _, e := range c.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestController(t *testing.T) (*Controller, *eventCollector) {
	t.Helper()

	cfg := &config.Config{
		Service: config.ServiceConfig{CatalogID: "default"},
		HTTP:    config.HTTPConfig{MockLocal: true, Timeout: 5 * time.Second},
	}
	log := logger.New("error", "json")
	tpl := template.New(true)
	rt := &plugin.Runtime{
		Template: tpl,
		Auth:     auth.NewResolver(repository.NewMemoryCredentialStore(), tpl, "default", log),
		Config:   cfg,
		Log:      log,
	}
	registry := plugin.NewRegistry(rt)
	return NewController(rt, registry, sink.NewWriter(rt, registry)), &eventCollector{}
}

func forecastTask() *models.Task {
	return &models.Task{
		Name:     "fetch",
		Tool:     models.ToolHTTP,
		Endpoint: "https://api.weather.local/forecast",
		Data:     map[string]interface{}{"q": "{{ city }}"},
	}
}

// cityOf digs the mocked forecast city out of one iteration result
func cityOf(t *testing.T, result interface{}) string {
	t.Helper()
	normalized, ok := result.(map[string]interface{})
	require.True(t, ok)
	envelope, ok := normalized["data"].(map[string]interface{})
	require.True(t, ok)
	data, ok := envelope["data"].(map[string]interface{})
	require.True(t, ok)
	city, _ := data["city"].(string)
	return city
}

func TestRun_SequentialKeepsCollectionOrder(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{
		Collection: []interface{}{"paris", "oslo", "lima"},
		Element:    "city",
		Task:       forecastTask(),
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	outcome, err := ctrl.Run(ctx, "exec-1", "fetch_all", spec, execCtx, nil, collector.emit)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, outcome.Status)
	assert.Empty(t, outcome.Errors)
	require.Len(t, outcome.Data, 3)

	for i, city := range []string{"paris", "oslo", "lima"} {
		assert.Equal(t, city, cityOf(t, outcome.Data[i]))
	}

	assert.Len(t, collector.byType(models.EventIteratorStarted), 1)
	assert.Len(t, collector.byType(models.EventIterationCompleted), 3)
	assert.Len(t, collector.byType(models.EventIteratorCompleted), 1)
}

func TestRun_WhereOrderByLimit(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{
		Collection: []interface{}{"paris", "oslo", "lima", "bern"},
		Element:    "city",
		Where:      "{{ city != 'oslo' }}",
		OrderBy:    "{{ city }}",
		Limit:      2,
		Task:       forecastTask(),
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	outcome, err := ctrl.Run(ctx, "exec-1", "fetch_all", spec, execCtx, nil, collector.emit)
	require.NoError(t, err)
	require.Len(t, outcome.Data, 2)

	// oslo filtered out, survivors sorted, then capped
	assert.Equal(t, "bern", cityOf(t, outcome.Data[0]))
	assert.Equal(t, "lima", cityOf(t, outcome.Data[1]))

	filtered := collector.byType(models.EventIterationFiltered)
	require.Len(t, filtered, 1)
	assert.Equal(t, "oslo", filtered[0].CurrentItem)
}

func TestRun_AsyncPreservesLogicalOrder(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	cities := []interface{}{"a", "b", "c", "d", "e", "f"}
	spec := &models.LoopSpec{
		Collection:  cities,
		Element:     "city",
		Mode:        "async",
		Concurrency: 3,
		Task:        forecastTask(),
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	outcome, err := ctrl.Run(ctx, "exec-1", "fetch_all", spec, execCtx, nil, collector.emit)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, outcome.Status)
	require.Len(t, outcome.Data, len(cities))

	// Completion order may interleave; aggregation order must not
	for i, city := range cities {
		assert.Equal(t, city, cityOf(t, outcome.Data[i]))
	}
	assert.Len(t, collector.byType(models.EventIterationCompleted), len(cities))
}

func TestRun_ChunkGroupsItemsIntoBatches(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{
		Collection: []interface{}{"a", "b", "c", "d", "e"},
		Element:    "batch",
		Chunk:      2,
		Task: &models.Task{
			Name:     "ship",
			Tool:     models.ToolHTTP,
			Endpoint: "https://api.batch.local/echo",
		},
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	outcome, err := ctrl.Run(ctx, "exec-1", "ship_all", spec, execCtx, nil, collector.emit)
	require.NoError(t, err)
	require.Len(t, outcome.Data, 3)

	started := collector.byType(models.EventIterationStarted)
	require.Len(t, started, 3)
	first, ok := started[0].CurrentItem.([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"a", "b"}, first)
	last, ok := started[2].CurrentItem.([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"e"}, last)
}

func TestRun_CollectionFallsBackToElementKey(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{
		Element: "city",
		Task:    forecastTask(),
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}
	with := map[string]interface{}{"citys": []interface{}{"paris"}}

	outcome, err := ctrl.Run(ctx, "exec-1", "fetch_all", spec, execCtx, with, collector.emit)
	require.NoError(t, err)
	require.Len(t, outcome.Data, 1)
	assert.Equal(t, "paris", cityOf(t, outcome.Data[0]))
}

func TestRun_EmptyCollectionFails(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{Element: "city", Task: forecastTask()}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	_, err := ctrl.Run(ctx, "exec-1", "fetch_all", spec, execCtx, nil, collector.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collection is empty")
}

func TestRun_FailedIterationsAreCollected(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	// Unroutable address, each iteration fails without touching the network
	spec := &models.LoopSpec{
		Collection: []interface{}{"a", "b"},
		Element:    "city",
		Task: &models.Task{
			Name:     "fetch",
			Tool:     models.ToolHTTP,
			Endpoint: "http://127.0.0.1:1/forecast",
		},
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	outcome, err := ctrl.Run(ctx, "exec-1", "fetch_all", spec, execCtx, nil, collector.emit)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, outcome.Status)
	require.Len(t, outcome.Errors, 2)
	assert.Equal(t, 0, outcome.Errors[0]["index"])
	assert.Len(t, collector.byType(models.EventIterationFailed), 2)
}

func TestChunkItems(t *testing.T) {
	items := []item{{value: 1}, {value: 2}, {value: 3}}

	batches := chunkItems(items, 0)
	assert.Len(t, batches, 3)

	batches = chunkItems(items, 2)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
}

func TestCoerceSequence(t *testing.T) {
	out, err := coerceSequence([]interface{}{1, 2})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = coerceSequence(`["a","b"]`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, out)

	_, err = coerceSequence("not json")
	require.Error(t, err)

	// Maps iterate as key/value records in key order
	out, err = coerceSequence(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Len(t, out, 2)
	first := out[0].(map[string]interface{})
	assert.Equal(t, "a", first["key"])

	out, err = coerceSequence(42)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{42}, out)
}

func TestCompareKeys(t *testing.T) {
	// Numbers compare numerically, not lexically
	assert.Equal(t, -1, compareKeys(2, 10))
	assert.Equal(t, 1, compareKeys(10.5, 2))
	assert.Equal(t, 0, compareKeys("x", "x"))
	assert.Equal(t, -1, compareKeys("a", "b"))
}
