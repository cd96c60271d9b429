package engine

import (
	"context"
	"testing"
	"time"

	"github.com/noetl/noetl/common/config"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/engine/auth"
	"github.com/noetl/noetl/engine/plugin"
	"github.com/noetl/noetl/engine/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEngine wires an engine over memory stores with mocked .local HTTP
func newTestEngine(t *testing.T) (*Engine, *repository.MemoryEventLog, *repository.MemoryTransitionStore) {
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

	events := repository.NewMemoryEventLog()
	transitions := repository.NewMemoryTransitionStore()
	return New(rt, events, transitions), events, transitions
}

const callPlaybook = `
name: weather
path: workflows/weather
workload:
  city: paris
workflow:
  - step: start
    next:
      - fetch
  - step: fetch
    call:
      name: get_forecast
      with:
        city: "{{ workload.city }}"
    next:
      - when: "{{ fetch.status == 'success' }}"
        then:
          - step: report
        else:
          - step: end
  - step: report
    next:
      - end
  - step: end
workbook:
  - name: get_forecast
    tool: http
    endpoint: "https://api.weather.local/forecast"
    data:
      q: "{{ city }}"
`

func TestExecute_CallPlaybook(t *testing.T) {
	eng, _, transitions := newTestEngine(t)
	ctx := context.Background()

	pb, err := models.ParsePlaybook([]byte(callPlaybook))
	require.NoError(t, err)

	result, err := eng.Execute(ctx, pb, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.NotEmpty(t, result.ExecutionID)

	// Fetch's result came from the forecast mock
	fetch, ok := result.Results["fetch"].(map[string]interface{})
	require.True(t, ok, "fetch result missing: %v", result.Results)
	data, ok := fetch["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "paris", data["city"])

	// The taken edges are recorded for offline analysis
	edges, err := transitions.ByExecution(ctx, result.ExecutionID)
	require.NoError(t, err)
	require.Len(t, edges, 3)
	assert.Equal(t, "start", edges[0].FromStep)
	assert.Equal(t, "fetch", edges[0].ToStep)
	assert.Equal(t, "report", edges[1].ToStep)
	assert.NotEmpty(t, edges[1].Condition)
	assert.Equal(t, "end", edges[2].ToStep)
}

func TestExecute_EventOrdering(t *testing.T) {
	eng, events, _ := newTestEngine(t)
	ctx := context.Background()

	pb, err := models.ParsePlaybook([]byte(callPlaybook))
	require.NoError(t, err)

	result, err := eng.Execute(ctx, pb, nil)
	require.NoError(t, err)

	log, err := events.ByExecution(ctx, result.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, log)

	assert.Equal(t, models.EventExecutionStart, log[0].EventType)
	assert.Equal(t, models.EventExecutionComplete, log[len(log)-1].EventType)

	// event_id is a gapless total order
	for i, event := range log {
		assert.Equal(t, int64(i+1), event.EventID)
	}

	// A step's completion strictly precedes the next step's start
	position := func(eventType, node string) int {
		for i, event := range log {
			if event.EventType == eventType && event.NodeName == node {
				return i
			}
		}
		return -1
	}
	fetchComplete := position(models.EventStepComplete, "fetch")
	reportStart := position(models.EventStepStart, "report")
	require.GreaterOrEqual(t, fetchComplete, 0)
	require.GreaterOrEqual(t, reportStart, 0)
	assert.Less(t, fetchComplete, reportStart)

	// The plugin lifecycle nests inside the step
	taskStart := position(models.EventTaskStart, "get_forecast")
	taskComplete := position(models.EventTaskComplete, "get_forecast")
	fetchStart := position(models.EventStepStart, "fetch")
	require.GreaterOrEqual(t, taskStart, 0)
	assert.Less(t, fetchStart, taskStart)
	assert.Less(t, taskStart, taskComplete)
	assert.Less(t, taskComplete, fetchComplete)
}

const loopPlaybook = `
name: weather-batch
path: workflows/weather-batch
workload:
  cities:
    - paris
    - oslo
    - lima
workflow:
  - step: start
    next:
      - fetch_all
  - step: fetch_all
    loop:
      in: "{{ workload.cities }}"
      iterator: city
      task:
        tool: http
        endpoint: "https://api.weather.local/forecast"
        data:
          q: "{{ city }}"
  - step: join
    end_loop:
      loop: fetch_all
      result:
        count: "{{ len(results) }}"
    next:
      - end
  - step: end
`

func TestExecute_LoopPlaybook(t *testing.T) {
	eng, events, _ := newTestEngine(t)
	ctx := context.Background()

	pb, err := models.ParsePlaybook([]byte(loopPlaybook))
	require.NoError(t, err)

	result, err := eng.Execute(ctx, pb, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)

	join, ok := result.Results["join"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 3, join["count"])

	// Per-iteration results stay in collection order
	fetchAll, ok := result.Results["fetch_all"].(map[string]interface{})
	require.True(t, ok)
	items, ok := fetchAll["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 3)
	for i, city := range []string{"paris", "oslo", "lima"} {
		item := items[i].(map[string]interface{})
		payload := item["data"].(map[string]interface{})
		data := payload["data"].(map[string]interface{})
		assert.Equal(t, city, data["city"])
	}

	// Iterator lifecycle shows up in the log
	log, err := events.ByExecution(ctx, result.ExecutionID)
	require.NoError(t, err)
	var iterStarted, iterations int
	for _, event := range log {
		switch event.EventType {
		case models.EventIteratorStarted:
			iterStarted++
		case models.EventIterationCompleted:
			iterations++
		}
	}
	assert.Equal(t, 1, iterStarted)
	assert.Equal(t, 3, iterations)
}

const failingPlaybook = `
name: broken
path: workflows/broken
workflow:
  - step: start
    next:
      - fetch
  - step: fetch
    call:
      name: bad_task
    next:
      - end
  - step: end
workbook:
  - name: bad_task
    tool: http
    endpoint: "{{ missing_host }}/x"
`

func TestExecute_StepFailureIsFatal(t *testing.T) {
	eng, events, _ := newTestEngine(t)
	ctx := context.Background()

	pb, err := models.ParsePlaybook([]byte(failingPlaybook))
	require.NoError(t, err)

	result, err := eng.Execute(ctx, pb, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, result.Status)
	assert.Contains(t, result.Error, "fetch")

	log, err := events.ByExecution(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.EventExecutionError, log[len(log)-1].EventType)
}

func TestExecute_InputPayloadMerge(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	pb, err := models.ParsePlaybook([]byte(callPlaybook))
	require.NoError(t, err)

	result, err := eng.Execute(ctx, pb, &Request{
		Input: map[string]interface{}{"city": "oslo"},
	})
	require.NoError(t, err)

	fetch := result.Results["fetch"].(map[string]interface{})
	data := fetch["data"].(map[string]interface{})
	assert.Equal(t, "oslo", data["city"])
}

func TestExecute_TransitionLimit(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.maxTransitions = 5
	ctx := context.Background()

	pb, err := models.ParsePlaybook([]byte(`
name: cycle
path: workflows/cycle
workflow:
  - step: start
    next:
      - ping
  - step: ping
    next:
      - pong
  - step: pong
    next:
      - ping
  - step: end
`))
	require.NoError(t, err)

	result, err := eng.Execute(ctx, pb, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, result.Status)
	assert.Contains(t, result.Error, "transition limit")
}
