package loop

import (
	"context"
	"testing"

	"github.com/noetl/noetl/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePage_Append(t *testing.T) {
	acc := mergePage(nil, map[string]interface{}{"page": 1}, "append", "")
	acc = mergePage(acc, map[string]interface{}{"page": 2}, "append", "")
	require.Len(t, acc, 2)
	assert.Equal(t, map[string]interface{}{"page": 2}, acc[1])

	// Nil pages are skipped
	acc = mergePage(acc, nil, "append", "")
	assert.Len(t, acc, 2)
}

func TestMergePage_AppendWithMergePath(t *testing.T) {
	response := map[string]interface{}{
		"data": map[string]interface{}{
			"items": []interface{}{"a", "b"},
		},
	}
	acc := mergePage(nil, response, "append", "data.items")
	require.Len(t, acc, 1)
	assert.Equal(t, []interface{}{"a", "b"}, acc[0])
}

func TestMergePage_ExtendFlattensLists(t *testing.T) {
	response := map[string]interface{}{
		"items": []interface{}{"a", "b"},
	}
	acc := mergePage(nil, response, "extend", "items")
	acc = mergePage(acc, response, "extend", "items")
	assert.Equal(t, []interface{}{"a", "b", "a", "b"}, acc)

	// Non-list values extend as single elements
	acc = mergePage(nil, map[string]interface{}{"items": "x"}, "extend", "items")
	assert.Equal(t, []interface{}{"x"}, acc)
}

func TestMergePage_ReplaceKeepsLastPage(t *testing.T) {
	acc := mergePage(nil, []interface{}{"old"}, "replace", "")
	acc = mergePage(acc, []interface{}{"new", "er"}, "replace", "")
	assert.Equal(t, []interface{}{"new", "er"}, acc)
}

func TestMergePage_CollectKeepsWholeResponses(t *testing.T) {
	response := map[string]interface{}{
		"items": []interface{}{"a"},
		"total": 10,
	}
	acc := mergePage(nil, response, "collect", "items")
	require.Len(t, acc, 1)
	// The merge path is ignored; the full envelope survives
	assert.Equal(t, response, acc[0])
}

func TestMergePage_SinkOnlyDiscards(t *testing.T) {
	acc := mergePage(nil, map[string]interface{}{"page": 1}, "sink_only", "")
	assert.Empty(t, acc)
}

func TestExtractPath(t *testing.T) {
	response := map[string]interface{}{
		"data": map[string]interface{}{
			"next": map[string]interface{}{"cursor": "abc"},
		},
	}
	assert.Equal(t, "abc", extractPath(response, "data.next.cursor"))
	assert.Nil(t, extractPath(response, "data.missing"))
}

func TestApplyNextPage(t *testing.T) {
	ctrl, _ := newTestController(t)

	task := &models.Task{
		Tool:     models.ToolHTTP,
		Endpoint: "https://api.example.local/items",
		Data:     map[string]interface{}{"query": map[string]interface{}{"page": 1}},
	}
	pageCtx := map[string]interface{}{"iteration": 0, "response": map[string]interface{}{
		"next_url": "https://api.example.local/items?cursor=2",
	}}

	err := ctrl.applyNextPage(task, map[string]interface{}{
		"page":     "{{ iteration + 1 }}",
		"endpoint": "{{ response.next_url }}",
		"headers":  map[string]interface{}{"X-Cursor": "abc"},
	}, pageCtx)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.local/items?cursor=2", task.Endpoint)
	assert.Equal(t, "abc", task.Headers["X-Cursor"])

	data := task.Data.(map[string]interface{})
	query := data["query"].(map[string]interface{})
	assert.Equal(t, 1, query["page"])
}

func TestRunPagination_AccumulatesWhileConditionHolds(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{
		Task: &models.Task{
			Name:     "fetch_page",
			Tool:     models.ToolHTTP,
			Endpoint: "https://api.weather.local/forecast",
			Data:     map[string]interface{}{"q": "paris"},
		},
		Pagination: &models.PaginationSpec{
			ContinueWhile: "{{ iteration < 2 }}",
			MergeStrategy: "append",
			MergePath:     "data",
			NextPage:      map[string]interface{}{"page": "{{ iteration + 1 }}"},
		},
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	outcome, err := ctrl.Run(ctx, "exec-1", "fetch_pages", spec, execCtx, nil, collector.emit)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, outcome.Status)
	require.Len(t, outcome.Data, 3)

	page := outcome.Data[0].(map[string]interface{})
	assert.Equal(t, "paris", page["city"])

	assert.Len(t, collector.byType(models.EventIterationCompleted), 3)
	assert.Len(t, collector.byType(models.EventIteratorCompleted), 1)
}

func TestRunPagination_LeavesTaskSpecUntouched(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{
		Task: &models.Task{
			Name:     "fetch_page",
			Tool:     models.ToolHTTP,
			Endpoint: "https://api.weather.local/forecast",
			Headers:  map[string]interface{}{"Accept": "application/json"},
			Data: map[string]interface{}{
				"query": map[string]interface{}{"q": "paris", "page": 1},
			},
		},
		Pagination: &models.PaginationSpec{
			ContinueWhile: "{{ iteration < 2 }}",
			NextPage: map[string]interface{}{
				"page":    "{{ iteration + 2 }}",
				"headers": map[string]interface{}{"X-Cursor": "{{ iteration }}"},
			},
		},
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	outcome, err := ctrl.Run(ctx, "exec-1", "fetch_pages", spec, execCtx, nil, collector.emit)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, outcome.Status)
	require.Len(t, outcome.Data, 3)

	// A second run must start from the declared first page, so the parsed
	// playbook task keeps its initial query, headers and endpoint
	query := spec.Task.Data.(map[string]interface{})["query"].(map[string]interface{})
	assert.Equal(t, 1, query["page"])
	assert.Equal(t, "paris", query["q"])
	assert.Equal(t, map[string]interface{}{"Accept": "application/json"}, spec.Task.Headers)
	assert.Equal(t, "https://api.weather.local/forecast", spec.Task.Endpoint)
}

func TestDetachPageTask(t *testing.T) {
	src := &models.Task{
		Tool:    models.ToolHTTP,
		Headers: map[string]interface{}{"Accept": "application/json"},
		Data: map[string]interface{}{
			"query": map[string]interface{}{"page": 1},
		},
	}

	task := detachPageTask(src)
	task.Headers["X-Cursor"] = "abc"
	data := task.Data.(map[string]interface{})
	data["query"].(map[string]interface{})["page"] = 9
	data["body"] = map[string]interface{}{"cursor": "abc"}

	assert.Equal(t, map[string]interface{}{"Accept": "application/json"}, src.Headers)
	srcData := src.Data.(map[string]interface{})
	assert.Equal(t, 1, srcData["query"].(map[string]interface{})["page"])
	assert.NotContains(t, srcData, "body")
}

func TestRunPagination_MaxIterationsBoundsTheLoop(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{
		Task: &models.Task{
			Name:     "fetch_page",
			Tool:     models.ToolHTTP,
			Endpoint: "https://api.weather.local/forecast",
		},
		Pagination: &models.PaginationSpec{
			ContinueWhile: "{{ true }}",
			MaxIterations: 4,
		},
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	outcome, err := ctrl.Run(ctx, "exec-1", "fetch_pages", spec, execCtx, nil, collector.emit)
	require.NoError(t, err)
	assert.Len(t, outcome.Data, 4)
}

func TestRunPagination_RetryExhaustionFailsTheLoop(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{
		Task: &models.Task{
			Name:     "fetch_page",
			Tool:     models.ToolHTTP,
			Endpoint: "http://127.0.0.1:1/items",
		},
		Pagination: &models.PaginationSpec{
			ContinueWhile: "{{ iteration < 5 }}",
			Retry: &models.RetrySpec{
				MaxAttempts:  2,
				Backoff:      "fixed",
				InitialDelay: 0.01,
			},
		},
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	outcome, err := ctrl.Run(ctx, "exec-1", "fetch_pages", spec, execCtx, nil, collector.emit)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, outcome.Status)
	require.Len(t, outcome.Errors, 1)
	assert.Contains(t, outcome.Errors[0]["message"], "after 2 attempts")
	assert.Len(t, collector.byType(models.EventIterationFailed), 1)
}

func TestRunPagination_RequiresHTTPTask(t *testing.T) {
	ctrl, collector := newTestController(t)
	ctx := context.Background()

	spec := &models.LoopSpec{
		Task: &models.Task{Name: "q", Tool: models.ToolPostgres},
		Pagination: &models.PaginationSpec{
			ContinueWhile: "{{ false }}",
		},
	}
	execCtx := map[string]interface{}{"workload": map[string]interface{}{}}

	_, err := ctrl.Run(ctx, "exec-1", "fetch_pages", spec, execCtx, nil, collector.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a nested http task")
}
