package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/noetl/noetl/common/config"
	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/engine/auth"
	"github.com/noetl/noetl/engine/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := &config.Config{
		Service: config.ServiceConfig{CatalogID: "default"},
		HTTP:    config.HTTPConfig{MockLocal: true, Timeout: 5 * time.Second},
	}
	log := logger.New("error", "json")
	tpl := template.New(true)
	return &Runtime{
		Template: tpl,
		Auth:     auth.NewResolver(repository.NewMemoryCredentialStore(), tpl, "default", log),
		Config:   cfg,
		Log:      log,
	}
}

func discardEvents(*models.Event) error { return nil }

func envelope(t *testing.T, result *Result) map[string]interface{} {
	t.Helper()
	out, ok := result.Data.(map[string]interface{})
	require.True(t, ok, "result data is %T", result.Data)
	return out
}

func TestHTTPExecute_MockedForecast(t *testing.T) {
	rt := newTestRuntime(t)
	registry := NewRegistry(rt)

	task := &models.Task{
		Name:     "fetch",
		Tool:     models.ToolHTTP,
		Endpoint: "https://api.weather.local/forecast",
		Data:     map[string]interface{}{"q": "{{ city }}"},
	}
	execCtx := map[string]interface{}{"city": "paris"}

	result := registry.Execute(context.Background(), "exec-1", task, execCtx, nil, discardEvents)
	require.Equal(t, models.StatusSuccess, result.Status, result.Error)

	env := envelope(t, result)
	assert.EqualValues(t, 200, env["status_code"])
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "paris", data["city"])
	assert.Equal(t, "celsius", data["units"])
}

func TestHTTPExecute_WithParamsOverrideContext(t *testing.T) {
	rt := newTestRuntime(t)
	registry := NewRegistry(rt)

	task := &models.Task{
		Name:     "fetch",
		Tool:     models.ToolHTTP,
		Endpoint: "https://api.weather.local/forecast",
		Data:     map[string]interface{}{"q": "{{ city }}"},
	}
	execCtx := map[string]interface{}{"city": "paris"}
	with := map[string]interface{}{"city": "oslo"}

	result := registry.Execute(context.Background(), "exec-1", task, execCtx, with, discardEvents)
	require.Equal(t, models.StatusSuccess, result.Status)

	data := envelope(t, result)["data"].(map[string]interface{})
	assert.Equal(t, "oslo", data["city"])
}

func TestHTTPExecute_MockEchoesUnknownRoutes(t *testing.T) {
	rt := newTestRuntime(t)
	registry := NewRegistry(rt)

	task := &models.Task{
		Name:     "post",
		Tool:     models.ToolHTTP,
		Method:   "POST",
		Endpoint: "https://hooks.local/ingest",
		Data: map[string]interface{}{
			"body": map[string]interface{}{"city": "paris"},
		},
	}

	result := registry.Execute(context.Background(), "exec-1", task, map[string]interface{}{}, nil, discardEvents)
	require.Equal(t, models.StatusSuccess, result.Status)

	data := envelope(t, result)["data"].(map[string]interface{})
	assert.Equal(t, true, data["mock"])
	assert.Equal(t, "POST", data["method"])
}

func TestHTTPExecute_MissingEndpoint(t *testing.T) {
	rt := newTestRuntime(t)
	registry := NewRegistry(rt)

	task := &models.Task{Name: "fetch", Tool: models.ToolHTTP}
	result := registry.Execute(context.Background(), "exec-1", task, map[string]interface{}{}, nil, discardEvents)
	assert.Equal(t, models.StatusError, result.Status)
	assert.Contains(t, result.Error, "no endpoint")
}

func TestRegistry_UnknownTool(t *testing.T) {
	rt := newTestRuntime(t)
	registry := NewRegistry(rt)

	var events []*models.Event
	emit := func(e *models.Event) error {
		events = append(events, e)
		return nil
	}

	task := &models.Task{Name: "x", Tool: "smoke-signal"}
	result := registry.Execute(context.Background(), "exec-1", task, map[string]interface{}{}, nil, emit)
	assert.Equal(t, models.StatusError, result.Status)
	assert.Contains(t, result.Error, "unknown tool")

	require.Len(t, events, 2)
	assert.Equal(t, models.EventTaskStart, events[0].EventType)
	assert.Equal(t, models.EventTaskError, events[1].EventType)
}

func TestResultAsMap(t *testing.T) {
	r := &Result{ID: "t1", Status: models.StatusSuccess, Data: map[string]interface{}{"x": 1}}
	out := r.AsMap()
	assert.Equal(t, "t1", out["id"])
	assert.Equal(t, models.StatusSuccess, out["status"])
	assert.NotNil(t, out["data"])
	_, hasErr := out["error"]
	assert.False(t, hasErr)
}
