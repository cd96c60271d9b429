package sink

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

func newTestWriter(t *testing.T) *Writer {
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
	return NewWriter(rt, plugin.NewRegistry(rt))
}

func collectEvents(events *[]*models.Event) plugin.Emitter {
	return func(event *models.Event) error {
		*events = append(*events, event)
		return nil
	}
}

func TestSave_EventSink(t *testing.T) {
	w := newTestWriter(t)
	var events []*models.Event

	spec := &models.SinkSpec{
		Storage: "event",
		Data:    map[string]interface{}{"city": "{{ data.city }}"},
	}
	payload := map[string]interface{}{"city": "paris", "temp": 21}

	result, err := w.Save(context.Background(), "exec-1", spec, payload, map[string]interface{}{}, collectEvents(&events))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "event", result.Data["saved"])

	rendered := result.Data["payload"].(map[string]interface{})
	assert.Equal(t, "paris", rendered["city"])
	assert.Equal(t, "event", result.Meta["storage_kind"])

	require.Len(t, events, 2)
	assert.Equal(t, models.EventSaveStarted, events[0].EventType)
	assert.Equal(t, models.EventSaveCompleted, events[1].EventType)
}

func TestSave_NoDataMappingPersistsPayload(t *testing.T) {
	w := newTestWriter(t)
	var events []*models.Event

	payload := map[string]interface{}{"city": "oslo"}
	result, err := w.Save(context.Background(), "exec-1", &models.SinkSpec{}, payload, map[string]interface{}{}, collectEvents(&events))
	require.NoError(t, err)
	assert.Equal(t, payload, result.Data["payload"])
}

func TestSave_UnknownStorageFails(t *testing.T) {
	w := newTestWriter(t)
	var events []*models.Event

	_, err := w.Save(context.Background(), "exec-1", &models.SinkSpec{Storage: "s3"}, nil, map[string]interface{}{}, collectEvents(&events))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink storage")

	require.Len(t, events, 2)
	assert.Equal(t, models.EventSaveFailed, events[1].EventType)
}

func TestSave_HTTPSink(t *testing.T) {
	w := newTestWriter(t)
	var events []*models.Event

	spec := &models.SinkSpec{
		Storage:  "http",
		Endpoint: "https://hooks.local/ingest",
	}
	payload := map[string]interface{}{"city": "paris"}

	result, err := w.Save(context.Background(), "exec-1", spec, payload, map[string]interface{}{}, collectEvents(&events))
	require.NoError(t, err)
	assert.Equal(t, "http", result.Data["saved"])
	assert.NotNil(t, result.Data["response"])
}

func TestSave_PythonSinkDefaultsToJSON(t *testing.T) {
	w := newTestWriter(t)
	var events []*models.Event

	spec := &models.SinkSpec{Storage: "python"}
	payload := map[string]interface{}{"city": "paris"}

	result, err := w.Save(context.Background(), "exec-1", spec, payload, map[string]interface{}{}, collectEvents(&events))
	require.NoError(t, err)
	assert.Equal(t, "python", result.Data["saved"])
	assert.JSONEq(t, `{"city":"paris"}`, result.Data["result"].(string))
}

func TestBuildStatement_SynthesizedInsert(t *testing.T) {
	w := newTestWriter(t)

	spec := &models.SinkSpec{Table: "reports"}
	data := map[string]interface{}{"temp": 30, "city": "paris"}

	stmt, args, err := w.buildStatement(spec, data, nil, data, "postgres")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO reports (city, temp) VALUES ($1, $2)", stmt)
	assert.Equal(t, []interface{}{"paris", 30}, args)
}

func TestBuildStatement_Upsert(t *testing.T) {
	w := newTestWriter(t)

	spec := &models.SinkSpec{Table: "reports", Mode: "upsert", Key: "city"}
	data := map[string]interface{}{"city": "paris", "temp": 30}

	stmt, _, err := w.buildStatement(spec, data, nil, data, "postgres")
	require.NoError(t, err)
	assert.Contains(t, stmt, "ON CONFLICT (city) DO UPDATE SET temp = EXCLUDED.temp")
}

func TestBuildStatement_UpsertWithoutKeyFails(t *testing.T) {
	w := newTestWriter(t)

	spec := &models.SinkSpec{Table: "reports", Mode: "upsert"}
	data := map[string]interface{}{"city": "paris"}

	_, _, err := w.buildStatement(spec, data, nil, data, "postgres")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires key")
}

func TestBuildStatement_NamedBinds(t *testing.T) {
	w := newTestWriter(t)

	spec := &models.SinkSpec{
		Statement: "INSERT INTO t (a, b) VALUES (:a, :b)",
	}
	data := map[string]interface{}{
		"a": 1,
		"b": map[string]interface{}{"x": 1},
	}

	stmt, args, err := w.buildStatement(spec, data, nil, data, "duckdb")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t (a, b) VALUES (?, ?)", stmt)
	require.Len(t, args, 2)
	assert.Equal(t, 1, args[0])
	// Containers serialize so the driver sees a scalar bind
	assert.JSONEq(t, `{"x":1}`, args[1].(string))
}

func TestBuildStatement_TemplatedStatementRendersWhole(t *testing.T) {
	w := newTestWriter(t)

	spec := &models.SinkSpec{
		Statement: "INSERT INTO reports VALUES ('{{ data.city }}')",
	}
	payload := map[string]interface{}{"city": "paris"}

	stmt, args, err := w.buildStatement(spec, payload, map[string]interface{}{}, payload, "postgres")
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO reports VALUES ('paris')", stmt)
	assert.Nil(t, args)
}

func TestKeyColumns(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, keyColumns("a, b"))
	assert.Equal(t, []string{"a"}, keyColumns([]interface{}{"a"}))
	assert.Nil(t, keyColumns(""))
	assert.Nil(t, keyColumns(nil))
}

func TestNormalizeKind(t *testing.T) {
	assert.Equal(t, "event", normalizeKind(""))
	assert.Equal(t, "event", normalizeKind("event_log"))
	assert.Equal(t, "postgres", normalizeKind("Postgres"))
}
