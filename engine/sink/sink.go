// Package sink persists declared result payloads to a storage backend:
// event, postgres, duckdb, http or python. Sink failures are fatal to the
// enclosing iteration or step.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/engine/auth"
	"github.com/noetl/noetl/engine/plugin"
)

var namedBindPattern = regexp.MustCompile(`:([a-zA-Z_][a-zA-Z0-9_]*)`)

// SaveResult is the sink output envelope
type SaveResult struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Writer executes sink blocks
type Writer struct {
	rt       *plugin.Runtime
	registry *plugin.Registry
}

// NewWriter creates a sink writer
func NewWriter(rt *plugin.Runtime, registry *plugin.Registry) *Writer {
	return &Writer{rt: rt, registry: registry}
}

// Save persists one payload per the sink spec, bracketing the write with
// save_started and save_completed/save_failed events. A non-nil error means
// the enclosing iteration or step must fail.
func (w *Writer) Save(ctx context.Context, executionID string, spec *models.SinkSpec, payload interface{}, execCtx map[string]interface{}, emit plugin.Emitter) (*SaveResult, error) {
	kind := normalizeKind(spec.Storage)

	if err := emit(&models.Event{
		ExecutionID: executionID,
		EventType:   models.EventSaveStarted,
		NodeType:    "sink",
		NodeName:    kind,
		Status:      models.StatusInProgress,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("emit save_started: %w", err)
	}

	result, err := w.save(ctx, kind, spec, payload, execCtx, emit, executionID)
	if err != nil {
		emitErr := emit(&models.Event{
			ExecutionID: executionID,
			EventType:   models.EventSaveFailed,
			NodeType:    "sink",
			NodeName:    kind,
			Status:      models.StatusError,
			Error:       err.Error(),
			Timestamp:   time.Now().UTC(),
		})
		if emitErr != nil {
			w.rt.Log.Error("emit save_failed", "error", emitErr)
		}
		return nil, err
	}

	if emitErr := emit(&models.Event{
		ExecutionID:  executionID,
		EventType:    models.EventSaveCompleted,
		NodeType:     "sink",
		NodeName:     kind,
		Status:       models.StatusSuccess,
		OutputResult: result.Data,
		Timestamp:    time.Now().UTC(),
	}); emitErr != nil {
		w.rt.Log.Error("emit save_completed", "error", emitErr)
	}

	return result, nil
}

func (w *Writer) save(ctx context.Context, kind string, spec *models.SinkSpec, payload interface{}, execCtx map[string]interface{}, emit plugin.Emitter, executionID string) (*SaveResult, error) {
	data, err := w.renderData(spec, payload, execCtx)
	if err != nil {
		return nil, err
	}

	meta := map[string]interface{}{
		"storage_kind": kind,
	}
	if name, ok := spec.Auth.(string); ok {
		meta["credential_ref"] = name
	}
	meta["sink_spec"] = map[string]interface{}{
		"storage": spec.Storage,
		"table":   spec.Table,
		"mode":    spec.Mode,
	}

	switch kind {
	case "event":
		// The event log captures the rendered payload via the enclosing
		// step result; nothing else to write.
		return &SaveResult{
			Status: models.StatusSuccess,
			Data:   map[string]interface{}{"saved": "event", "payload": data},
			Meta:   meta,
		}, nil

	case "postgres":
		rowCount, err := w.savePostgres(ctx, spec, data, execCtx, payload)
		if err != nil {
			return nil, err
		}
		return &SaveResult{
			Status: models.StatusSuccess,
			Data:   map[string]interface{}{"saved": "postgres", "table": spec.Table, "row_count": rowCount},
			Meta:   meta,
		}, nil

	case "duckdb":
		rowCount, err := w.saveDuckDB(ctx, spec, data, execCtx, payload)
		if err != nil {
			return nil, err
		}
		return &SaveResult{
			Status: models.StatusSuccess,
			Data:   map[string]interface{}{"saved": "duckdb", "table": spec.Table, "row_count": rowCount},
			Meta:   meta,
		}, nil

	case "http":
		respData, err := w.saveHTTP(ctx, spec, data, execCtx, emit, executionID)
		if err != nil {
			return nil, err
		}
		return &SaveResult{
			Status: models.StatusSuccess,
			Data:   map[string]interface{}{"saved": "http", "response": respData},
			Meta:   meta,
		}, nil

	case "python":
		out, err := w.saveCode(ctx, spec, data, execCtx, emit, executionID)
		if err != nil {
			return nil, err
		}
		return &SaveResult{
			Status: models.StatusSuccess,
			Data:   map[string]interface{}{"saved": "python", "result": out},
			Meta:   meta,
		}, nil

	default:
		return nil, fmt.Errorf("unknown sink storage: %s", spec.Storage)
	}
}

// renderData renders the sink's data (or args) block with the payload bound
// under data and result
func (w *Writer) renderData(spec *models.SinkSpec, payload interface{}, execCtx map[string]interface{}) (interface{}, error) {
	source := spec.Data
	if source == nil {
		source = spec.Args
	}
	if source == nil {
		// No mapping declared: persist the payload itself
		return payload, nil
	}

	renderCtx := make(map[string]interface{}, len(execCtx)+2)
	for k, v := range execCtx {
		renderCtx[k] = v
	}
	renderCtx["data"] = payload
	renderCtx["result"] = payload

	rendered, err := w.rt.Template.Render(source, renderCtx)
	if err != nil {
		return nil, fmt.Errorf("render sink data: %w", err)
	}
	return rendered, nil
}

// savePostgres writes through a connection resolved from the sink auth
func (w *Writer) savePostgres(ctx context.Context, spec *models.SinkSpec, data interface{}, execCtx map[string]interface{}, payload interface{}) (int64, error) {
	if spec.Auth == nil {
		return 0, fmt.Errorf("postgres sink requires auth")
	}
	resolution, err := w.rt.Auth.Resolve(ctx, spec.Auth, execCtx)
	if err != nil {
		return 0, fmt.Errorf("resolve sink auth: %w", err)
	}
	conn, err := auth.PostgresParams(resolution.Single())
	if err != nil {
		return 0, err
	}

	stmt, args, err := w.buildStatement(spec, data, execCtx, payload, "postgres")
	if err != nil {
		return 0, err
	}

	db, err := pgx.Connect(ctx, conn.DSN())
	if err != nil {
		return 0, fmt.Errorf("connect sink postgres: %w", err)
	}
	defer db.Close(ctx)

	tag, err := db.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("execute sink statement: %w", err)
	}
	return tag.RowsAffected(), nil
}

// saveDuckDB writes through a fresh duckdb handle
func (w *Writer) saveDuckDB(ctx context.Context, spec *models.SinkSpec, data interface{}, execCtx map[string]interface{}, payload interface{}) (int64, error) {
	stmt, args, err := w.buildStatement(spec, data, execCtx, payload, "duckdb")
	if err != nil {
		return 0, err
	}

	dbPath := ""
	if spec.Params != nil {
		if v, ok := spec.Params["database"].(string); ok {
			dbPath = v
		}
	}
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return 0, fmt.Errorf("open sink duckdb: %w", err)
	}
	defer db.Close()

	result, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("execute sink statement: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// saveHTTP posts the rendered data through the http plugin
func (w *Writer) saveHTTP(ctx context.Context, spec *models.SinkSpec, data interface{}, execCtx map[string]interface{}, emit plugin.Emitter, executionID string) (interface{}, error) {
	if spec.Endpoint == "" {
		return nil, fmt.Errorf("http sink requires endpoint")
	}
	method := spec.Method
	if method == "" {
		method = "POST"
	}

	task := &models.Task{
		Name:     "sink_http",
		Tool:     models.ToolHTTP,
		Endpoint: spec.Endpoint,
		Method:   method,
		Data:     map[string]interface{}{"body": data},
		Auth:     spec.Auth,
	}
	httpPlugin, err := w.registry.Get(models.ToolHTTP)
	if err != nil {
		return nil, err
	}
	result := httpPlugin.Execute(ctx, task, execCtx, nil, emit)
	if result.Status != models.StatusSuccess {
		return nil, fmt.Errorf("http sink: %s", result.Error)
	}
	return result.Data, nil
}

// saveCode passes the rendered data to a code body; the default body
// serializes to JSON
func (w *Writer) saveCode(ctx context.Context, spec *models.SinkSpec, data interface{}, execCtx map[string]interface{}, emit plugin.Emitter, executionID string) (interface{}, error) {
	if spec.Code == "" {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("serialize sink payload: %w", err)
		}
		return string(encoded), nil
	}

	task := &models.Task{
		Name: "sink_python",
		Tool: models.ToolPython,
		Code: spec.Code,
		Args: map[string]interface{}{"data": data},
	}
	codePlugin, err := w.registry.Get(models.ToolPython)
	if err != nil {
		return nil, err
	}
	result := codePlugin.Execute(ctx, task, execCtx, nil, emit)
	if result.Status != models.StatusSuccess {
		return nil, fmt.Errorf("python sink: %s", result.Error)
	}
	return result.Data, nil
}

// buildStatement either adapts the user statement's named binds or
// synthesizes an INSERT (with optional upsert) from table, data and mode
func (w *Writer) buildStatement(spec *models.SinkSpec, data interface{}, execCtx map[string]interface{}, payload interface{}, dialect string) (string, []interface{}, error) {
	if spec.Statement != "" {
		return w.adaptStatement(spec, data, execCtx, payload, dialect)
	}

	if spec.Table == "" {
		return "", nil, fmt.Errorf("sink needs a statement or a table")
	}
	row, ok := data.(map[string]interface{})
	if !ok {
		return "", nil, fmt.Errorf("table sink data must be a column mapping, got %T", data)
	}

	columns := sortedKeys(row)
	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		placeholders[i] = bindPlaceholder(dialect, i)
		args[i] = normalizeArg(row[col])
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		spec.Table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	mode := strings.ToLower(spec.Mode)
	if mode == "upsert" {
		keys := keyColumns(spec.Key)
		if len(keys) == 0 {
			return "", nil, fmt.Errorf("upsert sink requires key")
		}
		keySet := make(map[string]bool, len(keys))
		for _, k := range keys {
			keySet[k] = true
		}
		var updates []string
		for _, col := range columns {
			if !keySet[col] {
				updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
			}
		}
		stmt += fmt.Sprintf(
			" ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(keys, ", "),
			strings.Join(updates, ", "),
		)
	}

	return stmt, args, nil
}

// adaptStatement rewrites :name binds into positional parameters bound from
// the rendered data; statements carrying template markup are rendered whole
func (w *Writer) adaptStatement(spec *models.SinkSpec, data interface{}, execCtx map[string]interface{}, payload interface{}, dialect string) (string, []interface{}, error) {
	stmt := spec.Statement

	if strings.Contains(stmt, "{{") {
		renderCtx := make(map[string]interface{}, len(execCtx)+2)
		for k, v := range execCtx {
			renderCtx[k] = v
		}
		renderCtx["data"] = payload
		renderCtx["result"] = payload
		rendered, err := w.rt.Template.RenderString(stmt, renderCtx)
		if err != nil {
			return "", nil, fmt.Errorf("render sink statement: %w", err)
		}
		return fmt.Sprintf("%v", rendered), nil, nil
	}

	row, _ := data.(map[string]interface{})
	var args []interface{}
	index := 0
	out := namedBindPattern.ReplaceAllStringFunc(stmt, func(m string) string {
		name := m[1:]
		var value interface{}
		if row != nil {
			value = row[name]
		}
		args = append(args, normalizeArg(value))
		placeholder := bindPlaceholder(dialect, index)
		index++
		return placeholder
	})
	return out, args, nil
}

func bindPlaceholder(dialect string, index int) string {
	if dialect == "postgres" {
		return fmt.Sprintf("$%d", index+1)
	}
	return "?"
}

// normalizeArg serializes containers so drivers receive scalar binds
func normalizeArg(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return v
	}
}

func keyColumns(key interface{}) []string {
	switch v := key.(type) {
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return nil
	}
}

// sortedKeys keeps synthesized DML column order deterministic
func sortedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeKind(storage string) string {
	switch strings.ToLower(storage) {
	case "", "event", "event_log":
		return "event"
	default:
		return strings.ToLower(storage)
	}
}
