package plugin

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/engine/auth"
	sf "github.com/snowflakedb/gosnowflake"
)

// defaultTransferChunk is the fetch/flush batch size
const defaultTransferChunk = 1000

// TransferPlugin streams rows between Snowflake and Postgres. Rows are
// fetched in chunks from the source query and written to the target with
// synthesized DML (or a user-supplied target query); a progress event is
// emitted per chunk.
type TransferPlugin struct {
	rt *Runtime
}

// NewTransferPlugin creates the transfer tool
func NewTransferPlugin(rt *Runtime) *TransferPlugin {
	return &TransferPlugin{rt: rt}
}

// Execute performs the transfer and reports totals
func (p *TransferPlugin) Execute(ctx context.Context, task *models.Task, execCtx map[string]interface{}, with map[string]interface{}, emit Emitter) *Result {
	renderCtx := mergedContext(execCtx, with)

	if task.Source == nil || task.Target == nil {
		return errorResult(fmt.Errorf("transfer task %s needs source and target", task.Name))
	}
	if task.Source.Query == "" {
		return errorResult(fmt.Errorf("transfer task %s has no source query", task.Name))
	}
	if task.Target.Table == "" && task.TargetQuery == "" {
		return errorResult(fmt.Errorf("transfer task %s has no target table or query", task.Name))
	}

	srcDB, err := p.open(ctx, task.Source, renderCtx)
	if err != nil {
		return errorResult(fmt.Errorf("open source: %w", err))
	}
	defer srcDB.Close()

	dstDB, err := p.open(ctx, task.Target, renderCtx)
	if err != nil {
		return errorResult(fmt.Errorf("open target: %w", err))
	}
	defer dstDB.Close()

	query, err := p.renderString(task.Source.Query, renderCtx)
	if err != nil {
		return errorResult(fmt.Errorf("render source query: %w", err))
	}

	chunkSize := task.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultTransferChunk
	}
	writeMode := strings.ToLower(task.WriteMode)
	if writeMode == "" {
		writeMode = "insert"
	}

	rows, err := srcDB.QueryContext(ctx, query)
	if err != nil {
		return errorResult(fmt.Errorf("source query: %w", err))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return errorResult(fmt.Errorf("source columns: %w", err))
	}

	writer, err := p.buildWriter(task, columns, writeMode)
	if err != nil {
		return errorResult(err)
	}

	if writeMode == "replace" && task.Target.Table != "" {
		if _, err := dstDB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", task.Target.Table)); err != nil {
			return errorResult(fmt.Errorf("clear target table: %w", err))
		}
	}

	var batch [][]interface{}
	rowsTransferred := 0
	chunksProcessed := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := writer.writeChunk(ctx, dstDB, batch); err != nil {
			return err
		}
		rowsTransferred += len(batch)
		chunksProcessed++
		p.emitProgress(emit, task, rowsTransferred, chunksProcessed)
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return errorResult(fmt.Errorf("scan source row: %w", err))
		}
		batch = append(batch, values)
		if len(batch) >= chunkSize {
			if err := flush(); err != nil {
				return errorResult(err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return errorResult(fmt.Errorf("iterate source rows: %w", err))
	}
	if err := flush(); err != nil {
		return errorResult(err)
	}

	return successResult(map[string]interface{}{
		"rows_transferred": rowsTransferred,
		"chunks_processed": chunksProcessed,
		"target_table":     task.Target.Table,
		"direction":        fmt.Sprintf("%s_to_%s", task.Source.Kind, task.Target.Kind),
		"columns":          columns,
	})
}

// open resolves the endpoint's auth and opens a database handle
func (p *TransferPlugin) open(ctx context.Context, endpoint *models.TransferEndpoint, renderCtx map[string]interface{}) (*sql.DB, error) {
	resolution, err := p.rt.Auth.Resolve(ctx, endpoint.Auth, renderCtx)
	if err != nil {
		return nil, fmt.Errorf("resolve auth %s: %w", endpoint.Auth, err)
	}
	item := resolution.Single()

	switch endpoint.Kind {
	case "postgres":
		conn, err := auth.PostgresParams(item)
		if err != nil {
			return nil, err
		}
		return sql.Open("pgx", conn.DSN())

	case "snowflake":
		cfg := &sf.Config{
			Account:   payloadString(item, "account"),
			User:      payloadString(item, "user"),
			Password:  payloadString(item, "password"),
			Database:  payloadString(item, "database"),
			Schema:    payloadString(item, "schema"),
			Warehouse: payloadString(item, "warehouse"),
			Role:      payloadString(item, "role"),
		}
		if cfg.Account == "" || cfg.User == "" {
			return nil, fmt.Errorf("snowflake credential %s missing account or user", item.Source)
		}
		dsn, err := sf.DSN(cfg)
		if err != nil {
			return nil, fmt.Errorf("build snowflake dsn: %w", err)
		}
		return sql.Open("snowflake", dsn)

	default:
		return nil, fmt.Errorf("unsupported transfer endpoint kind: %s", endpoint.Kind)
	}
}

// chunkWriter writes one batch of rows to the target
type chunkWriter struct {
	statement string
}

// buildWriter prepares the per-row target statement
func (p *TransferPlugin) buildWriter(task *models.Task, columns []string, writeMode string) (*chunkWriter, error) {
	if task.TargetQuery != "" {
		return &chunkWriter{statement: task.TargetQuery}, nil
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		if task.Target.Kind == "snowflake" {
			placeholders[i] = "?"
		} else {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		task.Target.Table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	if writeMode == "upsert" {
		if task.Target.Kind != "postgres" {
			return nil, fmt.Errorf("upsert write mode requires a postgres target")
		}
		if len(task.KeyColumns) == 0 {
			return nil, fmt.Errorf("upsert write mode requires key_columns")
		}
		var updates []string
		keys := make(map[string]bool, len(task.KeyColumns))
		for _, k := range task.KeyColumns {
			keys[k] = true
		}
		for _, col := range columns {
			if !keys[col] {
				updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
			}
		}
		stmt += fmt.Sprintf(
			" ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(task.KeyColumns, ", "),
			strings.Join(updates, ", "),
		)
	}

	return &chunkWriter{statement: stmt}, nil
}

// writeChunk writes one batch inside a transaction
func (w *chunkWriter) writeChunk(ctx context.Context, db *sql.DB, batch [][]interface{}) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin target tx: %w", err)
	}
	for _, row := range batch {
		if _, err := tx.ExecContext(ctx, w.statement, row...); err != nil {
			tx.Rollback()
			return fmt.Errorf("write target row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit target tx: %w", err)
	}
	return nil
}

func (p *TransferPlugin) emitProgress(emit Emitter, task *models.Task, rows, chunks int) {
	err := emit(&models.Event{
		EventType: models.EventTaskExecute,
		NodeName:  task.Name,
		NodeType:  task.Tool,
		Status:    models.StatusInProgress,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]interface{}{
			"rows_transferred": rows,
			"chunks_processed": chunks,
		},
	})
	if err != nil {
		p.rt.Log.Warn("emit transfer progress failed", "task", task.Name, "error", err)
	}
}

func (p *TransferPlugin) renderString(s string, renderCtx map[string]interface{}) (string, error) {
	rendered, err := p.rt.Template.RenderString(s, renderCtx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", rendered), nil
}
