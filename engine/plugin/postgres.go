package plugin

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/engine/auth"
)

// PostgresPlugin executes base64-encoded SQL scripts against a connection
// resolved from the task's auth reference. Each statement runs in its own
// transaction so one failure does not poison the rest of the script; CALL
// statements run in autocommit.
type PostgresPlugin struct {
	rt *Runtime
}

// NewPostgresPlugin creates the postgres tool
func NewPostgresPlugin(rt *Runtime) *PostgresPlugin {
	return &PostgresPlugin{rt: rt}
}

// Execute runs the script and reports per-statement results
func (p *PostgresPlugin) Execute(ctx context.Context, task *models.Task, execCtx map[string]interface{}, with map[string]interface{}, emit Emitter) *Result {
	renderCtx := mergedContext(execCtx, with)

	if task.Auth == nil {
		return errorResult(fmt.Errorf("postgres task %s has no auth reference", task.Name))
	}
	resolution, err := p.rt.Auth.Resolve(ctx, task.Auth, renderCtx)
	if err != nil {
		return errorResult(fmt.Errorf("resolve postgres auth: %w", err))
	}
	conn, err := auth.PostgresParams(resolution.Single())
	if err != nil {
		return errorResult(err)
	}

	script, err := decodeCommands(task, p.rt, renderCtx)
	if err != nil {
		return errorResult(err)
	}
	statements := SplitStatements(script)
	if len(statements) == 0 {
		return errorResult(fmt.Errorf("postgres task %s has no statements", task.Name))
	}

	db, err := pgx.Connect(ctx, conn.DSN())
	if err != nil {
		return errorResult(fmt.Errorf("connect postgres %s: %w", conn.Host, err))
	}
	defer db.Close(ctx)

	results := make(map[string]interface{}, len(statements))
	var failures []string

	for i, stmt := range statements {
		key := fmt.Sprintf("command_%d", i)
		stmtResult, err := p.runStatement(ctx, db, stmt)
		if err != nil {
			failures = append(failures, fmt.Sprintf("command_%d: %v", i, err))
			results[key] = map[string]interface{}{
				"status":  models.StatusError,
				"message": err.Error(),
			}
			continue
		}
		results[key] = stmtResult
	}

	if len(failures) > 0 {
		return &Result{
			ID:     uuid.New().String(),
			Status: models.StatusError,
			Data:   results,
			Error:  strings.Join(failures, "; "),
		}
	}
	return successResult(results)
}

// runStatement executes one statement and collects its rows
func (p *PostgresPlugin) runStatement(ctx context.Context, db *pgx.Conn, stmt string) (map[string]interface{}, error) {
	// CALL manages its own transaction state
	if isCall(stmt) {
		tag, err := db.Exec(ctx, stmt)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"status":    models.StatusSuccess,
			"row_count": tag.RowsAffected(),
			"message":   tag.String(),
		}, nil
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}

	if returnsRows(stmt) {
		rows, err := tx.Query(ctx, stmt)
		if err != nil {
			tx.Rollback(ctx)
			return nil, err
		}

		columns := make([]string, 0, len(rows.FieldDescriptions()))
		for _, fd := range rows.FieldDescriptions() {
			columns = append(columns, fd.Name)
		}

		var collected []map[string]interface{}
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				rows.Close()
				tx.Rollback(ctx)
				return nil, err
			}
			row := make(map[string]interface{}, len(values))
			for i, v := range values {
				row[columns[i]] = normalizeSQLValue(v)
			}
			collected = append(collected, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}

		return map[string]interface{}{
			"status":    models.StatusSuccess,
			"rows":      collected,
			"row_count": len(collected),
			"columns":   columns,
		}, nil
	}

	tag, err := tx.Exec(ctx, stmt)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return map[string]interface{}{
		"status":    models.StatusSuccess,
		"row_count": tag.RowsAffected(),
		"message":   tag.String(),
	}, nil
}

// decodeCommands returns the rendered SQL script of a task. Commands are
// base64-encoded in playbooks to survive YAML quoting; plain text is
// accepted as a convenience.
func decodeCommands(task *models.Task, rt *Runtime, renderCtx map[string]interface{}) (string, error) {
	var parts []string
	if task.Command != "" {
		parts = append(parts, decodeBase64(task.Command))
	}
	for _, c := range task.Commands {
		parts = append(parts, decodeBase64(c))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("task %s has no command", task.Name)
	}

	script := strings.Join(parts, "\n;\n")
	rendered, err := rt.Template.RenderString(script, renderCtx)
	if err != nil {
		return "", fmt.Errorf("render sql: %w", err)
	}
	out, ok := rendered.(string)
	if !ok {
		return fmt.Sprintf("%v", rendered), nil
	}
	return out, nil
}

func decodeBase64(s string) string {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	return string(decoded)
}

func isCall(stmt string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "CALL")
}

func returnsRows(stmt string) bool {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "VALUES", "TABLE", "EXPLAIN"} {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return strings.Contains(upper, "RETURNING")
}

// normalizeSQLValue converts driver types into JSON-friendly values:
// timestamps to ISO-8601 strings, numerics to floats, UUID bytes to strings
func normalizeSQLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case pgtype.Numeric:
		f, err := val.Float64Value()
		if err == nil && f.Valid {
			return f.Float64
		}
		return fmt.Sprintf("%v", val)
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	default:
		return v
	}
}
