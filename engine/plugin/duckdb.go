package plugin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/engine/auth"
)

// sampleRowLimit bounds how many rows of each statement are echoed back
const sampleRowLimit = 100

var bucketScopePattern = regexp.MustCompile(`(?:gs|gcs|s3)://[a-zA-Z0-9._-]+`)
var copyXlsxPattern = regexp.MustCompile(`(?is)^\s*COPY\s+(.+?)\s+TO\s+'([^']+)'`)
var formatXlsxPattern = regexp.MustCompile(`(?i)FORMAT\s+'?xlsx'?`)

// DuckDBPlugin executes SQL against a fresh DuckDB connection per task. No
// pooling: file locks on shared storage must stay short-lived. Cloud access
// is wired through CREATE SECRET DDL derived from resolved auth, and
// COPY ... FORMAT 'xlsx' statements are intercepted and routed through an
// in-memory workbook writer that uploads to GCS or S3.
type DuckDBPlugin struct {
	rt *Runtime
}

// NewDuckDBPlugin creates the duckdb tool
func NewDuckDBPlugin(rt *Runtime) *DuckDBPlugin {
	return &DuckDBPlugin{rt: rt}
}

// Execute runs the script and reports per-statement results plus metadata
func (p *DuckDBPlugin) Execute(ctx context.Context, task *models.Task, execCtx map[string]interface{}, with map[string]interface{}, emit Emitter) *Result {
	renderCtx := mergedContext(execCtx, with)

	items, err := p.resolveAuthItems(ctx, task, renderCtx)
	if err != nil {
		return errorResult(err)
	}

	script, err := decodeCommands(task, p.rt, renderCtx)
	if err != nil {
		return errorResult(err)
	}
	statements := SplitStatements(script)
	if len(statements) == 0 {
		return errorResult(fmt.Errorf("duckdb task %s has no statements", task.Name))
	}

	dbPath := ""
	if task.With != nil {
		dbPath = stringValue(task.With["database"])
	}
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return errorResult(fmt.Errorf("open duckdb: %w", err))
	}
	defer db.Close()

	if err := p.installExtensions(ctx, db, items); err != nil {
		return errorResult(err)
	}

	secretsCreated, err := p.createSecrets(ctx, db, items, statements, renderCtx)
	if err != nil {
		return errorResult(err)
	}

	results := make(map[string]interface{}, len(statements))
	var excelExports []interface{}
	var failures []string

	for i, stmt := range statements {
		key := fmt.Sprintf("command_%d", i)

		if isXlsxCopy(stmt) {
			export, err := p.exportExcel(ctx, db, stmt, items)
			if err != nil {
				failures = append(failures, fmt.Sprintf("command_%d: %v", i, err))
				results[key] = map[string]interface{}{
					"status":  models.StatusError,
					"message": err.Error(),
				}
				continue
			}
			excelExports = append(excelExports, export)
			results[key] = map[string]interface{}{
				"status":    models.StatusSuccess,
				"row_count": export["rows"],
				"message":   fmt.Sprintf("exported workbook to %s", export["target"]),
			}
			continue
		}

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

	data := map[string]interface{}{
		"commands":        results,
		"secrets_created": secretsCreated,
	}
	if len(excelExports) > 0 {
		data["excel_exports"] = excelExports
	}

	if len(failures) > 0 {
		result := errorResult(errors.New(strings.Join(failures, "; ")))
		result.Data = data
		return result
	}
	return successResult(data)
}

// resolveAuthItems merges the task auth map with the cloud credential
// shortcuts (task fields first, config defaults as fallback)
func (p *DuckDBPlugin) resolveAuthItems(ctx context.Context, task *models.Task, renderCtx map[string]interface{}) (map[string]*auth.ResolvedAuth, error) {
	items := make(map[string]*auth.ResolvedAuth)

	if task.Auth != nil {
		resolution, err := p.rt.Auth.Resolve(ctx, task.Auth, renderCtx)
		if err != nil {
			return nil, fmt.Errorf("resolve duckdb auth: %w", err)
		}
		for alias, item := range resolution.Items {
			items[alias] = item
		}
	}

	shortcuts := map[string]string{
		"gcs": firstNonEmpty(task.GCSCredential, task.CloudCredential, p.rt.Config.Cloud.GCSCredential),
		"s3":  firstNonEmpty(task.S3Credential, p.rt.Config.Cloud.S3Credential),
	}
	for alias, name := range shortcuts {
		if name == "" {
			continue
		}
		if _, exists := items[alias]; exists {
			continue
		}
		resolution, err := p.rt.Auth.Resolve(ctx, name, renderCtx)
		if err != nil {
			p.rt.Log.Warn("cloud credential shortcut did not resolve",
				"alias", alias, "credential", name, "error", err)
			continue
		}
		item := resolution.Single()
		item.Alias = alias
		items[alias] = item
	}

	return items, nil
}

// installExtensions installs and loads the extensions the auth set implies
func (p *DuckDBPlugin) installExtensions(ctx context.Context, db *sql.DB, items map[string]*auth.ResolvedAuth) error {
	for _, ext := range auth.Extensions(items) {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("INSTALL %s", ext)); err != nil {
			p.rt.Log.Warn("duckdb extension install failed", "extension", ext, "error", err)
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("LOAD %s", ext)); err != nil {
			return fmt.Errorf("load duckdb extension %s: %w", ext, err)
		}
	}
	return nil
}

// createSecrets runs CREATE SECRET DDL for each resolved item, then scans the
// script for bucket scopes not yet covered and creates scoped secrets for
// them from the default cloud credentials
func (p *DuckDBPlugin) createSecrets(ctx context.Context, db *sql.DB, items map[string]*auth.ResolvedAuth, statements []string, renderCtx map[string]interface{}) ([]interface{}, error) {
	var created []interface{}
	covered := make(map[string]bool)

	for alias, item := range items {
		switch item.Service {
		case models.CredentialBearer, models.CredentialBasic, models.CredentialAPIKey:
			// HTTP-only credentials have no DuckDB secret form
			continue
		}
		ddl, err := auth.SecretDDL(item)
		if err != nil {
			return nil, fmt.Errorf("secret for alias %s: %w", alias, err)
		}
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("create secret for alias %s: %w", alias, err)
		}
		created = append(created, map[string]interface{}{
			"alias":   alias,
			"service": item.Service,
			"scope":   item.Scope,
		})
		if item.Scope != "" {
			covered[normalizeScope(item.Scope)] = true
		} else {
			covered[item.Service] = true
		}
	}

	// Bucket scopes referenced by the script but not covered by a secret
	for _, stmt := range statements {
		for _, scope := range bucketScopePattern.FindAllString(stmt, -1) {
			norm := normalizeScope(scope)
			if covered[norm] {
				continue
			}
			service := models.CredentialGCS
			defaultCred := p.rt.Config.Cloud.GCSCredential
			if strings.HasPrefix(scope, "s3://") {
				service = models.CredentialS3
				defaultCred = p.rt.Config.Cloud.S3Credential
			}
			if covered[service] || defaultCred == "" {
				covered[norm] = true
				continue
			}

			resolution, err := p.rt.Auth.Resolve(ctx, defaultCred, renderCtx)
			if err != nil {
				p.rt.Log.Warn("no credential for bucket scope", "scope", scope, "error", err)
				covered[norm] = true
				continue
			}
			item := resolution.Single()
			item.Alias = "scope_" + norm
			item.Scope = scope
			ddl, err := auth.SecretDDL(item)
			if err != nil {
				return nil, fmt.Errorf("secret for scope %s: %w", scope, err)
			}
			if _, err := db.ExecContext(ctx, ddl); err != nil {
				return nil, fmt.Errorf("create secret for scope %s: %w", scope, err)
			}
			created = append(created, map[string]interface{}{
				"alias":   item.Alias,
				"service": item.Service,
				"scope":   scope,
			})
			covered[norm] = true
		}
	}

	return created, nil
}

// runStatement executes one statement, sampling rows for SELECT-like ones
func (p *DuckDBPlugin) runStatement(ctx context.Context, db *sql.DB, stmt string) (map[string]interface{}, error) {
	if !returnsRows(stmt) {
		result, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return nil, err
		}
		affected, _ := result.RowsAffected()
		return map[string]interface{}{
			"status":    models.StatusSuccess,
			"row_count": affected,
		}, nil
	}

	columns, rows, err := queryRows(ctx, db, stmt, sampleRowLimit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":    models.StatusSuccess,
		"rows":      rows,
		"row_count": len(rows),
		"columns":   columns,
	}, nil
}

// queryRows collects up to limit rows of a query (limit <= 0 means all)
func queryRows(ctx context.Context, db *sql.DB, query string, limit int) ([]string, []map[string]interface{}, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var collected []map[string]interface{}
	for rows.Next() {
		if limit > 0 && len(collected) >= limit {
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeSQLValue(values[i])
		}
		collected = append(collected, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, collected, nil
}

func isXlsxCopy(stmt string) bool {
	return copyXlsxPattern.MatchString(stmt) && formatXlsxPattern.MatchString(stmt)
}

func normalizeScope(scope string) string {
	scope = strings.TrimPrefix(scope, "gcs://")
	scope = strings.TrimPrefix(scope, "gs://")
	scope = strings.TrimPrefix(scope, "s3://")
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, scope)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
