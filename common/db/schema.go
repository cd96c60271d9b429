package db

import (
	"context"
	"fmt"
)

// schemaDDL holds the logical tables the engine depends on. The event log is
// keyed by (execution_id, event_id); a second write for the same key updates
// in place so appends stay idempotent.
const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.catalog (
    resource_path    TEXT        NOT NULL,
    resource_version TEXT        NOT NULL,
    resource_type    TEXT        NOT NULL,
    content          TEXT        NOT NULL,
    payload          JSONB,
    meta             JSONB,
    timestamp        TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (resource_path, resource_version)
);

CREATE TABLE IF NOT EXISTS %[1]s.credential (
    name        TEXT        NOT NULL PRIMARY KEY,
    type        TEXT        NOT NULL,
    data        JSONB       NOT NULL,
    meta        JSONB,
    tags        JSONB,
    description TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.event_log (
    execution_id    TEXT        NOT NULL,
    event_id        BIGINT      NOT NULL,
    parent_event_id BIGINT,
    timestamp       TIMESTAMPTZ NOT NULL,
    event_type      TEXT        NOT NULL,
    node_id         TEXT,
    node_name       TEXT,
    node_type       TEXT,
    status          TEXT,
    duration        DOUBLE PRECISION,
    input_context   JSONB,
    output_result   JSONB,
    metadata        JSONB,
    error           TEXT,
    loop_id         TEXT,
    loop_name       TEXT,
    iterator        TEXT,
    items           JSONB,
    current_index   INTEGER,
    current_item    JSONB,
    results         JSONB,
    PRIMARY KEY (execution_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_event_log_type
    ON %[1]s.event_log (execution_id, event_type);
CREATE INDEX IF NOT EXISTS idx_event_log_loop
    ON %[1]s.event_log (execution_id, loop_name);

CREATE TABLE IF NOT EXISTS %[1]s.workflow (
    execution_id TEXT        NOT NULL,
    step_name    TEXT        NOT NULL,
    status       TEXT        NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (execution_id, step_name)
);

CREATE TABLE IF NOT EXISTS %[1]s.workbook (
    execution_id TEXT        NOT NULL,
    task_name    TEXT        NOT NULL,
    tool         TEXT        NOT NULL,
    status       TEXT        NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (execution_id, task_name, updated_at)
);

CREATE TABLE IF NOT EXISTS %[1]s.transition (
    execution_id TEXT        NOT NULL,
    from_step    TEXT        NOT NULL,
    to_step      TEXT        NOT NULL,
    condition    TEXT,
    with_params  JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transition_execution
    ON %[1]s.transition (execution_id, created_at);
`

// InitSchema creates the schema and tables if they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.Exec(ctx, fmt.Sprintf(schemaDDL, db.Schema))
	if err != nil {
		return fmt.Errorf("initialize schema %s: %w", db.Schema, err)
	}
	db.log.Info("schema initialized", "schema", db.Schema)
	return nil
}
