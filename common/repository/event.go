package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/models"
)

// EventStore is the narrow surface the engine depends on. The schema behind
// the Postgres implementation is an implementation detail.
type EventStore interface {
	// Append assigns an ordered event_id unique within execution_id (unless
	// the event already carries one, in which case the write is idempotent)
	// and timestamps the event.
	Append(ctx context.Context, event *models.Event) error
	ByExecution(ctx context.Context, executionID string) ([]*models.Event, error)
	ByEvent(ctx context.Context, executionID string, eventID int64) (*models.Event, error)
	LatestByLoop(ctx context.Context, executionID, loopName string) (*models.Event, error)
}

// EventLog is the Postgres-backed event store
type EventLog struct {
	db *db.DB

	mu   sync.Mutex
	seqs map[string]int64
}

// NewEventLog creates a new event log store
func NewEventLog(database *db.DB) *EventLog {
	return &EventLog{
		db:   database,
		seqs: make(map[string]int64),
	}
}

// nextEventID hands out the next event_id for an execution. The sequence is
// seeded from the table on first use so appends survive a worker restart.
func (r *EventLog) nextEventID(ctx context.Context, executionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq, ok := r.seqs[executionID]; ok {
		r.seqs[executionID] = seq + 1
		return seq + 1, nil
	}

	var max int64
	query := fmt.Sprintf(
		`SELECT COALESCE(MAX(event_id), 0) FROM %s.event_log WHERE execution_id = $1`,
		r.db.Schema)
	if err := r.db.QueryRow(ctx, query, executionID).Scan(&max); err != nil {
		return 0, fmt.Errorf("seed event sequence: %w", err)
	}

	r.seqs[executionID] = max + 1
	return max + 1, nil
}

// Append writes one event as a single-row insert
func (r *EventLog) Append(ctx context.Context, event *models.Event) error {
	if event.EventID == 0 {
		id, err := r.nextEventID(ctx, event.ExecutionID)
		if err != nil {
			return err
		}
		event.EventID = id
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	inputContext, err := marshalJSONB(event.InputContext)
	if err != nil {
		return fmt.Errorf("serialize input context: %w", err)
	}
	outputResult, err := marshalJSONB(event.OutputResult)
	if err != nil {
		return fmt.Errorf("serialize output result: %w", err)
	}
	metadata, err := marshalJSONB(event.Metadata)
	if err != nil {
		return fmt.Errorf("serialize metadata: %w", err)
	}
	items, err := marshalJSONB(event.Items)
	if err != nil {
		return fmt.Errorf("serialize items: %w", err)
	}
	currentItem, err := marshalJSONB(event.CurrentItem)
	if err != nil {
		return fmt.Errorf("serialize current item: %w", err)
	}
	results, err := marshalJSONB(event.Results)
	if err != nil {
		return fmt.Errorf("serialize results: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s.event_log (
			execution_id, event_id, parent_event_id, timestamp, event_type,
			node_id, node_name, node_type, status, duration,
			input_context, output_result, metadata, error,
			loop_id, loop_name, iterator, items, current_index, current_item, results
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
		)
		ON CONFLICT (execution_id, event_id) DO UPDATE SET
			status = EXCLUDED.status,
			duration = EXCLUDED.duration,
			output_result = EXCLUDED.output_result,
			metadata = EXCLUDED.metadata,
			error = EXCLUDED.error,
			results = EXCLUDED.results
	`, r.db.Schema)

	_, err = r.db.Exec(ctx, query,
		event.ExecutionID,
		event.EventID,
		event.ParentEventID,
		event.Timestamp,
		event.EventType,
		nullable(event.NodeID),
		nullable(event.NodeName),
		nullable(event.NodeType),
		nullable(event.Status),
		event.Duration,
		inputContext,
		outputResult,
		metadata,
		nullable(event.Error),
		nullable(event.LoopID),
		nullable(event.LoopName),
		nullable(event.Iterator),
		items,
		event.CurrentIndex,
		currentItem,
		results,
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	return nil
}

// ByExecution returns events ordered by event_id ascending
func (r *EventLog) ByExecution(ctx context.Context, executionID string) ([]*models.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.event_log
		WHERE execution_id = $1
		ORDER BY event_id ASC
	`, eventColumns, r.db.Schema)

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// ByEvent returns one event
func (r *EventLog) ByEvent(ctx context.Context, executionID string, eventID int64) (*models.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.event_log
		WHERE execution_id = $1 AND event_id = $2
	`, eventColumns, r.db.Schema)

	row := r.db.QueryRow(ctx, query, executionID, eventID)
	event, err := scanEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("event not found: %s/%d", executionID, eventID)
		}
		return nil, err
	}
	return event, nil
}

// LatestByLoop returns the most recent event for a loop
func (r *EventLog) LatestByLoop(ctx context.Context, executionID, loopName string) (*models.Event, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.event_log
		WHERE execution_id = $1 AND loop_name = $2
		ORDER BY event_id DESC
		LIMIT 1
	`, eventColumns, r.db.Schema)

	row := r.db.QueryRow(ctx, query, executionID, loopName)
	event, err := scanEvent(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("no events for loop %s in execution %s", loopName, executionID)
		}
		return nil, err
	}
	return event, nil
}

const eventColumns = `
	execution_id, event_id, parent_event_id, timestamp, event_type,
	node_id, node_name, node_type, status, duration,
	input_context, output_result, metadata, error,
	loop_id, loop_name, iterator, items, current_index, current_item, results
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	event := &models.Event{}
	var (
		nodeID, nodeName, nodeType, status, errMsg *string
		loopID, loopName, iterator                 *string
		inputContext, outputResult, metadata       []byte
		items, currentItem, results                []byte
		duration                                   *float64
	)

	err := row.Scan(
		&event.ExecutionID,
		&event.EventID,
		&event.ParentEventID,
		&event.Timestamp,
		&event.EventType,
		&nodeID,
		&nodeName,
		&nodeType,
		&status,
		&duration,
		&inputContext,
		&outputResult,
		&metadata,
		&errMsg,
		&loopID,
		&loopName,
		&iterator,
		&items,
		&event.CurrentIndex,
		&currentItem,
		&results,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}

	event.NodeID = deref(nodeID)
	event.NodeName = deref(nodeName)
	event.NodeType = deref(nodeType)
	event.Status = deref(status)
	event.Error = deref(errMsg)
	event.LoopID = deref(loopID)
	event.LoopName = deref(loopName)
	event.Iterator = deref(iterator)
	if duration != nil {
		event.Duration = *duration
	}

	if err := unmarshalJSONB(inputContext, &event.InputContext); err != nil {
		return nil, fmt.Errorf("decode input context: %w", err)
	}
	if err := unmarshalJSONB(outputResult, &event.OutputResult); err != nil {
		return nil, fmt.Errorf("decode output result: %w", err)
	}
	if err := unmarshalJSONB(metadata, &event.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := unmarshalJSONB(items, &event.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if err := unmarshalJSONB(currentItem, &event.CurrentItem); err != nil {
		return nil, fmt.Errorf("decode current item: %w", err)
	}
	if err := unmarshalJSONB(results, &event.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}

	return event, nil
}

func marshalJSONB(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalJSONB(data []byte, target interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
