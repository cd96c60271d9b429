package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noetl/noetl/common/db"
)

// TransitionRecord is one from_step -> to_step edge taken by an execution,
// kept for offline analysis of control flow.
type TransitionRecord struct {
	ExecutionID string                 `json:"execution_id"`
	FromStep    string                 `json:"from_step"`
	ToStep      string                 `json:"to_step"`
	Condition   string                 `json:"condition,omitempty"`
	WithParams  map[string]interface{} `json:"with_params,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// TransitionStore records transitions taken by executions
type TransitionStore interface {
	Record(ctx context.Context, rec *TransitionRecord) error
	ByExecution(ctx context.Context, executionID string) ([]*TransitionRecord, error)
}

// TransitionRepository is the Postgres-backed transition store
type TransitionRepository struct {
	db *db.DB
}

// NewTransitionRepository creates a new transition repository
func NewTransitionRepository(database *db.DB) *TransitionRepository {
	return &TransitionRepository{db: database}
}

// Record inserts one transition
func (r *TransitionRepository) Record(ctx context.Context, rec *TransitionRecord) error {
	params, err := marshalJSONB(rec.WithParams)
	if err != nil {
		return fmt.Errorf("serialize with params: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s.transition (execution_id, from_step, to_step, condition, with_params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.db.Schema)

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err = r.db.Exec(ctx, query,
		rec.ExecutionID, rec.FromStep, rec.ToStep,
		nullable(rec.Condition), params, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// ByExecution returns transitions in the order they were taken
func (r *TransitionRepository) ByExecution(ctx context.Context, executionID string) ([]*TransitionRecord, error) {
	query := fmt.Sprintf(`
		SELECT execution_id, from_step, to_step, condition, with_params, created_at
		FROM %s.transition
		WHERE execution_id = $1
		ORDER BY created_at ASC
	`, r.db.Schema)

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var recs []*TransitionRecord
	for rows.Next() {
		rec := &TransitionRecord{}
		var condition *string
		var params []byte
		if err := rows.Scan(&rec.ExecutionID, &rec.FromStep, &rec.ToStep, &condition, &params, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.Condition = deref(condition)
		if err := unmarshalJSONB(params, &rec.WithParams); err != nil {
			return nil, fmt.Errorf("decode with params: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}

	return recs, nil
}

// MemoryTransitionStore keeps transitions in memory for tests and mock mode
type MemoryTransitionStore struct {
	mu   sync.Mutex
	recs map[string][]*TransitionRecord
}

// NewMemoryTransitionStore creates an in-memory transition store
func NewMemoryTransitionStore() *MemoryTransitionStore {
	return &MemoryTransitionStore{recs: make(map[string][]*TransitionRecord)}
}

// Record appends one transition
func (m *MemoryTransitionStore) Record(ctx context.Context, rec *TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.recs[rec.ExecutionID] = append(m.recs[rec.ExecutionID], rec)
	return nil
}

// ByExecution returns transitions in insertion order
func (m *MemoryTransitionStore) ByExecution(ctx context.Context, executionID string) ([]*TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TransitionRecord, len(m.recs[executionID]))
	copy(out, m.recs[executionID])
	return out, nil
}
