package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/noetl/noetl/common/models"
)

// MemoryEventLog keeps events in memory. It backs tests and the worker's
// mock mode; the Postgres EventLog is the durable implementation.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[string][]*models.Event
}

// NewMemoryEventLog creates an in-memory event store
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		events: make(map[string][]*models.Event),
	}
}

// Append assigns the next event_id and stores the event
func (m *MemoryEventLog) Append(ctx context.Context, event *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.events[event.ExecutionID]

	if event.EventID == 0 {
		var max int64
		for _, e := range list {
			if e.EventID > max {
				max = e.EventID
			}
		}
		event.EventID = max + 1
	} else {
		// Idempotent rewrite at the same (execution_id, event_id)
		for i, e := range list {
			if e.EventID == event.EventID {
				if event.Timestamp.IsZero() {
					event.Timestamp = e.Timestamp
				}
				list[i] = event
				return nil
			}
		}
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.events[event.ExecutionID] = append(list, event)
	return nil
}

// ByExecution returns events ordered by event_id ascending
func (m *MemoryEventLog) ByExecution(ctx context.Context, executionID string) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.events[executionID]
	out := make([]*models.Event, len(list))
	copy(out, list)
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

// ByEvent returns one event
func (m *MemoryEventLog) ByEvent(ctx context.Context, executionID string, eventID int64) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.events[executionID] {
		if e.EventID == eventID {
			return e, nil
		}
	}
	return nil, fmt.Errorf("event not found: %s/%d", executionID, eventID)
}

// LatestByLoop returns the most recent event for a loop
func (m *MemoryEventLog) LatestByLoop(ctx context.Context, executionID, loopName string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Event
	for _, e := range m.events[executionID] {
		if e.LoopName == loopName && (latest == nil || e.EventID > latest.EventID) {
			latest = e
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no events for loop %s in execution %s", loopName, executionID)
	}
	return latest, nil
}
