package models

import (
	"time"
)

// Event types emitted by the engine. Ordering by event_id within an
// execution_id reflects happens-before.
const (
	EventExecutionStart    = "execution_start"
	EventExecutionComplete = "execution_complete"
	EventExecutionError    = "execution_error"

	EventStepStart      = "step_start"
	EventStepComplete   = "step_complete"
	EventStepResult     = "step_result"
	EventStepError      = "step_error"
	EventStepTransition = "step_transition"

	EventTaskStart    = "task_start"
	EventTaskExecute  = "task_execute"
	EventTaskComplete = "task_complete"
	EventTaskError    = "task_error"

	EventIteratorStarted   = "iterator_started"
	EventIteratorCompleted = "iterator_completed"

	EventIterationStarted   = "iteration_started"
	EventIterationCompleted = "iteration_completed"
	EventIterationFailed    = "iteration_failed"
	EventIterationFiltered  = "iteration_filtered"

	EventSaveStarted   = "save_started"
	EventSaveCompleted = "save_completed"
	EventSaveFailed    = "save_failed"

	EventContextUpdate = "context_update"

	EventLoopStart     = "loop_start"
	EventLoopIteration = "loop_iteration"
	EventLoopComplete  = "loop_complete"
)

// Event statuses
const (
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusFiltered   = "filtered"
	StatusCreated    = "created"
	StatusCompleted  = "completed"
)

// Event is one immutable record in the execution log
type Event struct {
	ExecutionID   string                 `json:"execution_id"`
	EventID       int64                  `json:"event_id"`
	ParentEventID *int64                 `json:"parent_event_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	EventType     string                 `json:"event_type"`
	NodeID        string                 `json:"node_id,omitempty"`
	NodeName      string                 `json:"node_name,omitempty"`
	NodeType      string                 `json:"node_type,omitempty"`
	Status        string                 `json:"status,omitempty"`
	Duration      float64                `json:"duration,omitempty"`
	InputContext  map[string]interface{} `json:"input_context,omitempty"`
	OutputResult  interface{}            `json:"output_result,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Error         string                 `json:"error,omitempty"`

	// Loop fields, null when the event is not loop-related
	LoopID       string        `json:"loop_id,omitempty"`
	LoopName     string        `json:"loop_name,omitempty"`
	Iterator     string        `json:"iterator,omitempty"`
	Items        []interface{} `json:"items,omitempty"`
	CurrentIndex *int          `json:"current_index,omitempty"`
	CurrentItem  interface{}   `json:"current_item,omitempty"`
	Results      []interface{} `json:"results,omitempty"`
}

// LoopState is the derived runtime state of one loop, reconstructed from the
// event log (the log stays the source of truth for recovery).
type LoopState struct {
	LoopID       string        `json:"loop_id"`
	LoopName     string        `json:"loop_name"`
	Iterator     string        `json:"iterator"`
	Items        []interface{} `json:"items"`
	CurrentIndex int           `json:"current_index"`
	CurrentItem  interface{}   `json:"current_item"`
	Results      []interface{} `json:"results"`
	Completed    bool          `json:"completed"`
}
