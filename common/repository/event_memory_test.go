package repository

import (
	"context"
	"testing"

	"github.com/noetl/noetl/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEventLog_AppendAssignsOrderedIDs(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()

	for _, eventType := range []string{
		models.EventExecutionStart,
		models.EventStepStart,
		models.EventStepComplete,
	} {
		err := log.Append(ctx, &models.Event{
			ExecutionID: "exec-1",
			EventType:   eventType,
		})
		require.NoError(t, err)
	}

	events, err := log.ByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.EventID)
		assert.False(t, event.Timestamp.IsZero())
	}
	assert.Equal(t, models.EventExecutionStart, events[0].EventType)
	assert.Equal(t, models.EventStepComplete, events[2].EventType)
}

func TestMemoryEventLog_SequencesAreIndependentPerExecution(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()

	require.NoError(t, log.Append(ctx, &models.Event{ExecutionID: "a"}))
	require.NoError(t, log.Append(ctx, &models.Event{ExecutionID: "b"}))
	require.NoError(t, log.Append(ctx, &models.Event{ExecutionID: "a"}))

	a, err := log.ByExecution(ctx, "a")
	require.NoError(t, err)
	require.Len(t, a, 2)
	assert.Equal(t, int64(2), a[1].EventID)

	b, err := log.ByExecution(ctx, "b")
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, int64(1), b[0].EventID)
}

func TestMemoryEventLog_IdempotentRewrite(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()

	require.NoError(t, log.Append(ctx, &models.Event{
		ExecutionID: "exec-1",
		EventType:   models.EventTaskStart,
		Status:      models.StatusInProgress,
	}))

	// Second write at the same id updates in place
	require.NoError(t, log.Append(ctx, &models.Event{
		ExecutionID: "exec-1",
		EventID:     1,
		EventType:   models.EventTaskComplete,
		Status:      models.StatusSuccess,
	}))

	events, err := log.ByExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusSuccess, events[0].Status)
}

func TestMemoryEventLog_ByEventAndLatestByLoop(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryEventLog()

	require.NoError(t, log.Append(ctx, &models.Event{
		ExecutionID: "exec-1",
		EventType:   models.EventIteratorStarted,
		LoopName:    "fetch_all",
	}))
	require.NoError(t, log.Append(ctx, &models.Event{
		ExecutionID: "exec-1",
		EventType:   models.EventIteratorCompleted,
		LoopName:    "fetch_all",
	}))

	event, err := log.ByEvent(ctx, "exec-1", 1)
	require.NoError(t, err)
	assert.Equal(t, models.EventIteratorStarted, event.EventType)

	latest, err := log.LatestByLoop(ctx, "exec-1", "fetch_all")
	require.NoError(t, err)
	assert.Equal(t, models.EventIteratorCompleted, latest.EventType)

	_, err = log.LatestByLoop(ctx, "exec-1", "other")
	require.Error(t, err)

	_, err = log.ByEvent(ctx, "exec-1", 99)
	require.Error(t, err)
}
