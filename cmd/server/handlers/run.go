package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/noetl/noetl/cmd/server/service"
)

// RunHandler handles execution launch and event retrieval
type RunHandler struct {
	runs *service.RunService
}

// NewRunHandler creates a new run handler
func NewRunHandler(runs *service.RunService) *RunHandler {
	return &RunHandler{runs: runs}
}

// Execute runs a playbook synchronously
// POST /agent/execute
func (h *RunHandler) Execute(c echo.Context) error {
	var req service.RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	result, err := h.runs.Execute(c.Request().Context(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": result.ExecutionID,
		"status":       result.Status,
		"result":       result.Results,
		"error":        result.Error,
		"duration":     result.Duration,
	})
}

// ExecuteAsync enqueues a run and returns immediately
// POST /agent/execute-async
func (h *RunHandler) ExecuteAsync(c echo.Context) error {
	var req service.RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}

	executionID, err := h.runs.ExecuteAsync(c.Request().Context(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"event_id": executionID,
		"status":   "queued",
	})
}

// ListEvents returns one execution's event log in happens-before order
// GET /events/:execution_id
func (h *RunHandler) ListEvents(c echo.Context) error {
	executionID := c.Param("execution_id")

	events, err := h.runs.EventsByExecution(c.Request().Context(), executionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"events":       events,
		"count":        len(events),
	})
}

// GetEvent returns a single event
// GET /events/:execution_id/:event_id
func (h *RunHandler) GetEvent(c echo.Context) error {
	executionID := c.Param("execution_id")
	eventID, err := strconv.ParseInt(c.Param("event_id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "event_id must be an integer")
	}

	event, err := h.runs.EventByID(c.Request().Context(), executionID, eventID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, event)
}
