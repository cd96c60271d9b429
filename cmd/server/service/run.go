package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/noetl/noetl/common/bootstrap"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/engine"
)

// RunRequest is one execution request, also the queue message shape for
// fire-and-forget runs
type RunRequest struct {
	Path         string                 `json:"path"`
	Version      string                 `json:"version,omitempty"`
	InputPayload map[string]interface{} `json:"input_payload,omitempty"`
	Merge        bool                   `json:"merge,omitempty"`
	ExecutionID  string                 `json:"execution_id,omitempty"`
}

// RunService launches playbook executions
type RunService struct {
	engine     *engine.Engine
	catalog    repository.CatalogStore
	events     repository.EventStore
	components *bootstrap.Components
}

// NewRunService creates a new run service
func NewRunService(eng *engine.Engine, catalog repository.CatalogStore, events repository.EventStore, components *bootstrap.Components) *RunService {
	return &RunService{
		engine:     eng,
		catalog:    catalog,
		events:     events,
		components: components,
	}
}

// Execute runs a catalog playbook synchronously and returns the result
func (s *RunService) Execute(ctx context.Context, req *RunRequest) (*engine.ExecutionResult, error) {
	pb, err := s.loadPlaybook(ctx, req.Path, req.Version)
	if err != nil {
		return nil, err
	}
	return s.engine.Execute(ctx, pb, &engine.Request{
		ExecutionID: req.ExecutionID,
		Input:       req.InputPayload,
		Merge:       req.Merge,
	})
}

// ExecuteAsync validates the playbook exists and enqueues the run. The
// returned execution_id identifies the run in the event log once a worker
// picks it up.
func (s *RunService) ExecuteAsync(ctx context.Context, req *RunRequest) (string, error) {
	if _, err := s.loadPlaybook(ctx, req.Path, req.Version); err != nil {
		return "", err
	}

	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}
	message, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("serialize run request: %w", err)
	}

	stream := s.components.Config.Queue.Stream
	if err := s.components.Queue.Publish(ctx, stream, req.ExecutionID, message); err != nil {
		return "", fmt.Errorf("enqueue run: %w", err)
	}

	s.components.Logger.Info("run enqueued",
		"path", req.Path, "execution_id", req.ExecutionID)
	return req.ExecutionID, nil
}

// EventsByExecution reads one execution's event log
func (s *RunService) EventsByExecution(ctx context.Context, executionID string) ([]*models.Event, error) {
	return s.events.ByExecution(ctx, executionID)
}

// EventByID reads a single event
func (s *RunService) EventByID(ctx context.Context, executionID string, eventID int64) (*models.Event, error) {
	return s.events.ByEvent(ctx, executionID, eventID)
}

// loadPlaybook fetches and parses a catalog playbook
func (s *RunService) loadPlaybook(ctx context.Context, path, version string) (*models.Playbook, error) {
	if path == "" {
		return nil, fmt.Errorf("playbook path is required")
	}

	var entry *models.CatalogEntry
	var err error
	if version == "" || version == "latest" {
		entry, err = s.catalog.Latest(ctx, path)
	} else {
		entry, err = s.catalog.Fetch(ctx, path, version)
	}
	if err != nil {
		return nil, fmt.Errorf("load playbook %s: %w", path, err)
	}

	pb, err := models.ParsePlaybook([]byte(entry.Content))
	if err != nil {
		return nil, fmt.Errorf("parse playbook %s@%s: %w", entry.ResourcePath, entry.ResourceVersion, err)
	}
	if pb.Version == "" {
		pb.Version = entry.ResourceVersion
	}
	return pb, nil
}
