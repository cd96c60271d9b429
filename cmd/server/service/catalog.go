package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
	"gopkg.in/yaml.v3"
)

// CatalogService registers and resolves versioned catalog resources
type CatalogService struct {
	catalog     repository.CatalogStore
	credentials repository.CredentialStore
	log         *logger.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(catalog repository.CatalogStore, credentials repository.CredentialStore, log *logger.Logger) *CatalogService {
	return &CatalogService{catalog: catalog, credentials: credentials, log: log}
}

// Register decodes and validates a resource, stores it under the next
// version, and for credentials also upserts the live credential record.
func (s *CatalogService) Register(ctx context.Context, contentBase64, resourceType string) (*models.CatalogEntry, error) {
	content, err := decodeContent(contentBase64)
	if err != nil {
		return nil, err
	}
	if resourceType == "" {
		resourceType = models.ResourcePlaybook
	}

	entry := &models.CatalogEntry{
		ResourceType: resourceType,
		Content:      string(content),
	}

	switch resourceType {
	case models.ResourcePlaybook:
		pb, err := models.ParsePlaybook(content)
		if err != nil {
			return nil, err
		}
		entry.ResourcePath = pb.Path
		if entry.ResourcePath == "" {
			entry.ResourcePath = pb.Name
		}

	case models.ResourceCredential, models.ResourceSecret:
		cred, err := models.ParseCredential(content)
		if err != nil {
			return nil, err
		}
		entry.ResourcePath = cred.Name
		if err := s.credentials.Upsert(ctx, cred); err != nil {
			return nil, fmt.Errorf("upsert credential %s: %w", cred.Name, err)
		}

	default:
		return nil, fmt.Errorf("unsupported resource type: %s", resourceType)
	}

	if entry.ResourcePath == "" {
		return nil, fmt.Errorf("resource has no path or name")
	}

	var payload map[string]interface{}
	if err := yaml.Unmarshal(content, &payload); err == nil {
		entry.Payload = payload
	}

	registered, err := s.catalog.Register(ctx, entry)
	if err != nil {
		return nil, err
	}

	s.log.Info("resource registered",
		"path", registered.ResourcePath,
		"version", registered.ResourceVersion,
		"type", registered.ResourceType)
	return registered, nil
}

// Fetch resolves a catalog entry, treating an empty or "latest" version as
// the highest registered one
func (s *CatalogService) Fetch(ctx context.Context, path, version string) (*models.CatalogEntry, error) {
	if version == "" || version == "latest" {
		return s.catalog.Latest(ctx, path)
	}
	return s.catalog.Fetch(ctx, path, version)
}

// List returns catalog entries, optionally filtered by resource type
func (s *CatalogService) List(ctx context.Context, resourceType string) ([]*models.CatalogEntry, error) {
	return s.catalog.List(ctx, resourceType)
}

// decodeContent accepts base64-encoded content, falling back to the raw
// bytes when the payload is plain text
func decodeContent(content string) ([]byte, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("content is empty")
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded, nil
	}
	return []byte(content), nil
}
