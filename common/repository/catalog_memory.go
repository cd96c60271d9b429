package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noetl/noetl/common/models"
)

// MemoryCatalog is an in-memory catalog store for tests and mock-mode workers
type MemoryCatalog struct {
	mu      sync.Mutex
	entries []*models.CatalogEntry
}

// NewMemoryCatalog creates an in-memory catalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{}
}

// Register stores a new version of the resource
func (m *MemoryCatalog) Register(ctx context.Context, entry *models.CatalogEntry) (*models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := entry.ResourceVersion
	if version == "" {
		latest := ""
		for _, e := range m.entries {
			if e.ResourcePath == entry.ResourcePath {
				if latest == "" || models.CompareVersions(e.ResourceVersion, latest) > 0 {
					latest = e.ResourceVersion
				}
			}
		}
		var err error
		version, err = models.NextVersion(latest)
		if err != nil {
			return nil, err
		}
	}

	for _, e := range m.entries {
		if e.ResourcePath == entry.ResourcePath && e.ResourceVersion == version {
			return nil, fmt.Errorf("version exists: %s@%s", entry.ResourcePath, version)
		}
	}

	stored := *entry
	stored.ResourceVersion = version
	stored.Timestamp = time.Now().UTC()
	m.entries = append(m.entries, &stored)
	return &stored, nil
}

// Fetch returns the entry at (path, version), with filename fallback
func (m *MemoryCatalog) Fetch(ctx context.Context, path, version string) (*models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry := m.find(path, version); entry != nil {
		return entry, nil
	}
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		if entry := m.find(path[idx+1:], version); entry != nil {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("resource not found: %s@%s", path, version)
}

// Latest returns the entry with the highest dotted version for the path
func (m *MemoryCatalog) Latest(ctx context.Context, path string) (*models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := m.latestLocked(path)
	if latest == nil {
		if idx := strings.LastIndex(path, "/"); idx >= 0 {
			latest = m.latestLocked(path[idx+1:])
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("resource not found: %s", path)
	}
	return latest, nil
}

func (m *MemoryCatalog) latestLocked(path string) *models.CatalogEntry {
	var latest *models.CatalogEntry
	for _, e := range m.entries {
		if e.ResourcePath == path {
			if latest == nil || models.CompareVersions(e.ResourceVersion, latest.ResourceVersion) > 0 {
				latest = e
			}
		}
	}
	return latest
}

// List returns entries ordered by insertion time descending
func (m *MemoryCatalog) List(ctx context.Context, resourceType string) ([]*models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.CatalogEntry
	for _, e := range m.entries {
		if resourceType == "" || e.ResourceType == resourceType {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemoryCatalog) find(path, version string) *models.CatalogEntry {
	for _, e := range m.entries {
		if e.ResourcePath == path && e.ResourceVersion == version {
			return e
		}
	}
	return nil
}
