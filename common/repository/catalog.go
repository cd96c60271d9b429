package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/models"
)

// registerRetries bounds version-collision retries on concurrent registration
const registerRetries = 5

// CatalogStore is versioned storage of playbook and credential resources
type CatalogStore interface {
	Register(ctx context.Context, entry *models.CatalogEntry) (*models.CatalogEntry, error)
	Fetch(ctx context.Context, path, version string) (*models.CatalogEntry, error)
	Latest(ctx context.Context, path string) (*models.CatalogEntry, error)
	List(ctx context.Context, resourceType string) ([]*models.CatalogEntry, error)
}

// Catalog is the Postgres-backed catalog store
type Catalog struct {
	db *db.DB
}

// NewCatalog creates a new catalog store
func NewCatalog(database *db.DB) *Catalog {
	return &Catalog{db: database}
}

// Register stores a new version of the resource. The version is the PATCH
// increment of the current latest (0.1.0 if none); unique-version collisions
// from concurrent writers are retried a bounded number of times.
func (r *Catalog) Register(ctx context.Context, entry *models.CatalogEntry) (*models.CatalogEntry, error) {
	payload, err := marshalJSONB(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	meta, err := marshalJSONB(entry.Meta)
	if err != nil {
		return nil, fmt.Errorf("serialize meta: %w", err)
	}

	for attempt := 0; attempt < registerRetries; attempt++ {
		version := entry.ResourceVersion
		if version == "" {
			latest, err := r.latestVersion(ctx, entry.ResourcePath)
			if err != nil {
				return nil, err
			}
			version, err = models.NextVersion(latest)
			if err != nil {
				return nil, err
			}
		}

		query := fmt.Sprintf(`
			INSERT INTO %s.catalog (
				resource_path, resource_version, resource_type, content, payload, meta, timestamp
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, r.db.Schema)

		ts := time.Now().UTC()
		_, err := r.db.Exec(ctx, query,
			entry.ResourcePath, version, entry.ResourceType,
			entry.Content, payload, meta, ts)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" && entry.ResourceVersion == "" {
				// Another writer took this version, recompute and retry
				continue
			}
			return nil, fmt.Errorf("register resource: %w", err)
		}

		stored := *entry
		stored.ResourceVersion = version
		stored.Timestamp = ts
		return &stored, nil
	}

	return nil, fmt.Errorf("register resource %s: version conflict after %d attempts",
		entry.ResourcePath, registerRetries)
}

// Fetch returns the entry at (path, version). When the path is not found and
// contains '/', the last path segment is tried as a filename fallback.
func (r *Catalog) Fetch(ctx context.Context, path, version string) (*models.CatalogEntry, error) {
	entry, err := r.fetchExact(ctx, path, version)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		fallback := path[idx+1:]
		entry, err = r.fetchExact(ctx, fallback, version)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("resource not found: %s@%s", path, version)
}

func (r *Catalog) fetchExact(ctx context.Context, path, version string) (*models.CatalogEntry, error) {
	query := fmt.Sprintf(`
		SELECT resource_path, resource_version, resource_type, content, payload, meta, timestamp
		FROM %s.catalog
		WHERE resource_path = $1 AND resource_version = $2
	`, r.db.Schema)

	return scanCatalogEntry(r.db.QueryRow(ctx, query, path, version))
}

// Latest returns the entry with the highest dotted version for the path
func (r *Catalog) Latest(ctx context.Context, path string) (*models.CatalogEntry, error) {
	query := fmt.Sprintf(`
		SELECT resource_path, resource_version, resource_type, content, payload, meta, timestamp
		FROM %s.catalog
		WHERE resource_path = $1
		ORDER BY string_to_array(resource_version, '.')::int[] DESC
		LIMIT 1
	`, r.db.Schema)

	entry, err := scanCatalogEntry(r.db.QueryRow(ctx, query, path))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if idx := strings.LastIndex(path, "/"); idx >= 0 {
				return r.Latest(ctx, path[idx+1:])
			}
			return nil, fmt.Errorf("resource not found: %s", path)
		}
		return nil, err
	}
	return entry, nil
}

// List returns entries ordered by insertion time descending, optionally
// filtered by resource type
func (r *Catalog) List(ctx context.Context, resourceType string) ([]*models.CatalogEntry, error) {
	query := fmt.Sprintf(`
		SELECT resource_path, resource_version, resource_type, content, payload, meta, timestamp
		FROM %s.catalog
	`, r.db.Schema)
	args := []any{}
	if resourceType != "" {
		query += ` WHERE resource_type = $1`
		args = append(args, resourceType)
	}
	query += ` ORDER BY timestamp DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()

	var entries []*models.CatalogEntry
	for rows.Next() {
		entry, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}

	return entries, nil
}

func (r *Catalog) latestVersion(ctx context.Context, path string) (string, error) {
	query := fmt.Sprintf(`
		SELECT resource_version
		FROM %s.catalog
		WHERE resource_path = $1
		ORDER BY string_to_array(resource_version, '.')::int[] DESC
		LIMIT 1
	`, r.db.Schema)

	var version string
	err := r.db.QueryRow(ctx, query, path).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query latest version: %w", err)
	}
	return version, nil
}

func scanCatalogEntry(row rowScanner) (*models.CatalogEntry, error) {
	entry := &models.CatalogEntry{}
	var payload, meta []byte

	err := row.Scan(
		&entry.ResourcePath,
		&entry.ResourceVersion,
		&entry.ResourceType,
		&entry.Content,
		&payload,
		&meta,
		&entry.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan catalog entry: %w", err)
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &entry.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}

	return entry, nil
}
