package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/noetl/noetl/common/db"
	"github.com/noetl/noetl/common/models"
)

// CredentialStore holds named connection secrets
type CredentialStore interface {
	Upsert(ctx context.Context, cred *models.Credential) error
	Get(ctx context.Context, name string) (*models.Credential, error)
	List(ctx context.Context) ([]*models.Credential, error)
	Delete(ctx context.Context, name string) error
}

// CredentialRepository is the Postgres-backed credential store
type CredentialRepository struct {
	db *db.DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(database *db.DB) *CredentialRepository {
	return &CredentialRepository{db: database}
}

// Upsert inserts or replaces a credential by name
func (r *CredentialRepository) Upsert(ctx context.Context, cred *models.Credential) error {
	data, err := json.Marshal(cred.Data)
	if err != nil {
		return fmt.Errorf("serialize credential data: %w", err)
	}
	meta, err := marshalJSONB(cred.Meta)
	if err != nil {
		return fmt.Errorf("serialize credential meta: %w", err)
	}
	tags, err := marshalJSONB(cred.Tags)
	if err != nil {
		return fmt.Errorf("serialize credential tags: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s.credential (name, type, data, meta, tags, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			type = EXCLUDED.type,
			data = EXCLUDED.data,
			meta = EXCLUDED.meta,
			tags = EXCLUDED.tags,
			description = EXCLUDED.description,
			updated_at = now()
	`, r.db.Schema)

	_, err = r.db.Exec(ctx, query, cred.Name, cred.Type, data, meta, tags, nullable(cred.Description))
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Get retrieves a credential by name
func (r *CredentialRepository) Get(ctx context.Context, name string) (*models.Credential, error) {
	query := fmt.Sprintf(`
		SELECT name, type, data, meta, tags, description, created_at, updated_at
		FROM %s.credential
		WHERE name = $1
	`, r.db.Schema)

	cred := &models.Credential{}
	var data, meta, tags []byte
	var description *string

	err := r.db.QueryRow(ctx, query, name).Scan(
		&cred.Name, &cred.Type, &data, &meta, &tags, &description,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("credential not found: %s", name)
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}

	if err := json.Unmarshal(data, &cred.Data); err != nil {
		return nil, fmt.Errorf("decode credential data: %w", err)
	}
	if err := unmarshalJSONB(meta, &cred.Meta); err != nil {
		return nil, fmt.Errorf("decode credential meta: %w", err)
	}
	if err := unmarshalJSONB(tags, &cred.Tags); err != nil {
		return nil, fmt.Errorf("decode credential tags: %w", err)
	}
	cred.Description = deref(description)

	return cred, nil
}

// List returns all credentials
func (r *CredentialRepository) List(ctx context.Context) ([]*models.Credential, error) {
	query := fmt.Sprintf(`
		SELECT name, type, data, meta, tags, description, created_at, updated_at
		FROM %s.credential
		ORDER BY name ASC
	`, r.db.Schema)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		cred := &models.Credential{}
		var data, meta, tags []byte
		var description *string

		if err := rows.Scan(
			&cred.Name, &cred.Type, &data, &meta, &tags, &description,
			&cred.CreatedAt, &cred.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}

		if err := json.Unmarshal(data, &cred.Data); err != nil {
			return nil, fmt.Errorf("decode credential data: %w", err)
		}
		if err := unmarshalJSONB(meta, &cred.Meta); err != nil {
			return nil, fmt.Errorf("decode credential meta: %w", err)
		}
		if err := unmarshalJSONB(tags, &cred.Tags); err != nil {
			return nil, fmt.Errorf("decode credential tags: %w", err)
		}
		cred.Description = deref(description)

		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}

	return creds, nil
}

// Delete removes a credential by name
func (r *CredentialRepository) Delete(ctx context.Context, name string) error {
	query := fmt.Sprintf(`DELETE FROM %s.credential WHERE name = $1`, r.db.Schema)
	tag, err := r.db.Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential not found: %s", name)
	}
	return nil
}

// MemoryCredentialStore is an in-memory credential store for tests
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds map[string]*models.Credential
}

// NewMemoryCredentialStore creates an in-memory credential store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]*models.Credential)}
}

// Upsert inserts or replaces a credential by name
func (m *MemoryCredentialStore) Upsert(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *cred
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	m.creds[cred.Name] = &stored
	return nil
}

// Get retrieves a credential by name
func (m *MemoryCredentialStore) Get(ctx context.Context, name string) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[name]
	if !ok {
		return nil, fmt.Errorf("credential not found: %s", name)
	}
	return cred, nil
}

// List returns all credentials
func (m *MemoryCredentialStore) List(ctx context.Context) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Credential
	for _, c := range m.creds {
		out = append(out, c)
	}
	return out, nil
}

// Delete removes a credential by name
func (m *MemoryCredentialStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[name]; !ok {
		return fmt.Errorf("credential not found: %s", name)
	}
	delete(m.creds, name)
	return nil
}
