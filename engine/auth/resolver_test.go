package auth

import (
	"context"
	"testing"

	"github.com/noetl/noetl/common/logger"
	"github.com/noetl/noetl/common/models"
	"github.com/noetl/noetl/common/repository"
	"github.com/noetl/noetl/engine/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) (*Resolver, *repository.MemoryCredentialStore) {
	t.Helper()
	store := repository.NewMemoryCredentialStore()
	return NewResolver(store, template.New(true), "default", logger.New("error", "json")), store
}

func seedCredential(t *testing.T, store *repository.MemoryCredentialStore, name, credType string, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), &models.Credential{
		Name: name,
		Type: credType,
		Data: data,
	}))
}

func TestResolve_StringReference(t *testing.T) {
	r, store := newTestResolver(t)
	seedCredential(t, store, "pg_main", "postgres", map[string]interface{}{
		"db_host": "localhost",
		"db_user": "noetl",
	})

	resolution, err := r.Resolve(context.Background(), "pg_main", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, resolution.Mode)

	item := resolution.Single()
	require.NotNil(t, item)
	assert.Equal(t, "postgres", item.Service)
	assert.Equal(t, "pg_main", item.Source)
	assert.Equal(t, "localhost", item.Payload["db_host"])
}

func TestResolve_TemplatedStringReference(t *testing.T) {
	r, store := newTestResolver(t)
	seedCredential(t, store, "pg_prod", "postgres", map[string]interface{}{"db_host": "prod"})

	resolution, err := r.Resolve(context.Background(), "pg_{{ env }}", map[string]interface{}{
		"env": "prod",
	})
	require.NoError(t, err)
	assert.Equal(t, "prod", resolution.Single().Payload["db_host"])
}

func TestResolve_SingleModeWithOverrides(t *testing.T) {
	r, store := newTestResolver(t)
	seedCredential(t, store, "pg_main", "postgres", map[string]interface{}{
		"db_host": "localhost",
		"db_name": "noetl",
	})

	resolution, err := r.Resolve(context.Background(), map[string]interface{}{
		"type":    "postgres",
		"key":     "pg_main",
		"db_name": "analytics",
	}, nil)
	require.NoError(t, err)

	item := resolution.Single()
	require.NotNil(t, item)
	assert.Equal(t, "postgres", item.Service)
	// Inline fields override the fetched payload
	assert.Equal(t, "analytics", item.Payload["db_name"])
	assert.Equal(t, "localhost", item.Payload["db_host"])
}

func TestResolve_EnvDirective(t *testing.T) {
	r, _ := newTestResolver(t)
	t.Setenv("TEST_API_TOKEN", "tok-123")

	resolution, err := r.Resolve(context.Background(), map[string]interface{}{
		"type": "bearer",
		"env":  "TEST_API_TOKEN",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", resolution.Single().Payload["token"])

	_, err = r.Resolve(context.Background(), map[string]interface{}{
		"type": "bearer",
		"env":  "TEST_API_TOKEN_MISSING",
	}, nil)
	require.Error(t, err)
}

func TestResolve_AliasMap(t *testing.T) {
	r, store := newTestResolver(t)
	seedCredential(t, store, "pg_main", "postgres", map[string]interface{}{"db_host": "pg"})
	seedCredential(t, store, "gcs_main", "gcs", map[string]interface{}{"project": "p1"})

	resolution, err := r.Resolve(context.Background(), map[string]interface{}{
		"db":      map[string]interface{}{"key": "pg_main"},
		"storage": map[string]interface{}{"key": "gcs_main"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeMap, resolution.Mode)
	require.Len(t, resolution.Items, 2)

	assert.Equal(t, "postgres", resolution.Items["db"].Service)
	assert.Equal(t, "db", resolution.Items["db"].Alias)
	assert.Equal(t, "gcs", resolution.Items["storage"].Service)
}

func TestResolve_MissingCredential(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestResolve_EntryWithoutType(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), map[string]interface{}{
		"db_host": "localhost",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no type")
}

func TestIsAliasMap(t *testing.T) {
	assert.True(t, isAliasMap(map[string]interface{}{
		"db": map[string]interface{}{"key": "pg_main"},
	}))
	// Directive keys force single mode
	assert.False(t, isAliasMap(map[string]interface{}{
		"type": "postgres",
		"db":   map[string]interface{}{},
	}))
	assert.False(t, isAliasMap(map[string]interface{}{"db": "pg_main"}))
	assert.False(t, isAliasMap(map[string]interface{}{}))
}
