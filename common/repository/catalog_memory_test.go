package repository

import (
	"context"
	"testing"

	"github.com/noetl/noetl/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCatalog_VersionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()

	first, err := catalog.Register(ctx, &models.CatalogEntry{
		ResourcePath: "workflows/weather",
		ResourceType: models.ResourcePlaybook,
		Content:      "v1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.InitialVersion, first.ResourceVersion)

	second, err := catalog.Register(ctx, &models.CatalogEntry{
		ResourcePath: "workflows/weather",
		ResourceType: models.ResourcePlaybook,
		Content:      "v2",
	})
	require.NoError(t, err)
	assert.Equal(t, "0.1.1", second.ResourceVersion)
	assert.Equal(t, 1, models.CompareVersions(second.ResourceVersion, first.ResourceVersion))

	latest, err := catalog.Latest(ctx, "workflows/weather")
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.Content)
}

func TestMemoryCatalog_DuplicateVersionRejected(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()

	_, err := catalog.Register(ctx, &models.CatalogEntry{
		ResourcePath:    "p",
		ResourceVersion: "1.0.0",
	})
	require.NoError(t, err)

	_, err = catalog.Register(ctx, &models.CatalogEntry{
		ResourcePath:    "p",
		ResourceVersion: "1.0.0",
	})
	require.Error(t, err)
}

func TestMemoryCatalog_FilenameFallback(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()

	entry, err := catalog.Register(ctx, &models.CatalogEntry{
		ResourcePath: "weather",
		ResourceType: models.ResourcePlaybook,
	})
	require.NoError(t, err)

	// Full path misses, last segment hits
	found, err := catalog.Fetch(ctx, "workflows/examples/weather", entry.ResourceVersion)
	require.NoError(t, err)
	assert.Equal(t, "weather", found.ResourcePath)

	found, err = catalog.Latest(ctx, "workflows/examples/weather")
	require.NoError(t, err)
	assert.Equal(t, "weather", found.ResourcePath)

	_, err = catalog.Fetch(ctx, "workflows/missing", "0.1.0")
	require.Error(t, err)
}

func TestMemoryCatalog_ListFiltersByType(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryCatalog()

	_, err := catalog.Register(ctx, &models.CatalogEntry{
		ResourcePath: "pb", ResourceType: models.ResourcePlaybook,
	})
	require.NoError(t, err)
	_, err = catalog.Register(ctx, &models.CatalogEntry{
		ResourcePath: "cred", ResourceType: models.ResourceCredential,
	})
	require.NoError(t, err)

	all, err := catalog.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	playbooks, err := catalog.List(ctx, models.ResourcePlaybook)
	require.NoError(t, err)
	require.Len(t, playbooks, 1)
	assert.Equal(t, "pb", playbooks[0].ResourcePath)
}
