package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	major, minor, patch, err := ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, 1, major)
	assert.Equal(t, 2, minor)
	assert.Equal(t, 3, patch)

	_, _, _, err = ParseVersion("1.2")
	require.Error(t, err)

	_, _, _, err = ParseVersion("a.b.c")
	require.Error(t, err)
}

func TestNextVersion(t *testing.T) {
	next, err := NextVersion("0.1.0")
	require.NoError(t, err)
	assert.Equal(t, "0.1.1", next)

	next, err = NextVersion("2.3.9")
	require.NoError(t, err)
	assert.Equal(t, "2.3.10", next)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, CompareVersions("1.0.0", "1.0.0"))
	assert.Equal(t, -1, CompareVersions("0.1.9", "0.1.10"))
	assert.Equal(t, 1, CompareVersions("1.0.0", "0.9.9"))
	assert.Equal(t, -1, CompareVersions("0.2.0", "1.0.0"))
}
