package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeWorkload_EmptyPayloadClones(t *testing.T) {
	workload := map[string]interface{}{"city": "paris"}

	out, err := mergeWorkload(workload, nil, false)
	require.NoError(t, err)
	assert.Equal(t, workload, out)

	out["city"] = "oslo"
	assert.Equal(t, "paris", workload["city"])
}

func TestMergeWorkload_OverwriteReplacesTopLevelKeys(t *testing.T) {
	workload := map[string]interface{}{
		"db": map[string]interface{}{"host": "a", "port": 5432},
	}
	payload := map[string]interface{}{
		"db": map[string]interface{}{"host": "b"},
	}

	out, err := mergeWorkload(workload, payload, false)
	require.NoError(t, err)

	// The whole nested value is replaced, not merged
	db := out["db"].(map[string]interface{})
	assert.Equal(t, "b", db["host"])
	_, hasPort := db["port"]
	assert.False(t, hasPort)
}

func TestMergeWorkload_MergePatchGoesDeep(t *testing.T) {
	workload := map[string]interface{}{
		"db":    map[string]interface{}{"host": "a", "port": 5432},
		"stale": "x",
	}
	payload := map[string]interface{}{
		"db":    map[string]interface{}{"host": "b"},
		"stale": nil,
	}

	out, err := mergeWorkload(workload, payload, true)
	require.NoError(t, err)

	db := out["db"].(map[string]interface{})
	assert.Equal(t, "b", db["host"])
	assert.EqualValues(t, 5432, db["port"])

	// Explicit null deletes the key
	_, hasStale := out["stale"]
	assert.False(t, hasStale)
}

func TestSnapshotContext_DropsPrivateKeys(t *testing.T) {
	out := snapshotContext(map[string]interface{}{
		"city":  "paris",
		"_loop": map[string]interface{}{"index": 1},
	})
	assert.Equal(t, "paris", out["city"])
	_, hasLoop := out["_loop"]
	assert.False(t, hasLoop)
}

func TestBindStepResult(t *testing.T) {
	ctx := map[string]interface{}{}

	bindStepResult(ctx, "fetch", "success", map[string]interface{}{
		"status_code": 200,
		"data":        map[string]interface{}{"city": "paris"},
	})

	node := ctx["fetch"].(map[string]interface{})
	assert.Equal(t, "success", node["status"])
	assert.Equal(t, 200, node["status_code"])

	// result aliases the raw data both on the node and at the top level
	result := node["result"].(map[string]interface{})
	assert.Equal(t, 200, result["status_code"])
	assert.Equal(t, result, ctx["result"])
}

func TestBindStepResult_ScalarData(t *testing.T) {
	ctx := map[string]interface{}{}

	bindStepResult(ctx, "count_rows", "success", 42)

	node := ctx["count_rows"].(map[string]interface{})
	assert.Equal(t, 42, node["result"])
	assert.Equal(t, 42, ctx["result"])
}
