package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// cloneContext shallow-copies an execution context
func cloneContext(base map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	return out
}

// snapshotContext serializes the context for an event's input_context,
// dropping private underscore-prefixed keys.
func snapshotContext(execCtx map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(execCtx))
	for k, v := range execCtx {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// mergeWorkload folds the inbound payload into the workload. With merge set
// it is an RFC 7386 merge patch (nested keys merge, explicit nulls delete);
// otherwise top-level keys overwrite.
func mergeWorkload(workload, payload map[string]interface{}, merge bool) (map[string]interface{}, error) {
	if len(payload) == 0 {
		return cloneContext(workload), nil
	}
	if !merge {
		out := cloneContext(workload)
		for k, v := range payload {
			out[k] = v
		}
		return out, nil
	}

	base, err := json.Marshal(workload)
	if err != nil {
		return nil, fmt.Errorf("serialize workload: %w", err)
	}
	patch, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, fmt.Errorf("merge payload into workload: %w", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("decode merged workload: %w", err)
	}
	return out, nil
}

// bindStepResult publishes a finished step into the context: the step name
// resolves to its output map with result and status attributes, and "result"
// always points at the most recent step's data.
func bindStepResult(execCtx map[string]interface{}, stepName, status string, data interface{}) {
	node := map[string]interface{}{}
	if m, ok := data.(map[string]interface{}); ok {
		for k, v := range m {
			node[k] = v
		}
	}
	node["result"] = data
	node["status"] = status

	execCtx[stepName] = node
	execCtx["result"] = data
}
