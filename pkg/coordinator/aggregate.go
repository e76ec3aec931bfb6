package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"shim/pkg/protocol"
)

// AggregateResult is the collected state of a parent's subtasks.
type AggregateResult struct {
	ParentID     string            `json:"parent_id"`
	Results      []json.RawMessage `json:"results"` // completed results in subtask order
	Completed    int               `json:"completed"`
	Total        int               `json:"total"`
	AllCompleted bool              `json:"all_completed"`
	Merged       any               `json:"merged,omitempty"` // set once AllCompleted
}

// AggregateResults collects the results of parentID's completed subtasks.
// Once every subtask has completed, Merged holds the results combined by
// the parent's merge strategy (concatenate when unset). It serves partial
// and final aggregation alike.
func (c *Coordinator) AggregateResults(ctx context.Context, parentID string) (*AggregateResult, error) {
	ids, ok, err := c.Subtasks(ctx, parentID)
	if err != nil {
		return nil, err
	}
	parent, err := c.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !ok && parent == nil {
		return nil, &protocol.TaskNotFoundError{TaskID: parentID}
	}

	agg := &AggregateResult{ParentID: parentID, Total: len(ids)}
	for _, id := range ids {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil || t.Status != protocol.TaskCompleted {
			continue
		}
		agg.Completed++
		raw, found, err := c.GetResult(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			raw = json.RawMessage("null")
		}
		agg.Results = append(agg.Results, raw)
	}
	agg.AllCompleted = agg.Total > 0 && agg.Completed == agg.Total

	if agg.AllCompleted {
		strategy := protocol.MergeConcatenate
		if parent != nil && parent.MergeStrategy != "" {
			strategy = parent.MergeStrategy
		}
		merged, err := mergeResults(strategy, agg.Results)
		if err != nil {
			return nil, fmt.Errorf("merge results of %s: %w", parentID, err)
		}
		agg.Merged = merged
	}
	return agg, nil
}

// GetPartialResults is AggregateResults under the name callers use before
// every subtask has finished.
func (c *Coordinator) GetPartialResults(ctx context.Context, parentID string) (*AggregateResult, error) {
	return c.AggregateResults(ctx, parentID)
}

// mergeResults combines results in subtask order.
//
//   - concatenate: each result's "items" array is flattened into one
//     array; any other value is appended as a single item. The merged value
//     is {"items": [...]}.
//   - merge: object results are shallow-merged, later keys win.
//   - first, last: the first or last result.
func mergeResults(strategy protocol.MergeStrategy, results []json.RawMessage) (any, error) {
	decoded := make([]any, 0, len(results))
	for _, raw := range results {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		decoded = append(decoded, v)
	}

	switch strategy {
	case protocol.MergeMerge:
		merged := map[string]any{}
		for _, v := range decoded {
			if obj, ok := v.(map[string]any); ok {
				maps.Copy(merged, obj)
			}
		}
		return merged, nil
	case protocol.MergeFirst:
		if len(decoded) == 0 {
			return nil, nil
		}
		return decoded[0], nil
	case protocol.MergeLast:
		if len(decoded) == 0 {
			return nil, nil
		}
		return decoded[len(decoded)-1], nil
	default:
		items := []any{}
		for _, v := range decoded {
			if obj, ok := v.(map[string]any); ok {
				if list, ok := obj["items"].([]any); ok {
					items = append(items, list...)
					continue
				}
			}
			items = append(items, v)
		}
		return map[string]any{"items": items}, nil
	}
}

// GetAggregateProgress is the mean progress of parentID's subtasks, 0 when
// it has none.
func (c *Coordinator) GetAggregateProgress(ctx context.Context, parentID string) (float64, error) {
	ids, _, err := c.Subtasks(ctx, parentID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var sum float64
	for _, id := range ids {
		p, err := c.Progress(ctx, id)
		if err != nil {
			return 0, err
		}
		sum += p
	}
	return sum / float64(len(ids)), nil
}
