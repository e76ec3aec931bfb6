package coordinator

import (
	"context"
	"errors"
	"fmt"

	"shim/pkg/protocol"
	"shim/pkg/statestore"
)

// SubtaskID names the n-th (1-based) subtask of parentID.
func SubtaskID(parentID string, n int) string {
	return fmt.Sprintf("%s-sub-%d", parentID, n)
}

// DecomposeTask splits task into subtasks by complexity (low 2, medium 4,
// high 8, otherwise 4). Subtasks inherit the parent's type, priority,
// deadline, requirements, dependencies and payload. The subtask records and
// the parent->children mapping are persisted; assigning the subtasks is
// left to the caller or the next rebalance. A parent decomposes once: a
// second call is a validation error and leaves existing subtasks untouched.
func (c *Coordinator) DecomposeTask(ctx context.Context, task protocol.Task) ([]protocol.Task, error) {
	if task.ID == "" {
		return nil, invalidTask("id", "is required")
	}
	if task.Type == "" {
		return nil, invalidTask("type", "is required")
	}
	if task.Priority <= 0 {
		task.Priority = c.cfg.DefaultPriority
	}

	_, found, err := c.Subtasks(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, invalidTask("id", fmt.Sprintf("%s already decomposed", task.ID))
	}

	now := c.nowFunc()
	n := task.Complexity.SubtaskCount()
	subtasks := make([]protocol.Task, 0, n)
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		sub := protocol.Task{
			ID:           SubtaskID(task.ID, i),
			Type:         task.Type,
			Priority:     task.Priority,
			Deadline:     task.Deadline,
			Dependencies: task.Dependencies,
			Requirements: task.Requirements,
			ParentID:     task.ID,
			Payload:      task.Payload,
			Status:       protocol.TaskSubmitted,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		_, err := c.store.SetIfVersion(ctx, protocol.NamespaceTasks, sub.ID, sub, 0, c.cfg.TaskTTL)
		if errors.Is(err, statestore.ErrVersionConflict) {
			return nil, invalidTask("id", fmt.Sprintf("subtask %s already exists", sub.ID))
		}
		if err != nil {
			return nil, fmt.Errorf("persist subtask %s: %w", sub.ID, err)
		}
		subtasks = append(subtasks, sub)
		ids = append(ids, sub.ID)
	}

	if _, err := c.store.Set(ctx, protocol.NamespaceSubtasks, task.ID, ids, c.cfg.SubtaskTTL); err != nil {
		return nil, fmt.Errorf("persist subtasks of %s: %w", task.ID, err)
	}

	// Mark the parent so rebalance never routes it as a task of its own.
	_, err = c.updateTask(ctx, task.ID, func(t *protocol.Task) error {
		if t.Status == protocol.TaskDecomposed {
			return statestore.ErrNoChange
		}
		t.Status = protocol.TaskDecomposed
		return nil
	})
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("mark %s decomposed: %w", task.ID, err)
	}
	return subtasks, nil
}

// Subtasks returns the subtask IDs recorded for parentID in submission
// order. found is false when no mapping exists.
func (c *Coordinator) Subtasks(ctx context.Context, parentID string) ([]string, bool, error) {
	var ids []string
	ok, err := c.store.GetJSON(ctx, protocol.NamespaceSubtasks, parentID, &ids)
	if err != nil {
		return nil, false, fmt.Errorf("get subtasks of %s: %w", parentID, err)
	}
	return ids, ok, nil
}
