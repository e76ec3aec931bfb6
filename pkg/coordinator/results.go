package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shim/pkg/protocol"
	"shim/pkg/statestore"
)

// SubmitResult records a worker's result for a task: the result and full
// progress are stored, the assignment and task become completed, the
// worker is freed and task-completed is published. When it completes the
// last open subtask of a parent, the parent completes too. A result for an
// unknown task is a *TaskNotFoundError; a repeated result is ignored; a
// result for a task that failed terminally is ErrTaskTerminal.
func (c *Coordinator) SubmitResult(ctx context.Context, result protocol.TaskResult) error {
	if result.TaskID == "" {
		return &protocol.ValidationError{Field: "taskId", Reason: "is required"}
	}
	data := result.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if !json.Valid(data) {
		return &protocol.ValidationError{Field: "data", Reason: "is not valid JSON"}
	}

	task, err := c.GetTask(ctx, result.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return &protocol.TaskNotFoundError{TaskID: result.TaskID}
	}

	now := c.nowFunc()
	var (
		previous *protocol.Assignment
		repeated bool
	)
	_, err = c.updateAssignment(ctx, task.ID, func(a *protocol.Assignment) (*protocol.Assignment, error) {
		previous = a
		repeated = a != nil && a.Status == protocol.TaskCompleted
		if repeated {
			return nil, statestore.ErrNoChange
		}
		if c.terminal(a) {
			return nil, protocol.ErrTaskTerminal
		}
		next := protocol.Assignment{TaskID: task.ID, Attempt: 1, AssignedAt: now}
		if a != nil {
			next = *a
		}
		next.Status = protocol.TaskCompleted
		next.Reason = ""
		next.RetryAt = time.Time{}
		return &next, nil
	})
	if err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	if repeated {
		return nil
	}

	if _, err := c.store.Set(ctx, protocol.NamespaceResults, task.ID, data, c.cfg.TaskTTL); err != nil {
		return fmt.Errorf("store result %s: %w", task.ID, err)
	}
	if _, err := c.store.Set(ctx, protocol.NamespaceProgress, task.ID, 1.0, c.cfg.TaskTTL); err != nil {
		return fmt.Errorf("store progress %s: %w", task.ID, err)
	}
	if err := c.setTaskStatus(ctx, task.ID, protocol.TaskCompleted); err != nil {
		return err
	}
	c.cancelRetry(task.ID)
	if previous != nil && previous.WorkerID != "" {
		if err := c.registry.RemoveTask(ctx, previous.WorkerID, task.ID); err != nil {
			c.logger.Printf("coordinator: free %s from %s: %v", task.ID, previous.WorkerID, err)
		}
	}

	c.stats.completed.Add(1)
	var decoded any
	_ = json.Unmarshal(data, &decoded)
	c.publish(ctx, protocol.TopicTaskCompleted, protocol.TaskCompletedEvent{
		TaskID:      task.ID,
		Result:      decoded,
		CompletedAt: now,
	})

	if task.ParentID != "" {
		if err := c.completeParentIfDone(ctx, task.ParentID); err != nil {
			c.logger.Printf("coordinator: parent %s: %v", task.ParentID, err)
		}
	}
	c.rebalanceQuietly(ctx)
	return nil
}

// GetResult returns the stored result of a task.
func (c *Coordinator) GetResult(ctx context.Context, taskID string) (json.RawMessage, bool, error) {
	return c.store.Get(ctx, protocol.NamespaceResults, taskID)
}

// completeParentIfDone marks the parent completed, stores its merged result
// and publishes parent-task-completed once every subtask has completed.
// Only the call that flips the parent's status publishes.
func (c *Coordinator) completeParentIfDone(ctx context.Context, parentID string) error {
	agg, err := c.AggregateResults(ctx, parentID)
	if err != nil {
		return err
	}
	if !agg.AllCompleted {
		return nil
	}

	flipped := false
	_, err = c.updateTask(ctx, parentID, func(t *protocol.Task) error {
		flipped = false
		if t.Status == protocol.TaskCompleted {
			return statestore.ErrNoChange
		}
		t.Status = protocol.TaskCompleted
		flipped = true
		return nil
	})
	if err != nil && !isNotFound(err) {
		return err
	}
	if !flipped {
		return nil
	}

	if _, err := c.store.Set(ctx, protocol.NamespaceResults, parentID, agg.Merged, c.cfg.TaskTTL); err != nil {
		return fmt.Errorf("store merged result: %w", err)
	}
	c.publish(ctx, protocol.TopicParentTaskCompleted, protocol.ParentTaskCompletedEvent{
		TaskID:      parentID,
		CompletedAt: c.nowFunc(),
	})
	return nil
}
