package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"shim/pkg/protocol"
	"shim/pkg/statestore"
)

func invalidTask(field, reason string) error {
	return fmt.Errorf("%w: %w", protocol.ErrInvalidTask, &protocol.ValidationError{Field: field, Reason: reason})
}

// validateTask checks the fields every task needs and fills defaults.
func (c *Coordinator) validateTask(task *protocol.Task) error {
	if task.ID == "" {
		return invalidTask("id", "is required")
	}
	if task.Type == "" {
		return invalidTask("type", "is required")
	}
	if task.Priority < 0 {
		return invalidTask("priority", "must not be negative")
	}
	if task.Priority == 0 {
		task.Priority = c.cfg.DefaultPriority
	}
	switch task.MergeStrategy {
	case "", protocol.MergeConcatenate, protocol.MergeMerge, protocol.MergeFirst, protocol.MergeLast:
	default:
		return invalidTask("merge_strategy", fmt.Sprintf("unknown strategy %q", task.MergeStrategy))
	}
	return nil
}

// SubmitTask validates and persists task, then assigns it when its
// dependencies are complete. The returned assignment is nil while the task
// waits on dependencies. A dependency cycle is rejected with
// *CircularDependencyError before anything is written.
func (c *Coordinator) SubmitTask(ctx context.Context, task protocol.Task) (*protocol.Assignment, error) {
	if err := c.persistNew(ctx, &task, protocol.TaskSubmitted); err != nil {
		return nil, err
	}

	ready, err := c.CanProcessTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, nil
	}
	assignments, err := c.AssignTasks(ctx, []protocol.Task{task})
	if err != nil {
		return nil, err
	}
	return &assignments[0], nil
}

// SubmitDecomposed persists task as a parent, splits it into subtasks by
// complexity and assigns those whose dependencies are complete.
func (c *Coordinator) SubmitDecomposed(ctx context.Context, task protocol.Task) ([]protocol.Task, []protocol.Assignment, error) {
	if err := c.persistNew(ctx, &task, protocol.TaskSubmitted); err != nil {
		return nil, nil, err
	}
	subtasks, err := c.DecomposeTask(ctx, task)
	if err != nil {
		return nil, nil, err
	}

	ready, err := c.CanProcessTask(ctx, task.ID)
	if err != nil || !ready {
		return subtasks, nil, err
	}
	assignments, err := c.AssignTasks(ctx, subtasks)
	return subtasks, assignments, err
}

// persistNew validates task, rejects cycles and writes it with status.
// The write is create-only: an existing task ID is a validation error.
func (c *Coordinator) persistNew(ctx context.Context, task *protocol.Task, status protocol.TaskStatus) error {
	if c.shuttingDown.Load() {
		return protocol.ErrShuttingDown
	}
	if err := c.validateTask(task); err != nil {
		return err
	}
	if err := c.detectCycle(ctx, *task); err != nil {
		return err
	}

	now := c.nowFunc()
	task.Status = status
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := c.store.SetIfVersion(ctx, protocol.NamespaceTasks, task.ID, task, 0, c.cfg.TaskTTL)
	if errors.Is(err, statestore.ErrVersionConflict) {
		return invalidTask("id", fmt.Sprintf("%s already submitted", task.ID))
	}
	if err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	c.stats.submitted.Add(1)
	return nil
}

// detectCycle walks the dependency graph depth-first from task, using the
// stored dependencies of every other task. The stored graph is acyclic, so
// only a path back to task itself can close a cycle.
func (c *Coordinator) detectCycle(ctx context.Context, task protocol.Task) error {
	visited := make(map[string]bool)
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		if id == task.ID && len(path) > 0 {
			return &protocol.CircularDependencyError{TaskID: task.ID, Path: append(slices.Clone(path), id)}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true

		deps := task.Dependencies
		if id != task.ID {
			t, err := c.GetTask(ctx, id)
			if err != nil {
				return err
			}
			if t == nil {
				return nil
			}
			deps = t.Dependencies
		}

		path = append(path, id)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	return visit(task.ID)
}

// CanProcessTask reports whether every dependency of the task has
// completed. Unknown dependencies count as incomplete.
func (c *Coordinator) CanProcessTask(ctx context.Context, id string) (bool, error) {
	task, err := c.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, &protocol.TaskNotFoundError{TaskID: id}
	}
	for _, dep := range task.Dependencies {
		d, err := c.GetTask(ctx, dep)
		if err != nil {
			return false, err
		}
		if d == nil || d.Status != protocol.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}
