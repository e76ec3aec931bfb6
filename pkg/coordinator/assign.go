package coordinator

import (
	"context"
	"errors"
	"fmt"

	"shim/pkg/lock"
	"shim/pkg/protocol"
	"shim/pkg/statestore"
)

// assignMode says which existing assignment states a caller may replace.
type assignMode int

const (
	assignNew     assignMode = iota // public AssignTasks: only fresh tasks or retries in backoff
	assignQueued                    // rebalance: also re-route queued assignments
	assignRetry                     // backoff timer: the failed assignment being retried
)

// AssignTasks routes each task to a worker and records the assignment.
// Tasks no worker can take get a queued assignment with the reason. Errors
// are per task and joined; the assignments that succeeded are returned
// alongside them. Once shutdown has begun every call fails with
// ErrShuttingDown.
func (c *Coordinator) AssignTasks(ctx context.Context, tasks []protocol.Task) ([]protocol.Assignment, error) {
	if c.shuttingDown.Load() {
		return nil, protocol.ErrShuttingDown
	}
	var (
		out  []protocol.Assignment
		errs []error
	)
	for _, t := range tasks {
		a, err := c.assign(ctx, t.ID, assignNew)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, *a)
	}
	return out, errors.Join(errs...)
}

// assign routes one task under its per-task lock.
func (c *Coordinator) assign(ctx context.Context, taskID string, mode assignMode) (*protocol.Assignment, error) {
	if c.shuttingDown.Load() {
		return nil, protocol.ErrShuttingDown
	}
	var out *protocol.Assignment
	err := c.locks.WithLock(ctx, protocol.TaskLockPrefix+taskID,
		lock.Options{TTL: c.cfg.LockTTL, Timeout: c.cfg.LockTimeout},
		func(ctx context.Context) error {
			a, err := c.assignLocked(ctx, taskID, mode)
			out = a
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("assign task %s: %w", taskID, err)
	}
	return out, nil
}

func (c *Coordinator) assignLocked(ctx context.Context, taskID string, mode assignMode) (*protocol.Assignment, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, &protocol.TaskNotFoundError{TaskID: taskID}
	}
	if task.Status == protocol.TaskDecomposed {
		return nil, &protocol.ValidationError{Field: "task", Reason: "is decomposed; assign its subtasks"}
	}

	existing, version, err := c.assignmentWithVersion(ctx, taskID)
	if err != nil {
		return nil, err
	}

	attempt := 1
	switch {
	case existing == nil:
	case c.terminal(existing):
		return nil, protocol.ErrTaskTerminal
	case existing.Status == protocol.TaskQueued && mode == assignQueued:
		attempt = existing.Attempt
	case existing.Status.Active():
		return nil, &protocol.DuplicateAssignmentError{TaskID: taskID, WorkerID: existing.WorkerID, Status: existing.Status}
	case existing.Status == protocol.TaskFailed:
		// Retry in backoff. A direct assignment pre-empts the timer.
		c.cancelRetry(taskID)
		attempt = existing.Attempt + 1
		if mode == assignRetry {
			c.stats.retried.Add(1)
		}
	}

	c.assignMu.Lock()
	defer c.assignMu.Unlock()

	workers, err := c.liveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	router := c.router
	c.mu.Unlock()
	worker, reason := router.Select(*task, workers)

	now := c.nowFunc()
	a := protocol.Assignment{
		TaskID:     taskID,
		Status:     protocol.TaskQueued,
		Attempt:    attempt,
		AssignedAt: now,
		Reason:     reason,
	}
	if existing != nil {
		a.LastError = existing.LastError
	}
	if worker != nil {
		a.WorkerID = worker.ID
		a.Status = protocol.TaskPending
		a.Reason = ""
	}

	if _, err := c.store.SetIfVersion(ctx, protocol.NamespaceAssignments, taskID, a, version, c.cfg.TaskTTL); err != nil {
		if errors.Is(err, statestore.ErrVersionConflict) {
			return nil, fmt.Errorf("assignment changed concurrently: %w", err)
		}
		return nil, err
	}

	if err := c.setTaskStatus(ctx, taskID, a.Status); err != nil {
		return nil, err
	}

	if worker == nil {
		if existing == nil || existing.Status != protocol.TaskQueued {
			c.logger.Printf("coordinator: task %s queued: %s", taskID, reason)
		}
		return &a, nil
	}

	if err := c.registry.AddTask(ctx, worker.ID, taskID); err != nil {
		// The assignment stands; the next health sweep reconciles load.
		c.logger.Printf("coordinator: record load for %s on %s: %v", taskID, worker.ID, err)
	}
	c.stats.assigned.Add(1)
	c.publish(ctx, protocol.TopicTaskAssigned, protocol.TaskAssignedEvent{
		TaskID:     taskID,
		WorkerID:   worker.ID,
		Attempt:    attempt,
		AssignedAt: now,
	})
	return &a, nil
}

// liveWorkers returns registered workers that are not crashed, in
// registration order.
func (c *Coordinator) liveWorkers(ctx context.Context) ([]protocol.Worker, error) {
	all, err := c.registry.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, w := range all {
		if w.Health == protocol.HealthCrashed || c.registry.IsCrashed(w) {
			continue
		}
		live = append(live, w)
	}
	return live, nil
}

// StartTask records that the assigned worker began the task.
func (c *Coordinator) StartTask(ctx context.Context, taskID string) error {
	_, err := c.updateAssignment(ctx, taskID, func(a *protocol.Assignment) (*protocol.Assignment, error) {
		if a == nil {
			return nil, &protocol.TaskNotFoundError{TaskID: taskID}
		}
		switch a.Status {
		case protocol.TaskRunning:
			return nil, statestore.ErrNoChange
		case protocol.TaskPending:
			a.Status = protocol.TaskRunning
			return a, nil
		default:
			return nil, &protocol.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot start a %s task", a.Status)}
		}
	})
	if err != nil {
		return fmt.Errorf("start task %s: %w", taskID, err)
	}
	return c.setTaskStatus(ctx, taskID, protocol.TaskRunning)
}

// ReportProgress stores the task's progress, clamped to [0, 1].
func (c *Coordinator) ReportProgress(ctx context.Context, taskID string, progress float64) error {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return &protocol.TaskNotFoundError{TaskID: taskID}
	}
	progress = min(max(progress, 0), 1)
	if _, err := c.store.Set(ctx, protocol.NamespaceProgress, taskID, progress, c.cfg.TaskTTL); err != nil {
		return fmt.Errorf("report progress %s: %w", taskID, err)
	}
	return nil
}

// Progress returns the task's last reported progress (0 when none).
func (c *Coordinator) Progress(ctx context.Context, taskID string) (float64, error) {
	var p float64
	if _, err := c.store.GetJSON(ctx, protocol.NamespaceProgress, taskID, &p); err != nil {
		return 0, fmt.Errorf("get progress %s: %w", taskID, err)
	}
	return p, nil
}
