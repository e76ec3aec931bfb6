package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"shim/pkg/protocol"
	"shim/pkg/statestore"
)

// defaultFailureReason is recorded when a worker fails without a reason.
const defaultFailureReason = "worker failed"

// MarkTaskFailed records a failed attempt of the task and frees its
// worker. While attempts remain the task is re-assigned after
// RetryBackoff * 2^(attempt-1); the retry is scheduled on a timer, the call
// itself does not wait. Once MaxRetries attempts have failed the task is
// terminally failed and a task-completed event with Failed set is
// published. Calling it for a task with no active assignment does nothing.
func (c *Coordinator) MarkTaskFailed(ctx context.Context, taskID, reason string) error {
	if err := c.markFailed(ctx, taskID, reason); err != nil {
		return err
	}
	c.rebalanceQuietly(ctx)
	return nil
}

func (c *Coordinator) markFailed(ctx context.Context, taskID, reason string) error {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return &protocol.TaskNotFoundError{TaskID: taskID}
	}

	var previous protocol.Assignment
	failed, err := c.updateAssignment(ctx, taskID, func(a *protocol.Assignment) (*protocol.Assignment, error) {
		previous = protocol.Assignment{}
		if a == nil || !a.Status.Active() {
			return nil, statestore.ErrNoChange
		}
		previous = *a
		a.Status = protocol.TaskFailed
		a.LastError = reason
		a.RetryAt = time.Time{}
		if a.Attempt < c.cfg.MaxRetries {
			a.RetryAt = c.nowFunc().Add(c.cfg.retryDelay(a.Attempt))
		}
		return a, nil
	})
	if err != nil {
		return fmt.Errorf("mark task %s failed: %w", taskID, err)
	}
	if failed == nil || failed.Status != protocol.TaskFailed || previous.TaskID == "" {
		return nil
	}

	if previous.WorkerID != "" {
		if err := c.registry.RemoveTask(ctx, previous.WorkerID, taskID); err != nil {
			c.logger.Printf("coordinator: free %s from %s: %v", taskID, previous.WorkerID, err)
		}
	}
	if err := c.setTaskStatus(ctx, taskID, protocol.TaskFailed); err != nil {
		return err
	}

	if failed.Attempt < c.cfg.MaxRetries {
		delay := c.cfg.retryDelay(failed.Attempt)
		c.logger.Printf("coordinator: task %s attempt %d failed (%s); retrying in %s",
			taskID, failed.Attempt, reason, delay)
		c.scheduleRetry(taskID, delay)
		return nil
	}

	c.stats.failed.Add(1)
	c.logger.Printf("coordinator: task %s failed after %d attempts: %s", taskID, failed.Attempt, reason)
	c.publish(ctx, protocol.TopicTaskCompleted, protocol.TaskCompletedEvent{
		TaskID:      taskID,
		Failed:      true,
		Error:       reason,
		CompletedAt: c.nowFunc(),
	})
	return nil
}

// scheduleRetry arms the backoff timer for taskID, replacing any pending one.
func (c *Coordinator) scheduleRetry(taskID string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown.Load() {
		return
	}
	if t, ok := c.timers[taskID]; ok {
		t.Stop()
	}
	c.timers[taskID] = c.schedule(delay, func() { c.retry(taskID) })
}

// cancelRetry stops a pending retry timer for taskID.
func (c *Coordinator) cancelRetry(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[taskID]; ok {
		t.Stop()
		delete(c.timers, taskID)
	}
}

// PendingRetries returns the tasks waiting on a backoff timer.
func (c *Coordinator) PendingRetries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.timers))
	for id := range c.timers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// retry is the backoff timer callback.
func (c *Coordinator) retry(taskID string) {
	c.mu.Lock()
	delete(c.timers, taskID)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LockTimeout+c.cfg.LockTTL)
	defer cancel()

	if _, err := c.assign(ctx, taskID, assignRetry); err != nil {
		if errors.Is(err, protocol.ErrShuttingDown) {
			c.logger.Printf("coordinator: retry of %s dropped: shutting down", taskID)
			return
		}
		c.logger.Printf("coordinator: retry %s: %v", taskID, err)
	}
}

// HandleWorkerFailure fails every task bound to the worker (each through
// the normal retry path), clears its task list, marks it crashed and
// publishes worker-failed. Bound tasks are the active assignments naming
// the worker. Its own task list only gets cleared, so a stale entry for a
// task now running elsewhere is never failed.
func (c *Coordinator) HandleWorkerFailure(ctx context.Context, workerID, reason string) (int, error) {
	if workerID == "" {
		return 0, &protocol.ValidationError{Field: "workerId", Reason: "is required"}
	}
	if reason == "" {
		reason = defaultFailureReason
	}

	w, err := c.registry.GetWorker(ctx, workerID)
	if err != nil {
		return 0, err
	}
	if w != nil {
		if err := c.registry.UpdateHealth(ctx, workerID, protocol.HealthCrashed); err != nil {
			return 0, err
		}
	}

	tasks, err := c.tasksBoundTo(ctx, workerID)
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, id := range tasks {
		if err := c.markFailed(ctx, id, reason); err != nil && !isNotFound(err) {
			errs = append(errs, err)
		}
	}
	if w != nil {
		if _, err := c.registry.ClearTasks(ctx, workerID); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Printf("coordinator: worker %s failed (%s); %d task(s) released", workerID, reason, len(tasks))
	c.publish(ctx, protocol.TopicWorkerFailed, protocol.WorkerFailedEvent{
		WorkerID:  workerID,
		TaskCount: len(tasks),
		Reason:    reason,
		FailedAt:  c.nowFunc(),
	})
	c.rebalanceQuietly(ctx)
	return len(tasks), errors.Join(errs...)
}

// tasksBoundTo returns the tasks whose active assignment names workerID.
func (c *Coordinator) tasksBoundTo(ctx context.Context, workerID string) ([]string, error) {
	assignments, err := c.listAssignments(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, a := range assignments {
		if a.WorkerID == workerID && a.Status.Active() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// HandleCrashSignal turns a crash signal from process monitoring into a
// worker failure.
func (c *Coordinator) HandleCrashSignal(ctx context.Context, sig protocol.CrashSignal) (int, error) {
	reason := sig.Reason
	if reason == "" {
		reason = "crash signal"
	}
	return c.HandleWorkerFailure(ctx, sig.WorkerID, reason)
}
