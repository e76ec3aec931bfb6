package coordinator

import (
	"context"
	"slices"
	"time"

	"shim/pkg/protocol"
	"shim/pkg/statestore"
)

// openTasks returns tasks that are neither completed nor terminally failed,
// with their assignments.
func (c *Coordinator) openTasks(ctx context.Context) ([]protocol.Task, map[string]protocol.Assignment, error) {
	tasks, err := c.listTasks(ctx)
	if err != nil {
		return nil, nil, err
	}
	assignments, err := c.listAssignments(ctx)
	if err != nil {
		return nil, nil, err
	}
	open := tasks[:0]
	for _, t := range tasks {
		if t.Status == protocol.TaskCompleted {
			continue
		}
		if a, ok := assignments[t.ID]; ok && c.terminal(&a) {
			continue
		}
		open = append(open, t)
	}
	return open, assignments, nil
}

// GetOverdueTasks returns open tasks whose deadline has passed, earliest
// deadline first.
func (c *Coordinator) GetOverdueTasks(ctx context.Context) ([]protocol.Task, error) {
	tasks, _, err := c.openTasks(ctx)
	if err != nil {
		return nil, err
	}
	now := c.nowFunc()
	var overdue []protocol.Task
	for _, t := range tasks {
		if t.Deadline != nil && t.Deadline.Before(now) {
			overdue = append(overdue, t)
		}
	}
	slices.SortStableFunc(overdue, func(a, b protocol.Task) int {
		return a.Deadline.Compare(*b.Deadline)
	})
	return overdue, nil
}

// EscalateApproachingDeadlines lowers the priority number (floor 1) by
// EscalationStep for every waiting task, queued or pending, whose deadline
// is within threshold. A non-positive threshold uses the configured one.
// It returns the tasks whose priority changed.
func (c *Coordinator) EscalateApproachingDeadlines(ctx context.Context, threshold time.Duration) ([]protocol.Task, error) {
	if threshold <= 0 {
		threshold = c.cfg.DeadlineEscalationThreshold
	}
	tasks, assignments, err := c.openTasks(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := c.nowFunc().Add(threshold)

	var escalated []protocol.Task
	for _, t := range tasks {
		if t.Deadline == nil || t.Deadline.After(cutoff) || t.Priority <= 1 {
			continue
		}
		a, ok := assignments[t.ID]
		if !ok || !a.Status.Waiting() {
			continue
		}
		updated, err := c.updateTask(ctx, t.ID, func(t *protocol.Task) error {
			if t.Priority <= 1 {
				return statestore.ErrNoChange
			}
			t.Priority = max(1, t.Priority-c.cfg.EscalationStep)
			return nil
		})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return escalated, err
		}
		if updated.Priority == t.Priority {
			continue
		}
		c.logger.Printf("coordinator: escalated %s to priority %d (deadline %s)",
			t.ID, updated.Priority, t.Deadline.Format(time.RFC3339))
		escalated = append(escalated, *updated)
	}
	return escalated, nil
}

// CheckDeadlines publishes task-overdue for every overdue task. Every call
// publishes again; there is no deduplication across calls.
func (c *Coordinator) CheckDeadlines(ctx context.Context) ([]protocol.TaskOverdueEvent, error) {
	overdue, err := c.GetOverdueTasks(ctx)
	if err != nil {
		return nil, err
	}
	now := c.nowFunc()
	events := make([]protocol.TaskOverdueEvent, 0, len(overdue))
	for _, t := range overdue {
		ev := protocol.TaskOverdueEvent{
			TaskID:    t.ID,
			Deadline:  *t.Deadline,
			OverdueBy: now.Sub(*t.Deadline),
		}
		c.publish(ctx, protocol.TopicTaskOverdue, ev)
		events = append(events, ev)
	}
	return events, nil
}
