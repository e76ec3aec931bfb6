package coordinator

import (
	"context"
	"slices"
	"strings"
	"time"

	"shim/pkg/protocol"
)

// TaskView joins a task with its assignment and progress.
type TaskView struct {
	Task       protocol.Task        `json:"task"`
	Assignment *protocol.Assignment `json:"assignment,omitempty"`
	Progress   float64              `json:"progress"`
}

// Snapshot is a point-in-time view of the shared state, used by
// `shim status` and the dashboard.
type Snapshot struct {
	TakenAt    time.Time         `json:"taken_at"`
	Strategy   Strategy          `json:"strategy"`
	Workers    []protocol.Worker `json:"workers"`
	Tasks      []TaskView        `json:"tasks"`
	QueueDepth int               `json:"queue_depth"`
	Overdue    []string          `json:"overdue,omitempty"`
}

// Snapshot reads workers, tasks, assignments and progress in one pass.
// Tasks are ordered by ID.
func (c *Coordinator) Snapshot(ctx context.Context) (*Snapshot, error) {
	workers, err := c.registry.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := c.listTasks(ctx)
	if err != nil {
		return nil, err
	}
	assignments, err := c.listAssignments(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		TakenAt:  c.nowFunc(),
		Strategy: c.Strategy(),
		Workers:  workers,
		Tasks:    make([]TaskView, 0, len(tasks)),
	}
	for _, t := range tasks {
		view := TaskView{Task: t}
		if a, ok := assignments[t.ID]; ok {
			view.Assignment = &a
			if a.Status == protocol.TaskQueued {
				snap.QueueDepth++
			}
		}
		if p, err := c.Progress(ctx, t.ID); err == nil {
			view.Progress = p
		}
		snap.Tasks = append(snap.Tasks, view)
	}
	slices.SortFunc(snap.Tasks, func(a, b TaskView) int {
		return strings.Compare(a.Task.ID, b.Task.ID)
	})

	overdue, err := c.GetOverdueTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range overdue {
		snap.Overdue = append(snap.Overdue, t.ID)
	}
	return snap, nil
}
