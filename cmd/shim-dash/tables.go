package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"shim/pkg/coordinator"
	"shim/pkg/protocol"
)

func taskColumns() []table.Column {
	return []table.Column{
		{Title: "Task", Width: 22},
		{Title: "Type", Width: 10},
		{Title: "Status", Width: 10},
		{Title: "Pri", Width: 3},
		{Title: "Worker", Width: 14},
		{Title: "Try", Width: 3},
		{Title: "Progress", Width: 8},
		{Title: "Deadline", Width: 12},
		{Title: "Note", Width: 24},
	}
}

func workerColumns() []table.Column {
	return []table.Column{
		{Title: "Worker", Width: 16},
		{Title: "Status", Width: 6},
		{Title: "Health", Width: 9},
		{Title: "Load", Width: 5},
		{Title: "Current", Width: 20},
		{Title: "Capabilities", Width: 20},
		{Title: "Heartbeat", Width: 10},
	}
}

// taskRows renders the snapshot's tasks, one row each, in snapshot order.
func taskRows(snap *coordinator.Snapshot) []table.Row {
	if snap == nil {
		return nil
	}
	rows := make([]table.Row, 0, len(snap.Tasks))
	for _, v := range snap.Tasks {
		worker, attempt, note := "-", "", ""
		if a := v.Assignment; a != nil {
			if a.WorkerID != "" {
				worker = a.WorkerID
			}
			attempt = strconv.Itoa(a.Attempt)
			note = a.Reason
			if note == "" {
				note = a.LastError
			}
		}
		if v.Task.ParentID != "" && note == "" {
			note = "of " + v.Task.ParentID
		}
		rows = append(rows, table.Row{
			v.Task.ID,
			v.Task.Type,
			string(v.Task.Status),
			strconv.Itoa(v.Task.Priority),
			worker,
			attempt,
			fmt.Sprintf("%3.0f%%", v.Progress*100),
			deadlineCell(v.Task, snap),
			note,
		})
	}
	return rows
}

func deadlineCell(t protocol.Task, snap *coordinator.Snapshot) string {
	switch {
	case t.Deadline == nil:
		return "-"
	case slices.Contains(snap.Overdue, t.ID):
		return "overdue"
	case t.Status == protocol.TaskCompleted || t.Status == protocol.TaskFailed:
		return "-"
	default:
		return "in " + shortDuration(t.Deadline.Sub(snap.TakenAt))
	}
}

// workerRows renders workers in registration order.
func workerRows(workers []protocol.Worker, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(workers))
	for _, w := range workers {
		current := w.CurrentTask
		if current == "" {
			current = "-"
		}
		rows = append(rows, table.Row{
			w.ID,
			string(w.Status),
			string(w.Health),
			fmt.Sprintf("%d/%d", w.Load(), w.Capacity),
			current,
			strings.Join(w.Capabilities, ","),
			shortDuration(now.Sub(w.LastHeartbeat)) + " ago",
		})
	}
	return rows
}

// shortDuration formats d at second resolution, e.g. "1m30s".
func shortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}
