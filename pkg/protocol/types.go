package protocol

import (
	"encoding/json"
	"slices"
	"time"
)

// TaskStatus is the lifecycle state of a task or its assignment.
type TaskStatus string

// Task status constants.
const (
	TaskSubmitted  TaskStatus = "submitted"
	TaskDecomposed TaskStatus = "decomposed" // parent split into subtasks; never assigned itself
	TaskQueued     TaskStatus = "queued"     // no worker qualified; retried on rebalance
	TaskPending    TaskStatus = "pending"    // bound to a worker, not yet started
	TaskRunning    TaskStatus = "running"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Active reports whether s is a non-terminal assignment state that blocks a
// second assignment of the same task.
func (s TaskStatus) Active() bool {
	switch s {
	case TaskQueued, TaskPending, TaskRunning:
		return true
	default:
		return false
	}
}

// Waiting reports whether s means the task has not started running yet.
func (s TaskStatus) Waiting() bool {
	return s == TaskQueued || s == TaskPending
}

// Complexity drives how many subtasks a task decomposes into.
type Complexity string

// Complexity constants.
const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// SubtaskCount returns the fixed fan-out for c: low=2, medium=4, high=8,
// anything else 4.
func (c Complexity) SubtaskCount() int {
	switch c {
	case ComplexityLow:
		return 2
	case ComplexityHigh:
		return 8
	default:
		return 4
	}
}

// MergeStrategy selects how subtask results are combined for a parent.
type MergeStrategy string

// Merge strategy constants.
const (
	MergeConcatenate MergeStrategy = "concatenate"
	MergeMerge       MergeStrategy = "merge"
	MergeFirst       MergeStrategy = "first"
	MergeLast        MergeStrategy = "last"
)

// Task is a unit of work submitted to the coordinator.
type Task struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Priority      int             `json:"priority,omitempty"` // 1 is highest
	Deadline      *time.Time      `json:"deadline,omitempty"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	Requirements  []string        `json:"requirements,omitempty"` // required worker capabilities
	MergeStrategy MergeStrategy   `json:"merge_strategy,omitempty"`
	Complexity    Complexity      `json:"complexity,omitempty"`
	ParentID      string          `json:"parent_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        TaskStatus      `json:"status,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Assignment binds a task to a worker for one attempt.
type Assignment struct {
	TaskID     string     `json:"task_id"`
	WorkerID   string     `json:"worker_id,omitempty"` // empty while queued
	Status     TaskStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	AssignedAt time.Time  `json:"assigned_at"`
	Reason     string     `json:"reason,omitempty"` // why the assignment is queued
	LastError  string     `json:"last_error,omitempty"`
	RetryAt    time.Time  `json:"retry_at,omitzero"` // when a failed attempt is due for retry
}

// WorkerStatus is the scheduling state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerIdle WorkerStatus = "idle"
	WorkerBusy WorkerStatus = "busy"
)

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	return s == WorkerIdle || s == WorkerBusy
}

// Health is the liveness classification of a worker.
type Health string

// Health constants.
const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCrashed  Health = "crashed"
)

// Valid reports whether h is one of the known health values.
func (h Health) Valid() bool {
	switch h {
	case HealthHealthy, HealthDegraded, HealthCrashed:
		return true
	default:
		return false
	}
}

// Worker is a registered worker session as stored in the registry.
type Worker struct {
	ID            string       `json:"id"`
	ChatID        string       `json:"chat_id,omitempty"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	Capacity      int          `json:"capacity"`
	Status        WorkerStatus `json:"status"`
	Health        Health       `json:"health"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	CurrentTask   string       `json:"current_task,omitempty"`
	ActiveTasks   []string     `json:"active_tasks,omitempty"`
	Seq           int64        `json:"seq"` // registration order
}

// Load returns the number of tasks currently bound to the worker.
func (w Worker) Load() int {
	return len(w.ActiveTasks)
}

// HasCapacity reports whether the worker can accept one more task.
func (w Worker) HasCapacity() bool {
	return w.Load() < w.Capacity
}

// HasCapabilities reports whether the worker's capability set is a superset
// of required.
func (w Worker) HasCapabilities(required []string) bool {
	for _, r := range required {
		if !slices.Contains(w.Capabilities, r) {
			return false
		}
	}
	return true
}

// TaskResult is the payload a worker submits on completion.
type TaskResult struct {
	TaskID string          `json:"task_id"`
	Data   json.RawMessage `json:"data"`
}

// CrashSignal is produced by external process monitoring when a worker dies.
type CrashSignal struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}
