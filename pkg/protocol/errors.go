package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrInvalidTask wraps every task validation failure.
	ErrInvalidTask = errors.New("invalid task")
	// ErrShuttingDown is returned once the coordinator stopped accepting work.
	// It means "try again later", not a failure of the task itself.
	ErrShuttingDown = errors.New("coordinator shutting down")
	// ErrTaskTerminal is returned when assigning a task that already completed
	// or exhausted its retries.
	ErrTaskTerminal = errors.New("task already finished")
)

// ValidationError reports a malformed request rejected before any state is
// touched. Validation errors are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// TaskNotFoundError reports a lookup or result submission for a task the
// coordinator has no record of.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// DuplicateAssignmentError reports an attempt to assign a task that already
// has an active assignment.
type DuplicateAssignmentError struct {
	TaskID   string
	WorkerID string
	Status   TaskStatus
}

func (e *DuplicateAssignmentError) Error() string {
	if e.WorkerID == "" {
		return fmt.Sprintf("task %s already has an active assignment (%s)", e.TaskID, e.Status)
	}
	return fmt.Sprintf("task %s already has an active assignment to worker %s (%s)",
		e.TaskID, e.WorkerID, e.Status)
}

// CircularDependencyError reports a dependency cycle found at submission.
// Path lists the task IDs along the cycle, starting and ending at the same ID.
type CircularDependencyError struct {
	TaskID string
	Path   []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency for task %s: %s", e.TaskID, strings.Join(e.Path, " -> "))
}
