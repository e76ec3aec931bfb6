package protocol

// Directory and path constants used throughout shim.
const (
	// ShimDir is the user-level state directory (e.g., ~/.shim).
	ShimDir = ".shim"
	// InboxDir is the drop directory watched for task, result and crash files.
	InboxDir = "inbox"
	// ProcessedDir receives inbox files that were applied successfully.
	ProcessedDir = "processed"
	// FailedDir receives inbox files that could not be parsed or applied.
	FailedDir = "failed"
)

// Namespaces partition the shared state store by owning component.
const (
	NamespaceTasks       = "tasks"
	NamespaceAssignments = "assignments"
	NamespaceResults     = "results"
	NamespaceProgress    = "progress"
	NamespaceSubtasks    = "subtasks"
	NamespaceWorkers     = "workers"
	NamespaceMeta        = "meta"
)

// TaskLockPrefix prefixes the lock resource guarding a single task.
const TaskLockPrefix = "task:"
