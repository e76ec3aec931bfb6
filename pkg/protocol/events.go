package protocol

import "time"

// Topic names a notification stream. Each topic carries one payload type.
type Topic string

// Notification topics published by the coordinator.
const (
	TopicTaskAssigned        Topic = "task-assigned"
	TopicTaskCompleted       Topic = "task-completed"
	TopicParentTaskCompleted Topic = "parent-task-completed"
	TopicWorkerFailed        Topic = "worker-failed"
	TopicTaskOverdue         Topic = "task-overdue"
	TopicQueueWarning        Topic = "queue-warning"
)

// Topics lists every topic in a stable order.
func Topics() []Topic {
	return []Topic{
		TopicTaskAssigned,
		TopicTaskCompleted,
		TopicParentTaskCompleted,
		TopicWorkerFailed,
		TopicTaskOverdue,
		TopicQueueWarning,
	}
}

// TaskAssignedEvent is published on TopicTaskAssigned.
type TaskAssignedEvent struct {
	TaskID     string    `json:"task_id"`
	WorkerID   string    `json:"worker_id"`
	Attempt    int       `json:"attempt"`
	AssignedAt time.Time `json:"assigned_at"`
}

// TaskCompletedEvent is published on TopicTaskCompleted. Terminal failures
// travel on the same topic with Failed set.
type TaskCompletedEvent struct {
	TaskID      string    `json:"task_id"`
	Result      any       `json:"result,omitempty"`
	Failed      bool      `json:"failed,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// ParentTaskCompletedEvent is published on TopicParentTaskCompleted.
type ParentTaskCompletedEvent struct {
	TaskID      string    `json:"task_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// WorkerFailedEvent is published on TopicWorkerFailed.
type WorkerFailedEvent struct {
	WorkerID  string    `json:"worker_id"`
	TaskCount int       `json:"task_count"`
	Reason    string    `json:"reason,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// TaskOverdueEvent is published on TopicTaskOverdue.
type TaskOverdueEvent struct {
	TaskID    string        `json:"task_id"`
	Deadline  time.Time     `json:"deadline"`
	OverdueBy time.Duration `json:"overdue_by"`
}

// QueueHealth classifies queue pressure for TopicQueueWarning.
type QueueHealth string

// Queue health constants.
const (
	QueueDegraded QueueHealth = "degraded"
	QueueCritical QueueHealth = "critical"
)

// QueueWarningEvent is published on TopicQueueWarning.
type QueueWarningEvent struct {
	Health    QueueHealth `json:"health"`
	Queued    int         `json:"queued"`
	Timestamp time.Time   `json:"timestamp"`
}
