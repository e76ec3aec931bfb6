package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"shim/pkg/protocol"
)

// Recorder journals every published notification into the events table.
// It implements bus.Publisher.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a Recorder writing to db.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Publish inserts one events row for the notification.
func (r *Recorder) Publish(ctx context.Context, topic protocol.Topic, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	taskID, workerID := subject(payload)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO events (topic, task_id, worker_id, payload) VALUES (?, ?, ?, ?)`,
		string(topic), nullable(taskID), nullable(workerID), string(data))
	if err != nil {
		return fmt.Errorf("record %s event: %w", topic, err)
	}
	return nil
}

// subject extracts the task and worker a notification is about.
func subject(payload any) (taskID, workerID string) {
	switch p := payload.(type) {
	case protocol.TaskAssignedEvent:
		return p.TaskID, p.WorkerID
	case protocol.TaskCompletedEvent:
		return p.TaskID, ""
	case protocol.ParentTaskCompletedEvent:
		return p.TaskID, ""
	case protocol.WorkerFailedEvent:
		return "", p.WorkerID
	case protocol.TaskOverdueEvent:
		return p.TaskID, ""
	}
	return "", ""
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
