// Package eventlog journals coordination notifications to the events table
// of the shared state database and reads them back for `shim logs` and the
// dashboard.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"shim/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout matches the strftime format of events.created_at.
const timeLayout = "2006-01-02T15:04:05.000Z"

const selectEvents = "SELECT id, topic, task_id, worker_id, payload, created_at FROM events"

// Event is a single journaled notification.
type Event struct {
	ID        int64           `json:"id"`
	Topic     protocol.Topic  `json:"topic"`
	TaskID    string          `json:"task_id,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Subject is the task the event is about, or its worker for worker-level
// events.
func (e *Event) Subject() string {
	if e.TaskID != "" {
		return e.TaskID
	}
	return e.WorkerID
}

// QueryOpts narrows a journal query. Zero fields do not filter.
type QueryOpts struct {
	WorkerID string
	TaskID   string
	Topic    protocol.Topic

	// Since and Until bound created_at, both inclusive.
	Since time.Time
	Until time.Time

	// AfterID returns only events journaled after that event, which is how
	// followers page forward.
	AfterID int64

	// Limit keeps the newest Limit events.
	Limit int
}

// where renders the filter as a WHERE clause with its arguments.
func (q QueryOpts) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if q.WorkerID != "" {
		add("worker_id = ?", q.WorkerID)
	}
	if q.TaskID != "" {
		add("task_id = ?", q.TaskID)
	}
	if q.Topic != "" {
		add("topic = ?", string(q.Topic))
	}
	if q.AfterID > 0 {
		add("id > ?", q.AfterID)
	}
	if !q.Since.IsZero() {
		add("created_at >= ?", q.Since.UTC().Format(timeLayout))
	}
	if !q.Until.IsZero() {
		add("created_at <= ?", q.Until.UTC().Format(timeLayout))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Reader reads the journal.
type Reader struct {
	db    *sql.DB
	owned bool
}

// NewReader opens the state database at dbPath read-only, so `shim logs`
// never takes the write lock a running coordinator needs.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("state database: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state database: %w", err)
	}
	return &Reader{db: db, owned: true}, nil
}

// NewReaderDB reads through an already open database, which Close leaves
// open.
func NewReaderDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close closes the database if NewReader opened it. Repeated calls are
// no-ops.
func (r *Reader) Close() error {
	if !r.owned || r.db == nil {
		return nil
	}
	db := r.db
	r.db = nil
	return db.Close()
}

// Query returns the events matching q, newest first.
func (r *Reader) Query(ctx context.Context, q QueryOpts) ([]Event, error) {
	where, args := q.where()
	query := selectEvents + where + " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		e                Event
		topic, createdAt string
		taskID, workerID sql.NullString
		payload          sql.NullString
	)
	if err := rows.Scan(&e.ID, &topic, &taskID, &workerID, &payload, &createdAt); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Topic = protocol.Topic(topic)
	e.TaskID = taskID.String
	e.WorkerID = workerID.String
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	if createdAt != "" {
		at, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return Event{}, fmt.Errorf("event %d created_at %q: %w", e.ID, createdAt, err)
		}
		e.CreatedAt = at
	}
	return e, nil
}
