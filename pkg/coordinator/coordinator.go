// Package coordinator implements the task coordinator: it validates and
// decomposes tasks, routes them to registered workers, retries failures
// with exponential backoff, escalates approaching deadlines and aggregates
// subtask results.
//
// All task state lives in the shared state store, so any number of
// coordinator processes may run against one database. What a Coordinator
// keeps in memory (routing cursor, retry timers, counters, shutdown flag)
// is process-local and only ever an optimization.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"shim/pkg/bus"
	"shim/pkg/lock"
	"shim/pkg/protocol"
	"shim/pkg/registry"
	"shim/pkg/statestore"
)

// Logger is the logging surface the coordinator writes diagnostics to.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d. The default is time.AfterFunc.
type Scheduler func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the diagnostics logger (default log.Default()).
func WithLogger(l Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the coordinator clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.nowFunc = now
		}
	}
}

// WithScheduler overrides how retry backoff is scheduled.
func WithScheduler(s Scheduler) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.schedule = s
		}
	}
}

// Stats are process-local counters for one Coordinator.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Assigned  int64 `json:"assigned"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

type counters struct {
	submitted, assigned, completed, failed, retried atomic.Int64
}

// Coordinator is the task coordinator.
type Coordinator struct {
	cfg      Config
	store    *statestore.Store
	locks    *lock.Locker
	registry *registry.Registry
	bus      bus.Publisher
	logger   Logger

	mu       sync.Mutex
	router   Router
	strategy Strategy
	timers   map[string]Timer // taskID -> pending retry

	// assignMu serializes routing with the load update that follows, so
	// two local assignments never both see the same free slot.
	assignMu sync.Mutex

	shuttingDown atomic.Bool
	stats        counters

	schedule Scheduler

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Coordinator. It does not start the maintenance loop; call
// Run for that.
func New(cfg Config, store *statestore.Store, locks *lock.Locker, reg *registry.Registry, pub bus.Publisher, opts ...Option) (*Coordinator, error) {
	resolved := cfg.withDefaults()
	router, err := NewRouter(resolved.Routing)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		pub = bus.Discard
	}
	c := &Coordinator{
		cfg:      resolved,
		store:    store,
		locks:    locks,
		registry: reg,
		bus:      pub,
		logger:   log.Default(),
		router:   router,
		strategy: resolved.Routing,
		timers:   make(map[string]Timer),
		schedule: afterFunc,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Config returns the resolved configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// SetStrategy switches the routing strategy. The round-robin cursor starts
// over when round-robin is selected again.
func (c *Coordinator) SetStrategy(s Strategy) error {
	router, err := NewRouter(s)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.router = router
	c.strategy = s
	c.mu.Unlock()
	return nil
}

// Strategy returns the active routing strategy.
func (c *Coordinator) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// Stats returns a copy of the process-local counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Submitted: c.stats.submitted.Load(),
		Assigned:  c.stats.assigned.Load(),
		Completed: c.stats.completed.Load(),
		Failed:    c.stats.failed.Load(),
		Retried:   c.stats.retried.Load(),
	}
}

// ShuttingDown reports whether Shutdown has been called.
func (c *Coordinator) ShuttingDown() bool {
	return c.shuttingDown.Load()
}

// RegisterWorker registers the worker and immediately offers it queued work.
func (c *Coordinator) RegisterWorker(ctx context.Context, id string, meta registry.Metadata) (*protocol.Worker, error) {
	w, err := c.registry.RegisterWorker(ctx, id, meta)
	if err != nil {
		return nil, err
	}
	if _, err := c.Rebalance(ctx); err != nil {
		c.logger.Printf("coordinator: rebalance after registering %s: %v", id, err)
	}
	return w, nil
}

// --- Store helpers ---

// GetTask returns the stored task, or nil when it does not exist.
func (c *Coordinator) GetTask(ctx context.Context, id string) (*protocol.Task, error) {
	var t protocol.Task
	ok, err := c.store.GetJSON(ctx, protocol.NamespaceTasks, id, &t)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if !ok || t.ID == "" {
		return nil, nil
	}
	return &t, nil
}

// GetAssignment returns the task's assignment, or nil when it has none.
func (c *Coordinator) GetAssignment(ctx context.Context, taskID string) (*protocol.Assignment, error) {
	a, _, err := c.assignmentWithVersion(ctx, taskID)
	return a, err
}

func (c *Coordinator) assignmentWithVersion(ctx context.Context, taskID string) (*protocol.Assignment, int64, error) {
	raw, version, err := c.store.GetWithVersion(ctx, protocol.NamespaceAssignments, taskID)
	if err != nil {
		return nil, 0, fmt.Errorf("get assignment %s: %w", taskID, err)
	}
	if raw == nil {
		return nil, version, nil
	}
	var a protocol.Assignment
	if err := json.Unmarshal(raw, &a); err != nil || a.TaskID == "" {
		return nil, version, nil
	}
	return &a, version, nil
}

// updateTask applies fn to the stored task under CAS. fn may return
// statestore.ErrNoChange. A missing task yields *TaskNotFoundError.
func (c *Coordinator) updateTask(ctx context.Context, id string, fn func(*protocol.Task) error) (*protocol.Task, error) {
	var out protocol.Task
	_, err := c.store.Mutate(ctx, protocol.NamespaceTasks, id, 0, func(cur json.RawMessage) (any, error) {
		var t protocol.Task
		if cur == nil || json.Unmarshal(cur, &t) != nil || t.ID == "" {
			return nil, &protocol.TaskNotFoundError{TaskID: id}
		}
		if err := fn(&t); err != nil {
			out = t
			return nil, err
		}
		t.UpdatedAt = c.nowFunc()
		out = t
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Coordinator) setTaskStatus(ctx context.Context, id string, status protocol.TaskStatus) error {
	_, err := c.updateTask(ctx, id, func(t *protocol.Task) error {
		if t.Status == status {
			return statestore.ErrNoChange
		}
		t.Status = status
		return nil
	})
	return err
}

// updateAssignment applies fn to the stored assignment under CAS. fn
// receives nil when the task has no assignment and may return
// statestore.ErrNoChange.
func (c *Coordinator) updateAssignment(ctx context.Context, taskID string, fn func(*protocol.Assignment) (*protocol.Assignment, error)) (*protocol.Assignment, error) {
	var out *protocol.Assignment
	_, err := c.store.Mutate(ctx, protocol.NamespaceAssignments, taskID, c.cfg.TaskTTL, func(cur json.RawMessage) (any, error) {
		var existing *protocol.Assignment
		if cur != nil {
			var a protocol.Assignment
			if json.Unmarshal(cur, &a) == nil && a.TaskID != "" {
				existing = &a
			}
		}
		next, err := fn(existing)
		if err != nil {
			out = existing
			return nil, err
		}
		out = next
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) publish(ctx context.Context, topic protocol.Topic, payload any) {
	if err := c.bus.Publish(ctx, topic, payload); err != nil {
		c.logger.Printf("coordinator: publish %s: %v", topic, err)
	}
}

// listTasks returns every live task, ordered by priority then creation.
func (c *Coordinator) listTasks(ctx context.Context) ([]protocol.Task, error) {
	entries, err := c.store.List(ctx, protocol.NamespaceTasks)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]protocol.Task, 0, len(entries))
	for _, e := range entries {
		var t protocol.Task
		if json.Unmarshal(e.Value, &t) != nil || t.ID == "" {
			continue
		}
		tasks = append(tasks, t)
	}
	slices.SortStableFunc(tasks, func(a, b protocol.Task) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return tasks, nil
}

// listAssignments returns every live assignment keyed by task ID.
func (c *Coordinator) listAssignments(ctx context.Context) (map[string]protocol.Assignment, error) {
	entries, err := c.store.List(ctx, protocol.NamespaceAssignments)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	out := make(map[string]protocol.Assignment, len(entries))
	for _, e := range entries {
		var a protocol.Assignment
		if json.Unmarshal(e.Value, &a) != nil || a.TaskID == "" {
			continue
		}
		out[a.TaskID] = a
	}
	return out, nil
}

// terminal reports whether a is a finished assignment that will never be
// retried.
func (c *Coordinator) terminal(a *protocol.Assignment) bool {
	if a == nil {
		return false
	}
	switch a.Status {
	case protocol.TaskCompleted:
		return true
	case protocol.TaskFailed:
		return a.Attempt >= c.cfg.MaxRetries
	default:
		return false
	}
}

// isNotFound reports whether err is a *TaskNotFoundError.
func isNotFound(err error) bool {
	var nf *protocol.TaskNotFoundError
	return errors.As(err, &nf)
}
