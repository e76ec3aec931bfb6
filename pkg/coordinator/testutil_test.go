package coordinator //nolint:testpackage // white-box tests drive the scheduler and clock directly

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shim/pkg/lock"
	"shim/pkg/protocol"
	"shim/pkg/registry"
	"shim/pkg/statestore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// manualScheduler records retry callbacks; tests fire them explicitly.
type manualScheduler struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (s *manualScheduler) schedule(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{delay: d, fn: fn}
	s.pending = append(s.pending, t)
	return t
}

// delays returns the delays of timers that are still armed.
func (s *manualScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.pending {
		if !t.stopped {
			out = append(out, t.delay)
		}
	}
	return out
}

// fire runs every armed timer once.
func (s *manualScheduler) fire() int {
	s.mu.Lock()
	due := s.pending
	s.pending = nil
	s.mu.Unlock()
	n := 0
	for _, t := range due {
		if t.stopped {
			continue
		}
		t.stopped = true
		t.fn()
		n++
	}
	return n
}

type published struct {
	topic   protocol.Topic
	payload any
}

// capturePublisher records every publish.
type capturePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *capturePublisher) Publish(_ context.Context, topic protocol.Topic, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: topic, payload: payload})
	return nil
}

func (p *capturePublisher) byTopic(topic protocol.Topic) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.topic == topic {
			out = append(out, e.payload)
		}
	}
	return out
}

type harness struct {
	c      *Coordinator
	store  *statestore.Store
	locks  *lock.Locker
	reg    *registry.Registry
	clock  *fakeClock
	sched  *manualScheduler
	events *capturePublisher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := statestore.OpenDB(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		sched:  &manualScheduler{},
		events: &capturePublisher{},
	}
	h.store = statestore.New(db)
	h.store.SetNowFunc(h.clock.Now)
	h.locks = lock.New(db)
	h.locks.SetNowFunc(h.clock.Now)
	h.reg = registry.New(h.store, 30*time.Second)
	h.reg.SetNowFunc(h.clock.Now)

	if cfg.DrainPollInterval == 0 {
		cfg.DrainPollInterval = 5 * time.Millisecond
	}
	h.c = h.newCoordinator(t, cfg)
	return h
}

// newCoordinator builds another coordinator on the harness's store, as a
// second process would.
func (h *harness) newCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c, err := New(cfg, h.store, h.locks, h.reg, h.events,
		WithClock(h.clock.Now),
		WithScheduler(h.sched.schedule),
		WithLogger(log.New(io.Discard, "", 0)),
	)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func (h *harness) register(t *testing.T, id string, capacity int, caps ...string) {
	t.Helper()
	if _, err := h.c.RegisterWorker(context.Background(), id, registry.Metadata{
		Capabilities: caps,
		Capacity:     capacity,
	}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (h *harness) submit(t *testing.T, task protocol.Task) *protocol.Assignment {
	t.Helper()
	if task.Type == "" {
		task.Type = "build"
	}
	a, err := h.c.SubmitTask(context.Background(), task)
	if err != nil {
		t.Fatalf("submit %s: %v", task.ID, err)
	}
	return a
}

func (h *harness) assignment(t *testing.T, taskID string) *protocol.Assignment {
	t.Helper()
	a, err := h.c.GetAssignment(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get assignment %s: %v", taskID, err)
	}
	if a == nil {
		t.Fatalf("task %s has no assignment", taskID)
	}
	return a
}

func (h *harness) task(t *testing.T, id string) *protocol.Task {
	t.Helper()
	task, err := h.c.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	if task == nil {
		t.Fatalf("task %s not found", id)
	}
	return task
}

func (h *harness) worker(t *testing.T, id string) *protocol.Worker {
	t.Helper()
	w, err := h.reg.GetWorker(context.Background(), id)
	if err != nil || w == nil {
		t.Fatalf("get worker %s: %v, %v", id, w, err)
	}
	return w
}

func (h *harness) result(t *testing.T, taskID string, data string) {
	t.Helper()
	err := h.c.SubmitResult(context.Background(), protocol.TaskResult{TaskID: taskID, Data: json.RawMessage(data)})
	if err != nil {
		t.Fatalf("submit result %s: %v", taskID, err)
	}
}

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond) // short poll inside helper is OK
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}
