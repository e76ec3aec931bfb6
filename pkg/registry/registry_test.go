package registry_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shim/pkg/protocol"
	"shim/pkg/registry"
	"shim/pkg/statestore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, timeout time.Duration) (*registry.Registry, *testClock) {
	t.Helper()
	db, err := statestore.OpenDB(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := statestore.New(db)
	store.SetNowFunc(clock.Now)
	reg := registry.New(store, timeout)
	reg.SetNowFunc(clock.Now)
	return reg, clock
}

func TestRegisterWorker(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, time.Minute)

	w, err := reg.RegisterWorker(ctx, "w1", registry.Metadata{ChatID: "chat-1", Capabilities: []string{"go"}})
	if err != nil {
		t.Fatal(err)
	}
	if w.Capacity != 1 {
		t.Errorf("capacity = %d, want default 1", w.Capacity)
	}
	if w.Status != protocol.WorkerIdle || w.Health != protocol.HealthHealthy {
		t.Errorf("status=%s health=%s", w.Status, w.Health)
	}
	if w.Seq != 1 {
		t.Errorf("seq = %d, want 1", w.Seq)
	}

	got, err := reg.GetWorker(ctx, "w1")
	if err != nil || got == nil {
		t.Fatalf("GetWorker: %v, %v", got, err)
	}
	if got.ChatID != "chat-1" || !got.HasCapabilities([]string{"go"}) {
		t.Errorf("stored worker = %+v", got)
	}
}

func TestRegisterWorker_IdempotentKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry(t, time.Minute)

	first, err := reg.RegisterWorker(ctx, "w1", registry.Metadata{Capacity: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.AddTask(ctx, "w1", "t1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdateHealth(ctx, "w1", protocol.HealthDegraded); err != nil {
		t.Fatal(err)
	}

	clock.Advance(10 * time.Second)
	again, err := reg.RegisterWorker(ctx, "w1", registry.Metadata{ChatID: "chat-2", Capabilities: []string{"py"}, Capacity: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !again.RegisteredAt.Equal(first.RegisteredAt) || again.Seq != first.Seq {
		t.Errorf("identity changed: %v/%d -> %v/%d", first.RegisteredAt, first.Seq, again.RegisteredAt, again.Seq)
	}
	if !again.LastHeartbeat.Equal(clock.Now()) {
		t.Errorf("heartbeat not refreshed: %v", again.LastHeartbeat)
	}
	if again.ChatID != "chat-2" || again.Capacity != 3 || again.Health != protocol.HealthHealthy {
		t.Errorf("refresh not applied: %+v", again)
	}
	if again.Load() != 1 {
		t.Errorf("active tasks lost on re-register: %v", again.ActiveTasks)
	}
}

func TestListWorkers_RegistrationOrder(t *testing.T) {
	ctx := context.Background()
	reg, clock := newTestRegistry(t, time.Minute)

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := reg.RegisterWorker(ctx, id, registry.Metadata{}); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Millisecond)
	}
	workers, err := reg.ListWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	want := []string{"zeta", "alpha", "mid"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestUnknownWorkerIsNoOp(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, time.Minute)

	if err := reg.Heartbeat(ctx, "ghost"); err != nil {
		t.Errorf("heartbeat unknown: %v", err)
	}
	if err := reg.UnregisterWorker(ctx, "ghost"); err != nil {
		t.Errorf("unregister unknown: %v", err)
	}
	if err := reg.AddTask(ctx, "ghost", "t1"); err != nil {
		t.Errorf("add task unknown: %v", err)
	}
	w, err := reg.GetWorker(ctx, "ghost")
	if err != nil || w != nil {
		t.Errorf("GetWorker unknown = %v, %v", w, err)
	}
}

func TestGetCrashedWorkers_Boundary(t *testing.T) {
	ctx := context.Background()
	const timeout = 30 * time.Second
	reg, clock := newTestRegistry(t, timeout)

	if _, err := reg.RegisterWorker(ctx, "w1", registry.Metadata{}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(timeout - time.Millisecond)
	crashed, err := reg.GetCrashedWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(crashed) != 0 {
		t.Fatalf("crashed before timeout: %v", crashed)
	}

	clock.Advance(time.Millisecond)
	crashed, _ = reg.GetCrashedWorkers(ctx)
	if len(crashed) != 0 {
		t.Fatalf("crashed exactly at timeout: %v", crashed)
	}

	clock.Advance(time.Millisecond)
	crashed, err = reg.GetCrashedWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(crashed) != 1 || crashed[0].Health != protocol.HealthCrashed {
		t.Fatalf("crashed after timeout = %+v", crashed)
	}
	stored, _ := reg.GetWorker(ctx, "w1")
	if stored.Health != protocol.HealthCrashed {
		t.Errorf("stored health = %s, want crashed", stored.Health)
	}

	// A second sweep still reports the worker.
	crashed, _ = reg.GetCrashedWorkers(ctx)
	if len(crashed) != 1 {
		t.Errorf("repeated sweep returned %d workers", len(crashed))
	}

	// A heartbeat revives it.
	if err := reg.Heartbeat(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	crashed, _ = reg.GetCrashedWorkers(ctx)
	if len(crashed) != 0 {
		t.Errorf("worker still crashed after heartbeat")
	}
	stored, _ = reg.GetWorker(ctx, "w1")
	if stored.Health != protocol.HealthHealthy {
		t.Errorf("health after heartbeat = %s", stored.Health)
	}
}

func TestLoadBookkeeping(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, time.Minute)

	if _, err := reg.RegisterWorker(ctx, "w1", registry.Metadata{Capacity: 3}); err != nil {
		t.Fatal(err)
	}
	for _, task := range []string{"t1", "t2", "t2"} {
		if err := reg.AddTask(ctx, "w1", task); err != nil {
			t.Fatal(err)
		}
	}
	w, _ := reg.GetWorker(ctx, "w1")
	if w.Load() != 2 || w.Status != protocol.WorkerBusy || w.CurrentTask != "t2" {
		t.Fatalf("after add: %+v", w)
	}

	if err := reg.RemoveTask(ctx, "w1", "t2"); err != nil {
		t.Fatal(err)
	}
	w, _ = reg.GetWorker(ctx, "w1")
	if w.Load() != 1 || w.CurrentTask != "t1" || w.Status != protocol.WorkerBusy {
		t.Fatalf("after remove: %+v", w)
	}

	if err := reg.AddTask(ctx, "w1", "t3"); err != nil {
		t.Fatal(err)
	}
	cleared, err := reg.ClearTasks(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cleared) != 2 {
		t.Errorf("cleared = %v", cleared)
	}
	w, _ = reg.GetWorker(ctx, "w1")
	if w.Load() != 0 || w.Status != protocol.WorkerIdle || w.CurrentTask != "" {
		t.Errorf("after clear: %+v", w)
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, time.Minute)

	if _, err := reg.RegisterWorker(ctx, "w1", registry.Metadata{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdateStatus(ctx, "w1", protocol.WorkerBusy, "t9"); err != nil {
		t.Fatal(err)
	}
	w, _ := reg.GetWorker(ctx, "w1")
	if w.Status != protocol.WorkerBusy || w.CurrentTask != "t9" {
		t.Fatalf("busy: %+v", w)
	}
	if err := reg.UpdateStatus(ctx, "w1", protocol.WorkerIdle, "ignored"); err != nil {
		t.Fatal(err)
	}
	w, _ = reg.GetWorker(ctx, "w1")
	if w.Status != protocol.WorkerIdle || w.CurrentTask != "" {
		t.Errorf("idle: %+v", w)
	}
}

func TestUpdateHealth_RejectsUnknown(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	var ve *protocol.ValidationError
	if err := reg.UpdateHealth(context.Background(), "w1", "zombie"); !errors.As(err, &ve) {
		t.Errorf("err = %v, want *ValidationError", err)
	}
}

func TestAddTask_ConcurrentUpdatesAllLand(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, time.Minute)

	if _, err := reg.RegisterWorker(ctx, "w1", registry.Metadata{Capacity: 10}); err != nil {
		t.Fatal(err)
	}
	tasks := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task string) {
			defer wg.Done()
			if err := reg.AddTask(ctx, "w1", task); err != nil {
				t.Errorf("add %s: %v", task, err)
			}
		}(task)
	}
	wg.Wait()

	w, _ := reg.GetWorker(ctx, "w1")
	if w.Load() != len(tasks) {
		t.Errorf("load = %d, want %d (lost update)", w.Load(), len(tasks))
	}
}

func TestUpdateStatus_RejectsUnknown(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, time.Minute)
	if _, err := reg.RegisterWorker(ctx, "w1", registry.Metadata{}); err != nil {
		t.Fatal(err)
	}

	var ve *protocol.ValidationError
	if err := reg.UpdateStatus(ctx, "w1", "sleeping", ""); !errors.As(err, &ve) || ve.Field != "status" {
		t.Errorf("err = %v, want *ValidationError on status", err)
	}
	if w, _ := reg.GetWorker(ctx, "w1"); w.Status != protocol.WorkerIdle {
		t.Errorf("status = %s after rejected update", w.Status)
	}
}
