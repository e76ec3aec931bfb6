package statestore_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shim/pkg/protocol"
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*statestore.Store, *fakeClock) {
	t.Helper()
	db, err := statestore.OpenDB(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := statestore.New(db)
	s.SetNowFunc(clock.Now)
	return s, clock
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	v1, err := s.Set(ctx, "tasks", "t1", map[string]string{"type": "build"}, 0)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("first version = %d, want 1", v1)
	}

	v2, err := s.Set(ctx, "tasks", "t1", map[string]string{"type": "test"}, 0)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("second version = %d, want 2", v2)
	}

	var got map[string]string
	ok, err := s.GetJSON(ctx, "tasks", "t1", &got)
	if err != nil || !ok {
		t.Fatalf("GetJSON: ok=%v err=%v", ok, err)
	}
	if got["type"] != "test" {
		t.Errorf("type = %q, want test", got["type"])
	}
}

func TestGet_Missing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	raw, ok, err := s.Get(ctx, "tasks", "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok || raw != nil {
		t.Errorf("missing key: ok=%v raw=%s", ok, raw)
	}

	_, version, err := s.GetWithVersion(ctx, "tasks", "nope")
	if err != nil {
		t.Fatalf("get with version: %v", err)
	}
	if version != 0 {
		t.Errorf("version = %d, want 0", version)
	}
}

func TestSetIfVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	v, err := s.SetIfVersion(ctx, "ns", "k", 1, 0, 0)
	if err != nil {
		t.Fatalf("create with expected 0: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}

	if _, err := s.SetIfVersion(ctx, "ns", "k", 2, 0, 0); !errors.Is(err, statestore.ErrVersionConflict) {
		t.Fatalf("create over existing: err = %v, want ErrVersionConflict", err)
	}

	v, err = s.SetIfVersion(ctx, "ns", "k", 3, 1, 0)
	if err != nil {
		t.Fatalf("update with current version: %v", err)
	}
	if v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}

	// A stale write never succeeds and never advances the version.
	if _, err := s.SetIfVersion(ctx, "ns", "k", 4, 1, 0); !errors.Is(err, statestore.ErrVersionConflict) {
		t.Fatalf("stale write: err = %v, want ErrVersionConflict", err)
	}
	raw, version, err := s.GetWithVersion(ctx, "ns", "k")
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 || string(raw) != "3" {
		t.Errorf("after stale write: value=%s version=%d, want 3 at 2", raw, version)
	}
}

func TestSetIfVersion_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "ns", "k", "seed", 0); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.SetIfVersion(ctx, "ns", "k", i, 1, 0)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, statestore.ErrVersionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want exactly 1", wins.Load())
	}
	if conflicts.Load() != writers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts.Load(), writers-1)
	}
	_, version, err := s.GetWithVersion(ctx, "ns", "k")
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestTTL_Expiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	if _, err := s.Set(ctx, "progress", "t1", 0.5, time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Set(ctx, "progress", "t2", 0.1, 0); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Second)

	if _, ok, _ := s.Get(ctx, "progress", "t1"); ok {
		t.Error("expired key still visible")
	}
	keys, err := s.ListKeys(ctx, "progress")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "t2" {
		t.Errorf("ListKeys = %v, want [t2]", keys)
	}

	// Expired keys count as absent for CAS creation.
	if _, err := s.SetIfVersion(ctx, "progress", "t1", 0.9, 0, 0); err != nil {
		t.Fatalf("create over expired key: %v", err)
	}
	clock.Advance(time.Hour)
	if _, ok, _ := s.Get(ctx, "progress", "t1"); !ok {
		t.Error("re-created key should not inherit the expired TTL")
	}
}

func TestTTL_RenewedOnWrite(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	if _, err := s.Set(ctx, "subtasks", "p1", []string{"a"}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	clock.Advance(8 * time.Second)
	if _, err := s.Set(ctx, "subtasks", "p1", []string{"a", "b"}, 0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)

	if _, ok, _ := s.Get(ctx, "subtasks", "p1"); !ok {
		t.Fatal("write should have renewed the stored TTL")
	}

	clock.Advance(6 * time.Second)
	if _, ok, _ := s.Get(ctx, "subtasks", "p1"); ok {
		t.Fatal("key should expire one TTL after its last write")
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	for _, k := range []string{"a", "b"} {
		if _, err := s.Set(ctx, "ns", k, k, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Set(ctx, "ns", "keep", "keep", 0); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("swept %d rows, want 2", n)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM kv_entries`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("remaining rows = %d, want 1", count)
	}
}

func TestMalformedPayloadIsAbsent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.DB().Exec(
		`INSERT INTO kv_entries (namespace, key, value, version, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"workers", "w1", "{not json", 3, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, err := s.Get(ctx, "workers", "w1"); ok || err != nil {
		t.Fatalf("Get malformed: ok=%v err=%v", ok, err)
	}
	raw, version, err := s.GetWithVersion(ctx, "workers", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil || version != 3 {
		t.Fatalf("GetWithVersion = %s@%d, want nil@3", raw, version)
	}

	// CAS against the stored version repairs the entry.
	if _, err := s.SetIfVersion(ctx, "workers", "w1", map[string]string{"id": "w1"}, version, 0); err != nil {
		t.Fatalf("repair: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "workers", "w1"); !ok {
		t.Error("repaired entry should be readable")
	}
}

func TestGetJSON_DecodeMismatchIsAbsent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "ns", "k", "a string", 0); err != nil {
		t.Fatal(err)
	}
	var out struct{ ID string }
	ok, err := s.GetJSON(ctx, "ns", "k", &out)
	if err != nil || ok {
		t.Errorf("GetJSON into struct: ok=%v err=%v, want false, nil", ok, err)
	}
}

func TestUpdateFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.UpdateFields(ctx, "meta", "stats", map[string]any{"a": 1}); err != nil {
		t.Fatal(err)
	}
	v, err := s.UpdateFields(ctx, "meta", "stats", map[string]any{"b": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}

	var got map[string]any
	if _, err := s.GetJSON(ctx, "meta", "stats", &got); err != nil {
		t.Fatal(err)
	}
	if got["a"] != float64(1) || got["b"] != "x" {
		t.Errorf("merged = %v", got)
	}
}

func TestIncrementField(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i, want := range []float64{2, 4, 3.5} {
		delta := []float64{2, 2, -0.5}[i]
		got, err := s.IncrementField(ctx, "meta", "counters", "assigned", delta)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("step %d: got %v, want %v", i, got, want)
		}
	}

	if _, err := s.IncrementField(ctx, "meta", "counters", "", 1); err == nil {
		t.Error("empty field should be rejected")
	}
}

func TestMutate_ConcurrentIncrementsAllLand(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const goroutines, perGoroutine = 4, 10
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				_, err := s.Mutate(ctx, "meta", "seq", 0, func(cur json.RawMessage) (any, error) {
					var n int
					if cur != nil {
						if err := json.Unmarshal(cur, &n); err != nil {
							return nil, err
						}
					}
					return n + 1, nil
				})
				if err != nil {
					t.Errorf("mutate: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var n int
	if _, err := s.GetJSON(ctx, "meta", "seq", &n); err != nil {
		t.Fatal(err)
	}
	if n != goroutines*perGoroutine {
		t.Errorf("counter = %d, want %d", n, goroutines*perGoroutine)
	}
}

func TestMutate_NoChangeSkipsWrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "ns", "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	v, err := s.Mutate(ctx, "ns", "k", 0, func(json.RawMessage) (any, error) {
		return nil, statestore.ErrNoChange
	})
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("version = %d, want unchanged 1", v)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.Set(ctx, "ns", "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "ns", "k"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "ns", "k"); err != nil {
		t.Errorf("deleting a missing key: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "ns", "k"); ok {
		t.Error("deleted key still visible")
	}
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"set empty namespace", func() error { _, err := s.Set(ctx, "", "k", 1, 0); return err }},
		{"set empty key", func() error { _, err := s.Set(ctx, "ns", "", 1, 0); return err }},
		{"get empty key", func() error { _, _, err := s.Get(ctx, "ns", ""); return err }},
		{"cas negative version", func() error { _, err := s.SetIfVersion(ctx, "ns", "k", 1, -1, 0); return err }},
		{"list empty namespace", func() error { _, err := s.ListKeys(ctx, ""); return err }},
		{"delete empty key", func() error { return s.Delete(ctx, "ns", "") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ve *protocol.ValidationError
			if err := tt.fn(); !errors.As(err, &ve) {
				t.Errorf("err = %v, want *ValidationError", err)
			}
		})
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, k := range []string{"b", "a"} {
		if _, err := s.Set(ctx, "workers", k, map[string]string{"id": k}, 0); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.List(ctx, "workers")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Key != "a" || entries[1].Key != "b" {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Version != 1 {
		t.Errorf("version = %d, want 1", entries[0].Version)
	}
}

func TestRows_IncludesExpired(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	start := clock.Now()

	if _, err := s.Set(ctx, "ns", "short", 1, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Set(ctx, "ns", "forever", 2, 0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)

	live, err := s.List(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].Key != "forever" {
		t.Fatalf("live = %+v", live)
	}

	rows, err := s.Rows(ctx, "ns")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Key != "forever" || rows[1].Key != "short" {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].ExpiresAt != 0 || rows[0].Value != "2" {
		t.Errorf("forever row = %+v", rows[0])
	}
	short := rows[1]
	if short.TTLMillis != time.Minute.Milliseconds() || short.ExpiresAt != start.Add(time.Minute).UnixMilli() {
		t.Errorf("short row = %+v", short)
	}

	var ve *protocol.ValidationError
	if _, err := s.Rows(ctx, ""); !errors.As(err, &ve) {
		t.Errorf("empty namespace: %v", err)
	}
}
