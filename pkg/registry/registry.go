// Package registry tracks worker sessions in the shared state store:
// identity, capabilities, capacity, load and liveness. Every mutation is a
// compare-and-set retry loop on the worker's row, so concurrent registry
// users in different processes never lose each other's writes.
package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"shim/pkg/protocol"
	"shim/pkg/statestore"
)

// DefaultHeartbeatTimeout is used when New is given a non-positive timeout.
const DefaultHeartbeatTimeout = 30 * time.Second

// seqKey is the registration-order counter in the meta namespace.
const seqKey = "worker-seq"

// errMissing aborts a mutation whose worker row does not exist.
var errMissing = errors.New("worker not registered")

// Metadata describes a worker at registration.
type Metadata struct {
	ChatID       string
	Capabilities []string
	Capacity     int // <= 0 means 1
}

// Registry is the worker registry. It holds no worker state of its own.
type Registry struct {
	store            *statestore.Store
	heartbeatTimeout time.Duration

	// nowFunc allows tests to control heartbeat ages.
	nowFunc func() time.Time
}

// New creates a Registry on store.
func New(store *statestore.Store, heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Registry{
		store:            store,
		heartbeatTimeout: heartbeatTimeout,
		nowFunc:          time.Now,
	}
}

// SetNowFunc overrides the registry clock.
func (r *Registry) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// HeartbeatTimeout returns the configured crash threshold.
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.heartbeatTimeout
}

// RegisterWorker adds the worker or refreshes an existing registration.
// Re-registering keeps RegisteredAt, Seq and the active task list, and
// resets health to healthy.
func (r *Registry) RegisterWorker(ctx context.Context, id string, meta Metadata) (*protocol.Worker, error) {
	if id == "" {
		return nil, &protocol.ValidationError{Field: "workerId", Reason: "is required"}
	}
	capacity := meta.Capacity
	if capacity <= 0 {
		capacity = 1
	}

	var (
		seq    int64
		result protocol.Worker
	)
	_, err := r.store.Mutate(ctx, protocol.NamespaceWorkers, id, 0, func(cur json.RawMessage) (any, error) {
		now := r.nowFunc()
		var w protocol.Worker
		if cur != nil && json.Unmarshal(cur, &w) == nil && w.ID != "" {
			w.LastHeartbeat = now
		} else {
			if seq == 0 {
				n, err := r.nextSeq(ctx)
				if err != nil {
					return nil, err
				}
				seq = n
			}
			w = protocol.Worker{
				ID:            id,
				Status:        protocol.WorkerIdle,
				RegisteredAt:  now,
				LastHeartbeat: now,
				Seq:           seq,
			}
		}
		w.ChatID = meta.ChatID
		w.Capabilities = slices.Clone(meta.Capabilities)
		w.Capacity = capacity
		w.Health = protocol.HealthHealthy
		result = w
		return w, nil
	})
	if err != nil {
		return nil, fmt.Errorf("register worker %s: %w", id, err)
	}
	return &result, nil
}

// nextSeq allocates the next registration sequence number.
func (r *Registry) nextSeq(ctx context.Context) (int64, error) {
	var next int64
	_, err := r.store.Mutate(ctx, protocol.NamespaceMeta, seqKey, 0, func(cur json.RawMessage) (any, error) {
		var n int64
		if cur != nil {
			_ = json.Unmarshal(cur, &n)
		}
		next = n + 1
		return next, nil
	})
	if err != nil {
		return 0, fmt.Errorf("allocate worker seq: %w", err)
	}
	return next, nil
}

// UnregisterWorker removes the worker. Unknown workers are ignored.
func (r *Registry) UnregisterWorker(ctx context.Context, id string) error {
	if id == "" {
		return &protocol.ValidationError{Field: "workerId", Reason: "is required"}
	}
	return r.store.Delete(ctx, protocol.NamespaceWorkers, id)
}

// Heartbeat records a liveness signal and marks the worker healthy.
// Unknown workers are ignored.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, id, func(w *protocol.Worker) error {
		w.LastHeartbeat = r.nowFunc()
		w.Health = protocol.HealthHealthy
		return nil
	})
	return err
}

// GetWorker returns the worker, or nil when it is not registered.
func (r *Registry) GetWorker(ctx context.Context, id string) (*protocol.Worker, error) {
	var w protocol.Worker
	ok, err := r.store.GetJSON(ctx, protocol.NamespaceWorkers, id, &w)
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	if !ok || w.ID == "" {
		return nil, nil
	}
	return &w, nil
}

// ListWorkers returns every registered worker in registration order.
func (r *Registry) ListWorkers(ctx context.Context) ([]protocol.Worker, error) {
	entries, err := r.store.List(ctx, protocol.NamespaceWorkers)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	workers := make([]protocol.Worker, 0, len(entries))
	for _, e := range entries {
		var w protocol.Worker
		if json.Unmarshal(e.Value, &w) != nil || w.ID == "" {
			continue
		}
		workers = append(workers, w)
	}
	slices.SortFunc(workers, func(a, b protocol.Worker) int {
		return cmp.Or(
			cmp.Compare(a.Seq, b.Seq),
			a.RegisteredAt.Compare(b.RegisteredAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return workers, nil
}

// IsCrashed reports whether w's last heartbeat is older than the timeout.
func (r *Registry) IsCrashed(w protocol.Worker) bool {
	return r.nowFunc().Sub(w.LastHeartbeat) > r.heartbeatTimeout
}

// GetCrashedWorkers sweeps the registry for workers whose heartbeat is
// older than the timeout, persists Health=crashed for them and returns
// them. Workers already marked crashed are returned without a write.
func (r *Registry) GetCrashedWorkers(ctx context.Context) ([]protocol.Worker, error) {
	workers, err := r.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	var crashed []protocol.Worker
	for _, w := range workers {
		if !r.IsCrashed(w) {
			continue
		}
		if w.Health != protocol.HealthCrashed {
			updated, err := r.mutate(ctx, w.ID, func(cur *protocol.Worker) error {
				if !r.IsCrashed(*cur) || cur.Health == protocol.HealthCrashed {
					return statestore.ErrNoChange
				}
				cur.Health = protocol.HealthCrashed
				return nil
			})
			if err != nil {
				return nil, err
			}
			if updated == nil || !r.IsCrashed(*updated) {
				continue // heartbeat arrived or worker left mid-sweep
			}
			w = *updated
			w.Health = protocol.HealthCrashed
		}
		crashed = append(crashed, w)
	}
	return crashed, nil
}

// UpdateHealth sets the worker's health classification.
func (r *Registry) UpdateHealth(ctx context.Context, id string, health protocol.Health) error {
	if !health.Valid() {
		return &protocol.ValidationError{Field: "health", Reason: fmt.Sprintf("unknown value %q", health)}
	}
	_, err := r.mutate(ctx, id, func(w *protocol.Worker) error {
		if w.Health == health {
			return statestore.ErrNoChange
		}
		w.Health = health
		return nil
	})
	return err
}

// UpdateStatus sets the worker's scheduling status. Idle clears the
// current task.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status protocol.WorkerStatus, currentTask string) error {
	if !status.Valid() {
		return &protocol.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", status)}
	}
	_, err := r.mutate(ctx, id, func(w *protocol.Worker) error {
		w.Status = status
		if status == protocol.WorkerIdle {
			w.CurrentTask = ""
		} else {
			w.CurrentTask = currentTask
		}
		return nil
	})
	return err
}

// AddTask binds taskID to the worker and marks it busy.
func (r *Registry) AddTask(ctx context.Context, id, taskID string) error {
	_, err := r.mutate(ctx, id, func(w *protocol.Worker) error {
		if slices.Contains(w.ActiveTasks, taskID) {
			return statestore.ErrNoChange
		}
		w.ActiveTasks = append(w.ActiveTasks, taskID)
		w.Status = protocol.WorkerBusy
		w.CurrentTask = taskID
		return nil
	})
	return err
}

// RemoveTask unbinds taskID from the worker. A worker left with no tasks
// becomes idle.
func (r *Registry) RemoveTask(ctx context.Context, id, taskID string) error {
	_, err := r.mutate(ctx, id, func(w *protocol.Worker) error {
		i := slices.Index(w.ActiveTasks, taskID)
		if i < 0 {
			return statestore.ErrNoChange
		}
		w.ActiveTasks = slices.Delete(w.ActiveTasks, i, i+1)
		setLoadStatus(w)
		return nil
	})
	return err
}

// ClearTasks unbinds every task from the worker and returns them.
func (r *Registry) ClearTasks(ctx context.Context, id string) ([]string, error) {
	var cleared []string
	_, err := r.mutate(ctx, id, func(w *protocol.Worker) error {
		cleared = slices.Clone(w.ActiveTasks)
		if len(w.ActiveTasks) == 0 && w.Status == protocol.WorkerIdle {
			return statestore.ErrNoChange
		}
		w.ActiveTasks = nil
		setLoadStatus(w)
		return nil
	})
	return cleared, err
}

func setLoadStatus(w *protocol.Worker) {
	if len(w.ActiveTasks) == 0 {
		w.Status = protocol.WorkerIdle
		w.CurrentTask = ""
		return
	}
	w.Status = protocol.WorkerBusy
	if !slices.Contains(w.ActiveTasks, w.CurrentTask) {
		w.CurrentTask = w.ActiveTasks[len(w.ActiveTasks)-1]
	}
}

// mutate applies fn to the stored worker under CAS and returns the worker
// as written (or as read, when fn returned ErrNoChange). A missing worker
// is a no-op returning nil.
func (r *Registry) mutate(ctx context.Context, id string, fn func(*protocol.Worker) error) (*protocol.Worker, error) {
	if id == "" {
		return nil, &protocol.ValidationError{Field: "workerId", Reason: "is required"}
	}
	var out *protocol.Worker
	_, err := r.store.Mutate(ctx, protocol.NamespaceWorkers, id, 0, func(cur json.RawMessage) (any, error) {
		out = nil
		if cur == nil {
			return nil, errMissing
		}
		var w protocol.Worker
		if err := json.Unmarshal(cur, &w); err != nil || w.ID == "" {
			return nil, errMissing
		}
		if err := fn(&w); err != nil {
			if errors.Is(err, statestore.ErrNoChange) {
				out = &w
			}
			return nil, err
		}
		out = &w
		return w, nil
	})
	if errors.Is(err, errMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update worker %s: %w", id, err)
	}
	return out, nil
}
