package coordinator

import (
	"fmt"
	"sync"

	"shim/pkg/protocol"
)

// Strategy names a routing strategy.
type Strategy string

// Routing strategies.
const (
	RoundRobin      Strategy = "round-robin"
	LeastLoaded     Strategy = "least-loaded"
	CapabilityBased Strategy = "capability"
)

// Reasons recorded on queued assignments.
const (
	ReasonNoCapableWorker   = "no capable worker"
	ReasonNoAvailableWorker = "no available worker"
)

// Router picks a worker for a task. workers holds every live worker in
// registration order; full workers are included so a router can tell
// "nobody can" from "nobody is free". A nil worker comes with the reason
// the task stays queued.
type Router interface {
	Select(task protocol.Task, workers []protocol.Worker) (*protocol.Worker, string)
}

// NewRouter returns the Router for s.
func NewRouter(s Strategy) (Router, error) {
	switch s {
	case RoundRobin:
		return &roundRobinRouter{}, nil
	case LeastLoaded:
		return leastLoadedRouter{}, nil
	case CapabilityBased:
		return capabilityRouter{}, nil
	default:
		return nil, &protocol.ValidationError{Field: "routing", Reason: fmt.Sprintf("unknown strategy %q", s)}
	}
}

// roundRobinRouter cycles through workers in registration order regardless
// of load. The cursor is the Seq of the last pick, so it stays stable as
// workers join and leave.
type roundRobinRouter struct {
	mu      sync.Mutex
	lastSeq int64
}

func (r *roundRobinRouter) Select(_ protocol.Task, workers []protocol.Worker) (*protocol.Worker, string) {
	if len(workers) == 0 {
		return nil, ReasonNoAvailableWorker
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pick := &workers[0]
	for i := range workers {
		if workers[i].Seq > r.lastSeq {
			pick = &workers[i]
			break
		}
	}
	r.lastSeq = pick.Seq
	return pick, ""
}

type leastLoadedRouter struct{}

func (leastLoadedRouter) Select(_ protocol.Task, workers []protocol.Worker) (*protocol.Worker, string) {
	if w := leastLoaded(workers); w != nil {
		return w, ""
	}
	return nil, ReasonNoAvailableWorker
}

// leastLoaded returns the worker with spare capacity and the fewest active
// tasks. Ties go to the earliest registered.
func leastLoaded(workers []protocol.Worker) *protocol.Worker {
	var best *protocol.Worker
	for i := range workers {
		w := &workers[i]
		if !w.HasCapacity() {
			continue
		}
		if best == nil || w.Load() < best.Load() {
			best = w
		}
	}
	return best
}

type capabilityRouter struct{}

func (capabilityRouter) Select(task protocol.Task, workers []protocol.Worker) (*protocol.Worker, string) {
	var capable []protocol.Worker
	for _, w := range workers {
		if w.HasCapabilities(task.Requirements) {
			capable = append(capable, w)
		}
	}
	if len(capable) == 0 {
		return nil, ReasonNoCapableWorker
	}
	if w := leastLoaded(capable); w != nil {
		return w, ""
	}
	return nil, ReasonNoAvailableWorker
}
