package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shim/pkg/protocol"
)

// Rebalance retries queued assignments, retries failed attempts whose
// backoff is due but that have no local timer (for instance after a
// restart), and assigns submitted tasks whose dependencies have completed.
// Tasks are visited in priority order. It returns how many tasks were
// bound to a worker.
func (c *Coordinator) Rebalance(ctx context.Context) (int, error) {
	if c.shuttingDown.Load() {
		return 0, nil
	}
	tasks, err := c.listTasks(ctx)
	if err != nil {
		return 0, err
	}
	assignments, err := c.listAssignments(ctx)
	if err != nil {
		return 0, err
	}
	pending := c.pendingRetrySet()
	now := c.nowFunc()

	bound := 0
	var errs []error
	for _, t := range tasks {
		var mode assignMode
		a, hasAssignment := assignments[t.ID]
		switch {
		case hasAssignment && a.Status == protocol.TaskQueued:
			mode = assignQueued
		case hasAssignment && a.Status == protocol.TaskFailed && !c.terminal(&a):
			if pending[t.ID] || now.Before(a.RetryAt) {
				continue
			}
			mode = assignRetry
		case !hasAssignment && t.Status == protocol.TaskSubmitted:
			ready, err := c.CanProcessTask(ctx, t.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !ready {
				continue
			}
			mode = assignNew
		default:
			continue
		}

		got, err := c.assign(ctx, t.ID, mode)
		if err != nil {
			if errors.Is(err, protocol.ErrShuttingDown) {
				break
			}
			errs = append(errs, err)
			continue
		}
		if got.WorkerID != "" {
			bound++
		}
	}
	return bound, errors.Join(errs...)
}

func (c *Coordinator) pendingRetrySet() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]bool, len(c.timers))
	for id := range c.timers {
		set[id] = true
	}
	return set
}

// rebalanceQuietly runs Rebalance and logs instead of returning errors.
func (c *Coordinator) rebalanceQuietly(ctx context.Context) {
	if _, err := c.Rebalance(ctx); err != nil {
		c.logger.Printf("coordinator: rebalance: %v", err)
	}
}

// QueueDepth counts tasks currently queued for lack of a worker.
func (c *Coordinator) QueueDepth(ctx context.Context) (int, error) {
	assignments, err := c.listAssignments(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range assignments {
		if a.Status == protocol.TaskQueued {
			n++
		}
	}
	return n, nil
}

// CheckQueueHealth publishes queue-warning when the queued count reaches
// QueueWarningThreshold (degraded) or twice that (critical). It returns
// the event, or nil when the queue is healthy.
func (c *Coordinator) CheckQueueHealth(ctx context.Context) (*protocol.QueueWarningEvent, error) {
	queued, err := c.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	threshold := c.cfg.QueueWarningThreshold
	if queued < threshold {
		return nil, nil
	}
	ev := protocol.QueueWarningEvent{
		Health:    protocol.QueueDegraded,
		Queued:    queued,
		Timestamp: c.nowFunc(),
	}
	if queued >= 2*threshold {
		ev.Health = protocol.QueueCritical
	}
	c.publish(ctx, protocol.TopicQueueWarning, ev)
	return &ev, nil
}

// Run is the maintenance loop. Every SweepInterval it fails the tasks of
// crashed workers, escalates and reports deadlines, rebalances, checks
// queue health and sweeps expired rows. It blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			c.logger.Printf("coordinator: tick: %v", err)
		}
		select {
		case <-ctx.Done():
			s := c.Stats()
			c.logger.Printf("coordinator: stopped (submitted=%d assigned=%d completed=%d failed=%d retried=%d)",
				s.Submitted, s.Assigned, s.Completed, s.Failed, s.Retried)
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass of the maintenance loop. Each step runs even when an
// earlier one failed; the errors are joined.
func (c *Coordinator) Tick(ctx context.Context) error {
	var errs []error

	crashed, err := c.registry.GetCrashedWorkers(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("health sweep: %w", err))
	}
	for _, w := range crashed {
		bound, err := c.tasksBoundTo(ctx, w.ID, &w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(bound) == 0 {
			continue
		}
		if _, err := c.HandleWorkerFailure(ctx, w.ID, "heartbeat timeout"); err != nil {
			errs = append(errs, fmt.Errorf("fail worker %s: %w", w.ID, err))
		}
	}

	if _, err := c.EscalateApproachingDeadlines(ctx, c.cfg.DeadlineEscalationThreshold); err != nil {
		errs = append(errs, fmt.Errorf("escalate: %w", err))
	}
	if _, err := c.CheckDeadlines(ctx); err != nil {
		errs = append(errs, fmt.Errorf("check deadlines: %w", err))
	}
	if _, err := c.Rebalance(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rebalance: %w", err))
	}
	if _, err := c.CheckQueueHealth(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue health: %w", err))
	}
	if _, err := c.store.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.locks.Sweep(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
