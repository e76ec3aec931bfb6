package coordinator

import (
	"context"
	"time"
)

// ShutdownOptions bounds how long Shutdown waits for in-flight work.
type ShutdownOptions struct {
	// GracePeriod is how long to wait for workers to drain.
	GracePeriod time.Duration
	// ForceAfter caps the wait regardless of GracePeriod. Zero means no cap.
	ForceAfter time.Duration
}

// ShutdownResult reports how Shutdown ended.
type ShutdownResult struct {
	Drained  bool `json:"drained"`
	InFlight int  `json:"in_flight"` // tasks still assigned when Shutdown returned
}

// Shutdown stops accepting work, cancels pending retries and waits until no
// worker holds an assigned task, polling every DrainPollInterval. When the
// grace period (or ForceAfter, if sooner) passes first, it logs that
// in-flight work may be incomplete and returns anyway. Locks held by this
// coordinator are released on return.
func (c *Coordinator) Shutdown(ctx context.Context, opts ShutdownOptions) (ShutdownResult, error) {
	c.shuttingDown.Store(true)
	c.stopTimers()
	defer func() {
		if err := c.locks.ReleaseAll(context.WithoutCancel(ctx)); err != nil {
			c.logger.Printf("coordinator: release locks: %v", err)
		}
	}()

	wait := opts.GracePeriod
	if opts.ForceAfter > 0 && (wait <= 0 || opts.ForceAfter < wait) {
		wait = opts.ForceAfter
	}
	deadline := time.Now().Add(wait)

	ticker := time.NewTicker(c.cfg.DrainPollInterval)
	defer ticker.Stop()

	for {
		inFlight, err := c.inFlight(ctx)
		if err != nil {
			return ShutdownResult{}, err
		}
		if inFlight == 0 {
			c.logger.Printf("coordinator: shutdown drained")
			return ShutdownResult{Drained: true}, nil
		}
		if !time.Now().Before(deadline) {
			c.logger.Printf("coordinator: shutting down with %d task(s) in flight; their work may be incomplete", inFlight)
			return ShutdownResult{InFlight: inFlight}, nil
		}

		select {
		case <-ctx.Done():
			return ShutdownResult{InFlight: inFlight}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// inFlight counts tasks bound to registered workers.
func (c *Coordinator) inFlight(ctx context.Context) (int, error) {
	workers, err := c.registry.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, w := range workers {
		n += w.Load()
	}
	return n, nil
}

func (c *Coordinator) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
