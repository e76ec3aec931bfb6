package coordinator

import "time"

// Config holds Coordinator configuration. Zero values take the defaults
// listed next to each field.
type Config struct {
	MaxRetries                  int           // Attempts before a task fails terminally (default 3).
	RetryBackoff                time.Duration // Base of the exponential retry delay (default 1s).
	DefaultPriority             int           // Priority for tasks submitted without one (default 5).
	DeadlineEscalationThreshold time.Duration // Escalate waiting tasks this close to their deadline (default 30s).
	EscalationStep              int           // Priority decrease per escalation (default 1).
	Routing                     Strategy      // Initial routing strategy (default capability).
	TaskTTL                     time.Duration // Lifetime of task, assignment and result rows (default 24h).
	SubtaskTTL                  time.Duration // Lifetime of parent->children mappings (default 1h).
	LockTTL                     time.Duration // Per-task lock TTL (default 30s).
	LockTimeout                 time.Duration // How long assignment waits for a per-task lock (default 5s).
	SweepInterval               time.Duration // Run loop period (default 10s).
	QueueWarningThreshold       int           // Queued count that triggers queue-warning (default 10).
	DrainPollInterval           time.Duration // Shutdown drain poll period (default 1s).
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = time.Second
	}
	if out.DefaultPriority <= 0 {
		out.DefaultPriority = 5
	}
	if out.DeadlineEscalationThreshold <= 0 {
		out.DeadlineEscalationThreshold = 30 * time.Second
	}
	if out.EscalationStep <= 0 {
		out.EscalationStep = 1
	}
	if out.Routing == "" {
		out.Routing = CapabilityBased
	}
	if out.TaskTTL <= 0 {
		out.TaskTTL = 24 * time.Hour
	}
	if out.SubtaskTTL <= 0 {
		out.SubtaskTTL = time.Hour
	}
	if out.LockTTL <= 0 {
		out.LockTTL = 30 * time.Second
	}
	if out.LockTimeout <= 0 {
		out.LockTimeout = 5 * time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = 10 * time.Second
	}
	if out.QueueWarningThreshold <= 0 {
		out.QueueWarningThreshold = 10
	}
	if out.DrainPollInterval <= 0 {
		out.DrainPollInterval = time.Second
	}
	return out
}

// retryDelay is RetryBackoff * 2^(attempt-1).
func (c Config) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.RetryBackoff << (attempt - 1)
}
