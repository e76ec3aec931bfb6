package protocol

// EntryRow represents a row in the kv_entries SQLite table.
// Times are Unix milliseconds; ExpiresAt is zero when the entry never expires.
type EntryRow struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Version   int64  `json:"version"`
	TTLMillis int64  `json:"ttl_ms"`
	ExpiresAt int64  `json:"expires_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// LockRow represents a row in the locks SQLite table.
type LockRow struct {
	Resource   string `json:"resource"`
	OwnerToken string `json:"owner_token"`
	AcquiredAt int64  `json:"acquired_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// Event represents a row in the events SQLite table.
// Tracks every notification published by the coordinator.
type Event struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}
