package scheduler

import "time"

const (
	// DefaultMaxInterval bounds both idle sleep and reconciliation latency.
	DefaultMaxInterval = 5 * time.Second

	// DefaultSyncEvery is how often dirty run-state is handed back to the source.
	DefaultSyncEvery = 3 * time.Minute

	backendCleanupName     = "backend_cleanup"
	backendCleanupSchedule = "0 4 * * *"
	backendCleanupExpires  = 12 * time.Hour
)
