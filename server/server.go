// Package server tracks the processing servers attached to the storage:
// announcement on startup, heartbeats while alive, removal on shutdown,
// and a sweep for servers that stopped heartbeating without saying
// goodbye.
package server

import (
	"time"

	"github.com/xraph/quarry"
)

// Server is the persisted registration of one processing server. All
// servers share one partition so the registry is a single-partition
// query.
type Server struct {
	quarry.Entity `bson:",inline"`

	WorkerCount   int       `bson:"worker_count"`
	Queues        []string  `bson:"queues"`
	Host          string    `bson:"host,omitempty"`
	StartedAt     time.Time `bson:"started_at"`
	LastHeartbeat time.Time `bson:"last_heartbeat"`
}
