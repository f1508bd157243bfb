package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process records, lost on restart (default)
//   - "file": dependency-free directory backend (json + jsonl)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver string
	// Path is the data directory (file) or database file (sqlite).
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// MaxRecords bounds retained terminal execution records; oldest are
	// pruned first. 0 applies a default, negative disables pruning.
	MaxRecords int
}

const defaultMaxRecords = 1000

func (c Config) maxRecords() int {
	if c.MaxRecords < 0 {
		return 0
	}
	if c.MaxRecords == 0 {
		return defaultMaxRecords
	}
	return c.MaxRecords
}

// AuditEntry records one scheduling action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At time.Time `json:"at"`
	// Actor names the origin: "api", "schedule:<entry>", "system".
	Actor       string `json:"actor,omitempty"`
	Action      string `json:"action"`
	QueueID     string `json:"queue_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	OK          int    `json:"ok"`
	Fail        int    `json:"fail"`
	Error       string `json:"error,omitempty"`
	TookMS      int64  `json:"took_ms,omitempty"`
	MetaJSON    string `json:"meta,omitempty"`
}
