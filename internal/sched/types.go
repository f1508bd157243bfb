// Package sched owns the execution queue: a priority-ordered pending list and
// a bounded registry of active runs, drained whenever capacity frees up.
package sched

import (
	"time"

	"webtaskd/internal/exec"
	"webtaskd/internal/task"
)

// Config controls queueing and dispatch.
type Config struct {
	// MaxConcurrent is the ceiling on simultaneously active runs (default 2).
	MaxConcurrent int
	// MaxQueueSize bounds the pending queue (default 64); beyond it,
	// Schedule fails with ErrQueueFull.
	MaxQueueSize int

	// DefaultTimeout is forwarded to the executor for runs that specify none.
	DefaultTimeout time.Duration

	// HistorySize bounds the finished-run ring surfaced in Status (default 200).
	HistorySize int

	// RetryAttempts and RetryDelay are surfaced in Status for operators but
	// not acted upon: failed runs are not re-enqueued.
	RetryAttempts int
	RetryDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// ConfigUpdate is a partial config change; nil fields keep their value.
type ConfigUpdate struct {
	MaxConcurrent  *int
	MaxQueueSize   *int
	DefaultTimeout *time.Duration
	HistorySize    *int
	RetryAttempts  *int
	RetryDelay     *time.Duration
}

// QueuedExecution is one pending queue entry.
type QueuedExecution struct {
	QueueID    string
	Request    task.ExecutionRequest
	EnqueuedAt time.Time
}

// Priority is the request priority; higher dispatches first.
func (q QueuedExecution) Priority() int { return q.Request.Priority }

// ActiveExecution describes one dispatched, still-running entry.
type ActiveExecution struct {
	QueueID     string
	ExecutionID string
	TaskID      string
	Priority    int
	StartedAt   time.Time
}

// HistoryItem is one finished (or failed-to-dispatch) queue entry.
type HistoryItem struct {
	QueueID     string
	ExecutionID string
	TaskID      string
	Status      exec.Status
	FinishedAt  time.Time
	Duration    time.Duration
	Error       string
}

// Status is a point-in-time queue snapshot. All slices are copies; mutating
// them cannot corrupt the queue.
type Status struct {
	Pending []QueuedExecution
	Active  []ActiveExecution
	Recent  []HistoryItem

	PendingCount int
	ActiveCount  int

	Config Config
}

// Event types published on the bus for queue lifecycle transitions.
const (
	EventExecutionQueued    = "execution-queued"
	EventExecutionStarted   = "execution-started"
	EventExecutionCompleted = "execution-completed"
	EventExecutionFailed    = "execution-failed"
	EventExecutionCancelled = "execution-cancelled"
	EventQueueFull          = "queue-full"
	EventQueueEmpty         = "queue-empty"
)

// ExecutionEvent is the payload carried by queue lifecycle events.
type ExecutionEvent struct {
	QueueID     string `json:"queue_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	Pending     int    `json:"pending"`
	Active      int    `json:"active"`
}
