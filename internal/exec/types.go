// Package exec runs declared tasks inside the browser environment and owns
// their execution records: status transitions, timeouts, results, logs.
package exec

import (
	"context"
	"time"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusStopped   Status = "STOPPED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusStopped, StatusTimeout:
		return true
	}
	return false
}

// Execution is the persisted record of one run.
type Execution struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	// TaskName is denormalized for display; the catalog may have changed since.
	TaskName  string `json:"task_name,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
	// QueueID links back to the scheduler entry that launched this run, when
	// it was not started directly.
	QueueID string `json:"queue_id,omitempty"`

	Status Status `json:"status"`

	Params map[string]any `json:"params,omitempty"`
	Debug  bool           `json:"debug,omitempty"`

	StartTime time.Time `json:"start_time"`
	// EndTime is zero until the execution reaches a terminal status.
	EndTime  time.Time     `json:"end_time"`
	Duration time.Duration `json:"duration,omitempty"`

	// Progress is 0-100, reported by the program through its run context;
	// completion forces 100. Message names the current phase.
	Progress        float64 `json:"progress,omitempty"`
	ProgressMessage string  `json:"progress_message,omitempty"`

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`

	Logs  []LogEntry   `json:"logs,omitempty"`
	Usage *UsageSample `json:"usage,omitempty"`
}

// Clone returns a copy safe to hand to callers; slices are copied, payload
// values inside Result are treated as immutable.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Params != nil {
		cp.Params = make(map[string]any, len(e.Params))
		for k, v := range e.Params {
			cp.Params[k] = v
		}
	}
	if e.Logs != nil {
		cp.Logs = make([]LogEntry, len(e.Logs))
		copy(cp.Logs, e.Logs)
	}
	if e.Result != nil {
		r := *e.Result
		cp.Result = &r
	}
	if e.Usage != nil {
		u := *e.Usage
		cp.Usage = &u
	}
	return &cp
}

// Result is the program's output payload.
type Result struct {
	Value   any    `json:"value,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// LogEntry is one line captured during a run.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// UsageSample is a point-in-time resource reading taken near the end of a run.
type UsageSample struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`
}

// RecordFilter narrows Executions listings. Zero values mean "any".
type RecordFilter struct {
	TaskID   string
	Statuses []Status
	// Since keeps records whose start time is not before it.
	Since time.Time
	// Limit caps the result count after sorting newest-first. 0 means all.
	Limit int
}

// Match reports whether rec passes the filter (Limit is applied by callers).
func (f RecordFilter) Match(rec *Execution) bool {
	if rec == nil {
		return false
	}
	if f.TaskID != "" && rec.TaskID != f.TaskID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if rec.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && rec.StartTime.Before(f.Since) {
		return false
	}
	return true
}

// RecordStore persists execution records. Implementations must tolerate
// repeated SaveExecution calls for the same id (upsert semantics).
// A miss from Execution returns (nil, nil). Executions listings may omit
// Logs; fetch a single Execution for the full record.
type RecordStore interface {
	SaveExecution(ctx context.Context, rec *Execution) error
	AppendExecutionLog(ctx context.Context, id string, e LogEntry) error
	Execution(ctx context.Context, id string) (*Execution, error)
	Executions(ctx context.Context, f RecordFilter) ([]*Execution, error)
}
