package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"webtaskd/internal/exec"
	logx "webtaskd/pkg/logx"
)

// Store is the persistence API used by the executor, notifier and app.
// The execution-record methods satisfy exec.RecordStore.
type Store interface {
	SaveExecution(ctx context.Context, rec *exec.Execution) error
	AppendExecutionLog(ctx context.Context, id string, e exec.LogEntry) error
	Execution(ctx context.Context, id string) (*exec.Execution, error)
	Executions(ctx context.Context, f exec.RecordFilter) ([]*exec.Execution, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store. An empty driver falls back to the
// in-memory store so callers always get a usable Store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory", "none":
		return openMemory(cfg), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
