package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"webtaskd/internal/exec"
)

// memStore keeps everything in process memory. It is the default driver and
// the baseline the persistent drivers are tested against.
type memStore struct {
	maxRecords int

	mu    sync.Mutex
	recs  map[string]*exec.Execution
	dedup map[string]int64 // unix milli
	audit []AuditEntry

	dedupWrites int
}

const memAuditCap = 500

func openMemory(cfg Config) Store {
	return &memStore{
		maxRecords: cfg.maxRecords(),
		recs:       map[string]*exec.Execution{},
		dedup:      map[string]int64{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) SaveExecution(ctx context.Context, rec *exec.Execution) error {
	_ = ctx
	if rec == nil || rec.ID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec.Clone()
	s.pruneRecordsLocked()
	return nil
}

// AppendExecutionLog attaches a log line to a stored record. Lines for
// unknown (e.g. already pruned) ids are dropped.
func (s *memStore) AppendExecutionLog(ctx context.Context, id string, e exec.LogEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil
	}
	rec.Logs = append(rec.Logs, e)
	return nil
}

func (s *memStore) Execution(ctx context.Context, id string) (*exec.Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[id].Clone(), nil
}

func (s *memStore) Executions(ctx context.Context, f exec.RecordFilter) ([]*exec.Execution, error) {
	_ = ctx
	s.mu.Lock()
	out := make([]*exec.Execution, 0, len(s.recs))
	for _, rec := range s.recs {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.Unlock()

	sortExecutionsNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// pruneRecordsLocked drops the oldest terminal records once the retention
// bound is exceeded. Live records are never pruned.
func (s *memStore) pruneRecordsLocked() {
	if s.maxRecords <= 0 {
		return
	}
	var terminal []*exec.Execution
	for _, rec := range s.recs {
		if rec.Status.Terminal() {
			terminal = append(terminal, rec)
		}
	}
	excess := len(terminal) - s.maxRecords
	if excess <= 0 {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].EndTime.Before(terminal[j].EndTime)
	})
	for _, rec := range terminal[:excess] {
		delete(s.recs, rec.ID)
	}
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	if len(s.audit) > memAuditCap {
		s.audit = s.audit[len(s.audit)-memAuditCap:]
	}
	return nil
}

func (s *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until.UnixMilli()
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		pruneExpiredDedup(s.dedup)
	}
	return nil
}

func (s *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// sortExecutionsNewestFirst orders by start time descending with id as the
// tie-breaker so listings are stable.
func sortExecutionsNewestFirst(recs []*exec.Execution) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].StartTime.Equal(recs[j].StartTime) {
			return recs[i].StartTime.After(recs[j].StartTime)
		}
		return recs[i].ID > recs[j].ID
	})
}
