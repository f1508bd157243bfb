package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"webtaskd/internal/exec"
	logx "webtaskd/pkg/logx"
)

// fileStore is a dependency-free persistence backend rooted at a data
// directory:
//
//	<dir>/executions/<id>.json   (one record per run, atomic replace)
//	<dir>/logs/<id>.jsonl        (append-only run log, streamable)
//	<dir>/audit.jsonl            (append-only JSON Lines)
//	<dir>/dedup.snapshot.json    (periodic snapshot)
//	<dir>/dedup.journal.jsonl    (append-only journal)
//
// Records are cached in memory and written through; the journal is
// periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	dir        string
	maxRecords int

	mu sync.Mutex

	recs map[string]*exec.Execution

	auditFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	for _, d := range []string{dir, filepath.Join(dir, "executions"), filepath.Join(dir, "logs")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}

	auditPath := filepath.Join(dir, "audit.jsonl")
	snapPath := filepath.Join(dir, "dedup.snapshot.json")
	journalPath := filepath.Join(dir, "dedup.journal.jsonl")

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load dedup from snapshot + journal.
	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	s := &fileStore{
		log:               log,
		dir:               dir,
		maxRecords:        cfg.maxRecords(),
		recs:              map[string]*exec.Execution{},
		auditFile:         af,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}
	s.loadRecords()
	return s, nil
}

// loadRecords restores the record cache from disk. Unreadable files are
// skipped; a crash mid-rename leaves at worst one stale .tmp behind.
func (s *fileStore) loadRecords() {
	dir := filepath.Join(s.dir, "executions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.log.Warn("storage: reading executions dir failed", logx.Err(err), logx.String("dir", dir))
		return
	}
	loaded := 0
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var rec exec.Execution
		if err := json.Unmarshal(b, &rec); err != nil || rec.ID == "" {
			s.log.Debug("storage: skipping unreadable record", logx.String("file", name))
			continue
		}
		s.recs[rec.ID] = &rec
		loaded++
	}
	if loaded > 0 {
		s.log.Debug("storage: records restored", logx.Int("count", loaded))
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) recordPath(id string) string {
	return filepath.Join(s.dir, "executions", id+".json")
}

func (s *fileStore) logPath(id string) string {
	return filepath.Join(s.dir, "logs", id+".jsonl")
}

func (s *fileStore) SaveExecution(ctx context.Context, rec *exec.Execution) error {
	_ = ctx
	if rec == nil || rec.ID == "" {
		return nil
	}
	if strings.ContainsAny(rec.ID, `/\`) {
		return fmt.Errorf("storage: invalid execution id %q", rec.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec.Clone()
	s.recs[cp.ID] = cp
	if err := s.writeRecordLocked(cp); err != nil {
		return err
	}
	s.pruneRecordsLocked()
	return nil
}

// writeRecordLocked replaces the record file atomically (tmp + rename) so a
// crash never leaves a half-written json behind.
func (s *fileStore) writeRecordLocked(rec *exec.Execution) error {
	path := s.recordPath(rec.ID)
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) AppendExecutionLog(ctx context.Context, id string, e exec.LogEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil
	}
	rec.Logs = append(rec.Logs, e)

	f, err := os.OpenFile(s.logPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	encErr := json.NewEncoder(f).Encode(e)
	if cerr := f.Close(); encErr == nil {
		encErr = cerr
	}
	return encErr
}

func (s *fileStore) Execution(ctx context.Context, id string) (*exec.Execution, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[id].Clone(), nil
}

func (s *fileStore) Executions(ctx context.Context, f exec.RecordFilter) ([]*exec.Execution, error) {
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

func (s *fileStore) pruneRecordsLocked() {
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
		// Best-effort file cleanup; a leftover file is reloaded and pruned
		// again on next start.
		if err := os.Remove(s.recordPath(rec.ID)); err != nil && !os.IsNotExist(err) {
			s.log.Debug("storage: record prune failed", logx.String("id", rec.ID), logx.Err(err))
		}
		_ = os.Remove(s.logPath(rec.ID))
	}
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
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

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
