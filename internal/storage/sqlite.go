//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"webtaskd/internal/exec"
	logx "webtaskd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const terminalStatuses = `'COMPLETED','FAILED','CANCELLED','STOPPED','TIMEOUT'`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxRecords int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, maxRecords: cfg.maxRecords(), pruneEvery: 100}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveExecution(ctx context.Context, rec *exec.Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec == nil || rec.ID == "" {
		return nil
	}
	// Logs live in execution_logs and are not duplicated into the row.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, task_id, task_name, profile_id, queue_id, status, params, debug,
		                        start_time, end_time, duration_ms, progress, progress_message, result, err, usage)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, end_time=excluded.end_time, duration_ms=excluded.duration_ms,
		   progress=excluded.progress, progress_message=excluded.progress_message,
		   result=excluded.result, err=excluded.err, usage=excluded.usage`,
		rec.ID, rec.TaskID, nullStr(rec.TaskName), nullStr(rec.ProfileID), nullStr(rec.QueueID),
		string(rec.Status), jsonStr(rec.Params), boolInt(rec.Debug),
		rec.StartTime.Format(time.RFC3339Nano), nullTime(rec.EndTime), rec.Duration.Milliseconds(),
		rec.Progress, nullStr(rec.ProgressMessage),
		jsonStr(rec.Result), nullStr(rec.Error), jsonStr(rec.Usage),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		s.pruneRecords(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) AppendExecutionLog(ctx context.Context, id string, e exec.LogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if id == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs(execution_id, at, level, message) VALUES(?,?,?,?)`,
		id, e.Time.Format(time.RFC3339Nano), nullStr(e.Level), e.Message,
	)
	return err
}

const executionCols = `id, task_id, task_name, profile_id, queue_id, status, params, debug,
	start_time, end_time, duration_ms, progress, progress_message, result, err, usage`

func (s *sqliteStore) Execution(ctx context.Context, id string) (*exec.Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Logs, err = s.loadLogs(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Executions lists matching records newest-first without their logs; fetch a
// single Execution for the full record.
func (s *sqliteStore) Executions(ctx context.Context, f exec.RecordFilter) ([]*exec.Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT ` + executionCols + ` FROM executions WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		q += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (?` + strings.Repeat(",?", len(f.Statuses)-1) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.Since.IsZero() {
		q += ` AND start_time >= ?`
		args = append(args, f.Since.Format(time.RFC3339Nano))
	}
	q += ` ORDER BY start_time DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*exec.Execution
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) loadLogs(ctx context.Context, id string) ([]exec.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, level, message FROM execution_logs WHERE execution_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exec.LogEntry
	for rows.Next() {
		var at string
		var level sql.NullString
		var e exec.LogEntry
		if err := rows.Scan(&at, &level, &e.Message); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, at)
		e.Level = level.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// pruneRecords enforces the retention bound on terminal records, then drops
// orphaned log rows. Best-effort; failures only log.
func (s *sqliteStore) pruneRecords(ctx context.Context) {
	if s.maxRecords <= 0 {
		return
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE status IN (`+terminalStatuses+`)`).Scan(&n); err != nil {
		return
	}
	excess := n - s.maxRecords
	if excess <= 0 {
		return
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE id IN (
		   SELECT id FROM executions WHERE status IN (`+terminalStatuses+`)
		   ORDER BY end_time ASC LIMIT ?)`, excess)
	if err != nil {
		s.log.Debug("storage: record prune failed", logx.Err(err))
		return
	}
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM execution_logs WHERE execution_id NOT IN (SELECT id FROM executions)`)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*exec.Execution, error) {
	var (
		id, taskID, status, start          string
		taskName, profileID, queueID       sql.NullString
		params, result, usage, errStr, end sql.NullString
		progressMsg                        sql.NullString
		debug                              int
		durMS                              int64
		progress                           float64
	)
	err := row.Scan(&id, &taskID, &taskName, &profileID, &queueID, &status, &params, &debug,
		&start, &end, &durMS, &progress, &progressMsg, &result, &errStr, &usage)
	if err != nil {
		return nil, err
	}
	out := &exec.Execution{
		ID:              id,
		TaskID:          taskID,
		TaskName:        taskName.String,
		ProfileID:       profileID.String,
		QueueID:         queueID.String,
		Status:          exec.Status(status),
		Debug:           debug != 0,
		Duration:        time.Duration(durMS) * time.Millisecond,
		Progress:        progress,
		ProgressMessage: progressMsg.String,
		Error:           errStr.String,
	}
	out.StartTime, _ = time.Parse(time.RFC3339Nano, start)
	if end.Valid && end.String != "" {
		out.EndTime, _ = time.Parse(time.RFC3339Nano, end.String)
	}
	if params.Valid && params.String != "" {
		_ = json.Unmarshal([]byte(params.String), &out.Params)
	}
	if result.Valid && result.String != "" {
		_ = json.Unmarshal([]byte(result.String), &out.Result)
	}
	if usage.Valid && usage.String != "" {
		_ = json.Unmarshal([]byte(usage.String), &out.Usage)
	}
	return out, nil
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, queue_id, execution_id, task_id, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.QueueID),
		nullStr(e.ExecutionID), nullStr(e.TaskID), e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%500 == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpiredDedup(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpiredDedup(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonStr(v any) any {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return nil
		}
	case *exec.Result:
		if x == nil {
			return nil
		}
	case *exec.UsageSample:
		if x == nil {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}
