package exec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"webtaskd/internal/env"
	"webtaskd/internal/task"
	logx "webtaskd/pkg/logx"
)

type fakeStore struct {
	mu   sync.Mutex
	recs map[string]*Execution
}

func newFakeStore() *fakeStore { return &fakeStore{recs: map[string]*Execution{}} }

func (s *fakeStore) SaveExecution(ctx context.Context, rec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *fakeStore) AppendExecutionLog(ctx context.Context, id string, e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		rec.Logs = append(rec.Logs, e)
	}
	return nil
}

func (s *fakeStore) Execution(ctx context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[id].Clone(), nil
}

func (s *fakeStore) Executions(ctx context.Context, f RecordFilter) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Execution
	for _, rec := range s.recs {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func newTestExecutor(t *testing.T, cfg Config, programs map[string]env.Program, tasks []task.Task) (*Executor, *fakeStore) {
	t.Helper()
	preg := env.NewRegistry()
	for name, p := range programs {
		if err := preg.Register(name, p); err != nil {
			t.Fatalf("register program %s: %v", name, err)
		}
	}
	treg := task.NewRegistry()
	if err := treg.Replace(tasks); err != nil {
		t.Fatalf("replace tasks: %v", err)
	}
	st := newFakeStore()
	environment := env.New(env.NoopProvider(), preg, logx.Nop())
	return New(cfg, environment, treg, st, nil, logx.Nop()), st
}

func blockUntil(started chan<- struct{}, release <-chan struct{}) env.Program {
	return func(ctx context.Context, rc *env.Context) (any, error) {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestExecuteTaskCompletes(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{
			"emit": func(ctx context.Context, rc *env.Context) (any, error) {
				rc.Logf("working on %s", rc.StringParam("subject", ""))
				return map[string]any{"subject": rc.StringParam("subject", "")}, nil
			},
		},
		[]task.Task{{ID: "t1", Name: "Emit", Program: "emit", DefaultParams: map[string]any{"subject": "defaults"}}},
	)

	rec, err := x.ExecuteTask(context.Background(), task.ExecutionRequest{
		TaskID: "t1",
		Params: map[string]any{"subject": "override"},
	})
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", rec.Status, StatusCompleted)
	}
	if rec.TaskName != "Emit" {
		t.Fatalf("task name = %q, want Emit", rec.TaskName)
	}
	out, ok := rec.Result.Value.(map[string]any)
	if !ok || out["subject"] != "override" {
		t.Fatalf("result = %#v, want request params to win over task defaults", rec.Result)
	}
	if len(rec.Logs) != 1 || !strings.Contains(rec.Logs[0].Message, "override") {
		t.Fatalf("logs = %+v, want one captured line", rec.Logs)
	}
	if rec.EndTime.IsZero() || rec.Duration < 0 {
		t.Fatalf("terminal record missing end time: %+v", rec)
	}
}

func TestProgressReporting(t *testing.T) {
	t.Parallel()
	reported := make(chan struct{}, 1)
	release := make(chan struct{})
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{
			"phased": func(ctx context.Context, rc *env.Context) (any, error) {
				rc.SetProgress(42.5, "halfway")
				reported <- struct{}{}
				select {
				case <-release:
					return "done", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
		[]task.Task{{ID: "t1", Program: "phased"}},
	)

	run, err := x.Begin(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	<-reported

	// The report must already be persisted while the run is in flight.
	rec, err := x.GetExecution(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if rec.Status != StatusRunning || rec.Progress != 42.5 || rec.ProgressMessage != "halfway" {
		t.Fatalf("mid-run record = %+v, want RUNNING at 42.5 %q", rec, "halfway")
	}

	close(release)
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	final, err := run.Outcome()
	if err != nil {
		t.Fatalf("Outcome: %v", err)
	}
	if final.Status != StatusCompleted || final.Progress != 100 {
		t.Fatalf("final = %s at %v, want COMPLETED at 100", final.Status, final.Progress)
	}
	if final.ProgressMessage != "halfway" {
		t.Fatalf("final message = %q, want the last reported phase kept", final.ProgressMessage)
	}
}

func TestRequestTimeoutWins(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{"block": blockUntil(nil, nil)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	run, err := x.Begin(context.Background(), task.ExecutionRequest{TaskID: "t1", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	rec, err := run.Outcome()
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("outcome error = %v, want ErrExecutionTimeout", err)
	}
	if rec.Status != StatusTimeout {
		t.Fatalf("status = %s, want %s", rec.Status, StatusTimeout)
	}
}

func TestDefaultTimeoutApplies(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor(t, Config{DefaultTimeout: 50 * time.Millisecond},
		map[string]env.Program{"block": blockUntil(nil, nil)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	rec, err := x.ExecuteTask(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if !errors.Is(err, ErrExecutionTimeout) {
		t.Fatalf("error = %v, want ErrExecutionTimeout", err)
	}
	if rec.Status != StatusTimeout {
		t.Fatalf("status = %s, want %s", rec.Status, StatusTimeout)
	}
}

func TestStopExecution(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{"block": blockUntil(started, nil)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	run, err := x.Begin(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	<-started
	if err := x.StopExecution(context.Background(), run.ID); err != nil {
		t.Fatalf("StopExecution: %v", err)
	}
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	rec, err := run.Outcome()
	if err != nil {
		t.Fatalf("stopped outcome error = %v, want nil", err)
	}
	if rec.Status != StatusStopped {
		t.Fatalf("status = %s, want %s", rec.Status, StatusStopped)
	}

	// Stopping an already terminal execution is a no-op that keeps the
	// stored end time and duration.
	if err := x.StopExecution(context.Background(), run.ID); err != nil {
		t.Fatalf("second StopExecution: %v", err)
	}
	again, err := x.GetExecution(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if !again.EndTime.Equal(rec.EndTime) || again.Duration != rec.Duration {
		t.Fatalf("second stop changed the record: end %v -> %v, duration %v -> %v",
			rec.EndTime, again.EndTime, rec.Duration, again.Duration)
	}
}

func TestStopExecutionUnknown(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{"block": blockUntil(nil, nil)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)
	if err := x.StopExecution(context.Background(), "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("StopExecution = %v, want ErrExecutionNotFound", err)
	}
}

func TestStopExecutionWithoutLiveRun(t *testing.T) {
	t.Parallel()
	x, st := newTestExecutor(t, Config{},
		map[string]env.Program{"block": blockUntil(nil, nil)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	// A RUNNING record without a live run is what a crash leaves behind.
	stale := &Execution{ID: "stale-1", TaskID: "t1", Status: StatusRunning, StartTime: time.Now()}
	if err := st.SaveExecution(context.Background(), stale); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := x.StopExecution(context.Background(), "stale-1"); err != nil {
		t.Fatalf("StopExecution: %v", err)
	}
	rec, err := x.GetExecution(context.Background(), "stale-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if rec.Status != StatusStopped || rec.EndTime.IsZero() {
		t.Fatalf("stale record = %+v, want STOPPED with end time", rec)
	}
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	x, st := newTestExecutor(t, Config{},
		map[string]env.Program{"block": blockUntil(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	// Two leftovers from a previous process plus one already-finished record.
	seed := []*Execution{
		{ID: "orphan-running", TaskID: "t1", Status: StatusRunning, StartTime: time.Now().Add(-time.Hour)},
		{ID: "orphan-pending", TaskID: "t1", Status: StatusPending, StartTime: time.Now().Add(-time.Hour)},
		{ID: "finished", TaskID: "t1", Status: StatusCompleted, StartTime: time.Now().Add(-2 * time.Hour)},
	}
	for _, rec := range seed {
		if err := st.SaveExecution(context.Background(), rec); err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}

	run, err := x.Begin(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	<-started

	n, err := x.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered = %d, want 2", n)
	}
	for _, id := range []string{"orphan-running", "orphan-pending"} {
		rec, err := x.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("GetExecution(%s): %v", id, err)
		}
		if rec.Status != StatusStopped || rec.EndTime.IsZero() || rec.Error == "" {
			t.Fatalf("%s = %+v, want STOPPED with end time and error", id, rec)
		}
	}
	if rec, _ := x.GetExecution(context.Background(), "finished"); rec.Status != StatusCompleted {
		t.Fatalf("finished record touched: %+v", rec)
	}

	// The in-flight run must be skipped.
	if rec, _ := x.GetExecution(context.Background(), run.ID); rec.Status != StatusRunning {
		t.Fatalf("live run = %s, want %s", rec.Status, StatusRunning)
	}

	close(release)
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	if rec, _ := run.Outcome(); rec.Status != StatusCompleted {
		t.Fatalf("final status = %s, want %s", rec.Status, StatusCompleted)
	}
}

func TestExecuteTaskStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{"block": blockUntil(started, nil)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var rec *Execution
	var runErr error
	go func() {
		defer close(done)
		rec, runErr = x.ExecuteTask(ctx, task.ExecutionRequest{TaskID: "t1"})
	}()
	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteTask did not return after cancel")
	}
	if runErr != nil {
		t.Fatalf("ExecuteTask error = %v, want nil for stopped run", runErr)
	}
	if rec.Status != StatusStopped {
		t.Fatalf("status = %s, want %s", rec.Status, StatusStopped)
	}
}

func TestProgramPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{
			"boom": func(ctx context.Context, rc *env.Context) (any, error) {
				panic("kaboom")
			},
		},
		[]task.Task{{ID: "t1", Program: "boom"}},
	)

	rec, err := x.ExecuteTask(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("error = %v, want ErrExecutionFailed", err)
	}
	if rec.Status != StatusFailed || !strings.Contains(rec.Error, "kaboom") {
		t.Fatalf("record = %+v, want FAILED with panic message", rec)
	}
}

func TestBeginUnknownTask(t *testing.T) {
	t.Parallel()
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{"block": blockUntil(nil, nil)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)
	if _, err := x.Begin(context.Background(), task.ExecutionRequest{TaskID: "nope"}); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 2)
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{"block": blockUntil(started, nil)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	var runs []*Run
	for i := 0; i < 2; i++ {
		run, err := x.Begin(context.Background(), task.ExecutionRequest{TaskID: "t1"})
		if err != nil {
			t.Fatalf("Begin #%d: %v", i, err)
		}
		runs = append(runs, run)
	}
	<-started
	<-started
	if n := x.ActiveCount(); n != 2 {
		t.Fatalf("ActiveCount = %d, want 2", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := x.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for i, run := range runs {
		rec, err := run.Outcome()
		if err != nil {
			t.Fatalf("run #%d outcome error: %v", i, err)
		}
		if rec.Status != StatusStopped {
			t.Fatalf("run #%d status = %s, want %s", i, rec.Status, StatusStopped)
		}
	}
	if n := x.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount after shutdown = %d, want 0", n)
	}
}

func TestOutcomeBeforeDone(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	x, _ := newTestExecutor(t, Config{},
		map[string]env.Program{"block": blockUntil(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	run, err := x.Begin(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	<-started
	if _, err := run.Outcome(); err == nil {
		t.Fatal("Outcome before Done must fail")
	}
	close(release)
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	if rec, err := run.Outcome(); err != nil || rec.Status != StatusCompleted {
		t.Fatalf("outcome = (%+v, %v)", rec, err)
	}
}
