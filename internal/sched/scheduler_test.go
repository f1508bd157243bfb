package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"webtaskd/internal/env"
	"webtaskd/internal/eventbus"
	"webtaskd/internal/exec"
	"webtaskd/internal/task"
	logx "webtaskd/pkg/logx"
)

// recordStore is a minimal in-memory exec.RecordStore for tests.
type recordStore struct {
	mu   sync.Mutex
	recs map[string]*exec.Execution
}

func newRecordStore() *recordStore {
	return &recordStore{recs: map[string]*exec.Execution{}}
}

func (s *recordStore) SaveExecution(ctx context.Context, rec *exec.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec.Clone()
	return nil
}

func (s *recordStore) AppendExecutionLog(ctx context.Context, id string, e exec.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[id]; ok {
		rec.Logs = append(rec.Logs, e)
	}
	return nil
}

func (s *recordStore) Execution(ctx context.Context, id string) (*exec.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[id].Clone(), nil
}

func (s *recordStore) Executions(ctx context.Context, f exec.RecordFilter) ([]*exec.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*exec.Execution
	for _, rec := range s.recs {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// rig wires a scheduler to a real executor over fake storage, with a bus
// subscription for asserting event flow.
type rig struct {
	sched  *Scheduler
	exec   *exec.Executor
	events <-chan eventbus.Event
}

func newRig(t *testing.T, cfg Config, programs map[string]env.Program, tasks []task.Task) *rig {
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

	environment := env.New(env.NoopProvider(), preg, logx.Nop())
	executor := exec.New(exec.Config{}, environment, treg, newRecordStore(), nil, logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	t.Cleanup(unsub)

	return &rig{
		sched:  New(cfg, executor, treg, bus, nil, logx.Nop()),
		exec:   executor,
		events: events,
	}
}

// waitEvent consumes the subscription until an event of the given type
// arrives, in publish order.
func (r *rig) waitEvent(t *testing.T, typ string) ExecutionEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-r.events:
			if e.Type == typ {
				ev, _ := e.Data.(ExecutionEvent)
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// blockingProgram blocks until release is closed; started receives one value
// per run entering the program.
func blockingProgram(started chan<- struct{}, release <-chan struct{}) env.Program {
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

func fastProgram() env.Program {
	return func(ctx context.Context, rc *env.Context) (any, error) {
		return map[string]any{"message": rc.StringParam("message", "ok")}, nil
	}
}

func TestScheduleRunsToCompletion(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{},
		map[string]env.Program{"fast": fastProgram()},
		[]task.Task{{ID: "t1", Program: "fast"}},
	)

	queueID, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{
		TaskID: "t1",
		Params: map[string]any{"message": "hi"},
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if queueID == "" {
		t.Fatal("expected non-empty queue id")
	}

	queued := r.waitEvent(t, EventExecutionQueued)
	if queued.QueueID != queueID || queued.TaskID != "t1" {
		t.Fatalf("queued event = %+v, want queue id %s task t1", queued, queueID)
	}
	started := r.waitEvent(t, EventExecutionStarted)
	if started.ExecutionID == "" {
		t.Fatal("started event missing execution id")
	}
	completed := r.waitEvent(t, EventExecutionCompleted)
	if completed.QueueID != queueID || completed.Status != string(exec.StatusCompleted) {
		t.Fatalf("completed event = %+v", completed)
	}

	rec, err := r.exec.GetExecution(context.Background(), started.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if rec.Status != exec.StatusCompleted {
		t.Fatalf("record status = %s, want %s", rec.Status, exec.StatusCompleted)
	}
	if rec.QueueID != queueID {
		t.Fatalf("record queue id = %s, want %s", rec.QueueID, queueID)
	}
	out, ok := rec.Result.Value.(map[string]any)
	if !ok || out["message"] != "hi" {
		t.Fatalf("result value = %#v, want message hi", rec.Result)
	}

	// Finishing the only entry must transition the queue to idle.
	r.waitEvent(t, EventQueueEmpty)
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	r := newRig(t, Config{MaxConcurrent: 2},
		map[string]env.Program{"block": blockingProgram(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	for i := 0; i < 5; i++ {
		if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
			t.Fatalf("Schedule #%d: %v", i, err)
		}
	}

	<-started
	<-started
	st := r.sched.Status()
	if st.ActiveCount != 2 {
		t.Fatalf("ActiveCount = %d, want 2", st.ActiveCount)
	}
	if st.PendingCount != 3 {
		t.Fatalf("PendingCount = %d, want 3", st.PendingCount)
	}

	// No third run may start while both slots are held.
	select {
	case <-started:
		t.Fatal("third run started above the concurrency ceiling")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	for i := 0; i < 5; i++ {
		r.waitEvent(t, EventExecutionCompleted)
	}
	waitFor(t, func() bool {
		st := r.sched.Status()
		return st.ActiveCount == 0 && st.PendingCount == 0
	}, "queue drained after release")
}

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	r := newRig(t, Config{MaxConcurrent: 1},
		map[string]env.Program{
			"block": blockingProgram(nil, release),
			"fast":  fastProgram(),
		},
		[]task.Task{
			{ID: "hold", Program: "block"},
			{ID: "job", Program: "fast"},
		},
	)

	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "hold"}); err != nil {
		t.Fatalf("Schedule hold: %v", err)
	}
	r.waitEvent(t, EventExecutionStarted)

	// Enqueued while the slot is held: dispatch order must be by priority
	// descending, submission order within the same priority.
	ids := map[string]string{}
	for _, item := range []struct {
		label    string
		priority int
	}{
		{"low", 1},
		{"highA", 5},
		{"highB", 5},
		{"mid", 3},
	} {
		id, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "job", Priority: item.priority})
		if err != nil {
			t.Fatalf("Schedule %s: %v", item.label, err)
		}
		ids[id] = item.label
	}

	close(release)

	want := []string{"highA", "highB", "mid", "low"}
	for i, wantLabel := range want {
		ev := r.waitEvent(t, EventExecutionStarted)
		if got := ids[ev.QueueID]; got != wantLabel {
			t.Fatalf("dispatch #%d = %s, want %s", i, got, wantLabel)
		}
	}
}

func TestQueueFullRejects(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	r := newRig(t, Config{MaxConcurrent: 1, MaxQueueSize: 2},
		map[string]env.Program{"block": blockingProgram(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
		t.Fatalf("Schedule holder: %v", err)
	}
	<-started
	for i := 0; i < 2; i++ {
		if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
			t.Fatalf("Schedule pending #%d: %v", i, err)
		}
	}

	_, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Schedule over capacity = %v, want ErrQueueFull", err)
	}
	ev := r.waitEvent(t, EventQueueFull)
	if ev.TaskID != "t1" || ev.Pending != 2 {
		t.Fatalf("queue-full event = %+v, want task t1 with 2 pending", ev)
	}
	if st := r.sched.Status(); st.PendingCount != 2 {
		t.Fatalf("PendingCount after rejection = %d, want 2", st.PendingCount)
	}
}

func TestScheduleUnknownTask(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{},
		map[string]env.Program{"fast": fastProgram()},
		[]task.Task{{ID: "t1", Program: "fast"}},
	)
	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "nope"}); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

func TestCancelPending(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	r := newRig(t, Config{MaxConcurrent: 1},
		map[string]env.Program{"block": blockingProgram(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
		t.Fatalf("Schedule holder: %v", err)
	}
	<-started
	pendingID, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Schedule pending: %v", err)
	}

	// A pending entry resolves to no record yet.
	if rec, err := r.sched.ExecutionByQueueID(context.Background(), pendingID); err != nil || rec != nil {
		t.Fatalf("ExecutionByQueueID(pending) = (%v, %v), want (nil, nil)", rec, err)
	}

	if err := r.sched.Cancel(context.Background(), pendingID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	ev := r.waitEvent(t, EventExecutionCancelled)
	if ev.QueueID != pendingID || ev.Status != string(exec.StatusCancelled) {
		t.Fatalf("cancelled event = %+v", ev)
	}
	if st := r.sched.Status(); st.PendingCount != 0 {
		t.Fatalf("PendingCount = %d, want 0", st.PendingCount)
	}

	if err := r.sched.Cancel(context.Background(), pendingID); !errors.Is(err, exec.ErrExecutionNotFound) {
		t.Fatalf("second Cancel = %v, want ErrExecutionNotFound", err)
	}
}

func TestCancelActiveFreesSlot(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	defer close(release)
	r := newRig(t, Config{MaxConcurrent: 1},
		map[string]env.Program{"block": blockingProgram(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	activeID, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Schedule active: %v", err)
	}
	<-started
	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
		t.Fatalf("Schedule pending: %v", err)
	}

	if err := r.sched.Cancel(context.Background(), activeID); err != nil {
		t.Fatalf("Cancel active: %v", err)
	}
	ev := r.waitEvent(t, EventExecutionCancelled)
	if ev.QueueID != activeID || ev.Status != string(exec.StatusStopped) {
		t.Fatalf("cancelled event = %+v", ev)
	}

	// The freed slot must dispatch the pending entry immediately.
	<-started

	// The stopped run still reaches a terminal record.
	waitFor(t, func() bool {
		rec, err := r.sched.ExecutionByQueueID(context.Background(), activeID)
		return err == nil && rec != nil && rec.Status == exec.StatusStopped
	}, "cancelled run reaches STOPPED")
}

func TestClearQueue(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	r := newRig(t, Config{MaxConcurrent: 1},
		map[string]env.Program{"block": blockingProgram(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
		t.Fatalf("Schedule holder: %v", err)
	}
	<-started
	for i := 0; i < 3; i++ {
		if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
			t.Fatalf("Schedule pending #%d: %v", i, err)
		}
	}

	if n := r.sched.ClearQueue(context.Background()); n != 3 {
		t.Fatalf("ClearQueue = %d, want 3", n)
	}
	st := r.sched.Status()
	if st.PendingCount != 0 || st.ActiveCount != 1 {
		t.Fatalf("after clear: pending=%d active=%d, want 0/1", st.PendingCount, st.ActiveCount)
	}
}

func TestStopDropsPendingAndRejects(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	r := newRig(t, Config{MaxConcurrent: 1},
		map[string]env.Program{"block": blockingProgram(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
		t.Fatalf("Schedule active: %v", err)
	}
	<-started
	pendingID, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("Schedule pending: %v", err)
	}

	stopErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopErr <- r.sched.Stop(ctx)
	}()

	ev := r.waitEvent(t, EventExecutionCancelled)
	if ev.QueueID != pendingID {
		t.Fatalf("cancelled event for %s, want pending %s", ev.QueueID, pendingID)
	}

	// Stop waits for the active run; let it finish naturally.
	close(release)
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Schedule after stop = %v, want ErrStopped", err)
	}
}

func TestStopHonorsDeadline(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	r := newRig(t, Config{MaxConcurrent: 1},
		map[string]env.Program{"block": blockingProgram(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.sched.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want DeadlineExceeded", err)
	}
	close(release)
}

func TestUpdateConfig(t *testing.T) {
	t.Parallel()

	t.Run("validation", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, Config{},
			map[string]env.Program{"fast": fastProgram()},
			[]task.Task{{ID: "t1", Program: "fast"}},
		)
		bad := -1
		zero := 0
		tests := []struct {
			name string
			u    ConfigUpdate
		}{
			{name: "max concurrent below one", u: ConfigUpdate{MaxConcurrent: &zero}},
			{name: "negative queue size", u: ConfigUpdate{MaxQueueSize: &bad}},
			{name: "negative history", u: ConfigUpdate{HistorySize: &bad}},
			{name: "negative retries", u: ConfigUpdate{RetryAttempts: &bad}},
		}
		for _, tt := range tests {
			tt := tt
			t.Run(tt.name, func(t *testing.T) {
				if _, err := r.sched.UpdateConfig(tt.u); err == nil {
					t.Fatalf("UpdateConfig(%+v) accepted invalid value", tt.u)
				}
			})
		}
	})

	t.Run("partial merge", func(t *testing.T) {
		t.Parallel()
		r := newRig(t, Config{MaxConcurrent: 2, MaxQueueSize: 10},
			map[string]env.Program{"fast": fastProgram()},
			[]task.Task{{ID: "t1", Program: "fast"}},
		)
		five := 5
		got, err := r.sched.UpdateConfig(ConfigUpdate{MaxQueueSize: &five})
		if err != nil {
			t.Fatalf("UpdateConfig: %v", err)
		}
		if got.MaxQueueSize != 5 || got.MaxConcurrent != 2 {
			t.Fatalf("config after update = %+v", got)
		}
	})

	t.Run("raising concurrency dispatches", func(t *testing.T) {
		t.Parallel()
		started := make(chan struct{}, 4)
		release := make(chan struct{})
		defer close(release)
		r := newRig(t, Config{MaxConcurrent: 1},
			map[string]env.Program{"block": blockingProgram(started, release)},
			[]task.Task{{ID: "t1", Program: "block"}},
		)
		for i := 0; i < 2; i++ {
			if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
				t.Fatalf("Schedule #%d: %v", i, err)
			}
		}
		<-started

		two := 2
		if _, err := r.sched.UpdateConfig(ConfigUpdate{MaxConcurrent: &two}); err != nil {
			t.Fatalf("UpdateConfig: %v", err)
		}
		// The queued entry must start without any run finishing.
		<-started
		if st := r.sched.Status(); st.ActiveCount != 2 {
			t.Fatalf("ActiveCount = %d, want 2", st.ActiveCount)
		}
	})
}

func TestStatusSnapshotIsolation(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	r := newRig(t, Config{MaxConcurrent: 1},
		map[string]env.Program{"block": blockingProgram(started, release)},
		[]task.Task{{ID: "t1", Program: "block"}},
	)

	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{TaskID: "t1"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-started
	if _, err := r.sched.Schedule(context.Background(), task.ExecutionRequest{
		TaskID: "t1",
		Params: map[string]any{"k": "v"},
	}); err != nil {
		t.Fatalf("Schedule pending: %v", err)
	}

	st := r.sched.Status()
	if len(st.Pending) != 1 || len(st.Active) != 1 {
		t.Fatalf("snapshot sizes: pending=%d active=%d", len(st.Pending), len(st.Active))
	}
	// Mutating the snapshot must not leak into the queue.
	st.Pending[0].Request.Params["k"] = "mutated"
	st2 := r.sched.Status()
	if got := st2.Pending[0].Request.Params["k"]; got != "v" {
		t.Fatalf("queue params mutated through snapshot: %v", got)
	}
}
