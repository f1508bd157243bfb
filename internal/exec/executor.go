package exec

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"webtaskd/internal/env"
	"webtaskd/internal/runtime/supervisor"
	"webtaskd/internal/task"
	logx "webtaskd/pkg/logx"
)

// Config controls the executor.
type Config struct {
	// DefaultTimeout bounds runs whose request and task set none. 0 leaves
	// such runs unbounded.
	DefaultTimeout time.Duration
}

// Executor launches task programs in the environment, tracks their lifecycle
// and persists their records.
type Executor struct {
	environment *env.Environment
	tasks       *task.Registry
	store       RecordStore
	sup         *supervisor.Supervisor
	log         logx.Logger

	mu   sync.Mutex
	cfg  Config
	runs map[string]*runState
}

// runState is the in-flight bookkeeping for one run. final/finalErr are set
// exactly once, before done is closed.
type runState struct {
	cancel        context.CancelFunc
	stopRequested atomic.Bool
	// settled flips when finish takes over; late log and progress writes
	// must not touch the store past that point.
	settled atomic.Bool
	done    chan struct{}

	logMu sync.Mutex

	final    *Execution
	finalErr error
}

// Run is a handle to an in-flight execution.
type Run struct {
	ID    string
	state *runState
}

// Done closes when the execution reaches a terminal status and its record is
// persisted.
func (r *Run) Done() <-chan struct{} { return r.state.done }

// Outcome returns the final record once Done is closed. The error is non-nil
// only for FAILED and TIMEOUT outcomes.
func (r *Run) Outcome() (*Execution, error) {
	select {
	case <-r.state.done:
	default:
		return nil, errors.New("execution still running")
	}
	return r.state.final, r.state.finalErr
}

func New(cfg Config, environment *env.Environment, tasks *task.Registry, store RecordStore, sup *supervisor.Supervisor, log logx.Logger) *Executor {
	return &Executor{
		environment: environment,
		tasks:       tasks,
		store:       store,
		sup:         sup,
		log:         log.With(logx.String("component", "exec")),
		cfg:         cfg,
		runs:        map[string]*runState{},
	}
}

// ApplyConfig installs new executor settings; in-flight runs keep the
// timeout they started with.
func (x *Executor) ApplyConfig(cfg Config) {
	x.mu.Lock()
	x.cfg = cfg
	x.mu.Unlock()
}

// RunOption tweaks a single Begin call.
type RunOption func(*Execution)

// WithQueueID links the record to the scheduler queue entry that launched it.
func WithQueueID(id string) RunOption {
	return func(rec *Execution) { rec.QueueID = id }
}

// Begin starts one execution and returns immediately with a handle. The run
// itself is supervised and outlives ctx; ctx only gates the setup.
func (x *Executor) Begin(ctx context.Context, req task.ExecutionRequest, opts ...RunOption) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, ok := x.tasks.Get(req.TaskID)
	if !ok {
		return nil, fmt.Errorf("unknown task %q", req.TaskID)
	}

	rec := &Execution{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		TaskName:  t.Name,
		ProfileID: req.ProfileID,
		Status:    StatusPending,
		Params:    t.EffectiveParams(req.Params),
		Debug:     req.Debug,
		StartTime: time.Now(),
	}
	for _, o := range opts {
		o(rec)
	}
	if err := x.store.SaveExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	timeout := x.effectiveTimeout(req, t)

	// The run must not die with the caller: derive from the supervisor root.
	base := context.Background()
	if x.sup != nil {
		base = x.sup.Context()
	}
	runCtx, cancel := context.WithCancel(base)

	st := &runState{cancel: cancel, done: make(chan struct{})}
	x.mu.Lock()
	x.runs[rec.ID] = st
	x.mu.Unlock()

	x.log.Debug("execution starting",
		logx.String("execution_id", rec.ID),
		logx.String("task", t.ID),
		logx.Duration("timeout", timeout),
	)

	// One shared stats name; per-id names would grow the supervisor's stats
	// map without bound.
	body := func() { x.run(runCtx, st, rec, t, timeout) }
	if x.sup != nil {
		x.sup.Go0("exec.run", func(context.Context) { body() })
	} else {
		go body()
	}

	return &Run{ID: rec.ID, state: st}, nil
}

func (x *Executor) effectiveTimeout(req task.ExecutionRequest, t task.Task) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if t.DefaultTimeout > 0 {
		return t.DefaultTimeout
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cfg.DefaultTimeout
}

// run drives one execution to a terminal status. It owns rec exclusively.
func (x *Executor) run(runCtx context.Context, st *runState, rec *Execution, t task.Task, timeout time.Duration) {
	defer st.cancel()

	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	rec.Status = StatusRunning
	if err := x.store.SaveExecution(runCtx, rec); err != nil {
		x.log.Warn("persisting running status failed",
			logx.String("execution_id", rec.ID), logx.Err(err))
	}

	rc, err := x.environment.CreateContext(runCtx, env.ContextSpec{
		ExecutionID: rec.ID,
		TaskID:      rec.TaskID,
		ProfileID:   rec.ProfileID,
		Params:      rec.Params,
		Debug:       rec.Debug,
		Log: func(level, msg string) {
			x.appendLog(st, rec, LogEntry{Time: time.Now(), Level: level, Message: msg})
		},
		Progress: func(percent float64, msg string) {
			x.setProgress(st, rec, percent, msg)
		},
	})
	if err != nil {
		x.finish(st, rec, nil, err, runCtx, timeout)
		return
	}
	defer func() {
		// Cleanup runs exactly once per created context, on its own budget;
		// a failed cleanup never changes the outcome.
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if cerr := x.environment.Cleanup(cctx, rc); cerr != nil {
			x.log.Warn("environment cleanup failed",
				logx.String("execution_id", rec.ID), logx.Err(cerr))
		}
		cancel()
	}()

	value, err := x.invoke(runCtx, rc, t.Program)
	x.finish(st, rec, value, err, runCtx, timeout)
}

// invoke runs the program, converting a panic into an error so the record
// still reaches a terminal status.
func (x *Executor) invoke(ctx context.Context, rc *env.Context, program string) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("program panicked: %v", r)
			x.log.Error("program panic",
				logx.String("execution_id", rc.ExecutionID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return x.environment.Run(ctx, rc, program)
}

// finish classifies the outcome, persists the terminal record and releases
// the run handle. Explicit stops win over plain failures; an expired deadline
// wins over a stop that arrived after it.
func (x *Executor) finish(st *runState, rec *Execution, value any, runErr error, runCtx context.Context, timeout time.Duration) {
	ctxErr := runCtx.Err()
	usage := sampleUsage()

	// Mutate under logMu so a straggler log or progress report from a leaked
	// program goroutine cannot interleave with the terminal write.
	st.logMu.Lock()
	st.settled.Store(true)
	now := time.Now()
	rec.EndTime = now
	rec.Duration = now.Sub(rec.StartTime)
	rec.Usage = usage

	var finalErr error
	switch {
	case st.stopRequested.Load() && errors.Is(ctxErr, context.Canceled):
		rec.Status = StatusStopped
		rec.Error = "stopped by request"
	case errors.Is(ctxErr, context.DeadlineExceeded):
		rec.Status = StatusTimeout
		rec.Error = fmt.Sprintf("%v after %s", ErrExecutionTimeout, timeout)
		finalErr = fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
	case runErr != nil:
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
		finalErr = fmt.Errorf("%w: %w", ErrExecutionFailed, runErr)
	default:
		rec.Status = StatusCompleted
		rec.Progress = 100
		if value != nil {
			rec.Result = &Result{Value: value}
		}
	}
	final := rec.Clone()
	st.logMu.Unlock()

	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := x.store.SaveExecution(pctx, final); err != nil {
		x.log.Error("persisting terminal status failed",
			logx.String("execution_id", rec.ID), logx.Err(err))
	}
	cancel()

	x.mu.Lock()
	delete(x.runs, rec.ID)
	x.mu.Unlock()

	x.log.Info("execution finished",
		logx.String("execution_id", rec.ID),
		logx.String("task", rec.TaskID),
		logx.String("status", string(rec.Status)),
		logx.Duration("duration", rec.Duration),
	)

	st.final = final
	st.finalErr = finalErr
	close(st.done)
}

func (x *Executor) appendLog(st *runState, rec *Execution, e LogEntry) {
	if st.settled.Load() {
		return
	}
	st.logMu.Lock()
	rec.Logs = append(rec.Logs, e)
	st.logMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := x.store.AppendExecutionLog(ctx, rec.ID, e); err != nil {
		x.log.Debug("appending execution log failed",
			logx.String("execution_id", rec.ID), logx.Err(err))
	}
	cancel()
}

// setProgress records how far the run has come and persists a snapshot so
// status reads see live progress. Reports arriving after the run settled are
// dropped; the terminal save owns the record from then on.
func (x *Executor) setProgress(st *runState, rec *Execution, percent float64, msg string) {
	if st.settled.Load() {
		return
	}
	st.logMu.Lock()
	rec.Progress = percent
	if msg != "" {
		rec.ProgressMessage = msg
	}
	cp := rec.Clone()
	st.logMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := x.store.SaveExecution(ctx, cp); err != nil {
		x.log.Debug("persisting progress failed",
			logx.String("execution_id", rec.ID), logx.Err(err))
	}
	cancel()
}

// ExecuteTask runs a task to completion. If ctx is cancelled while the run is
// in flight, the run is stopped and the STOPPED record returned.
func (x *Executor) ExecuteTask(ctx context.Context, req task.ExecutionRequest, opts ...RunOption) (*Execution, error) {
	run, err := x.Begin(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		_ = x.StopExecution(context.Background(), run.ID)
		<-run.Done()
	}
	return run.Outcome()
}

// StopExecution requests termination of an in-flight run. Stopping an
// execution that already finished is a no-op; its record keeps the original
// end time and duration. Unknown ids return ErrExecutionNotFound.
func (x *Executor) StopExecution(ctx context.Context, id string) error {
	x.mu.Lock()
	st, ok := x.runs[id]
	x.mu.Unlock()
	if ok {
		st.stopRequested.Store(true)
		st.cancel()
		x.log.Debug("stop requested", logx.String("execution_id", id))
		return nil
	}

	rec, err := x.store.Execution(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if rec.Status.Terminal() {
		return nil
	}
	// A non-terminal record without a live run only happens for records
	// restored from a previous process; mark them stopped now.
	markOrphanStopped(rec)
	return x.store.SaveExecution(ctx, rec)
}

// RecoverOrphans marks every non-terminal record without a live run as
// STOPPED. Called once at startup: a crashed process leaves PENDING and
// RUNNING rows behind in the persistent drivers, and nothing would ever
// finish them.
func (x *Executor) RecoverOrphans(ctx context.Context) (int, error) {
	recs, err := x.store.Executions(ctx, RecordFilter{
		Statuses: []Status{StatusPending, StatusRunning},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		x.mu.Lock()
		_, live := x.runs[rec.ID]
		x.mu.Unlock()
		if live {
			continue
		}
		markOrphanStopped(rec)
		if err := x.store.SaveExecution(ctx, rec); err != nil {
			return n, fmt.Errorf("recover %s: %w", rec.ID, err)
		}
		n++
	}
	if n > 0 {
		x.log.Info("orphaned executions recovered", logx.Int("count", n))
	}
	return n, nil
}

func markOrphanStopped(rec *Execution) {
	rec.Status = StatusStopped
	rec.Error = "stopped: no live run"
	if rec.EndTime.IsZero() {
		rec.EndTime = time.Now()
		rec.Duration = rec.EndTime.Sub(rec.StartTime)
	}
}

// GetExecution returns one record by id.
func (x *Executor) GetExecution(ctx context.Context, id string) (*Execution, error) {
	rec, err := x.store.Execution(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return rec, nil
}

// GetExecutions lists records matching the filter, newest first.
func (x *Executor) GetExecutions(ctx context.Context, f RecordFilter) ([]*Execution, error) {
	return x.store.Executions(ctx, f)
}

// ActiveCount reports the number of in-flight runs.
func (x *Executor) ActiveCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.runs)
}

// Shutdown stops all in-flight runs and waits for them to finish, bounded by
// ctx.
func (x *Executor) Shutdown(ctx context.Context) error {
	x.mu.Lock()
	states := make([]*runState, 0, len(x.runs))
	for _, st := range x.runs {
		states = append(states, st)
	}
	x.mu.Unlock()

	for _, st := range states {
		st.stopRequested.Store(true)
		st.cancel()
	}
	for _, st := range states {
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
