package sched

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"webtaskd/internal/eventbus"
	"webtaskd/internal/exec"
	"webtaskd/internal/runtime/supervisor"
	"webtaskd/internal/task"
	logx "webtaskd/pkg/logx"
)

// Scheduler accepts execution requests, queues them by priority and
// dispatches up to MaxConcurrent of them to the executor. All queue state
// lives behind one mutex; dispatch happens inline under it so the ceiling
// can never be overshot.
type Scheduler struct {
	executor *exec.Executor
	tasks    *task.Registry
	bus      eventbus.Bus
	sup      *supervisor.Supervisor
	log      logx.Logger

	warnAt atomic.Int64

	mu      sync.Mutex
	cfg     Config
	pending []*QueuedExecution
	active  map[string]*activeRun
	history []HistoryItem
	seq     uint64
	idle    bool
	stopped bool
}

// activeRun pairs a queue entry with its in-flight run handle.
type activeRun struct {
	queueID   string
	taskID    string
	priority  int
	run       *exec.Run
	startedAt time.Time
}

// New builds a scheduler. The executor's default timeout is owned by the
// scheduler config from here on; updates flow through Apply/UpdateConfig.
func New(cfg Config, executor *exec.Executor, tasks *task.Registry, bus eventbus.Bus, sup *supervisor.Supervisor, log logx.Logger) *Scheduler {
	s := &Scheduler{
		executor: executor,
		tasks:    tasks,
		bus:      bus,
		sup:      sup,
		log:      log.With(logx.String("component", "sched")),
		cfg:      cfg.withDefaults(),
		active:   map[string]*activeRun{},
		idle:     true,
	}
	executor.ApplyConfig(exec.Config{DefaultTimeout: s.cfg.DefaultTimeout})
	return s
}

// Schedule enqueues one execution request and returns its queue id
// immediately; the run starts as soon as a slot frees up. Higher priority
// dispatches first, equal priorities keep submission order. A full queue
// fails with ErrQueueFull and leaves the queue untouched.
func (s *Scheduler) Schedule(ctx context.Context, req task.ExecutionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, ok := s.tasks.Get(req.TaskID); !ok {
		return "", fmt.Errorf("unknown task %q", req.TaskID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}
	if len(s.pending) >= s.cfg.MaxQueueSize {
		s.emitLocked(EventQueueFull, ExecutionEvent{
			TaskID:   req.TaskID,
			Priority: req.Priority,
			Error:    ErrQueueFull.Error(),
		})
		if s.shouldWarn() {
			s.log.Warn("queue full; rejecting execution",
				logx.String("task", req.TaskID),
				logx.Int("max_queue_size", s.cfg.MaxQueueSize),
			)
		}
		return "", fmt.Errorf("%w (size %d)", ErrQueueFull, s.cfg.MaxQueueSize)
	}

	item := &QueuedExecution{
		QueueID:    s.nextIDLocked(),
		Request:    cloneRequest(req),
		EnqueuedAt: time.Now(),
	}
	// Insert after the last entry of equal priority: descending order with
	// stable FIFO ties.
	idx := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].Request.Priority < req.Priority
	})
	s.pending = append(s.pending, nil)
	copy(s.pending[idx+1:], s.pending[idx:])
	s.pending[idx] = item
	s.idle = false

	s.emitLocked(EventExecutionQueued, ExecutionEvent{
		QueueID:  item.QueueID,
		TaskID:   req.TaskID,
		Priority: req.Priority,
	})
	s.log.Debug("execution queued",
		logx.String("queue_id", item.QueueID),
		logx.String("task", req.TaskID),
		logx.Int("priority", req.Priority),
		logx.Int("pending", len(s.pending)),
	)

	s.drainLocked()
	return item.QueueID, nil
}

// drainLocked dispatches from the head of the queue while slots are free.
// Safe to call from any path that already holds the mutex.
func (s *Scheduler) drainLocked() {
	for !s.stopped && len(s.pending) > 0 && len(s.active) < s.cfg.MaxConcurrent {
		item := s.pending[0]
		copy(s.pending, s.pending[1:])
		s.pending[len(s.pending)-1] = nil
		s.pending = s.pending[:len(s.pending)-1]

		run, err := s.executor.Begin(s.baseCtx(), item.Request, exec.WithQueueID(item.QueueID))
		if err != nil {
			s.log.Error("dispatch failed",
				logx.String("queue_id", item.QueueID),
				logx.String("task", item.Request.TaskID),
				logx.Err(err),
			)
			s.pushHistoryLocked(HistoryItem{
				QueueID:    item.QueueID,
				TaskID:     item.Request.TaskID,
				Status:     exec.StatusFailed,
				FinishedAt: time.Now(),
				Error:      err.Error(),
			})
			s.emitLocked(EventExecutionFailed, ExecutionEvent{
				QueueID: item.QueueID,
				TaskID:  item.Request.TaskID,
				Status:  string(exec.StatusFailed),
				Error:   err.Error(),
			})
			continue
		}

		ar := &activeRun{
			queueID:   item.QueueID,
			taskID:    item.Request.TaskID,
			priority:  item.Request.Priority,
			run:       run,
			startedAt: time.Now(),
		}
		s.active[item.QueueID] = ar
		s.emitLocked(EventExecutionStarted, ExecutionEvent{
			QueueID:     item.QueueID,
			ExecutionID: run.ID,
			TaskID:      ar.taskID,
			Priority:    ar.priority,
		})
		s.log.Info("execution started",
			logx.String("queue_id", item.QueueID),
			logx.String("execution_id", run.ID),
			logx.String("task", ar.taskID),
			logx.Int("active", len(s.active)),
		)
		s.watch(ar)
	}
}

func (s *Scheduler) watch(ar *activeRun) {
	body := func() {
		<-ar.run.Done()
		s.onFinished(ar)
	}
	if s.sup != nil {
		s.sup.Go0("sched.watch", func(context.Context) { body() })
	} else {
		go body()
	}
}

// onFinished releases the slot, records history and emits the terminal
// event. Entries already removed by Cancel only record history; their event
// was emitted at cancel time.
func (s *Scheduler) onFinished(ar *activeRun) {
	rec, _ := ar.run.Outcome()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.active[ar.queueID]
	removed := ok && cur == ar
	if removed {
		delete(s.active, ar.queueID)
	}

	item := HistoryItem{QueueID: ar.queueID, TaskID: ar.taskID, FinishedAt: time.Now()}
	if rec != nil {
		item.ExecutionID = rec.ID
		item.Status = rec.Status
		item.Duration = rec.Duration
		item.Error = rec.Error
		if !rec.EndTime.IsZero() {
			item.FinishedAt = rec.EndTime
		}
	}
	s.pushHistoryLocked(item)

	if removed && rec != nil {
		ev := ExecutionEvent{
			QueueID:     ar.queueID,
			ExecutionID: rec.ID,
			TaskID:      ar.taskID,
			Status:      string(rec.Status),
			Error:       rec.Error,
		}
		switch rec.Status {
		case exec.StatusCompleted:
			s.emitLocked(EventExecutionCompleted, ev)
		case exec.StatusStopped, exec.StatusCancelled:
			s.emitLocked(EventExecutionCancelled, ev)
		default:
			s.emitLocked(EventExecutionFailed, ev)
		}
	}

	if !s.stopped {
		s.drainLocked()
	}
	s.maybeIdleLocked()
}

// Cancel removes a queue entry. Pending entries are dropped before they ever
// run; active entries release their slot immediately while the run winds
// down in the background. Cancelling an entry that already left the queue
// fails with ErrExecutionNotFound.
func (s *Scheduler) Cancel(ctx context.Context, queueID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.pending {
		if item.QueueID != queueID {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		s.emitLocked(EventExecutionCancelled, ExecutionEvent{
			QueueID: queueID,
			TaskID:  item.Request.TaskID,
			Status:  string(exec.StatusCancelled),
		})
		s.log.Info("queued execution cancelled",
			logx.String("queue_id", queueID),
			logx.String("task", item.Request.TaskID),
		)
		s.maybeIdleLocked()
		return nil
	}

	if ar, ok := s.active[queueID]; ok {
		delete(s.active, queueID)
		s.emitLocked(EventExecutionCancelled, ExecutionEvent{
			QueueID:     queueID,
			ExecutionID: ar.run.ID,
			TaskID:      ar.taskID,
			Status:      string(exec.StatusStopped),
		})
		s.log.Info("active execution cancelled",
			logx.String("queue_id", queueID),
			logx.String("execution_id", ar.run.ID),
		)
		execID := ar.run.ID
		stop := func() { _ = s.executor.StopExecution(context.Background(), execID) }
		if s.sup != nil {
			s.sup.Go0("sched.cancel", func(context.Context) { stop() })
		} else {
			go stop()
		}
		s.drainLocked()
		s.maybeIdleLocked()
		return nil
	}

	return fmt.Errorf("%w: queue id %s", exec.ErrExecutionNotFound, queueID)
}

// ClearQueue drops every pending entry, emitting one cancel event each.
// Active runs are not touched. Returns the number of dropped entries.
func (s *Scheduler) ClearQueue(ctx context.Context) int {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.pending
	s.pending = nil
	for _, item := range items {
		s.emitLocked(EventExecutionCancelled, ExecutionEvent{
			QueueID: item.QueueID,
			TaskID:  item.Request.TaskID,
			Status:  string(exec.StatusCancelled),
		})
	}
	if len(items) > 0 {
		s.log.Info("queue cleared", logx.Int("dropped", len(items)))
	}
	s.maybeIdleLocked()
	return len(items)
}

// Status returns a snapshot of the queue. All slices are fresh copies.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		PendingCount: len(s.pending),
		ActiveCount:  len(s.active),
		Config:       s.cfg,
	}
	st.Pending = make([]QueuedExecution, 0, len(s.pending))
	for _, item := range s.pending {
		cp := *item
		cp.Request = cloneRequest(item.Request)
		st.Pending = append(st.Pending, cp)
	}
	st.Active = make([]ActiveExecution, 0, len(s.active))
	for _, ar := range s.active {
		st.Active = append(st.Active, ActiveExecution{
			QueueID:     ar.queueID,
			ExecutionID: ar.run.ID,
			TaskID:      ar.taskID,
			Priority:    ar.priority,
			StartedAt:   ar.startedAt,
		})
	}
	sort.Slice(st.Active, func(i, j int) bool {
		if !st.Active[i].StartedAt.Equal(st.Active[j].StartedAt) {
			return st.Active[i].StartedAt.Before(st.Active[j].StartedAt)
		}
		return st.Active[i].QueueID < st.Active[j].QueueID
	})
	st.Recent = make([]HistoryItem, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		st.Recent = append(st.Recent, s.history[i])
	}
	return st
}

// ExecutionByQueueID resolves a queue entry to its execution record.
// Pending entries have no record yet and return (nil, nil); entries that
// aged out of history fail with ErrExecutionNotFound.
func (s *Scheduler) ExecutionByQueueID(ctx context.Context, queueID string) (*exec.Execution, error) {
	s.mu.Lock()
	for _, item := range s.pending {
		if item.QueueID == queueID {
			s.mu.Unlock()
			return nil, nil
		}
	}
	var execID string
	if ar, ok := s.active[queueID]; ok {
		execID = ar.run.ID
	} else {
		for i := len(s.history) - 1; i >= 0; i-- {
			if s.history[i].QueueID == queueID {
				execID = s.history[i].ExecutionID
				break
			}
		}
	}
	s.mu.Unlock()

	if execID == "" {
		return nil, fmt.Errorf("%w: queue id %s", exec.ErrExecutionNotFound, queueID)
	}
	return s.executor.GetExecution(ctx, execID)
}

// UpdateConfig merges the non-nil fields into the active config. Raising
// MaxConcurrent dispatches immediately; lowering MaxQueueSize never evicts
// entries already queued.
func (s *Scheduler) UpdateConfig(u ConfigUpdate) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	if u.MaxConcurrent != nil {
		if *u.MaxConcurrent < 1 {
			return Config{}, fmt.Errorf("max concurrent must be >= 1")
		}
		next.MaxConcurrent = *u.MaxConcurrent
	}
	if u.MaxQueueSize != nil {
		if *u.MaxQueueSize < 0 {
			return Config{}, fmt.Errorf("max queue size must be >= 0")
		}
		next.MaxQueueSize = *u.MaxQueueSize
	}
	if u.DefaultTimeout != nil {
		if *u.DefaultTimeout < 0 {
			return Config{}, fmt.Errorf("default timeout must be >= 0")
		}
		next.DefaultTimeout = *u.DefaultTimeout
	}
	if u.HistorySize != nil {
		if *u.HistorySize < 1 {
			return Config{}, fmt.Errorf("history size must be >= 1")
		}
		next.HistorySize = *u.HistorySize
	}
	if u.RetryAttempts != nil {
		if *u.RetryAttempts < 0 {
			return Config{}, fmt.Errorf("retry attempts must be >= 0")
		}
		next.RetryAttempts = *u.RetryAttempts
	}
	if u.RetryDelay != nil {
		if *u.RetryDelay < 0 {
			return Config{}, fmt.Errorf("retry delay must be >= 0")
		}
		next.RetryDelay = *u.RetryDelay
	}

	s.applyLocked(next)
	return s.cfg, nil
}

// Apply replaces the whole config (reload path).
func (s *Scheduler) Apply(cfg Config) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg.withDefaults())
	return s.cfg
}

func (s *Scheduler) applyLocked(next Config) {
	prev := s.cfg
	s.cfg = next
	if len(s.history) > next.HistorySize {
		s.history = s.history[len(s.history)-next.HistorySize:]
	}
	s.executor.ApplyConfig(exec.Config{DefaultTimeout: next.DefaultTimeout})
	if next != prev {
		s.log.Info("scheduler config applied",
			logx.Int("max_concurrent", next.MaxConcurrent),
			logx.Int("max_queue_size", next.MaxQueueSize),
			logx.Duration("default_timeout", next.DefaultTimeout),
		)
	}
	if next.MaxConcurrent > prev.MaxConcurrent && !s.stopped {
		s.drainLocked()
	}
}

// Stop drops the pending queue and waits (bounded by ctx) for active runs to
// finish. It does not force-stop them; runs still alive afterwards are the
// executor Shutdown's job. Further scheduling fails with ErrStopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	items := s.pending
	s.pending = nil
	for _, item := range items {
		s.emitLocked(EventExecutionCancelled, ExecutionEvent{
			QueueID: item.QueueID,
			TaskID:  item.Request.TaskID,
			Status:  string(exec.StatusCancelled),
		})
	}
	waits := make([]*activeRun, 0, len(s.active))
	for _, ar := range s.active {
		waits = append(waits, ar)
	}
	s.mu.Unlock()

	if len(items) > 0 {
		s.log.Info("pending queue dropped on stop", logx.Int("count", len(items)))
	}
	for _, ar := range waits {
		select {
		case <-ar.run.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Scheduler) emitLocked(typ string, ev ExecutionEvent) {
	ev.Pending = len(s.pending)
	ev.Active = len(s.active)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Scheduler) maybeIdleLocked() {
	if s.idle || len(s.pending) > 0 || len(s.active) > 0 || s.stopped {
		return
	}
	s.idle = true
	s.emitLocked(EventQueueEmpty, ExecutionEvent{})
	s.log.Debug("queue empty")
}

func (s *Scheduler) pushHistoryLocked(item HistoryItem) {
	s.history = append(s.history, item)
	if max := s.cfg.HistorySize; len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
}

// nextIDLocked returns a process-unique queue id. The nanosecond component
// keeps ids unique across restarts as well.
func (s *Scheduler) nextIDLocked() string {
	s.seq++
	return fmt.Sprintf("q-%x-%x", time.Now().UnixNano(), s.seq)
}

func (s *Scheduler) baseCtx() context.Context {
	if s.sup != nil {
		return s.sup.Context()
	}
	return context.Background()
}

// shouldWarn rate-limits queue-full warnings to one per 30s window.
func (s *Scheduler) shouldWarn() bool {
	const window = int64(30 * time.Second)
	now := time.Now().UnixNano()
	last := s.warnAt.Load()
	if now-last < window {
		return false
	}
	return s.warnAt.CompareAndSwap(last, now)
}

func cloneRequest(req task.ExecutionRequest) task.ExecutionRequest {
	if req.Params == nil {
		return req
	}
	params := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	req.Params = params
	return req
}
