package schedule

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"webtaskd/internal/sched"
	"webtaskd/internal/task"
	logx "webtaskd/pkg/logx"
)

// Entry is one configured schedule: fire the given task on the given spec.
type Entry struct {
	Name     string
	TaskID   string
	Spec     string
	Priority int
	Timeout  time.Duration
	Profile  string
	Params   map[string]any
}

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	Entries  []Entry
}

// Dispatcher queues one execution request. Satisfied by the scheduler, or by
// a wrapper that adds auditing around it.
type Dispatcher interface {
	Schedule(ctx context.Context, req task.ExecutionRequest) (string, error)
}

// DispatchFunc adapts a plain function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, req task.ExecutionRequest) (string, error)

func (f DispatchFunc) Schedule(ctx context.Context, req task.ExecutionRequest) (string, error) {
	return f(ctx, req)
}

type entryDef struct {
	entry         Entry
	cronSpec      string // normalized spec handed to cron
	entryID       cron.EntryID
	startupSpread time.Duration
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger

	dispatch Dispatcher
	cfg      Config

	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	defs    []*entryDef
	started bool
	baseCtx context.Context

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, dispatch Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		dispatch: dispatch,
		log:      log.With(logx.String("component", "schedule")),
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		baseCtx:     context.Background(),
		lastEnqWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins cron triggering for the configured entries. No-op when the
// service is disabled; Apply can enable it later.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.baseCtx = ctx
	if s.cfg.Enabled {
		s.startLocked()
	} else {
		s.log.Debug("schedules disabled; not starting")
	}
}

// Stop halts triggering. Entries already handed to the dispatcher are not
// affected.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	s.started = false
	c := s.c
	s.c = nil
	s.defs = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}
}

// Apply swaps in a new config, restarting cron when entries, timezone or the
// enabled flag changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reflect.DeepEqual(s.cfg, cfg) {
		return
	}
	s.cfg = cfg
	if !s.started {
		return
	}

	if s.c != nil {
		c := s.c
		s.c = nil
		s.defs = nil
		// Triggering is already detached; the final drain can run unsupervised.
		go func() { <-c.Stop().Done() }()
	}
	if cfg.Enabled {
		s.startLocked()
	} else {
		s.log.Info("schedules disabled")
	}
}

func (s *Service) startLocked() {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	s.defs = make([]*entryDef, 0, len(s.cfg.Entries))
	for _, e := range s.cfg.Entries {
		d, err := s.registerLocked(e)
		if err != nil {
			s.log.Error("schedule register failed",
				logx.String("name", e.Name),
				logx.String("spec", e.Spec),
				logx.Err(err),
			)
			continue
		}
		s.defs = append(s.defs, d)
		args := []logx.Field{
			logx.String("name", e.Name),
			logx.String("task", e.TaskID),
			logx.String("spec", d.cronSpec),
		}
		if next := s.previewNextRunsLocked(d.cronSpec, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("schedule registered", args...)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) registerLocked(e Entry) (*entryDef, error) {
	ps, err := ParseSchedule(e.Spec)
	if err != nil {
		return nil, err
	}

	d := &entryDef{entry: e}
	switch ps.Kind {
	case SpecInterval:
		d.cronSpec = "@every " + ps.Every.String()
	default:
		d.cronSpec = ps.Cron
	}

	job := cron.FuncJob(func() { s.trigger(d) })

	// Interval entries get a random first-run delay so a restart doesn't fire
	// them all at once. Cron entries keep their absolute times.
	if everyStr, ok := strings.CutPrefix(d.cronSpec, "@every "); ok {
		if every, perr := time.ParseDuration(strings.TrimSpace(everyStr)); perr == nil && every > 0 {
			sched, jitter := intervalWithSpread(every, time.Now().In(s.loc))
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return d, nil
		}
	}

	eid, err := s.c.AddJob(d.cronSpec, job)
	if err != nil {
		return nil, err
	}
	d.entryID = eid
	return d, nil
}

func (s *Service) trigger(d *entryDef) {
	e := d.entry
	req := task.ExecutionRequest{
		TaskID:    e.TaskID,
		ProfileID: e.Profile,
		Priority:  e.Priority,
		Timeout:   e.Timeout,
		Origin:    "schedule:" + e.Name,
	}
	if len(e.Params) > 0 {
		req.Params = make(map[string]any, len(e.Params))
		for k, v := range e.Params {
			req.Params[k] = v
		}
	}

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	queueID, err := s.dispatch.Schedule(ctx, req)
	if err != nil {
		s.reportEnqueueError(e.Name, err)
		return
	}
	s.log.Debug("schedule fired",
		logx.String("name", e.Name),
		logx.String("task", e.TaskID),
		logx.String("queue_id", queueID),
	)
}

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs dispatch failures without flooding: a stopped
// scheduler is routine during shutdown, and a full queue tends to reject in
// bursts.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, sched.ErrStopped) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue execution", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked formats the next n run times for a spec, for debug
// logs only.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
