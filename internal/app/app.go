// Package app wires the daemon together: config manager, logging, storage,
// the execution environment, queue, recurring schedules, alert notifier and
// pprof. It owns startup order, hot reload fan-out and shutdown order.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"webtaskd/internal/config"
	"webtaskd/internal/env"
	"webtaskd/internal/eventbus"
	"webtaskd/internal/exec"
	"webtaskd/internal/notifier"
	"webtaskd/internal/observability/pprof"
	"webtaskd/internal/runtime/supervisor"
	"webtaskd/internal/sched"
	"webtaskd/internal/schedule"
	"webtaskd/internal/storage"
	"webtaskd/internal/task"
	kit "webtaskd/internal/transport"
	"webtaskd/internal/transport/telegram"
	logx "webtaskd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger // app-scoped
	root logx.Logger // unscoped; subsystems attach their own component field
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	programs    *env.Registry
	tasks       *task.Registry
	environment *env.Environment

	executor  *exec.Executor
	sched     *sched.Scheduler
	schedules *schedule.Service
	notif     *notifier.Service
	pprof     *pprof.Service

	// Alert routing target, swapped on hot reload.
	alertMu     sync.Mutex
	alertChat   int64
	alertThread int
}

// New loads and validates the config, then builds everything that does not
// need the run context: transport, logging, storage, registries, notifier,
// pprof. The executor and queue are built in Start, under the supervisor.
func New(cfgPath string) (*App, error) {
	a := &App{cfgPath: cfgPath}

	a.programs = env.NewRegistry()
	if err := env.RegisterBuiltins(a.programs); err != nil {
		return nil, err
	}
	a.tasks = task.NewRegistry()

	// Bootstrap with a console logger; the real log service replaces it once
	// the config is loaded.
	bootLog := logx.NewConsole("INFO")
	a.cfgm = config.NewManager(cfgPath, bootLog, a.validateConfig)
	cfg, err := a.cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	// Telegram is optional: without a token the daemon runs headless, with
	// alerts and log forwarding off.
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		reqTimeout, err := config.ParseDurationOrDefault(
			"telegram.request_timeout", cfg.Telegram.RequestTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:          cfg.Telegram.Token,
			RequestTimeout: reqTimeout,
		}, bootLog.With(logx.String("component", "telegram")))
		if err != nil {
			return nil, err
		}
		a.adapter = ad
	}

	// logx.New applies its config immediately. Telegram forwarding starts
	// disabled so that first Apply cannot warn about a missing target; the
	// target is set below, then the real flag applied.
	logSvc, root := logx.New(mapLoggingConfig(cfg, false), a.adapter)
	a.logs = logSvc
	a.root = root
	a.log = root.With(logx.String("component", "app"))

	if chatID, ok := parseAlertChat(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
		a.setAlertTarget(chatID, cfg.Telegram.ThreadID)
	}
	logSvc.Apply(mapLoggingConfig(cfg, cfg.Logging.Telegram.Enabled))

	a.bus = eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, a.root)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", storeCfg.Driver))

	a.environment = env.New(env.NoopProvider(), a.programs, a.root)

	catalog, err := mapTasks(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.tasks.Replace(catalog); err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, a.adapter, a.root, a.bus, a.store)

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.pprof = pprof.New(ppc, a.root)

	return a, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.root)

	cfg := a.cfgm.Get()

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	// The scheduler owns the executor's default timeout; exec starts with a
	// zero config and receives it through sched.New.
	a.executor = exec.New(exec.Config{}, a.environment, a.tasks, a.store, a.sup, a.root)
	a.sched = sched.New(schedCfg, a.executor, a.tasks, a.bus, a.sup, a.root)

	// Records left non-terminal by a previous process would sit RUNNING
	// forever; stop them before any new intake.
	if _, err := a.executor.RecoverOrphans(ctx); err != nil {
		a.log.Warn("orphan recovery failed", logx.Err(err))
	}

	scfg, err := mapScheduleConfig(cfg, schedulerEnabled(cfg))
	if err != nil {
		return err
	}
	a.schedules = schedule.New(scfg, schedule.DispatchFunc(a.dispatchExecution), a.root)

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.schedules.Start(a.sup.Context())
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Bus consumers: debug mirror, operator alerts, audit trail.
	events, unsubEvents := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubEvents()
		a.runEventLog(c, events)
	})
	alerts, unsubAlerts := a.bus.Subscribe(64)
	a.sup.Go0("eventbus.alerts", func(c context.Context) {
		defer unsubAlerts()
		a.runAlerts(c, alerts)
	})
	audits, unsubAudits := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.audit", func(c context.Context) {
		defer unsubAudits()
		a.runAudit(c, audits)
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("tasks", a.tasks.Len()),
		logx.Bool("schedules", a.schedules.Enabled()),
	)
	return nil
}

// dispatchExecution hands one request to the queue and records the attempt in
// the audit trail. The schedule service and any other intake path go through
// here so every enqueue carries its actor.
func (a *App) dispatchExecution(ctx context.Context, req task.ExecutionRequest) (string, error) {
	start := time.Now()
	queueID, err := a.sched.Schedule(ctx, req)

	actor := req.Origin
	if actor == "" {
		actor = "api"
	}
	entry := storage.AuditEntry{
		At:      start,
		Actor:   actor,
		Action:  "enqueue",
		QueueID: queueID,
		TaskID:  req.TaskID,
		TookMS:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		entry.Fail = 1
		entry.Error = err.Error()
	} else {
		entry.OK = 1
	}
	wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if aerr := a.store.AppendAudit(wctx, entry); aerr != nil {
		a.log.Debug("audit append failed", logx.String("action", "enqueue"), logx.Err(aerr))
	}
	cancel()

	return queueID, err
}

// validateConfig vets a config candidate end to end. It runs on every commit:
// the initial Load and each hot reload.
func (a *App) validateConfig(ctx context.Context, cfg *config.Config) error {
	_ = ctx
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Dry-run every mapping so a reload cannot install values that startup
	// would have rejected.
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTasks(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg, schedulerEnabled(cfg)); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}

	// References the structural validator cannot see: programs live in the
	// binary, schedule specs in the cron parser.
	for i, t := range cfg.Tasks {
		if _, ok := a.programs.Get(strings.TrimSpace(t.Program)); !ok {
			return fmt.Errorf("tasks[%d] (%s): unknown program %q", i, t.ID, t.Program)
		}
	}
	if cfg.Schedules != nil {
		if tz := strings.TrimSpace(cfg.Schedules.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("schedules.timezone: invalid %q: %w", tz, err)
			}
		}
		for i, e := range cfg.Schedules.Entries {
			if _, err := schedule.ParseSchedule(e.Schedule); err != nil {
				return fmt.Errorf("schedules.entries[%d] (%s): %w", i, e.Name, err)
			}
		}
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest candidate is applied.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						break drain
					}
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyReload(ctx, last, next)
			last = next
		}
	}
}

// applyReload pushes a committed config into the running services. The
// validator already vetted it, so mapping failures here only log and keep
// the previous values.
func (a *App) applyReload(ctx context.Context, prev, next *config.Config) {
	sections, attrs, changedTasks := config.SummarizeConfigChange(prev, next)
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if len(sections) > 0 {
		a.log.Debug("config change summary", fields...)
		if len(changedTasks) > 0 {
			a.log.Debug("task definitions changed", logx.Any("tasks", changedTasks))
		}
	} else {
		a.log.Debug("config reload received, but no effective changes detected")
	}

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	// Log target first, so Apply cannot warn about a missing target while
	// Telegram forwarding is enabled.
	if chatID, ok := parseAlertChat(next); ok {
		a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
		a.setAlertTarget(chatID, next.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
		a.setAlertTarget(0, 0)
	}
	a.logs.Apply(mapLoggingConfig(next, next.Logging.Telegram.Enabled))

	if catalog, err := mapTasks(next); err != nil {
		a.log.Warn("invalid task catalog; keeping previous", logx.Err(err))
	} else if err := a.tasks.Replace(catalog); err != nil {
		a.log.Warn("task catalog rejected; keeping previous", logx.Err(err))
	}

	if schedCfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}

	if scfg, err := mapScheduleConfig(next, schedulerEnabled(next)); err != nil {
		a.log.Warn("invalid schedules config; keeping previous", logx.Err(err))
	} else {
		a.schedules.Apply(scfg)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prevEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if ppc, err := mapPprofConfig(next); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Reconfigure(ctx, ppc)
	}

	if len(sections) > 0 {
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) setAlertTarget(chatID int64, threadID int) {
	a.alertMu.Lock()
	a.alertChat = chatID
	a.alertThread = threadID
	a.alertMu.Unlock()
}

func (a *App) alertTarget() (int64, int, bool) {
	a.alertMu.Lock()
	defer a.alertMu.Unlock()
	return a.alertChat, a.alertThread, a.alertChat != 0
}

// Stop shuts the daemon down in dependency order: triggers first, then the
// queue (drained gently), then whatever still runs (stopped hard), then the
// background plumbing.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// step runs one shutdown stage with an upper bound so a stuck component
	// cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it does not, watch for the leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first: no new triggers, then drain the queue gently. Runs still
	// alive after that are stopped hard by the executor.
	step("schedules", 2*time.Second, func(c context.Context) error {
		if a.schedules != nil {
			a.schedules.Stop(c)
		}
		return nil
	})
	step("scheduler", 5*time.Second, func(c context.Context) error {
		if a.sched != nil {
			return a.sched.Stop(c)
		}
		return nil
	})
	step("executor", 5*time.Second, func(c context.Context) error {
		if a.executor != nil {
			return a.executor.Shutdown(c)
		}
		return nil
	})

	// Runs are terminal now; unwind the background loops.
	a.sup.Cancel()

	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
