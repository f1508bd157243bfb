package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"webtaskd/internal/config"
	"webtaskd/internal/notifier"
	"webtaskd/internal/observability/pprof"
	"webtaskd/internal/sched"
	"webtaskd/internal/schedule"
	"webtaskd/internal/storage"
	"webtaskd/internal/task"
	logx "webtaskd/pkg/logx"
)

// The map functions convert the on-disk config (strings, optional sections)
// into each subsystem's runtime config (parsed durations, applied defaults).
// They are also the deep half of config validation: the commit validator
// dry-runs every one of them so a hot reload cannot install values that New
// would have rejected.

func mapLoggingConfig(cfg *config.Config, telegramEnabled bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    telegramEnabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// parseAlertChat reads telegram.alert_chat as a numeric chat id.
func parseAlertChat(cfg *config.Config) (int64, bool) {
	raw := strings.TrimSpace(cfg.Telegram.AlertChat)
	if raw == "" {
		return 0, false
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return chatID, true
}

// schedulerEnabled resolves the tri-state scheduler.enabled flag; omitted
// means on.
func schedulerEnabled(cfg *config.Config) bool {
	return cfg.Scheduler.Enabled == nil || *cfg.Scheduler.Enabled
}

func mapSchedulerConfig(cfg *config.Config) (sched.Config, error) {
	s := cfg.Scheduler

	// Unset means the 5m default; an explicit "0s" disables the global
	// timeout, so empty and zero must stay distinguishable here.
	defTimeout := 5 * time.Minute
	if raw := strings.TrimSpace(s.DefaultTimeout); raw != "" {
		d, err := config.ParseDurationField("scheduler.default_timeout", raw)
		if err != nil {
			return sched.Config{}, err
		}
		defTimeout = d
	}
	retryDelay, err := config.ParseDurationField("scheduler.retry_delay", s.RetryDelay)
	if err != nil {
		return sched.Config{}, err
	}

	if s.MaxConcurrent < 0 || s.MaxQueueSize < 0 || s.HistorySize < 0 || s.RetryAttempts < 0 {
		return sched.Config{}, fmt.Errorf("scheduler: counts must be >= 0")
	}

	return sched.Config{
		MaxConcurrent:  s.MaxConcurrent,
		MaxQueueSize:   s.MaxQueueSize,
		DefaultTimeout: defTimeout,
		HistorySize:    s.HistorySize,
		RetryAttempts:  s.RetryAttempts,
		RetryDelay:     retryDelay,
	}, nil
}

func mapTasks(cfg *config.Config) ([]task.Task, error) {
	out := make([]task.Task, 0, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		timeout, err := config.ParseDurationField(
			fmt.Sprintf("tasks[%d].default_timeout", i), t.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, task.Task{
			ID:             strings.TrimSpace(t.ID),
			Name:           t.Name,
			Program:        strings.TrimSpace(t.Program),
			DefaultTimeout: timeout,
			DefaultRetries: t.DefaultRetries,
			DefaultParams:  t.Params,
		})
	}
	return out, nil
}

// mapScheduleConfig builds the recurring-trigger config. intakeEnabled is the
// scheduler.enabled flag: with the queue refusing work there is no point in
// firing triggers, so the effective enabled state is the AND of both flags.
func mapScheduleConfig(cfg *config.Config, intakeEnabled bool) (schedule.Config, error) {
	var out schedule.Config
	if cfg.Schedules == nil {
		return out, nil
	}
	sc := cfg.Schedules
	enabled := sc.Enabled == nil || *sc.Enabled
	out.Enabled = enabled && intakeEnabled
	out.Timezone = strings.TrimSpace(sc.Timezone)

	out.Entries = make([]schedule.Entry, 0, len(sc.Entries))
	for i, e := range sc.Entries {
		timeout, err := config.ParseDurationField(
			fmt.Sprintf("schedules.entries[%d].timeout", i), e.Timeout)
		if err != nil {
			return schedule.Config{}, err
		}
		out.Entries = append(out.Entries, schedule.Entry{
			Name:     strings.TrimSpace(e.Name),
			TaskID:   strings.TrimSpace(e.Task),
			Spec:     strings.TrimSpace(e.Schedule),
			Priority: e.Priority,
			Timeout:  timeout,
			Profile:  strings.TrimSpace(e.Profile),
			Params:   e.Params,
		})
	}
	return out, nil
}

// mapNotifierConfig maps the notifier section. An omitted section means
// enabled with defaults; the pipeline still stays quiet unless an alert chat
// is configured.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     1 * time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}

	if out.Workers < 0 || out.QueueSize < 0 || out.RatePerSec < 0 || out.RetryMax < 0 || out.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	return out, nil
}

// mapPprofConfig validates and converts the pprof section. It never starts
// the server.
func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof

	out := pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          strings.TrimSpace(pc.Addr),
		Prefix:        strings.TrimSpace(pc.Prefix),
		Token:         strings.TrimSpace(pc.Token),
		AllowInsecure: pc.AllowInsecure,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	readTO, err := config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	// WriteTimeout defaults to 0 so long-running /profile requests work.
	writeTO, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return out, err
	}
	idleTO, err := config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO
	out.IdleTimeout = idleTO

	if pc.MutexProfileFraction < 0 || pc.BlockProfileRate < 0 || pc.MemProfileRate < 0 {
		return out, fmt.Errorf("pprof: profiling rates must be >= 0")
	}
	out.MutexProfileFraction = pc.MutexProfileFraction
	out.BlockProfileRate = pc.BlockProfileRate
	out.MemProfileRate = pc.MemProfileRate

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Refuse a public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !isLoopbackAddr(out.Addr) {
			return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// mapStorageConfig always yields a usable config: an omitted section or empty
// driver falls back to the in-memory store, so the executor and audit trail
// never run without persistence.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	out := storage.Config{Driver: "memory"}
	if cfg.Storage == nil {
		return out, nil
	}
	sc := cfg.Storage
	out.MaxRecords = sc.MaxRecords
	out.Path = strings.TrimSpace(sc.Path)

	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		driver = "memory"
	}
	out.Driver = driver

	switch driver {
	case "memory":
	case "file":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}
