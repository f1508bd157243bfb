package config

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "webtaskd/pkg/logx"
)

// changeSet collects the outcome of a config comparison: which sections
// changed and the log attrs describing the new values.
type changeSet struct {
	sections []string
	attrs    []logx.Field
}

// mark records a changed section with its attrs. No-op when same is true.
func (c *changeSet) mark(section string, same bool, attrs ...logx.Field) {
	if same {
		return
	}
	c.sections = append(c.sections, section)
	c.attrs = append(c.attrs, attrs...)
}

// SummarizeConfigChange returns (1) a compact sorted list of changed
// sections, (2) safe structured attrs for logging (never secrets like
// tokens), and (3) the ids of task definitions that changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var cs changeSet
	diffTelegram(&cs, oldCfg.Telegram, newCfg.Telegram)
	diffLogging(&cs, oldCfg.Logging, newCfg.Logging)
	diffPprof(&cs, oldCfg.Pprof, newCfg.Pprof)
	diffScheduler(&cs, oldCfg.Scheduler, newCfg.Scheduler)
	diffSchedules(&cs, oldCfg.Schedules, newCfg.Schedules)

	tasksChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	cs.mark("tasks", len(tasksChanged) == 0,
		logx.Int("tasks.changed_count", len(tasksChanged)),
		logx.Int("tasks.count", len(newCfg.Tasks)),
	)

	diffNotifier(&cs, oldCfg.Notifier, newCfg.Notifier)
	diffStorage(&cs, oldCfg.Storage, newCfg.Storage)

	sort.Strings(cs.sections)
	return cs.sections, cs.attrs, tasksChanged
}

// Only whether a token is set is compared and reported, never its value.
func diffTelegram(cs *changeSet, o, n TelegramConfig) {
	same := tokenSet(o.Token) == tokenSet(n.Token) &&
		strings.TrimSpace(o.AlertChat) == strings.TrimSpace(n.AlertChat) &&
		o.ThreadID == n.ThreadID &&
		strings.TrimSpace(o.RequestTimeout) == strings.TrimSpace(n.RequestTimeout)
	cs.mark("telegram", same,
		logx.Bool("telegram.token_set", tokenSet(n.Token)),
		logx.Bool("telegram.alert_chat_set", strings.TrimSpace(n.AlertChat) != ""),
		logx.Int("telegram.thread_id", n.ThreadID),
	)
}

func diffLogging(cs *changeSet, o, n LoggingConfig) {
	same := o.Level == n.Level &&
		o.Console == n.Console &&
		o.File.Enabled == n.File.Enabled &&
		strings.TrimSpace(o.File.Path) == strings.TrimSpace(n.File.Path) &&
		o.Telegram.Enabled == n.Telegram.Enabled &&
		o.Telegram.ThreadID == n.Telegram.ThreadID &&
		o.Telegram.MinLevel == n.Telegram.MinLevel &&
		o.Telegram.RatePerSec == n.Telegram.RatePerSec
	cs.mark("logging", same,
		logx.String("logging.level", n.Level),
		logx.Bool("logging.console", n.Console),
		logx.Bool("logging.file_enabled", n.File.Enabled),
		logx.Bool("logging.telegram_enabled", n.Telegram.Enabled),
	)
}

func diffPprof(cs *changeSet, o, n PprofConfig) {
	same := o.Enabled == n.Enabled &&
		strings.TrimSpace(o.Addr) == strings.TrimSpace(n.Addr) &&
		strings.TrimSpace(o.Prefix) == strings.TrimSpace(n.Prefix) &&
		o.AllowInsecure == n.AllowInsecure &&
		strings.TrimSpace(o.ReadTimeout) == strings.TrimSpace(n.ReadTimeout) &&
		strings.TrimSpace(o.WriteTimeout) == strings.TrimSpace(n.WriteTimeout) &&
		strings.TrimSpace(o.IdleTimeout) == strings.TrimSpace(n.IdleTimeout) &&
		o.MutexProfileFraction == n.MutexProfileFraction &&
		o.BlockProfileRate == n.BlockProfileRate &&
		o.MemProfileRate == n.MemProfileRate &&
		tokenSet(o.Token) == tokenSet(n.Token)
	cs.mark("pprof", same,
		logx.Bool("pprof.enabled", n.Enabled),
		logx.String("pprof.addr", strings.TrimSpace(n.Addr)),
		logx.String("pprof.prefix", strings.TrimSpace(n.Prefix)),
		logx.Bool("pprof.token_set", tokenSet(n.Token)),
		logx.Bool("pprof.allow_insecure", n.AllowInsecure),
	)
}

// Enabled is tri-state; nil means on.
func diffScheduler(cs *changeSet, o, n SchedulerConfig) {
	same := schedEnabled(o.Enabled) == schedEnabled(n.Enabled) &&
		o.MaxConcurrent == n.MaxConcurrent &&
		o.MaxQueueSize == n.MaxQueueSize &&
		strings.TrimSpace(o.DefaultTimeout) == strings.TrimSpace(n.DefaultTimeout) &&
		o.HistorySize == n.HistorySize &&
		o.RetryAttempts == n.RetryAttempts &&
		strings.TrimSpace(o.RetryDelay) == strings.TrimSpace(n.RetryDelay)
	cs.mark("scheduler", same,
		logx.Bool("scheduler.enabled", schedEnabled(n.Enabled)),
		logx.Int("scheduler.max_concurrent", n.MaxConcurrent),
		logx.Int("scheduler.max_queue_size", n.MaxQueueSize),
		logx.String("scheduler.default_timeout", strings.TrimSpace(n.DefaultTimeout)),
	)
}

// The schedules section may be omitted entirely; presence itself counts.
func diffSchedules(cs *changeSet, o, n *SchedulesConfig) {
	ov, nv := derefSchedules(o), derefSchedules(n)
	same := (o != nil) == (n != nil) && reflect.DeepEqual(ov, nv)
	cs.mark("schedules", same,
		logx.Bool("schedules.present", n != nil),
		logx.Bool("schedules.enabled", n != nil && schedEnabled(n.Enabled)),
		logx.String("schedules.timezone", strings.TrimSpace(nv.Timezone)),
		logx.Int("schedules.entry_count", len(nv.Entries)),
	)
}

// A nil notifier section means runtime defaults; compare against those so
// omitting the section does not read as a change.
func diffNotifier(cs *changeSet, o, n *NotifierConfig) {
	def := NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
	ov, nv := def, def
	if o != nil {
		ov = *o
	}
	if n != nil {
		nv = *n
	}
	cs.mark("notifier", reflect.DeepEqual(ov, nv),
		logx.Bool("notifier.enabled", nv.Enabled),
		logx.Int("notifier.workers", nv.Workers),
		logx.Int("notifier.queue_size", nv.QueueSize),
		logx.Int("notifier.rate_per_sec", nv.RatePerSec),
		logx.Int("notifier.retry_max", nv.RetryMax),
		logx.Bool("notifier.persist_dedup", nv.PersistDedup),
	)
}

// Only shape changes matter for storage: driver, whether a path is set, busy
// timeout and the record cap. The path value may name user directories, so it
// stays out of the attrs.
func diffStorage(cs *changeSet, o, n *StorageConfig) {
	type shape struct {
		driver, busy string
		pathSet      bool
		maxRecords   int
	}
	sh := func(c *StorageConfig) shape {
		if c == nil {
			return shape{}
		}
		return shape{
			driver:     strings.TrimSpace(c.Driver),
			busy:       strings.TrimSpace(c.BusyTimeout),
			pathSet:    strings.TrimSpace(c.Path) != "",
			maxRecords: c.MaxRecords,
		}
	}
	ov, nv := sh(o), sh(n)
	cs.mark("storage", ov == nv,
		logx.String("storage.driver", nv.driver),
		logx.Bool("storage.path_set", nv.pathSet),
		logx.String("storage.busy_timeout", nv.busy),
	)
}

func tokenSet(s string) bool { return strings.TrimSpace(s) != "" }

func schedEnabled(b *bool) bool {
	return b == nil || *b
}

func derefSchedules(s *SchedulesConfig) SchedulesConfig {
	if s == nil {
		return SchedulesConfig{}
	}
	return *s
}

// diffTasks compares task definitions by id using a canonical JSON hash, so
// a reordered params map does not count as a change. Returned ids are
// sorted; an id appears when it was added, removed or edited.
func diffTasks(oldT, newT []TaskConfig) []string {
	oldByID := taskHashes(oldT)
	newByID := taskHashes(newT)

	var out []string
	for id, oh := range oldByID {
		nh, ok := newByID[id]
		if !ok || oh != nh {
			out = append(out, id)
		}
	}
	for id := range newByID {
		if _, ok := oldByID[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func taskHashes(tasks []TaskConfig) map[string]uint64 {
	m := make(map[string]uint64, len(tasks))
	for _, t := range tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			continue
		}
		b, err := json.Marshal(t)
		if err != nil {
			continue
		}
		m[id] = canonicalHashJSON(b)
	}
	return m
}
