package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	// Scheduler controls the execution queue: concurrency ceiling, queue bound,
	// default run timeout.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Tasks declares the runnable task catalog. Each entry references a program
	// registered in the binary (echo, http.check, net.speedtest, ...).
	Tasks []TaskConfig `json:"tasks,omitempty"`

	// Schedules drives recurring runs of declared tasks.
	Schedules *SchedulesConfig `json:"schedules,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

// SchedulerConfig controls the execution queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - max_concurrent: 2
//   - max_queue_size: 64
//   - default_timeout: "5m"
//   - history_size: 200
//
// retry_attempts/retry_delay are accepted and surfaced in status output, but no
// automatic re-enqueue of failed runs is performed.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	MaxConcurrent int `json:"max_concurrent,omitempty"`
	MaxQueueSize  int `json:"max_queue_size,omitempty"`

	// DefaultTimeout applies when neither the request nor the task sets one.
	// Use "0s" to disable the global default.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	RetryAttempts int    `json:"retry_attempts,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
}

// TaskConfig declares one runnable task.
type TaskConfig struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// Program names a built-in program registered by the binary.
	Program string `json:"program"`

	// DefaultTimeout is a Go duration string; empty inherits scheduler.default_timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// DefaultRetries is carried on the task for status output; see scheduler notes.
	DefaultRetries int `json:"default_retries,omitempty"`

	Params map[string]any `json:"params,omitempty"`
}

// SchedulesConfig drives recurring execution of declared tasks.
type SchedulesConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Timezone for cron evaluation (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	Entries []ScheduleEntryConfig `json:"entries,omitempty"`
}

// ScheduleEntryConfig is one recurring trigger.
//
// Schedule accepts crontab syntax ("*/5 * * * *", "@hourly"), Go durations
// ("55m"), HH:MM intervals ("02:30"), and cron:/interval:/every: prefixes.
type ScheduleEntryConfig struct {
	Name     string `json:"name"`
	Task     string `json:"task"`
	Schedule string `json:"schedule"`

	Priority int `json:"priority,omitempty"`
	// Timeout overrides the task default for runs started by this entry.
	Timeout string         `json:"timeout,omitempty"`
	Profile string         `json:"profile,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true
// (it still stays quiet unless telegram.alert_chat is set).
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the execution record store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./webtaskd_data" }
//
// Omitting the section (or driver "memory") keeps records in process memory.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// MaxRecords bounds retained finished executions (default 1000);
	// -1 disables pruning.
	MaxRecords int `json:"max_records,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AlertChat is the chat id that receives failure alerts and forwarded logs.
	AlertChat string `json:"alert_chat,omitempty"`
	ThreadID  int    `json:"thread_id,omitempty"`
	// RequestTimeout is a Go duration string bounding each Bot API call.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
