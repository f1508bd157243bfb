package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Validate checks structural invariants that do not require other subsystems:
// duration syntax, id uniqueness, cross-references between sections. Deeper
// checks (schedule expression syntax, program existence) belong to the caller
// that owns those registries.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("nil config")
	}

	if chat := strings.TrimSpace(c.Telegram.AlertChat); chat != "" {
		if _, err := strconv.ParseInt(chat, 10, 64); err != nil {
			return fmt.Errorf("telegram.alert_chat: not a chat id: %q", chat)
		}
	}
	if c.Logging.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("logging.telegram.enabled requires telegram.token")
	}
	if _, err := ParseDurationField("telegram.request_timeout", c.Telegram.RequestTimeout); err != nil {
		return err
	}

	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateTasks(); err != nil {
		return err
	}
	if err := c.validateSchedules(); err != nil {
		return err
	}
	if err := c.validateNotifier(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}

	for _, f := range []struct{ name, raw string }{
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.name, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	if s.MaxConcurrent < 0 {
		return fmt.Errorf("scheduler.max_concurrent: must be >= 0")
	}
	if s.MaxQueueSize < 0 {
		return fmt.Errorf("scheduler.max_queue_size: must be >= 0")
	}
	if s.HistorySize < 0 {
		return fmt.Errorf("scheduler.history_size: must be >= 0")
	}
	if s.RetryAttempts < 0 {
		return fmt.Errorf("scheduler.retry_attempts: must be >= 0")
	}
	if _, err := ParseDurationField("scheduler.default_timeout", s.DefaultTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.retry_delay", s.RetryDelay); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTasks() error {
	seen := make(map[string]struct{}, len(c.Tasks))
	for i, t := range c.Tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("tasks[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("tasks[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(t.Program) == "" {
			return fmt.Errorf("tasks[%d] (%s): program is required", i, id)
		}
		if _, err := ParseDurationField(fmt.Sprintf("tasks[%d].default_timeout", i), t.DefaultTimeout); err != nil {
			return err
		}
		if t.DefaultRetries < 0 {
			return fmt.Errorf("tasks[%d] (%s): default_retries must be >= 0", i, id)
		}
	}
	return nil
}

func (c *Config) validateSchedules() error {
	if c.Schedules == nil {
		return nil
	}
	tasks := make(map[string]struct{}, len(c.Tasks))
	for _, t := range c.Tasks {
		tasks[strings.TrimSpace(t.ID)] = struct{}{}
	}
	names := make(map[string]struct{}, len(c.Schedules.Entries))
	for i, e := range c.Schedules.Entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return fmt.Errorf("schedules.entries[%d]: name is required", i)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("schedules.entries[%d]: duplicate name %q", i, name)
		}
		names[name] = struct{}{}
		task := strings.TrimSpace(e.Task)
		if task == "" {
			return fmt.Errorf("schedules.entries[%d] (%s): task is required", i, name)
		}
		if _, ok := tasks[task]; !ok {
			return fmt.Errorf("schedules.entries[%d] (%s): unknown task %q", i, name, task)
		}
		if strings.TrimSpace(e.Schedule) == "" {
			return fmt.Errorf("schedules.entries[%d] (%s): schedule is required", i, name)
		}
		if e.Priority < 0 {
			return fmt.Errorf("schedules.entries[%d] (%s): priority must be >= 0", i, name)
		}
		if _, err := ParseDurationField(fmt.Sprintf("schedules.entries[%d].timeout", i), e.Timeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateNotifier() error {
	n := c.Notifier
	if n == nil {
		return nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return fmt.Errorf("notifier: counts must be >= 0")
	}
	for _, f := range []struct{ name, raw string }{
		{"notifier.retry_base", n.RetryBase},
		{"notifier.retry_max_delay", n.RetryMaxDelay},
		{"notifier.dedup_window", n.DedupWindow},
	} {
		if _, err := ParseDurationField(f.name, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateStorage() error {
	s := c.Storage
	if s == nil {
		return nil
	}
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "memory":
	case "file", "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("storage.path: required for driver %q", driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	if s.MaxRecords < -1 {
		return fmt.Errorf("storage.max_records: must be >= -1")
	}
	if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
		return err
	}
	return nil
}
