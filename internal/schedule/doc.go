// Package schedule turns configured schedule entries into queued executions.
//
// It owns trigger calculation only (cron/interval via robfig/cron); the
// actual queueing and running happens in internal/sched and internal/exec.
package schedule
