// Package storage persists execution records, run logs, the scheduling audit
// trail and notifier dedup state. Three drivers share one interface: memory
// (default), file (json/jsonl data directory) and sqlite (build tag).
package storage
