// Package task holds the declared task catalog: what can run, with which
// program and which defaults. Execution itself lives in internal/exec.
package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Task is one declared, runnable unit. Program names a registered program in
// the execution environment (echo, http.check, net.speedtest, ...).
type Task struct {
	ID   string
	Name string

	Program string

	// DefaultTimeout applies when an execution request has none. 0 defers to
	// the scheduler-wide default.
	DefaultTimeout time.Duration

	// DefaultRetries is carried for status output; runs are not re-enqueued
	// automatically.
	DefaultRetries int

	DefaultParams map[string]any
}

// EffectiveParams merges the task defaults with per-request overrides into a
// fresh map. Neither input is mutated.
func (t Task) EffectiveParams(overrides map[string]any) map[string]any {
	out := make(map[string]any, len(t.DefaultParams)+len(overrides))
	for k, v := range t.DefaultParams {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// ExecutionRequest asks for one run of a declared task.
type ExecutionRequest struct {
	TaskID string

	// ProfileID selects the browser profile/session to run under. Empty uses
	// the environment default.
	ProfileID string

	Params map[string]any

	// Priority orders queued requests; higher runs first. Equal priorities
	// keep submission order.
	Priority int

	// Timeout bounds this run. 0 falls back to the task default, then the
	// scheduler default.
	Timeout time.Duration

	// Debug asks the environment for verbose run output.
	Debug bool

	// Origin records who asked for the run ("api", "schedule:<name>", ...).
	// Informational; used for audit attribution.
	Origin string
}

// Registry is the live task catalog. Replace swaps the whole set on config
// reload; lookups are concurrency-safe.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Task
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]Task{}}
}

// Replace installs a new catalog, rejecting blank or duplicate ids.
func (r *Registry) Replace(tasks []Task) error {
	next := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("task with empty id")
		}
		if _, dup := next[id]; dup {
			return fmt.Errorf("duplicate task id %q", id)
		}
		t.ID = id
		if t.Name == "" {
			t.Name = id
		}
		next[id] = t
	}
	r.mu.Lock()
	r.byID = next
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// List returns the catalog sorted by id.
func (r *Registry) List() []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
