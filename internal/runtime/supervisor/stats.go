package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// GoroutineStats aggregates the history of goroutines sharing a name.
// Debug output only; none of this synchronizes anything.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type runStats struct {
	name        string
	active      int64
	started     uint64
	panics      uint64
	restarts    uint64
	lastStart   time.Time
	lastStop    time.Time
	lastErrAt   time.Time
	lastErr     string
	lastPanicAt time.Time
	lastPanic   string
	lastRun     time.Duration
	totalRun    time.Duration
}

// tracker keeps per-name run stats. The zero value is ready to use.
type tracker struct {
	mu     sync.Mutex
	byName map[string]*runStats
}

// stats returns the entry for name, creating it on first use.
// Caller holds mu.
func (t *tracker) stats(name string) *runStats {
	if t.byName == nil {
		t.byName = map[string]*runStats{}
	}
	st := t.byName[name]
	if st == nil {
		st = &runStats{name: name}
		t.byName[name] = st
	}
	return st
}

func (t *tracker) begin(name string, restart bool) time.Time {
	now := time.Now()
	t.mu.Lock()
	st := t.stats(name)
	st.started++
	st.active++
	if restart {
		st.restarts++
	}
	st.lastStart = now
	t.mu.Unlock()
	return now
}

func (t *tracker) end(name string, began time.Time, err error) {
	now := time.Now()
	t.mu.Lock()
	st := t.stats(name)
	if st.active > 0 {
		st.active--
	}
	st.lastStop = now
	st.lastRun = now.Sub(began)
	st.totalRun += st.lastRun
	if err != nil {
		st.lastErr = err.Error()
		st.lastErrAt = now
	}
	t.mu.Unlock()
}

func (t *tracker) panicked(name string, r any) {
	t.mu.Lock()
	st := t.stats(name)
	st.panics++
	st.lastPanic = fmt.Sprint(r)
	st.lastPanicAt = time.Now()
	t.mu.Unlock()
}

// list copies the stats out, active entries first, then most recently
// started, then by name.
func (t *tracker) list() []GoroutineStats {
	t.mu.Lock()
	out := make([]GoroutineStats, 0, len(t.byName))
	for _, st := range t.byName {
		out = append(out, GoroutineStats{
			Name:         st.name,
			Active:       st.active,
			Started:      st.started,
			Panics:       st.panics,
			Restarts:     st.restarts,
			LastStartAt:  st.lastStart,
			LastStopAt:   st.lastStop,
			LastErrAt:    st.lastErrAt,
			LastErr:      st.lastErr,
			LastPanicAt:  st.lastPanicAt,
			LastPanic:    st.lastPanic,
			LastRuntime:  st.lastRun,
			TotalRuntime: st.totalRun,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		if !out[i].LastStartAt.Equal(out[j].LastStartAt) {
			return out[i].LastStartAt.After(out[j].LastStartAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}
