// Package supervisor runs named goroutines under one shared context, with
// panic recovery, optional cancel-on-first-error, per-name run stats, and
// deadline-aware waiting.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "webtaskd/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	// launched/running are operational gauges, not synchronization.
	launched atomic.Uint64
	running  atomic.Int64

	failMu   sync.Mutex
	firstErr error

	wg       sync.WaitGroup
	waitOnce sync.Once
	idle     chan struct{}

	track tracker
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context as soon as any goroutine
// returns a non-nil error or panics.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		idle:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context. It does not wait; pair with Wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error any goroutine produced, or nil.
func (s *Supervisor) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) recordErr(err error) {
	s.failMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.failMu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.recordErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// SupervisorCounters exposes coarse goroutine gauges for health output.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{
		Active:  s.running.Load(),
		Started: s.launched.Load(),
	}
}

// SupervisorSnapshot is a point-in-time view for debug output.
type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{
		Counters:   s.Counters(),
		Goroutines: s.track.list(),
	}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	return snap
}

// Go starts fn under the supervisor context. A panic is recovered and
// reported as an error; a context.Canceled return counts as a clean stop.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.launched.Add(1)
	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		began := s.track.begin(name, false)
		if !s.log.IsZero() {
			s.log.Debug("goroutine started", logx.String("name", name))
		}
		var err error
		defer func() {
			if r := recover(); r != nil {
				s.track.panicked(name, r)
				err = fmt.Errorf("panic in %s: %v", name, r)
				if !s.log.IsZero() {
					s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}
			s.track.end(name, began, err)
			if err != nil {
				s.fail(err)
				if !s.log.IsZero() {
					s.log.Warn("goroutine failed", logx.String("name", name), logx.Err(err))
				}
			} else if !s.log.IsZero() {
				s.log.Debug("goroutine stopped", logx.String("name", name))
			}
			s.running.Add(-1)
			s.wg.Done()
		}()
		if runErr := fn(s.ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			err = fmt.Errorf("%s: %w", name, runErr)
		}
	}()
}

// Go0 is Go for loops that report nothing.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels the context and waits under the caller's deadline.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx expires. On a normal
// finish it returns the first recorded error, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.idle)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.idle:
		return s.Err()
	}
}
