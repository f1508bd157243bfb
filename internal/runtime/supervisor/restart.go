package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "webtaskd/pkg/logx"
)

// A run lasting this long resets the backoff, so a loop that fails once a
// day is not punished with the maximum delay.
const steadyRun = 30 * time.Second

type RestartOption func(*restartCfg)

type restartCfg struct {
	backoffMin    time.Duration
	backoffMax    time.Duration
	maxRestarts   int // <=0 means unlimited
	fatalOnGiveUp bool
	surfaceFirst  bool
}

// WithRestartBackoff bounds the pause between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.backoffMin = min
		}
		if max > 0 {
			c.backoffMax = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. The initial run is not a
// restart.
func WithMaxRestarts(n int) RestartOption {
	return func(c *restartCfg) { c.maxRestarts = n }
}

// WithFatalOnFinalError surfaces the last error through the supervisor when
// the loop gives up, cancelling it if cancel-on-error is set.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.fatalOnGiveUp = enabled }
}

// WithPublishFirstError records the first failure on the supervisor while
// the loop keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.surfaceFirst = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff. A nil return or context cancellation stops the loop.
// Meant for serve loops and watchers that should self-heal.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		backoffMin: 250 * time.Millisecond,
		backoffMax: 30 * time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.backoffMin <= 0 {
		cfg.backoffMin = 250 * time.Millisecond
	}
	if cfg.backoffMax < cfg.backoffMin {
		cfg.backoffMax = cfg.backoffMin
	}

	// The loop itself runs under a distinct host name so the logical name's
	// stats count only real runs of fn.
	s.Go0(name+".restart", func(ctx context.Context) {
		failures := 0
		delay := cfg.backoffMin
		for ctx.Err() == nil {
			began := s.track.begin(name, failures > 0)
			err := s.runGuarded(ctx, name, fn)

			// A return during shutdown is a clean stop no matter what it
			// carried.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.track.end(name, began, nil)
				return
			}
			if err == nil {
				s.track.end(name, began, nil)
				return
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			s.track.end(name, began, wrapped)
			if cfg.surfaceFirst {
				s.recordErr(wrapped)
			}

			failures++
			if time.Since(began) >= steadyRun {
				delay = cfg.backoffMin
			}
			if cfg.maxRestarts > 0 && failures > cfg.maxRestarts {
				if !s.log.IsZero() {
					s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", failures), logx.Err(err))
				}
				if cfg.fatalOnGiveUp {
					s.fail(wrapped)
				}
				return
			}

			pause := jitterDelay(delay)
			if !s.log.IsZero() {
				s.log.Warn("restarting goroutine", logx.String("name", name), logx.Duration("in", pause), logx.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
			delay *= 2
			if delay > cfg.backoffMax {
				delay = cfg.backoffMax
			}
		}
	})
}

// runGuarded executes one attempt of fn, converting a panic into an error.
func (s *Supervisor) runGuarded(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.track.panicked(name, r)
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Up to a quarter extra on top of delay so sibling loops do not restart in
// lockstep.
func jitterDelay(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
