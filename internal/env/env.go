// Package env is the environment task programs run in: a browser session
// acquired from a Provider, per-run parameters and a log sink that feeds the
// execution record.
package env

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "webtaskd/pkg/logx"
)

// Session is one acquired browser profile session. Close releases it;
// implementations must tolerate a second Close.
type Session interface {
	ID() string
	Close(ctx context.Context) error
}

// Provider hands out browser sessions. Implementations wrap whatever drives
// the actual browser; the scheduler never sees past this interface.
type Provider interface {
	Acquire(ctx context.Context, profileID string) (Session, error)
}

// ContextSpec describes the run context to create.
type ContextSpec struct {
	ExecutionID string
	TaskID      string
	ProfileID   string
	Params      map[string]any
	Debug       bool
	// Log receives program output lines; nil drops them.
	Log func(level, msg string)
	// Progress receives progress reports (percent 0-100, phase message);
	// nil drops them.
	Progress func(percent float64, msg string)
}

// Context is the per-run handle handed to a program.
type Context struct {
	ExecutionID string
	TaskID      string
	ProfileID   string
	Params      map[string]any
	Debug       bool

	session    Session
	logFn      func(level, msg string)
	progressFn func(percent float64, msg string)
	closed     atomic.Bool
}

// Session returns the acquired browser session.
func (c *Context) Session() Session { return c.session }

func (c *Context) Log(msg string) { c.emit("info", msg) }

func (c *Context) Logf(format string, args ...any) {
	c.emit("info", fmt.Sprintf(format, args...))
}

// Debugf logs only when the run was requested with debug output.
func (c *Context) Debugf(format string, args ...any) {
	if !c.Debug {
		return
	}
	c.emit("debug", fmt.Sprintf(format, args...))
}

func (c *Context) Errorf(format string, args ...any) {
	c.emit("error", fmt.Sprintf(format, args...))
}

func (c *Context) emit(level, msg string) {
	if c.logFn != nil {
		c.logFn(level, msg)
	}
}

// SetProgress reports how far the run has come. Percent is clamped to 0-100;
// an empty msg keeps the previously reported phase. Programs should report
// before returning; reports after the run settles are dropped.
func (c *Context) SetProgress(percent float64, msg string) {
	if c.progressFn == nil {
		return
	}
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	c.progressFn(percent, msg)
}

// Param returns a raw parameter value.
func (c *Context) Param(key string) (any, bool) {
	v, ok := c.Params[key]
	return v, ok
}

func (c *Context) StringParam(key, def string) string {
	if v, ok := c.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// IntParam accepts JSON numbers (float64 after decoding) and numeric strings.
func (c *Context) IntParam(key string, def int) int {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return n
		}
	}
	return def
}

func (c *Context) BoolParam(key string, def bool) bool {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		if b, err := strconv.ParseBool(x); err == nil {
			return b
		}
	}
	return def
}

// DurationParam parses Go duration strings ("30s"); bare numbers are seconds.
func (c *Context) DurationParam(key string, def time.Duration) time.Duration {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case string:
		if d, err := time.ParseDuration(x); err == nil && d >= 0 {
			return d
		}
	case float64:
		if x >= 0 {
			return time.Duration(x * float64(time.Second))
		}
	case int:
		if x >= 0 {
			return time.Duration(x) * time.Second
		}
	}
	return def
}

// Program is a named unit of work executed inside a run context. The returned
// value becomes the execution result payload.
type Program func(ctx context.Context, rc *Context) (any, error)

// Environment creates run contexts and dispatches programs.
type Environment struct {
	provider Provider
	programs *Registry
	log      logx.Logger
}

func New(provider Provider, programs *Registry, log logx.Logger) *Environment {
	if provider == nil {
		provider = NoopProvider()
	}
	if programs == nil {
		programs = NewRegistry()
	}
	return &Environment{
		provider: provider,
		programs: programs,
		log:      log.With(logx.String("component", "env")),
	}
}

func (e *Environment) Programs() *Registry { return e.programs }

// CreateContext acquires a session and builds the run context.
func (e *Environment) CreateContext(ctx context.Context, spec ContextSpec) (*Context, error) {
	sess, err := e.provider.Acquire(ctx, spec.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("acquire session (profile %q): %w", spec.ProfileID, err)
	}
	e.log.Debug("session acquired",
		logx.String("execution_id", spec.ExecutionID),
		logx.String("session_id", sess.ID()),
	)
	return &Context{
		ExecutionID: spec.ExecutionID,
		TaskID:      spec.TaskID,
		ProfileID:   spec.ProfileID,
		Params:      spec.Params,
		Debug:       spec.Debug,
		session:     sess,
		logFn:       spec.Log,
		progressFn:  spec.Progress,
	}, nil
}

// Run dispatches the named program inside rc.
func (e *Environment) Run(ctx context.Context, rc *Context, program string) (any, error) {
	p, ok := e.programs.Get(program)
	if !ok {
		return nil, fmt.Errorf("unknown program %q", program)
	}
	return p(ctx, rc)
}

// Cleanup releases the context's session. Safe to call more than once; only
// the first call closes.
func (e *Environment) Cleanup(ctx context.Context, rc *Context) error {
	if rc == nil || !rc.closed.CompareAndSwap(false, true) {
		return nil
	}
	if rc.session == nil {
		return nil
	}
	if err := rc.session.Close(ctx); err != nil {
		return fmt.Errorf("close session %s: %w", rc.session.ID(), err)
	}
	return nil
}

// noopSession backs the default provider: no real browser, just an id so the
// rest of the pipeline behaves identically.
type noopSession struct {
	id     string
	closed atomic.Bool
}

func (s *noopSession) ID() string { return s.id }

func (s *noopSession) Close(ctx context.Context) error {
	_ = ctx
	s.closed.Store(true)
	return nil
}

type noopProvider struct {
	mu     sync.Mutex
	issued int
}

// NoopProvider returns a provider that hands out inert sessions. It is the
// default when no browser integration is configured.
func NoopProvider() Provider { return &noopProvider{} }

func (p *noopProvider) Acquire(ctx context.Context, profileID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.issued++
	p.mu.Unlock()
	_ = profileID
	return &noopSession{id: uuid.NewString()}, nil
}
