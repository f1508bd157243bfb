// Package pprof serves net/http/pprof behind an optional token and applies
// the runtime profiling rates from config.
package pprof

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	rtsup "webtaskd/internal/runtime/supervisor"
	logx "webtaskd/pkg/logx"
)

// Config controls the debug HTTP server. Binding beyond loopback requires a
// token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

type Service struct {
	mu       sync.Mutex
	log      logx.Logger
	cfg      Config
	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	draining chan struct{}
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	applyProfileRates(cfg)
	return &Service{cfg: cfg, log: log.With(logx.String("component", "pprof"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listen address, or "" while the server is down.
// With Addr ":0" in the config this is how callers learn the real port.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg, bouncing the server only when the new listener
// setup demands it. Profiling rates always apply, enabled or not.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	applyProfileRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// needsRestart reports whether moving between configs requires a listener
// bounce. Rate-only changes never do.
func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		normalizePrefix(a.Prefix) != normalizePrefix(b.Prefix) ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// applyProfileRates pushes the profiling knobs into the runtime. Zero keeps
// each runtime default.
func applyProfileRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// awaitIdle blocks while a previous Stop is still draining. False means ctx
// expired first.
func (s *Service) awaitIdle(ctx context.Context) bool {
	for {
		s.mu.Lock()
		drain := s.draining
		s.mu.Unlock()
		if drain == nil {
			return true
		}
		select {
		case <-drain:
		case <-ctx.Done():
			return false
		}
	}
}

// Start is idempotent. A Stop still draining is waited out first so the new
// server never races the old listener.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for s.awaitIdle(ctx) {
		s.mu.Lock()
		if s.draining != nil {
			// Lost a race with a fresh Stop; wait again.
			s.mu.Unlock()
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		sup := rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		s.sup = sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.runServer,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the server down. The drain runs in its own goroutine so a
// caller with a tight deadline can leave without wedging later Starts.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if done := s.draining; done != nil {
		// Another Stop owns the drain; just wait for it.
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.draining = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go s.drain(ctx, done, srv, ln, sup)

	select {
	case <-done:
	case <-ctx.Done():
		// Leave the drain running but force the workers down now.
		sup.Cancel()
	}
}

// drain tears the server down in order: HTTP shutdown, listener, workers.
// It clears the handles and always closes done.
func (s *Service) drain(ctx context.Context, done chan struct{}, srv *http.Server, ln net.Listener, sup *rtsup.Supervisor) {
	defer close(done)

	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())

	s.mu.Lock()
	s.ln, s.srv, s.sup = nil, nil, nil
	s.draining = nil
	s.mu.Unlock()
	s.log.Info("pprof stopped")
}
