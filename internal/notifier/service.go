// Package notifier delivers operator alerts through a transport adapter:
// bounded queue, worker pool, rate limit, retry with backoff, and a dedup
// window that can survive restarts through the record store.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"webtaskd/internal/eventbus"
	rtsup "webtaskd/internal/runtime/supervisor"
	"webtaskd/internal/storage"
	kit "webtaskd/internal/transport"
	logx "webtaskd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	intakeWG  sync.WaitGroup

	queue    chan outgoing
	sup      *rtsup.Supervisor
	draining chan struct{} // non-nil while a stop drains

	// suppressed alerts: dedup key -> suppress until
	dmu      sync.Mutex
	seen     map[string]time.Time
	writeOut chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("component", "notifier")),
		bus:     bus,
		store:   store,
		seen:    map[string]time.Time{},
	}
	s.configure(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.configure(cfg)
	s.mu.Unlock()
}

// configure fills config gaps with working defaults and rebuilds the rate
// limiter. Caller holds mu (or owns s exclusively, as in New).
func (s *Service) configure(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Burst equals the per-second rate, so a short spike sends immediately.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
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

// Start is idempotent. A stop still draining is waited out first.
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
		if s.queue != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}

		s.queue = make(chan outgoing, s.cfg.QueueSize)
		s.accepting = true
		if s.cfg.PersistDedup && s.store != nil {
			s.writeOut = make(chan dedupWrite, 1024)
		}
		sup := rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		s.sup = sup
		workers, q, wo := s.cfg.Workers, s.queue, s.writeOut
		s.mu.Unlock()

		s.spawn(sup, workers, q, wo)
		return
	}
}

// spawn starts the persist loop and the send workers under sup.
func (s *Service) spawn(sup *rtsup.Supervisor, workers int, q chan outgoing, wo chan dedupWrite) {
	if wo != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistDedup(c, wo, s.store)
			return s.loopResult(c)
		}, rtsup.WithPublishFirstError(true))
	}
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("send.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.drainQueue(c, q)
			return s.loopResult(c)
		}, rtsup.WithPublishFirstError(true))
	}
}

// loopResult classifies a loop return: clean while stopping, restartable
// otherwise.
func (s *Service) loopResult(ctx context.Context) error {
	s.mu.Lock()
	stopping := s.draining != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("notifier loop exited unexpectedly")
}

// Stop blocks intake, lets queued alerts drain, and waits until ctx
// expires. The drain itself runs detached so an impatient caller does not
// wedge later Starts.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.queue == nil {
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
	s.accepting = false
	q, wo, sup := s.queue, s.writeOut, s.sup
	s.mu.Unlock()

	go s.drainAndClear(done, q, wo, sup)

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// drainAndClear hands the workers their drain signal and clears the
// handles. It always closes done.
func (s *Service) drainAndClear(done chan struct{}, q chan outgoing, wo chan dedupWrite, sup *rtsup.Supervisor) {
	defer close(done)

	// Once in-flight Notify calls finish, nobody can write to either
	// channel, so closing them is safe.
	s.intakeWG.Wait()
	if wo != nil {
		close(wo)
	}
	close(q)
	if sup != nil {
		_ = sup.Wait(context.Background())
	}

	s.mu.Lock()
	s.queue, s.writeOut = nil, nil
	s.sup = nil
	s.draining = nil
	s.mu.Unlock()
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}
