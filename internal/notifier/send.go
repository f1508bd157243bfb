package notifier

import (
	"context"
	"math/rand"
	"time"

	"webtaskd/internal/eventbus"
	kit "webtaskd/internal/transport"
	logx "webtaskd/pkg/logx"
)

// outgoing is one queued alert. The dedup key is computed at intake so the
// workers stay cheap.
type outgoing struct {
	note kit.Notification
	key  string
}

// Notify queues one alert. A suppressed duplicate is success from the
// caller's view; only a full queue comes back as an error.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	pass := dedupPass{
		window:  s.cfg.DedupWindow,
		max:     s.cfg.DedupMaxEntries,
		persist: s.cfg.PersistDedup,
		store:   s.store,
		sink:    s.writeOut,
	}
	s.intakeWG.Add(1)
	s.mu.Unlock()
	defer s.intakeWG.Done()

	key := dedupKey(n)
	if pass.window > 0 && key != "" && !s.allowSend(ctx, key, pass) {
		s.emit(EventDeduped, n, key, "")
		return nil
	}

	s.emit(EventQueued, n, key, "")
	select {
	case q <- outgoing{note: n, key: key}:
		return nil
	default:
		s.emit(EventDropped, n, key, ErrQueueFull.Error())
		return ErrQueueFull
	}
}

func (s *Service) emit(typ string, n kit.Notification, key, errStr string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: NotificationEvent{
		Channel:  n.Channel,
		ChatID:   n.Target.ChatID,
		ThreadID: n.Target.ThreadID,
		Key:      key,
		At:       now,
		Error:    errStr,
	}})
}

// drainQueue is the worker loop. During a graceful stop the context stays
// live and the closed channel ends the loop, so buffered alerts still go
// out.
func (s *Service) drainQueue(ctx context.Context, q <-chan outgoing) {
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, o)
		}
	}
}

// deliver sends one alert, retrying with backoff up to the configured
// attempt budget.
func (s *Service) deliver(ctx context.Context, o outgoing) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	text := priorityPrefix(o.note.Priority) + o.note.Text
	if text == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		err := s.sendOnce(ctx, ad, o.note, text)
		if err == nil {
			s.appendHistory(text)
			s.emit(EventSent, o.note, o.key, "")
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}
	s.emit(EventFailed, o.note, o.key, lastErr.Error())
}

// sendOnce bounds a single transport call so a stuck adapter cannot hang a
// worker.
func (s *Service) sendOnce(ctx context.Context, ad kit.Adapter, n kit.Notification, text string) error {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := ad.SendText(callCtx, n.Target, text, n.Options)
	return err
}

// sleepCtx pauses for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func priorityPrefix(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

// retryDelay returns the pause before attempt+1: the base doubled per
// failure, jittered to 70..130%, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
