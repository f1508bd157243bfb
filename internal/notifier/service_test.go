package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"webtaskd/internal/eventbus"
	kit "webtaskd/internal/transport"
	logx "webtaskd/pkg/logx"
)

// fakeAdapter counts sends and can fail the first N calls or block until
// released, for queue pressure tests.
type fakeAdapter struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []string

	sentCh  chan string
	started chan struct{}
	release <-chan struct{}
}

func (a *fakeAdapter) SendText(ctx context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if a.started != nil {
		select {
		case a.started <- struct{}{}:
		default:
		}
	}
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failures > 0 {
		a.failures--
		return kit.MessageRef{}, errors.New("transport down")
	}
	a.sent = append(a.sent, text)
	if a.sentCh != nil {
		select {
		case a.sentCh <- text:
		default:
		}
	}
	return kit.MessageRef{MessageID: a.calls}, nil
}

func (a *fakeAdapter) Stop(context.Context) error { return nil }

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func note(text string, prio int) kit.Notification {
	return kit.Notification{
		Channel:  "telegram",
		Priority: prio,
		Target:   kit.ChatTarget{ChatID: -100500},
		Text:     text,
	}
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func stopNotifier(t *testing.T, s *Service) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
}

func waitText(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a send")
		return ""
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the adapter")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestNotifyLifecycleGates(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}

	disabled := New(Config{Enabled: false}, ad, logx.Nop(), nil, nil)
	if err := disabled.Notify(context.Background(), note("x", 0)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Notify = %v, want ErrDisabled", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := disabled.Notify(cctx, note("x", 0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Notify = %v, want context.Canceled", err)
	}

	notStarted := New(testConfig(), ad, logx.Nop(), nil, nil)
	if err := notStarted.Notify(context.Background(), note("x", 0)); !errors.Is(err, ErrStopped) {
		t.Fatalf("unstarted Notify = %v, want ErrStopped", err)
	}
}

func TestNotifySendsWithPriorityPrefix(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{sentCh: make(chan string, 8)}
	s := New(testConfig(), ad, logx.Nop(), nil, nil)
	stopNotifier(t, s)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), note("disk full", 9)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := waitText(t, ad.sentCh); got != "🚨 disk full" {
		t.Fatalf("sent = %q", got)
	}

	if err := s.Notify(context.Background(), note("plain", 0)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := waitText(t, ad.sentCh); got != "plain" {
		t.Fatalf("sent = %q", got)
	}

	waitFor(t, func() bool { return len(s.Snapshot()) == 2 })
	if hist := s.Snapshot(); hist[0].Text != "🚨 disk full" || hist[1].Text != "plain" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestNotifyDeduplicates(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{sentCh: make(chan string, 8)}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	t.Cleanup(unsub)

	cfg := testConfig()
	cfg.DedupWindow = time.Hour
	s := New(cfg, ad, logx.Nop(), bus, nil)
	stopNotifier(t, s)
	s.Start(context.Background())

	n := note("repeated failure", 7)
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	if err := s.Notify(context.Background(), n); err != nil {
		t.Fatalf("suppressed Notify: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for deduped := false; !deduped; {
		select {
		case ev := <-events:
			deduped = ev.Type == EventDeduped
		case <-deadline:
			t.Fatal("no dedup event seen")
		}
	}
	waitText(t, ad.sentCh)
	if got := ad.callCount(); got != 1 {
		t.Fatalf("calls = %d, want single delivery", got)
	}

	// Different text, different key: delivered.
	if err := s.Notify(context.Background(), note("another failure", 7)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := waitText(t, ad.sentCh); got != "⚠️ another failure" {
		t.Fatalf("sent = %q", got)
	}
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 2, sentCh: make(chan string, 1)}
	cfg := testConfig()
	cfg.RetryMax = 3
	s := New(cfg, ad, logx.Nop(), nil, nil)
	stopNotifier(t, s)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), note("flaky", 0)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := waitText(t, ad.sentCh); got != "flaky" {
		t.Fatalf("sent = %q", got)
	}
	if got := ad.callCount(); got != 3 {
		t.Fatalf("calls = %d, want 3 (two failures then success)", got)
	}
}

func TestNotifyFailureEvent(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failures: 10}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	t.Cleanup(unsub)

	s := New(testConfig(), ad, logx.Nop(), bus, nil) // RetryMax 0: one attempt
	stopNotifier(t, s)
	s.Start(context.Background())

	if err := s.Notify(context.Background(), note("down", 0)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventFailed {
				continue
			}
			ne, ok := ev.Data.(NotificationEvent)
			if !ok {
				t.Fatalf("event data = %T", ev.Data)
			}
			if ne.Error != "transport down" {
				t.Fatalf("event error = %q", ne.Error)
			}
			return
		case <-deadline:
			t.Fatal("no failure event seen")
		}
	}
}

func TestNotifyQueueFullDrops(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	ad := &fakeAdapter{started: started, release: release}

	cfg := testConfig()
	cfg.QueueSize = 1
	s := New(cfg, ad, logx.Nop(), nil, nil)
	stopNotifier(t, s)
	// Unblock the adapter before Stop drains (cleanups run LIFO).
	t.Cleanup(func() { close(release) })
	s.Start(context.Background())

	if err := s.Notify(context.Background(), note("first", 0)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitSignal(t, started) // worker now busy, queue empty

	if err := s.Notify(context.Background(), note("second", 0)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := s.Notify(context.Background(), note("third", 0)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Notify = %v, want ErrQueueFull", err)
	}
}

func TestStopDrainsQueueAndRestarts(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{sentCh: make(chan string, 8)}
	s := New(testConfig(), ad, logx.Nop(), nil, nil)
	stopNotifier(t, s)
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), note(fmt.Sprintf("msg-%d", i), 0)); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	if got := ad.callCount(); got != 3 {
		t.Fatalf("calls after Stop = %d, want all drained", got)
	}
	if err := s.Notify(context.Background(), note("late", 0)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after Stop = %v, want ErrStopped", err)
	}

	// Start is idempotent across a stop cycle.
	s.Start(context.Background())
	if err := s.Notify(context.Background(), note("again", 0)); err != nil {
		t.Fatalf("Notify after restart: %v", err)
	}
	waitFor(t, func() bool { return ad.callCount() == 4 })
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop(), nil, nil)
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.Workers != 2 || cfg.QueueSize != 512 || cfg.RatePerSec != 3 {
		t.Fatalf("pool defaults = %+v", cfg)
	}
	if cfg.RetryBase != 500*time.Millisecond || cfg.RetryMaxDelay != 10*time.Second {
		t.Fatalf("retry defaults = %+v", cfg)
	}
	if cfg.DedupMaxEntries != 2000 {
		t.Fatalf("DedupMaxEntries = %d", cfg.DedupMaxEntries)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}
