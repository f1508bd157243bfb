package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor context not cancelled")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestGoErrorCancelsSupervisor(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("boom", func(context.Context) error { return errors.New("bad state") })

	waitDone(t, sup.Context())
	err := sup.Err()
	if err == nil || !strings.Contains(err.Error(), "boom: bad state") {
		t.Fatalf("Err = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if werr := sup.Wait(ctx); werr == nil {
		t.Fatal("Wait returned nil after a goroutine error")
	}
}

func TestGoPanicIsRecovered(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("panicky", func(context.Context) error { panic("kaboom") })

	waitDone(t, sup.Context())
	err := sup.Err()
	if err == nil || !strings.Contains(err.Error(), "panic in panicky") {
		t.Fatalf("Err = %v", err)
	}

	snap := sup.Snapshot()
	if snap.FirstError == "" {
		t.Fatal("snapshot missing first error")
	}
	found := false
	for _, g := range snap.Goroutines {
		if g.Name == "panicky" && g.Panics == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("panic not counted in %+v", snap.Goroutines)
	}
}

func TestWaitReturnsWhenGoroutinesFinish(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())
	sup.Go0("a", func(context.Context) {})
	sup.Go0("b", func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	c := sup.Counters()
	if c.Started != 2 || c.Active != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())
	release := make(chan struct{})
	sup.Go0("stuck", func(context.Context) { <-release })
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sup.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

func TestGoRestartRestartsAfterError(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("transient")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitFor(t, func() bool { return runs.Load() >= 2 })
	sup.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background())

	var runs atomic.Int32
	sup.GoRestart("oneshot", func(context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want no restart after clean exit", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	sup := NewSupervisor(context.Background(), WithCancelOnError(true))

	var runs atomic.Int32
	sup.GoRestart("doomed", func(context.Context) error {
		runs.Add(1)
		return errors.New("always broken")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
		WithFatalOnFinalError(true),
	)

	waitDone(t, sup.Context())
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want initial run plus two restarts", got)
	}
	if err := sup.Err(); err == nil || !strings.Contains(err.Error(), "always broken") {
		t.Fatalf("Err = %v", err)
	}
}
