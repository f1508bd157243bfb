package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: "ping", Data: 42})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "ping" || e.Data != 42 {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d event missing timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(8)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: "seq", Data: i})
	}
	for want := 0; want < 5; want++ {
		select {
		case e := <-ch:
			if e.Data != want {
				t.Fatalf("got %v, want %d", e.Data, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", want)
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(2)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "flood"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 8 {
		t.Fatalf("Dropped = %d, want 8", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // second call is a no-op

	// Publishing into a closed subscription must not panic.
	b.Publish(Event{Type: "after"})

	if _, ok := <-ch; ok {
		t.Fatal("received event after unsubscribe")
	}
}

func TestSubscribeDefaultBuffer(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	defer unsub()

	// The default buffer must absorb a burst without dropping.
	for i := 0; i < 8; i++ {
		b.Publish(Event{Type: "burst"})
	}
	if got := b.Dropped(); got != 0 {
		t.Fatalf("Dropped = %d, want 0", got)
	}
	for i := 0; i < 8; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}
