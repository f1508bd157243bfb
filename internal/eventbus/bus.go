// Package eventbus fans lifecycle events out to in-process subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is the unit of traffic on the bus. The scheduler publishes queue
// lifecycle transitions; the notifier, audit, and debug subscribers consume
// them. Data stays small and JSON-friendly.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus decouples publishers from subscribers. Publish never blocks; a
// subscriber that stops draining its buffer loses events instead of stalling
// the producer.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts events discarded on full subscriber buffers.
	Dropped() uint64
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

// Publish stamps a missing timestamp and offers e to every subscriber.
// Sends happen under the read lock; because they never block, Unsubscribe
// cannot close a channel mid-send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.RUnlock()
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			// No publisher can reach sub past this point.
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
