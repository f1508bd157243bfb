package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"webtaskd/internal/storage"
	kit "webtaskd/internal/transport"
)

// dedupPass is the dedup configuration snapshotted at intake, so allowSend
// never touches s.cfg again.
type dedupPass struct {
	window  time.Duration
	max     int
	persist bool
	store   storage.Store
	sink    chan dedupWrite
}

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupKey folds channel, target, priority, and text into a stable hash.
// Alerts without a channel are never deduplicated.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return strconv.FormatUint(h.Sum64(), 16)
}

// allowSend reports whether the alert escapes the suppression window and,
// if so, opens a new window for its key. The store lookup keeps dedup
// across restarts; it is bounded tightly so intake never stalls on it.
func (s *Service) allowSend(ctx context.Context, key string, pass dedupPass) bool {
	now := time.Now()

	s.dmu.Lock()
	until, suppressed := s.seen[key]
	s.dmu.Unlock()
	if suppressed && now.Before(until) {
		return false
	}

	if pass.persist && pass.store != nil {
		if until, ok := s.storedWindow(ctx, pass.store, key); ok && now.Before(until) {
			s.dmu.Lock()
			s.seen[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until = now.Add(pass.window)
	s.dmu.Lock()
	s.seen[key] = until
	s.pruneSeenLocked(now, pass.max)
	s.dmu.Unlock()

	if pass.persist && pass.store != nil && pass.sink != nil {
		select {
		case pass.sink <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) storedWindow(ctx context.Context, st storage.Store, key string) (time.Time, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
	defer cancel()
	until, ok, err := st.GetDedup(cctx, key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	return until, true
}

// pruneSeenLocked drops expired windows, then evicts the earliest expiries
// until the cache fits max. Caller holds dmu.
func (s *Service) pruneSeenLocked(now time.Time, max int) {
	for k, u := range s.seen {
		if !now.Before(u) {
			delete(s.seen, k)
		}
	}
	for max > 0 && len(s.seen) > max {
		var (
			oldestKey string
			oldest    time.Time
			found     bool
		)
		for k, u := range s.seen {
			if !found || u.Before(oldest) {
				oldestKey, oldest, found = k, u, true
			}
		}
		if !found {
			return
		}
		delete(s.seen, oldestKey)
	}
}

// persistDedup writes new suppression windows to the store off the intake
// path. Runs until its channel closes during stop.
func (s *Service) persistDedup(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}
