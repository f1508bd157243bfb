package schedule

import (
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStartupSpread caps the random first-run delay added to interval entries.
const maxStartupSpread = 30 * time.Second

// delayedFirst holds an interval schedule back until its first run time,
// then hands over to the base schedule. Without it a restart would fire
// every "@every" entry in the same instant.
type delayedFirst struct {
	base  cron.Schedule
	until time.Time
}

func (d *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.until) {
		return d.until
	}
	return d.base.Next(t)
}

// intervalWithSpread builds the schedule for an interval entry. The first
// run lands at now+every plus a random delay under both the interval and
// maxStartupSpread; later runs follow the plain interval.
func intervalWithSpread(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := every
	if limit > maxStartupSpread {
		limit = maxStartupSpread
	}
	if limit <= 0 {
		return base, 0
	}
	jitter := time.Duration(rand.Int63n(int64(limit)))
	return &delayedFirst{base: base, until: now.Add(every + jitter)}, jitter
}
