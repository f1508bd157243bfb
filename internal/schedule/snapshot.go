package schedule

import "time"

type EntryStatus struct {
	Name          string
	TaskID        string
	Spec          string
	Priority      int
	Timeout       time.Duration
	Next          time.Time
	Prev          time.Time
	StartupSpread time.Duration
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Entries  []EntryStatus
}

// Snapshot reports the registered entries with their next and previous
// trigger times.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	c := s.c
	loc := s.loc
	defs := make([]*entryDef, len(s.defs))
	copy(defs, s.defs)
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}

	items := make([]EntryStatus, 0, len(defs))
	for _, d := range defs {
		it := EntryStatus{
			Name:          d.entry.Name,
			TaskID:        d.entry.TaskID,
			Spec:          d.cronSpec,
			Priority:      d.entry.Priority,
			Timeout:       d.entry.Timeout,
			StartupSpread: d.startupSpread,
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	return Snapshot{Enabled: enabled, Running: c != nil, Timezone: tz, Entries: items}
}
