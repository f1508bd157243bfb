package notifier

import "time"

// Config controls the async alert pipeline.
type Config struct {
	Enabled bool

	// Pipeline shape.
	Workers    int
	QueueSize  int
	RatePerSec int

	// Per-notification retry.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// Duplicate suppression. A zero window disables it.
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Bus event types published by the notifier.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)

// HistoryItem is one delivered notification kept for the status surface.
type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is the bus payload for notifier lifecycle events. Keep
// it small; subscribers may log or serialize it.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
