// Package transport defines the outbound messaging surface shared by the
// notifier, the log forwarder and the chat adapters.
package transport

import "context"

// ChatTarget addresses a chat, optionally a thread inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a message an adapter has delivered.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is an outbound operator alert. Priority runs 0 (low) to 10 (high)
// and only affects presentation, not delivery order.
type Notification struct {
	Channel  string // "telegram" for now
	Priority int
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter delivers outbound text to a chat platform. webtaskd only sends
// (alerts and forwarded log lines); it has no inbound command surface.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Stop(ctx context.Context) error
}
