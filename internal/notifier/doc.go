// Package notifier delivers operator alerts about execution lifecycle
// events (failures, timeouts, queue pressure) without blocking the
// scheduler.
//
// Delivery is async: a bounded queue feeds a small worker pool that rate
// limits, retries with backoff and dedups repeated alerts within a
// configurable window. The wire transport is a transport.Adapter (Telegram
// today); the notifier itself only adds priority prefixes and applies the
// throttling policies.
//
// A small in-memory history of recently sent alerts is kept for
// diagnostics.
package notifier
